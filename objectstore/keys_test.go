// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package objectstore

import "testing"

func TestDefaultKeyTemplates(t *testing.T) {
	const hash = "3n58xw4373jp0ljirf06d8077j15pc4j"

	if got, err := DefaultKeyTemplates.NARInfoKey(hash); err != nil || got != hash+".narinfo" {
		t.Errorf("NARInfoKey(%q) = %q, %v, want %q, nil", hash, got, err, hash+".narinfo")
	}
	if got, err := DefaultKeyTemplates.ListingKey(hash, CompressionNone); err != nil || got != hash+".ls" {
		t.Errorf("ListingKey(%q, none) = %q, %v, want %q, nil", hash, got, err, hash+".ls")
	}
	if got, err := DefaultKeyTemplates.ListingKey(hash, CompressionGzip); err != nil || got != hash+".ls.gzip" {
		t.Errorf("ListingKey(%q, gzip) = %q, %v, want %q, nil", hash, got, err, hash+".ls.gzip")
	}
	if got, err := DefaultKeyTemplates.NARKey(hash, CompressionNone); err != nil || got != "nar/"+hash+".nar" {
		t.Errorf("NARKey(%q, none) = %q, %v, want %q, nil", hash, got, err, "nar/"+hash+".nar")
	}
	if got, err := DefaultKeyTemplates.NARKey(hash, CompressionGzip); err != nil || got != "nar/"+hash+".nar.gzip" {
		t.Errorf("NARKey(%q, gzip) = %q, %v, want %q, nil", hash, got, err, "nar/"+hash+".nar.gzip")
	}
}

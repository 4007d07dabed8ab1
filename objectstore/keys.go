// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package objectstore

import (
	"fmt"

	"zombiezen.com/go/uritemplate"
)

// KeyTemplates expands the object-store key layout for the three kinds of
// object a build produces: a narinfo summary, a directory listing, and
// the NAR content itself. Each is a URI template (RFC 6570) evaluated
// against a {hash, compression} variable set, expanded with
// [uritemplate.Expand] the same way a standard Nix-style binary cache
// names its objects.
type KeyTemplates struct {
	NARInfo string // e.g. "{hash}.narinfo"
	Listing string // e.g. "{hash}.ls{.compression}"
	NAR     string // e.g. "nar/{hash}.nar{.compression}"
}

// DefaultKeyTemplates matches a standard Nix-style binary cache layout.
var DefaultKeyTemplates = KeyTemplates{
	NARInfo: "{hash}.narinfo",
	Listing: "{hash}.ls{.compression}",
	NAR:     "nar/{hash}.nar{.compression}",
}

func (kt KeyTemplates) expand(tmpl, hash string, c Compression) (string, error) {
	data := map[string]any{"hash": hash}
	if c != CompressionNone {
		data["compression"] = string(c)
	}
	key, err := uritemplate.Expand(tmpl, data)
	if err != nil {
		return "", fmt.Errorf("objectstore: expand key template %q: %w", tmpl, err)
	}
	return key, nil
}

// NARInfoKey returns the object key for hash's narinfo.
func (kt KeyTemplates) NARInfoKey(hash string) (string, error) {
	return kt.expand(kt.NARInfo, hash, CompressionNone)
}

// ListingKey returns the object key for hash's directory listing,
// compressed with c.
func (kt KeyTemplates) ListingKey(hash string, c Compression) (string, error) {
	return kt.expand(kt.Listing, hash, c)
}

// NARKey returns the object key for hash's NAR content, compressed with c.
func (kt KeyTemplates) NARKey(hash string, c Compression) (string, error) {
	return kt.expand(kt.NAR, hash, c)
}

// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package objectstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
)

func TestFSStorePutGetHead(t *testing.T) {
	ctx := context.Background()
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	content := []byte("hello, world")
	info := Info{ContentType: "text/plain", ContentCoding: CompressionGzip}
	if err := s.Put(ctx, "a/b.narinfo", bytes.NewReader(content), int64(len(content)), info); err != nil {
		t.Fatal(err)
	}

	got, err := s.Head(ctx, "a/b.narinfo")
	if err != nil {
		t.Fatal(err)
	}
	if got.Size != int64(len(content)) {
		t.Errorf("Head size = %d, want %d", got.Size, len(content))
	}
	if got.ContentType != "text/plain" || got.ContentCoding != CompressionGzip {
		t.Errorf("Head info = %+v, want ContentType=text/plain ContentCoding=gzip", got)
	}

	rc, err := s.Get(ctx, "a/b.narinfo")
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	gotContent, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(gotContent, content) {
		t.Errorf("Get content = %q, want %q", gotContent, content)
	}
}

func TestFSStoreHeadMissingReturnsErrNotFound(t *testing.T) {
	ctx := context.Background()
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Head(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Head(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := s.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestFSStoreListFiltersByPrefix(t *testing.T) {
	ctx := context.Background()
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"nar/aaa.nar", "nar/bbb.nar", "aaa.narinfo"} {
		if err := s.Put(ctx, key, bytes.NewReader(nil), 0, Info{}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.List(ctx, "nar/")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("List(nar/) returned %d entries, want 2: %+v", len(got), got)
	}
	if got[0].Key != "nar/aaa.nar" || got[1].Key != "nar/bbb.nar" {
		t.Errorf("List(nar/) keys = [%s %s], want sorted [nar/aaa.nar nar/bbb.nar]", got[0].Key, got[1].Key)
	}
}

func TestFSStoreDelete(t *testing.T) {
	ctx := context.Background()
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, "a", bytes.NewReader([]byte("x")), 1, Info{}); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Head(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Head after Delete error = %v, want ErrNotFound", err)
	}
	// Deleting an already-absent key is not an error.
	if err := s.Delete(ctx, "a"); err != nil {
		t.Errorf("Delete(already-deleted) error = %v, want nil", err)
	}
}

func TestFSStoreRejectsPathTraversal(t *testing.T) {
	ctx := context.Background()
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Head(ctx, "../escape"); err == nil {
		t.Error("Head(../escape) = nil error, want error")
	}
}

func TestNewFSStoreCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "store")
	if _, err := NewFSStore(dir); err != nil {
		t.Fatal(err)
	}
}

// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package eval

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := OpenCache(filepath.Join(t.TempDir(), "eval-cache.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := c.Close(); err != nil {
			t.Error(err)
		}
	})
	return c
}

func TestCacheLookupMiss(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	_, ok, err := c.Lookup(ctx, "pkgs.hello", "digest1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("Lookup on an empty cache found an entry, want miss")
	}
}

func TestCacheStoreThenLookup(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	want := []byte("derivation bytes")
	if err := c.Store(ctx, "pkgs.hello", "digest1", want); err != nil {
		t.Fatal(err)
	}

	got, ok, err := c.Lookup(ctx, "pkgs.hello", "digest1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("Lookup after Store found no entry")
	}
	if string(got) != string(want) {
		t.Errorf("Lookup derivation = %q, want %q", got, want)
	}
}

func TestCacheLookupStaleDigestMisses(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	if err := c.Store(ctx, "pkgs.hello", "digest1", []byte("old")); err != nil {
		t.Fatal(err)
	}

	_, ok, err := c.Lookup(ctx, "pkgs.hello", "digest2")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("Lookup with a changed input digest found an entry, want miss")
	}
}

func TestCacheStoreReplacesEntry(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	if err := c.Store(ctx, "pkgs.hello", "digest1", []byte("old")); err != nil {
		t.Fatal(err)
	}
	if err := c.Store(ctx, "pkgs.hello", "digest2", []byte("new")); err != nil {
		t.Fatal(err)
	}

	got, ok, err := c.Lookup(ctx, "pkgs.hello", "digest2")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("Lookup after replacing an entry found no entry")
	}
	if string(got) != "new" {
		t.Errorf("Lookup derivation = %q, want %q", got, "new")
	}
}

func TestCacheInvalidate(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	if err := c.Store(ctx, "pkgs.hello", "digest1", []byte("bytes")); err != nil {
		t.Fatal(err)
	}
	if err := c.Invalidate(ctx, "pkgs.hello"); err != nil {
		t.Fatal(err)
	}

	_, ok, err := c.Lookup(ctx, "pkgs.hello", "digest1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("Lookup after Invalidate found an entry, want miss")
	}
}

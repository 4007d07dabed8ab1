// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package storepath

import (
	"errors"
	"testing"

	"nixdispatch.dev/pkg/zbstore"
)

const (
	root = "/zb/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1"
	dep  = "/zb/store/g1w7hy3qg1w7hy3qg1w7hy3qg1w7hy3q-glibc-2.35"
)

func TestParse(t *testing.T) {
	p, err := Parse(root)
	if err != nil {
		t.Fatal(err)
	}
	if string(p) != root {
		t.Errorf("Parse(%q) = %q, want %q", root, p, root)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	_, err := Parse("not-an-absolute-path")
	if err == nil {
		t.Fatal("Parse(...) = nil error, want error")
	}
	var invalid *InvalidPathError
	if !errors.As(err, &invalid) {
		t.Errorf("Parse(...) error = %v (%T), want *InvalidPathError", err, err)
	}
}

func TestClosureOfFollowsReferencesOnce(t *testing.T) {
	rootPath := zbstore.Path(root)
	depPath := zbstore.Path(dep)
	calls := make(map[zbstore.Path]int)
	refs := func(p zbstore.Path) ([]zbstore.Path, error) {
		calls[p]++
		if p == rootPath {
			return []zbstore.Path{depPath}, nil
		}
		return nil, nil
	}

	got, err := ClosureOf([]zbstore.Path{rootPath, rootPath}, refs)
	if err != nil {
		t.Fatal(err)
	}
	want := []zbstore.Path{rootPath, depPath}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("ClosureOf(...) = %v, want %v", got, want)
	}
	if calls[rootPath] != 1 {
		t.Errorf("refs(%q) called %d times, want 1 (closure must not revisit roots)", rootPath, calls[rootPath])
	}
}

func TestClosureOfPropagatesLookupError(t *testing.T) {
	rootPath := zbstore.Path(root)
	refs := func(p zbstore.Path) ([]zbstore.Path, error) {
		return nil, zbstore.ErrNotFound
	}
	if _, err := ClosureOf([]zbstore.Path{rootPath}, refs); !errors.Is(err, zbstore.ErrNotFound) {
		t.Errorf("ClosureOf(...) error = %v, want wrapped %v", err, zbstore.ErrNotFound)
	}
}

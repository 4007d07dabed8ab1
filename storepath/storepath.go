// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package storepath provides store-path-level helpers shared by the
// broker and object store: parsing/validation errors in the shape the
// rest of the module expects, and closure computation over a
// caller-supplied reference lookup.
package storepath

import (
	"fmt"

	"nixdispatch.dev/pkg/zbstore"
)

// InvalidPathError indicates that a string did not parse as a valid
// [zbstore.Path].
type InvalidPathError struct {
	Input string
	Err   error
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("invalid store path %q: %v", e.Input, e.Err)
}

func (e *InvalidPathError) Unwrap() error { return e.Err }

// Parse parses s as a [zbstore.Path], wrapping any failure in an
// [InvalidPathError].
func Parse(s string) (zbstore.Path, error) {
	p, err := zbstore.ParsePath(s)
	if err != nil {
		return "", &InvalidPathError{Input: s, Err: err}
	}
	return p, nil
}

// ReferencesFunc looks up the direct references of a store path, for use
// with [ClosureOf]. It should return [zbstore.ErrNotFound] (or wrap it)
// if the path is not known.
type ReferencesFunc func(p zbstore.Path) ([]zbstore.Path, error)

// ClosureOf computes the transitive closure of roots under refs: every
// path reachable by following direct references, including the roots
// themselves. This is the Go-native replacement for computeFSClosure —
// the broker uses it to determine which paths must accompany a
// derivation's inputSrcs, and the object store uses it to determine what
// must be copied alongside a requested path.
func ClosureOf(roots []zbstore.Path, refs ReferencesFunc) ([]zbstore.Path, error) {
	seen := make(map[zbstore.Path]bool)
	var closure []zbstore.Path
	var visit func(p zbstore.Path) error
	visit = func(p zbstore.Path) error {
		if seen[p] {
			return nil
		}
		seen[p] = true
		closure = append(closure, p)
		direct, err := refs(p)
		if err != nil {
			return fmt.Errorf("closure of %s: %w", p, err)
		}
		for _, d := range direct {
			if err := visit(d); err != nil {
				return err
			}
		}
		return nil
	}
	for _, r := range roots {
		if err := visit(r); err != nil {
			return nil, err
		}
	}
	return closure, nil
}

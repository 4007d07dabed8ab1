// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package zbstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"nixdispatch.dev/pkg/sets"
)

// ErrNotFound is returned by [Store] and [Object] methods
// when a requested store path does not exist.
var ErrNotFound = errors.New("store object not found")

// A Store provides read access to store objects by path.
// Store implementations must be safe to call concurrently from multiple goroutines.
type Store interface {
	// Object returns a handle to the store object at the given path.
	// Object returns an error wrapping [ErrNotFound] if the path does not exist.
	Object(ctx context.Context, path Path) (Object, error)
}

// An Object is a handle to a single store object held by a [Store].
type Object interface {
	// Trailer returns the store object's metadata.
	Trailer() *ExportTrailer
	// WriteNAR serializes the store object's file system tree to dst
	// in NAR format.
	WriteNAR(ctx context.Context, dst io.Writer) error
}

// A BatchStore is a [Store] that can look up multiple store objects
// more efficiently than calling [Store.Object] in a loop.
type BatchStore interface {
	Store
	// ObjectBatch returns handles for every path in the given set.
	// If a path in the set does not exist,
	// ObjectBatch must still return a result for every other existing path
	// along with an error wrapping [ErrNotFound].
	ObjectBatch(ctx context.Context, paths sets.Set[Path]) ([]Object, error)
}

// ObjectBatch looks up every path in the given set,
// using [BatchStore.ObjectBatch] if store implements [BatchStore]
// or a bounded pool of goroutines calling [Store.Object] otherwise.
// maxConcurrency limits the number of concurrent [Store.Object] calls
// in the fallback case; values less than 1 are treated as 1.
func ObjectBatch(ctx context.Context, store Store, paths sets.Set[Path], maxConcurrency int) ([]Object, error) {
	if bs, ok := store.(BatchStore); ok {
		return bs.ObjectBatch(ctx, paths)
	}
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}

	pathList := slices.Collect(paths.All())
	results := make([]Object, len(pathList))
	errs := make([]error, len(pathList))
	sem := make(chan struct{}, maxConcurrency)
	done := make(chan int, len(pathList))
	for i, p := range pathList {
		sem <- struct{}{}
		go func(i int, p Path) {
			defer func() { <-sem; done <- i }()
			results[i], errs[i] = store.Object(ctx, p)
		}(i, p)
	}
	for range pathList {
		<-done
	}

	var objects []Object
	var joined error
	for i, obj := range results {
		if errs[i] != nil {
			joined = errors.Join(joined, fmt.Errorf("%s: %w", pathList[i], errs[i]))
			continue
		}
		objects = append(objects, obj)
	}
	return objects, joined
}

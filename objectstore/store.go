// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package objectstore provides the HEAD/GET/PUT/LIST object-store
// abstraction the broker and worker use to publish and fetch build
// artifacts (narinfo, listing, and NAR objects), independent of the
// wire protocol used to reach the backing store. Multipart upload byte
// layout is intentionally out of scope; this package only exposes a
// streaming Put that a caller-supplied implementation may chunk however
// it likes.
package objectstore

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound indicates that a requested key does not exist in the
// store.
var ErrNotFound = errors.New("objectstore: object not found")

// Info describes a stored object's metadata, returned by Head and List.
type Info struct {
	Key           string
	Size          int64
	ContentType   string
	ContentCoding Compression
}

// Store is the object-store abstraction: HEAD/GET/PUT/LIST over
// arbitrary byte keys.
type Store interface {
	// Head returns metadata for key without fetching its content.
	// Returns ErrNotFound if key does not exist.
	Head(ctx context.Context, key string) (Info, error)

	// Get streams key's content. The caller must Close the returned
	// reader. Returns ErrNotFound if key does not exist.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Put stores r's content under key, replacing any existing object.
	// size may be -1 if unknown. Implementations that require chunked
	// or multipart upload for large objects perform that chunking
	// internally; the caller only sees a single streaming write.
	Put(ctx context.Context, key string, r io.Reader, size int64, info Info) error

	// List returns metadata for every stored object whose key has the
	// given prefix.
	List(ctx context.Context, prefix string) ([]Info, error)

	// Delete removes key. It is not an error if key does not exist.
	Delete(ctx context.Context, key string) error
}

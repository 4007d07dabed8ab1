// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package objectstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FSStore is a [Store] backed by a local directory tree, one file per
// key (with '/' in a key mapped to a subdirectory). It exists as the
// module's one concrete [Store] for tests and single-host deployments;
// a production deployment would supply an equivalent backed by a real
// object-storage service.
type FSStore struct {
	root string

	mu    sync.Mutex
	types map[string]Info // key -> metadata not recoverable from the filesystem alone
}

// NewFSStore returns a [Store] rooted at dir, creating it if necessary.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, fmt.Errorf("objectstore: new fs store: %w", err)
	}
	return &FSStore{root: dir, types: make(map[string]Info)}, nil
}

func (s *FSStore) path(key string) (string, error) {
	if strings.Contains(key, "..") {
		return "", fmt.Errorf("objectstore: invalid key %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

func (s *FSStore) Head(ctx context.Context, key string) (Info, error) {
	p, err := s.path(key)
	if err != nil {
		return Info{}, err
	}
	fi, err := os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return Info{}, ErrNotFound
	}
	if err != nil {
		return Info{}, fmt.Errorf("objectstore: head %s: %w", key, err)
	}
	s.mu.Lock()
	info, ok := s.types[key]
	s.mu.Unlock()
	if !ok {
		info = Info{Key: key}
	}
	info.Key = key
	info.Size = fi.Size()
	return info, nil
}

func (s *FSStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("objectstore: get %s: %w", key, err)
	}
	return f, nil
}

// Put stages r into a temporary file in the same directory as the final
// key (so the final rename is atomic within one filesystem), then
// renames it into place — the multipart-upload analogue for a local
// store: every "part" after the first appends to the same staging file
// instead of a separate network part.
func (s *FSStore) Put(ctx context.Context, key string, r io.Reader, size int64, info Info) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o777); err != nil {
		return fmt.Errorf("objectstore: put %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-"+randomSuffix())
	if err != nil {
		return fmt.Errorf("objectstore: put %s: %w", key, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpPath)
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return fmt.Errorf("objectstore: put %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("objectstore: put %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("objectstore: put %s: %w", key, err)
	}
	if err := os.Rename(tmpPath, p); err != nil {
		return fmt.Errorf("objectstore: put %s: %w", key, err)
	}

	info.Key = key
	s.mu.Lock()
	s.types[key] = info
	s.mu.Unlock()
	return nil
}

func (s *FSStore) List(ctx context.Context, prefix string) ([]Info, error) {
	var out []Info
	root := s.root
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		s.mu.Lock()
		info, ok := s.types[key]
		s.mu.Unlock()
		if !ok {
			info = Info{Key: key}
		}
		info.Key = key
		info.Size = fi.Size()
		out = append(out, info)
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("objectstore: list %s: %w", prefix, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *FSStore) Delete(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("objectstore: delete %s: %w", key, err)
	}
	s.mu.Lock()
	delete(s.types, key)
	s.mu.Unlock()
	return nil
}

func randomSuffix() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

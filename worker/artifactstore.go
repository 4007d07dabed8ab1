// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"zombiezen.com/go/nix"

	"nixdispatch.dev/pkg/objectstore"
	"nixdispatch.dev/pkg/sets"
	"nixdispatch.dev/pkg/zbstore"
)

// narContentType is the content type a worker stores a NAR object under;
// the binary cache protocol does not mandate a specific value, and
// internal/remotestore/httpstore.go never inspects it, so this is chosen
// purely for operator legibility when listing the artifact store.
const narContentType = "application/x-nix-nar"

// ArtifactStore presents an [objectstore.Store] holding narinfo/NAR pairs
// as a [zbstore.Store], the same role [internal/remotestore.HTTPStore]
// plays for a binary cache reachable over HTTP. It lets a worker move a
// derivation's input closure out of the shared object store and its
// output closure back in using the same [zbstore.Export]/
// [zbstore.ReceiveExport] machinery the local store daemon uses, without
// either side knowing the object store's key layout.
type ArtifactStore struct {
	backend     objectstore.Store
	keys        objectstore.KeyTemplates
	compression objectstore.Compression
}

// NewArtifactStore returns an [ArtifactStore] backed by backend, using
// keys to lay out narinfo/NAR object keys and compressing newly written
// NAR content with compression.
func NewArtifactStore(backend objectstore.Store, keys objectstore.KeyTemplates, compression objectstore.Compression) *ArtifactStore {
	return &ArtifactStore{backend: backend, keys: keys, compression: compression}
}

// narCompressionType maps an object-store content-coding to the
// equivalent narinfo Compression field, the only two codings a worker
// ever writes into the artifact store.
func narCompressionType(c objectstore.Compression) zbstore.CompressionType {
	if c == objectstore.CompressionGzip {
		return zbstore.Gzip
	}
	return zbstore.NoCompression
}

func (s *ArtifactStore) narInfo(ctx context.Context, path zbstore.Path) (*zbstore.NARInfo, error) {
	key, err := s.keys.NARInfoKey(path.Digest())
	if err != nil {
		return nil, fmt.Errorf("artifact store: %s: %w", path, err)
	}
	r, err := s.backend.Get(ctx, key)
	if errors.Is(err, objectstore.ErrNotFound) {
		return nil, fmt.Errorf("artifact store: %s: %w", path, zbstore.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("artifact store: %s: %w", path, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("artifact store: %s: %w", path, err)
	}
	info := new(zbstore.NARInfo)
	if err := info.UnmarshalText(data); err != nil {
		return nil, fmt.Errorf("artifact store: %s: %w", path, err)
	}
	return info, nil
}

// Object implements [zbstore.Store].
func (s *ArtifactStore) Object(ctx context.Context, path zbstore.Path) (zbstore.Object, error) {
	info, err := s.narInfo(ctx, path)
	if err != nil {
		return nil, err
	}
	return &artifactObject{store: s, info: info}, nil
}

// putNAR uploads a NAR's decompressed bytes under path's NAR key, and
// returns the narinfo fields describing what was written.
func (s *ArtifactStore) putNAR(ctx context.Context, path zbstore.Path, nar []byte) (url string, narHash nix.Hash, narSize int64, fileHash nix.Hash, fileSize int64, err error) {
	if s.compression != objectstore.CompressionNone && s.compression != objectstore.CompressionGzip {
		return "", nix.Hash{}, 0, nix.Hash{}, 0, fmt.Errorf("artifact store: put %s: unsupported NAR compression %q", path, s.compression)
	}
	h := nix.NewHasher(nix.SHA256)
	h.Write(nar)
	narHash = h.SumHash()
	narSize = int64(len(nar))

	var body bytes.Buffer
	w, err := objectstore.Encode(&body, s.compression)
	if err != nil {
		return "", nix.Hash{}, 0, nix.Hash{}, 0, fmt.Errorf("artifact store: put %s: %w", path, err)
	}
	if _, err := w.Write(nar); err != nil {
		return "", nix.Hash{}, 0, nix.Hash{}, 0, fmt.Errorf("artifact store: put %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return "", nix.Hash{}, 0, nix.Hash{}, 0, fmt.Errorf("artifact store: put %s: %w", path, err)
	}

	fh := nix.NewHasher(nix.SHA256)
	fh.Write(body.Bytes())
	fileHash = fh.SumHash()
	fileSize = int64(body.Len())

	key, err := s.keys.NARKey(path.Digest(), s.compression)
	if err != nil {
		return "", nix.Hash{}, 0, nix.Hash{}, 0, fmt.Errorf("artifact store: put %s: %w", path, err)
	}
	if err := s.backend.Put(ctx, key, bytes.NewReader(body.Bytes()), int64(body.Len()), objectstore.Info{
		ContentType:   narContentType,
		ContentCoding: s.compression,
	}); err != nil {
		return "", nix.Hash{}, 0, nix.Hash{}, 0, fmt.Errorf("artifact store: put %s: %w", path, err)
	}
	return key, narHash, narSize, fileHash, fileSize, nil
}

// putNARInfo uploads info under path's narinfo key.
func (s *ArtifactStore) putNARInfo(ctx context.Context, path zbstore.Path, info *zbstore.NARInfo) error {
	data, err := info.MarshalText()
	if err != nil {
		return fmt.Errorf("artifact store: put %s: %w", path, err)
	}
	key, err := s.keys.NARInfoKey(path.Digest())
	if err != nil {
		return fmt.Errorf("artifact store: put %s: %w", path, err)
	}
	if err := s.backend.Put(ctx, key, bytes.NewReader(data), int64(len(data)), objectstore.Info{
		ContentType: zbstore.NARInfoMIMEType,
	}); err != nil {
		return fmt.Errorf("artifact store: put %s: %w", path, err)
	}
	return nil
}

type artifactObject struct {
	store *ArtifactStore
	info  *zbstore.NARInfo
}

func (o *artifactObject) Trailer() *zbstore.ExportTrailer {
	return &zbstore.ExportTrailer{
		StorePath:      o.info.StorePath,
		References:     *sets.NewSorted(o.info.References...),
		Deriver:        o.info.Deriver,
		ContentAddress: o.info.CA,
	}
}

func (o *artifactObject) WriteNAR(ctx context.Context, dst io.Writer) error {
	r, err := o.store.backend.Get(ctx, o.info.URL)
	if err != nil {
		return fmt.Errorf("write nar for %s: %w", o.info.StorePath, err)
	}
	defer r.Close()
	dr, err := objectstore.Decode(r, objectStoreCompressionOf(o.info.Compression))
	if err != nil {
		return fmt.Errorf("write nar for %s: %w", o.info.StorePath, err)
	}
	defer dr.Close()
	if _, err := io.Copy(dst, dr); err != nil {
		return fmt.Errorf("write nar for %s: %w", o.info.StorePath, err)
	}
	return nil
}

func objectStoreCompressionOf(c zbstore.CompressionType) objectstore.Compression {
	switch c {
	case zbstore.Gzip:
		return objectstore.CompressionGzip
	case zbstore.Brotli:
		return objectstore.CompressionBrotli
	default:
		return objectstore.CompressionNone
	}
}

// artifactReceiver implements [zbstore.NARReceiver], uploading each
// object it receives into an [ArtifactStore] as a narinfo/NAR pair. It is
// used as the [zbstore.NARReceiver] passed to [zbstore.ReceiveExport]
// when staging a build's outputs out of the local store.
type artifactReceiver struct {
	ctx   context.Context
	store *ArtifactStore
	buf   bytes.Buffer
	err   error
}

func newArtifactReceiver(ctx context.Context, store *ArtifactStore) *artifactReceiver {
	return &artifactReceiver{ctx: ctx, store: store}
}

func (r *artifactReceiver) Write(p []byte) (int, error) {
	if r.err != nil {
		return len(p), nil
	}
	return r.buf.Write(p)
}

func (r *artifactReceiver) ReceiveNAR(trailer *zbstore.ExportTrailer) {
	defer r.buf.Reset()
	if r.err != nil {
		return
	}
	nar := append([]byte(nil), r.buf.Bytes()...)
	url, narHash, narSize, fileHash, fileSize, err := r.store.putNAR(r.ctx, trailer.StorePath, nar)
	if err != nil {
		r.err = err
		return
	}
	references := make([]zbstore.Path, trailer.References.Len())
	for i := range references {
		references[i] = trailer.References.At(i)
	}
	info := &zbstore.NARInfo{
		StorePath:   trailer.StorePath,
		URL:         url,
		Compression: narCompressionType(r.store.compression),
		FileHash:    fileHash,
		FileSize:    fileSize,
		NARHash:     narHash,
		NARSize:     narSize,
		References:  references,
		Deriver:     trailer.Deriver,
		CA:          trailer.ContentAddress,
	}
	if r.store.compression == objectstore.CompressionNone {
		info.FileHash = nix.Hash{}
		info.FileSize = 0
	}
	if err := r.store.putNARInfo(r.ctx, trailer.StorePath, info); err != nil {
		r.err = err
	}
}

// Err returns the first error encountered while receiving objects, if
// any.
func (r *artifactReceiver) Err() error {
	return r.err
}

// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"errors"
	"net/url"

	"nixdispatch.dev/pkg/internal/remotestore"
	"nixdispatch.dev/pkg/zbstore"
)

// fallbackStore tries primary first and falls back to secondary on
// [zbstore.ErrNotFound], the same two-tier substituter chain a binary
// cache client uses: a worker's own shared artifact store is always
// consulted first, and a public binary cache (an
// [internal/remotestore.HTTPStore]) only has to serve objects the
// artifact store has never staged, such as a derivation's unbuilt
// upstream dependencies.
type fallbackStore struct {
	primary   zbstore.Store
	secondary zbstore.Store
}

// NewUpstreamStore returns a [zbstore.Store] consulting artifacts first
// and falling back to an HTTP binary cache at upstreamCacheURL, or
// artifacts alone if upstreamCacheURL is empty.
func NewUpstreamStore(artifacts *ArtifactStore, upstreamCacheURL string) (zbstore.Store, error) {
	if upstreamCacheURL == "" {
		return artifacts, nil
	}
	u, err := url.Parse(upstreamCacheURL)
	if err != nil {
		return nil, err
	}
	return &fallbackStore{
		primary:   artifacts,
		secondary: &remotestore.HTTPStore{URL: u},
	}, nil
}

func (s *fallbackStore) Object(ctx context.Context, path zbstore.Path) (zbstore.Object, error) {
	obj, err := s.primary.Object(ctx, path)
	if err == nil || !errors.Is(err, zbstore.ErrNotFound) {
		return obj, err
	}
	return s.secondary.Object(ctx, path)
}

// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package worker implements the build worker: it receives work from the
// shared queue, stages a derivation's inputs into the machine's local zb
// store, asks that store to realize the derivation, stages the
// resulting outputs back out to the shared artifact store, and reports
// the outcome on the work's private result queue.
package worker

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"zombiezen.com/go/log"

	"nixdispatch.dev/pkg/buildqueue"
	"nixdispatch.dev/pkg/internal/jsonrpc"
	"nixdispatch.dev/pkg/internal/zbstorerpc"
	"nixdispatch.dev/pkg/sets"
	"nixdispatch.dev/pkg/zbstore"
)

// localStorePollInterval is how often [LocalStore.Build] polls
// zb.getBuild for a realization it started, the same poll interval a
// zb CLI invocation uses to watch a running build's status.
const localStorePollInterval = 500 * time.Millisecond

// LocalStore is a worker's narrow view of the machine's local zb store
// daemon: the external collaborator the worker loop stages a
// derivation's inputs into, asks to realize the derivation, and copies
// outputs back out of. A worker never links against the store daemon's
// implementation (internal/backend); it only ever dials the daemon's
// Unix socket and speaks the same client JSON-RPC protocol a zb CLI
// invocation would.
type LocalStore struct {
	dir    zbstore.Directory
	client *jsonrpc.Client
	rpc    *zbstorerpc.Store
}

// DialLocalStore returns a [LocalStore] that connects to the zb store
// daemon listening on socketPath on demand. The connection is not
// established until the first RPC is made.
func DialLocalStore(dir zbstore.Directory, socketPath string) *LocalStore {
	rpcStore := new(zbstorerpc.Store)
	client := jsonrpc.NewClient(func(ctx context.Context) (jsonrpc.ClientCodec, error) {
		conn, err := (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
		if err != nil {
			return nil, err
		}
		return zbstorerpc.NewCodec(conn, &zbstorerpc.CodecOptions{Importer: rpcStore}), nil
	})
	rpcStore.Handler = client
	return &LocalStore{dir: dir, client: client, rpc: rpcStore}
}

// Close shuts down the connection to the store daemon.
func (s *LocalStore) Close() error {
	return s.client.Close()
}

// QueryPathInfo returns path's references and content address as known
// to the local store, or [zbstore.ErrNotFound] if the local store does
// not have the object.
func (s *LocalStore) QueryPathInfo(ctx context.Context, path zbstore.Path) (*zbstore.ExportTrailer, error) {
	obj, err := s.rpc.Object(ctx, path)
	if err != nil {
		return nil, err
	}
	return obj.Trailer(), nil
}

// StageIn copies the transitive closure of paths from src into the local
// store, so that a subsequent call to [LocalStore.Build] has everything
// the realization needs already present.
func (s *LocalStore) StageIn(ctx context.Context, src zbstore.Store, paths *sets.Sorted[zbstore.Path]) error {
	pr, pw := io.Pipe()
	exportErr := make(chan error, 1)
	go func() {
		exportErr <- zbstore.Export(ctx, src, pw, paths.AsSet(), nil)
		pw.Close()
	}()

	importErr := s.rpc.StoreImport(ctx, pr)
	pr.Close()
	if err := <-exportErr; err != nil {
		return fmt.Errorf("worker: stage in: %w", err)
	}
	if importErr != nil {
		return fmt.Errorf("worker: stage in: %w", importErr)
	}
	return nil
}

// StageOut copies the transitive closure of paths from the local store
// into dst, publishing a build's outputs to the shared artifact store.
func (s *LocalStore) StageOut(ctx context.Context, dst *ArtifactStore, paths *sets.Sorted[zbstore.Path]) error {
	pr, pw := io.Pipe()
	exportErr := make(chan error, 1)
	go func() {
		exportErr <- s.rpc.StoreExport(ctx, pw, paths.AsSet(), nil)
		pw.Close()
	}()

	receiver := newArtifactReceiver(ctx, dst)
	receiveErr := zbstore.ReceiveExport(receiver, pr)
	pr.Close()
	if err := <-exportErr; err != nil {
		return fmt.Errorf("worker: stage out: %w", err)
	}
	if receiveErr != nil {
		return fmt.Errorf("worker: stage out: %w", receiveErr)
	}
	if err := receiver.Err(); err != nil {
		return fmt.Errorf("worker: stage out: %w", err)
	}
	return nil
}

// BuildOutcome is the result of [LocalStore.Build]: the status to report
// upstream plus the output paths that need staging out, if any.
type BuildOutcome struct {
	Status  buildqueue.BuildResultStatus
	ErrMsg  string
	Outputs *sets.Sorted[zbstore.Path]
}

// Build triggers realization of drvPath, already staged into the local
// store, and blocks until the store reports the build as finished or ctx
// is done. It translates the store's build outcome into a
// [buildqueue.BuildResultStatus], never returning a non-nil error for a
// build that merely failed — only for a protocol or I/O failure talking
// to the store daemon.
func (s *LocalStore) Build(ctx context.Context, drvPath zbstore.Path) (*BuildOutcome, error) {
	realizeResp := new(zbstorerpc.RealizeResponse)
	err := jsonrpc.Do(ctx, s.client, zbstorerpc.RealizeMethod, realizeResp, &zbstorerpc.RealizeRequest{
		DrvPaths: []zbstore.Path{drvPath},
	})
	if err != nil {
		return nil, fmt.Errorf("worker: realize %s: %w", drvPath, err)
	}

	ticker := time.NewTicker(localStorePollInterval)
	defer ticker.Stop()
	for {
		build := new(zbstorerpc.Build)
		err = jsonrpc.Do(ctx, s.client, zbstorerpc.GetBuildMethod, build, &zbstorerpc.GetBuildRequest{
			BuildID: realizeResp.BuildID,
		})
		if err != nil {
			return nil, fmt.Errorf("worker: poll build %s: %w", realizeResp.BuildID, err)
		}
		if build.Status.IsFinished() {
			return s.buildOutcome(ctx, realizeResp.BuildID, drvPath, build.Status)
		}

		log.Debugf(ctx, "worker: build %s still %s, polling again", realizeResp.BuildID, build.Status)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			_, _ = s.client.JSONRPC(context.WithoutCancel(ctx), &jsonrpc.Request{
				Method:       zbstorerpc.CancelBuildMethod,
				Notification: true,
			})
			return nil, fmt.Errorf("worker: wait for build %s: %w", realizeResp.BuildID, ctx.Err())
		}
	}
}

func (s *LocalStore) buildOutcome(ctx context.Context, buildID string, drvPath zbstore.Path, status zbstorerpc.BuildStatus) (*BuildOutcome, error) {
	if status == zbstorerpc.BuildError {
		return &BuildOutcome{
			Status: buildqueue.StatusMiscFailure,
			ErrMsg: fmt.Sprintf("store reported an internal error for build %s", buildID),
		}, nil
	}

	result := new(zbstorerpc.BuildResult)
	err := jsonrpc.Do(ctx, s.client, zbstorerpc.GetBuildResultMethod, result, &zbstorerpc.GetBuildResultRequest{
		BuildID: buildID,
		DrvPath: drvPath,
	})
	if err != nil {
		return nil, fmt.Errorf("worker: build result for %s: %w", drvPath, err)
	}

	outputs := new(sets.Sorted[zbstore.Path])
	for _, out := range result.Outputs {
		if out.Path.Valid {
			outputs.Add(out.Path.X)
		}
	}

	if status == zbstorerpc.BuildFail || outputs.Len() < len(result.Outputs) {
		return &BuildOutcome{
			Status: buildqueue.StatusPermanentFailure,
			ErrMsg: fmt.Sprintf("build of %s failed", drvPath),
		}, nil
	}
	return &BuildOutcome{Status: buildqueue.StatusBuilt, Outputs: outputs}, nil
}

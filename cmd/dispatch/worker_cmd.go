// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"zombiezen.com/go/log"

	"nixdispatch.dev/pkg/config"
	"nixdispatch.dev/pkg/objectstore"
	"nixdispatch.dev/pkg/queueservice"
	"nixdispatch.dev/pkg/worker"
)

// loopHandle bundles a [worker.Loop] with the queue and store plumbing it
// was built from, so callers that only have a config can still reach the
// shared work queue a [broker.Broker] needs, or tear the whole thing down
// cleanly.
type loopHandle struct {
	loop  *worker.Loop
	work  queueservice.Queue
	queue queueservice.Service
	store *worker.LocalStore
}

// buildWorkerLoop wires a [worker.LocalStore], a shared artifact
// [objectstore.FSStore], an in-memory work queue, and the [worker.Loop]
// that drains it. The returned cleanup function closes the store dial.
func buildWorkerLoop(cfg *config.Config) (*loopHandle, func(), error) {
	store := worker.DialLocalStore(cfg.Directory, cfg.StoreSocket)

	backend, err := objectstore.NewFSStore(cfg.Artifacts.Dir)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("dispatch: open artifact store: %w", err)
	}
	artifacts := worker.NewArtifactStore(backend, cfg.Artifacts.Keys, cfg.Artifacts.Compression)
	stageInSource, err := worker.NewUpstreamStore(artifacts, cfg.Artifacts.UpstreamCacheURL)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("dispatch: configure upstream cache: %w", err)
	}

	queues := queueservice.NewMemoryService()
	leaseTimeout := time.Duration(cfg.LeaseTimeoutSeconds) * time.Second
	work, err := queues.CreateQueue(context.Background(), cfg.WorkQueue, leaseTimeout)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("dispatch: create work queue %q: %w", cfg.WorkQueue, err)
	}

	loop := worker.NewLoop(worker.Config{
		Work:            work,
		Queues:          queues,
		Artifacts:       artifacts,
		StageInSource:   stageInSource,
		Store:           store,
		LeaseTimeout:    leaseTimeout,
		MaxReceiveCount: cfg.MaxReceiveCount,
	})

	cleanup := func() {
		store.Close()
	}
	return &loopHandle{loop: loop, work: work, queue: queues, store: store}, cleanup, nil
}

// notifySystemdReady tells an enclosing systemd unit the worker is ready
// to receive work, and starts watchdog pings if WATCHDOG_USEC is set,
// mirroring how a Type=notify unit expects a long-running daemon to
// behave. It is a no-op outside systemd (NOTIFY_SOCKET unset).
func notifySystemdReady(ctx context.Context) {
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Debugf(ctx, "dispatch: systemd notify: %v", err)
	} else if !ok {
		return
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()
}

func newWorkerCommand(cfg **config.Config) *cobra.Command {
	c := &cobra.Command{
		Use:                   "worker",
		Short:                 "run the build worker loop, serving status over HTTP",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runWorker(cmd.Context(), *cfg)
	}
	return c
}

// runWorker runs a standalone worker daemon until ctx is canceled. Its
// work queue is private to this process: see DESIGN.md's single-host
// demonstration-mode note on [nixdispatch.dev/pkg/queueservice]'s
// in-memory-only [queueservice.Service].
func runWorker(ctx context.Context, cfg *config.Config) error {
	handle, stop, err := buildWorkerLoop(cfg)
	if err != nil {
		return err
	}
	defer stop()

	logs := worker.NewLogStreamHandler(handle.store)
	status := worker.NewStatusServer(handle.loop, logs)
	httpServer := &http.Server{Addr: cfg.StatusAddr, Handler: status}

	serveErr := make(chan error, 1)
	go func() {
		log.Infof(ctx, "worker: status server listening on %s", cfg.StatusAddr)
		serveErr <- httpServer.ListenAndServe()
	}()

	notifySystemdReady(ctx)

	loopErr := make(chan error, 1)
	go func() {
		loopErr <- handle.loop.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		_ = httpServer.Close()
		<-loopErr
		return nil
	case err := <-loopErr:
		_ = httpServer.Close()
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("dispatch: worker loop: %w", err)
		}
		return nil
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("dispatch: status server: %w", err)
		}
		<-loopErr
		return nil
	}
}

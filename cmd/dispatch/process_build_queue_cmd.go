// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/semaphore"
	"zombiezen.com/go/log"

	"nixdispatch.dev/pkg/buildqueue"
	"nixdispatch.dev/pkg/config"
)

func newProcessBuildQueueCommand(cfg **config.Config) *cobra.Command {
	c := &cobra.Command{
		Use:                   "process-build-queue DRVPATH [...]",
		Short:                 "submit a batch of derivations concurrently, bounded by --cores",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MinimumNArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runProcessBuildQueue(cmd.Context(), *cfg, args)
	}
	return c
}

// runProcessBuildQueue is the batch counterpart to runBuild: it shares
// the same embedded broker/worker pipeline, but submits every path
// concurrently, bounded by cfg.Cores the way a store daemon's
// --cores-per-build bounds concurrent realizations.
func runProcessBuildQueue(ctx context.Context, cfg *config.Config, paths []string) error {
	env, stop, err := newEmbeddedPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer stop()

	sem := semaphore.NewWeighted(int64(cfg.Cores))
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	recordErr := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}

	for _, path := range paths {
		if err := sem.Acquire(ctx, 1); err != nil {
			recordErr(err)
			break
		}
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			defer sem.Release(1)

			drvPath, drv, err := readDerivationFile(path)
			if err != nil {
				recordErr(err)
				return
			}
			basicDrv := buildqueue.FromDerivation(drv)

			log.Infof(ctx, "submitting %s", drvPath)
			result, err := env.broker.Submit(ctx, drvPath, basicDrv)
			if err != nil {
				recordErr(fmt.Errorf("build %s: %w", drvPath, err))
				return
			}
			if err := printBuildResult(drvPath, result); err != nil {
				recordErr(err)
			}
		}(path)
	}
	wg.Wait()
	return firstErr
}

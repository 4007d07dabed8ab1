// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Command dispatch is the CLI surface for the build broker and build
// worker: it submits derivations read from .drv files (build), runs the
// per-host build worker loop (worker), drains a batch of build requests
// concurrently (process-build-queue), prints a derivation's JSON
// presentation form (show), prints a store path's transitive closure
// (closure), and runs the local store daemon a worker's
// [nixdispatch.dev/pkg/worker.LocalStore] dials into (serve).
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"

	"github.com/spf13/cobra"
	"zombiezen.com/go/log"

	"nixdispatch.dev/pkg/config"
)

func main() {
	rootCommand := &cobra.Command{
		Use:           "dispatch",
		Short:         "distributed build dispatch",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	var configPaths []string
	showDebug := rootCommand.PersistentFlags().Bool("debug", false, "show debugging output")
	rootCommand.PersistentFlags().StringArrayVar(&configPaths, "config", nil, "`path` to a config file (may be repeated; later files win)")

	var cfg *config.Config
	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogging(*showDebug)
		var err error
		cfg, err = config.Load(sliceSeq(configPaths))
		if err != nil {
			return err
		}
		if *showDebug {
			cfg.Debug = true
		}
		return nil
	}

	rootCommand.AddCommand(
		newBuildCommand(&cfg),
		newWorkerCommand(&cfg),
		newShowCommand(),
		newProcessBuildQueueCommand(&cfg),
		newServeCommand(&cfg),
		newClosureCommand(&cfg),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), interruptSignals...)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(*showDebug)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
}

func sliceSeq(s []string) func(func(string) bool) {
	return func(yield func(string) bool) {
		for _, x := range s {
			if !yield(x) {
				return
			}
		}
	}
}

var initLogOnce sync.Once

func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "dispatch: ", log.StdFlags, nil),
		})
	})
}

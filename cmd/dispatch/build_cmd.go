// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"zombiezen.com/go/log"

	"nixdispatch.dev/pkg/broker"
	"nixdispatch.dev/pkg/buildqueue"
	"nixdispatch.dev/pkg/config"
	"nixdispatch.dev/pkg/zbstore"
)

func newBuildCommand(cfg **config.Config) *cobra.Command {
	c := &cobra.Command{
		Use:                   "build DRVPATH [...]",
		Short:                 "build one or more derivations and wait for their results",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MinimumNArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runBuild(cmd.Context(), *cfg, args)
	}
	return c
}

// runBuild demonstrates the whole dispatch pipeline (encode, submit,
// build, collect) within a single process: it runs an embedded worker
// loop against cfg's local store daemon and a private in-memory work
// queue, then submits each derivation through a [broker.Broker] exactly
// as a separate broker process would.
//
// This is the single-host demonstration mode documented in DESIGN.md:
// [nixdispatch.dev/pkg/queueservice] has only an in-memory [queueservice.Service]
// implementation, so a standalone "dispatch worker" process cannot yet
// be fed from a separately-invoked "dispatch build".
func runBuild(ctx context.Context, cfg *config.Config, paths []string) error {
	env, stop, err := newEmbeddedPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer stop()

	for _, path := range paths {
		drvPath, drv, err := readDerivationFile(path)
		if err != nil {
			return err
		}
		basicDrv := buildqueue.FromDerivation(drv)

		log.Infof(ctx, "submitting %s", drvPath)
		result, err := env.broker.Submit(ctx, drvPath, basicDrv)
		if err != nil {
			return fmt.Errorf("build %s: %w", drvPath, err)
		}
		if err := printBuildResult(drvPath, result); err != nil {
			return err
		}
	}
	return nil
}

func printBuildResult(drvPath zbstore.Path, result *buildqueue.BuildResult) error {
	_, err := fmt.Fprintf(os.Stdout, "%s: %s (start=%d stop=%d)\n", drvPath, result.Status, result.StartTime, result.StopTime)
	if result.ErrorMsg != "" {
		fmt.Fprintf(os.Stderr, "%s: %s\n", drvPath, result.ErrorMsg)
	}
	return err
}

// embeddedPipeline wires a [worker.Loop] and a [broker.Broker] against a
// shared in-memory work queue, so a single CLI invocation can drive a
// derivation all the way through the dispatch pipeline.
type embeddedPipeline struct {
	broker *broker.Broker
}

func newEmbeddedPipeline(ctx context.Context, cfg *config.Config) (*embeddedPipeline, func(), error) {
	handle, stopLoop, err := buildWorkerLoop(cfg)
	if err != nil {
		return nil, nil, err
	}

	loopCtx, cancelLoop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := handle.loop.Run(loopCtx); err != nil && loopCtx.Err() == nil {
			log.Errorf(ctx, "embedded worker loop: %v", err)
		}
	}()

	tokenSecret := make([]byte, 32)
	if _, err := rand.Read(tokenSecret); err != nil {
		cancelLoop()
		stopLoop()
		return nil, nil, fmt.Errorf("generate broker token secret: %w", err)
	}

	b := broker.New(handle.work, handle.queue, tokenSecret)
	stop := func() {
		cancelLoop()
		<-done
		stopLoop()
	}
	return &embeddedPipeline{broker: b}, stop, nil
}

// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"nixdispatch.dev/pkg/config"
	"nixdispatch.dev/pkg/storepath"
	"nixdispatch.dev/pkg/worker"
	"nixdispatch.dev/pkg/zbstore"
)

func newClosureCommand(cfg **config.Config) *cobra.Command {
	c := &cobra.Command{
		Use:                   "closure PATH [...]",
		Short:                 "print the transitive closure of one or more store paths",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MinimumNArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runClosure(cmd.Context(), *cfg, args)
	}
	return c
}

// runClosure resolves each argument to a [zbstore.Path] with
// [storepath.Parse] and prints the transitive closure computed by
// [storepath.ClosureOf], using the local store daemon's QueryPathInfo as
// the reference lookup -- the same closure a worker stages in before a
// build, exposed as its own diagnostic command.
func runClosure(ctx context.Context, cfg *config.Config, args []string) error {
	roots := make([]zbstore.Path, 0, len(args))
	for _, arg := range args {
		p, err := storepath.Parse(arg)
		if err != nil {
			return err
		}
		roots = append(roots, p)
	}

	store := worker.DialLocalStore(cfg.Directory, cfg.StoreSocket)
	defer store.Close()

	closure, err := storepath.ClosureOf(roots, func(p zbstore.Path) ([]zbstore.Path, error) {
		trailer, err := store.QueryPathInfo(ctx, p)
		if err != nil {
			return nil, err
		}
		refs := make([]zbstore.Path, 0, trailer.References.Len())
		for _, ref := range trailer.References.All() {
			refs = append(refs, ref)
		}
		return refs, nil
	})
	if err != nil {
		return err
	}
	for _, p := range closure {
		fmt.Fprintln(os.Stdout, p)
	}
	return nil
}

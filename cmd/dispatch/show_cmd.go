// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newShowCommand() *cobra.Command {
	c := &cobra.Command{
		Use:                   "show PATH [...]",
		Short:                 "print one or more derivations in JSON presentation form",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MinimumNArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runShow(args)
	}
	return c
}

// runShow prints the requested derivations keyed by drvPath, mirroring
// nix show-derivation's top-level shape, built on
// [nixdispatch.dev/pkg/zbstore.Derivation.MarshalJSON].
func runShow(paths []string) error {
	out := make(map[string]json.RawMessage, len(paths))
	for _, path := range paths {
		drvPath, drv, err := readDerivationFile(path)
		if err != nil {
			return err
		}
		data, err := drv.MarshalJSON()
		if err != nil {
			return fmt.Errorf("show %s: %v", path, err)
		}
		out[string(drvPath)] = data
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

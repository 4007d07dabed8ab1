// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package buildqueue

import "nixdispatch.dev/pkg/zbstore"

// FromDerivation flattens a fully-resolved [zbstore.Derivation] into the
// [BasicDerivation] wire form the build broker places on the work queue:
// each output's store path and fixed-output hash (if any) are resolved
// up front, so a worker never needs the store directory to interpret
// the message.
func FromDerivation(drv *zbstore.Derivation) *BasicDerivation {
	outputs := make(map[string]*DerivationOutput, len(drv.Outputs))
	for name, out := range drv.Outputs {
		wire := &DerivationOutput{}
		if p, ok := out.Path(drv.Dir, drv.Name, name); ok {
			wire.Path = p
		}
		if ca, ok := out.FixedCA(); ok {
			h := ca.Hash()
			prefix := ""
			if out.IsRecursiveFile() {
				prefix = "r:"
			}
			wire.HashAlgo = prefix + h.Type().String()
			wire.Hash = h.RawBase16()
		}
		outputs[name] = wire
	}

	return &BasicDerivation{
		Platform:  drv.System,
		Builder:   drv.Builder,
		Args:      drv.Args,
		Env:       drv.Env,
		InputSrcs: drv.InputSources,
		Outputs:   outputs,
		InputDrvs: drv.InputDerivations,
	}
}

// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package zbstore

import (
	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

// MarshalJSON encodes drv in the human/tool-facing presentation form used
// by [cmd/dispatch]'s show subcommand, distinct from the flat wire form
// [nixdispatch.dev/pkg/buildqueue.BasicDerivation] uses on the work
// queue: it additionally carries name, system, and the full inputDrvs
// graph, mirroring the shape nix's show-derivation prints.
func (drv *Derivation) MarshalJSON() ([]byte, error) {
	return jsonv2.Marshal(drv)
}

type derivationOutputJSON struct {
	Path     string `json:"path"`
	HashAlgo string `json:"hashAlgo"`
	Hash     string `json:"hash"`
}

func outputJSON(storeDir Directory, drvName, outName string, out *DerivationOutputType) derivationOutputJSON {
	wire := derivationOutputJSON{}
	if out == nil {
		return wire
	}
	if p, ok := out.Path(storeDir, drvName, outName); ok {
		wire.Path = string(p)
	}
	switch {
	case out.IsFixed():
		ca, _ := out.FixedCA()
		h := ca.Hash()
		prefix := ""
		if out.IsRecursiveFile() {
			prefix = "r:"
		}
		wire.HashAlgo = prefix + h.Type().String()
		wire.Hash = h.RawBase16()
	case out.IsFloating():
		hashType, _ := out.HashType()
		prefix := ""
		if out.IsRecursiveFile() {
			prefix = "r:"
		}
		wire.HashAlgo = prefix + hashType.String()
	}
	return wire
}

// MarshalJSONTo implements the jsonv2 streaming marshal protocol.
func (drv *Derivation) MarshalJSONTo(enc *jsontext.Encoder) error {
	if err := enc.WriteToken(jsontext.ObjectStart); err != nil {
		return err
	}

	inputSrcs := make([]string, 0, drv.InputSources.Len())
	for _, p := range drv.InputSources.All() {
		inputSrcs = append(inputSrcs, string(p))
	}

	inputDrvs := make(map[string][]string, len(drv.InputDerivations))
	for drvPath, outNames := range drv.InputDerivations {
		names := make([]string, 0, outNames.Len())
		for _, name := range outNames.All() {
			names = append(names, name)
		}
		inputDrvs[string(drvPath)] = names
	}

	outputs := make(map[string]derivationOutputJSON, len(drv.Outputs))
	for name, out := range drv.Outputs {
		outputs[name] = outputJSON(drv.Dir, drv.Name, name, out)
	}

	fields := []struct {
		key string
		val any
	}{
		{"name", drv.Name},
		{"system", drv.System},
		{"builder", drv.Builder},
		{"args", orEmptyStrings(drv.Args)},
		{"env", orEmptyStringMap(drv.Env)},
		{"inputSrcs", inputSrcs},
		{"inputDrvs", inputDrvs},
		{"outputs", outputs},
	}
	for _, f := range fields {
		if err := enc.WriteToken(jsontext.String(f.key)); err != nil {
			return err
		}
		if err := jsonv2.MarshalEncode(enc, f.val); err != nil {
			return err
		}
	}
	return enc.WriteToken(jsontext.ObjectEnd)
}

func orEmptyStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

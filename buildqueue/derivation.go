// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package buildqueue defines the wire types exchanged between the build
// broker and the worker loop over the work queue and the private result
// queue: the canonical JSON form of a derivation, the work message that
// carries it, and the build result reported back.
package buildqueue

import (
	"bytes"
	"fmt"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"nixdispatch.dev/pkg/sets"
	"nixdispatch.dev/pkg/zbstore"
)

// FormatError is returned by [UnmarshalBasicDerivation] and related
// decoders when a wire message is malformed: a required top-level key is
// missing, a value has the wrong JSON type, or a path fails to parse.
type FormatError struct {
	reason string
	err    error
}

func (e *FormatError) Error() string {
	if e.err == nil {
		return "malformed build queue message: " + e.reason
	}
	return fmt.Sprintf("malformed build queue message: %s: %v", e.reason, e.err)
}

func (e *FormatError) Unwrap() error { return e.err }

func formatErrorf(reason string, err error) error {
	return &FormatError{reason: reason, err: err}
}

// BasicDerivation is the wire form of a derivation used by [WorkMessage]:
// the flat "basic" shape, with each output resolved to a concrete store
// path, as sent by the build broker.
// The `inputDrvs` graph edges are carried only when present.
type BasicDerivation struct {
	// Platform is the target platform tag (e.g. "x86_64-linux").
	Platform string
	// Builder is the absolute store path to the executable used to
	// perform the build.
	Builder string
	// Args is the ordered argument vector passed to Builder.
	Args []string
	// Env maps environment variable names to their values.
	Env map[string]string
	// InputSrcs is the set of store paths that must be present before
	// the build starts.
	InputSrcs sets.Sorted[zbstore.Path]
	// Outputs maps output names (e.g. "out", "dev") to their
	// descriptions.
	Outputs map[string]*DerivationOutput
	// InputDrvs optionally records, for graph-level callers, the
	// derivation paths and output names this derivation depends on.
	// [FromDerivation] copies it from the source derivation;
	// it is omitted from the encoding when empty.
	InputDrvs map[zbstore.Path]*sets.Sorted[string]
}

// DerivationOutput describes a single output of a [BasicDerivation].
type DerivationOutput struct {
	// Path is the store path the output will occupy.
	Path zbstore.Path
	// HashAlgo is the hash algorithm used for a fixed-output
	// derivation, or the empty string otherwise.
	HashAlgo string
	// Hash is the expected content hash for a fixed-output
	// derivation, or the empty string otherwise.
	Hash string
}

type derivationOutputWire struct {
	Path     string `json:"path"`
	HashAlgo string `json:"hashAlgo,omitempty"`
	Hash     string `json:"hash,omitempty"`
}

// MarshalJSON encodes the derivation into its canonical JSON object
// form: keys exactly {platform, builder, args, env, inputSrcs,
// outputs[, inputDrvs]}.
func (drv *BasicDerivation) MarshalJSON() ([]byte, error) {
	return jsonv2.Marshal(drv)
}

// MarshalJSONTo implements the jsonv2 streaming marshal protocol.
func (drv *BasicDerivation) MarshalJSONTo(enc *jsontext.Encoder) error {
	if err := enc.WriteToken(jsontext.ObjectStart); err != nil {
		return err
	}
	fields := []struct {
		key string
		val any
	}{
		{"platform", drv.Platform},
		{"builder", drv.Builder},
		{"args", orEmptySlice(drv.Args)},
		{"env", orEmptyMap(drv.Env)},
		{"inputSrcs", sortedPathStrings(&drv.InputSrcs)},
		{"outputs", outputsWire(drv.Outputs)},
	}
	for _, f := range fields {
		if err := enc.WriteToken(jsontext.String(f.key)); err != nil {
			return err
		}
		if err := jsonv2.MarshalEncode(enc, f.val); err != nil {
			return err
		}
	}
	if len(drv.InputDrvs) > 0 {
		if err := enc.WriteToken(jsontext.String("inputDrvs")); err != nil {
			return err
		}
		if err := jsonv2.MarshalEncode(enc, inputDrvsWire(drv.InputDrvs)); err != nil {
			return err
		}
	}
	return enc.WriteToken(jsontext.ObjectEnd)
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func sortedPathStrings(set *sets.Sorted[zbstore.Path]) []string {
	out := make([]string, 0, set.Len())
	for _, p := range set.All() {
		out = append(out, string(p))
	}
	return out
}

func outputsWire(outputs map[string]*DerivationOutput) map[string]derivationOutputWire {
	wire := make(map[string]derivationOutputWire, len(outputs))
	for name, out := range outputs {
		wire[name] = derivationOutputWire{
			Path:     string(out.Path),
			HashAlgo: out.HashAlgo,
			Hash:     out.Hash,
		}
	}
	return wire
}

func inputDrvsWire(inputDrvs map[zbstore.Path]*sets.Sorted[string]) map[string][]string {
	wire := make(map[string][]string, len(inputDrvs))
	for drvPath, outNames := range inputDrvs {
		names := make([]string, 0, outNames.Len())
		for _, name := range outNames.All() {
			names = append(names, name)
		}
		wire[string(drvPath)] = names
	}
	return wire
}

// UnmarshalJSON decodes the canonical JSON form of a derivation,
// applying the `&lt;`/`&gt;` unescape quirk before parsing.
func (drv *BasicDerivation) UnmarshalJSON(data []byte) error {
	return jsonv2.Unmarshal(UnescapeHTMLEntities(data), drv)
}

// UnmarshalJSONFrom implements the jsonv2 streaming unmarshal protocol.
// It tracks which required top-level keys were seen and returns a
// [FormatError] if any are missing.
func (drv *BasicDerivation) UnmarshalJSONFrom(dec *jsontext.Decoder) error {
	tok, err := dec.ReadToken()
	if err != nil {
		return err
	}
	if tok.Kind() != '{' {
		return formatErrorf("derivation must be a JSON object", nil)
	}

	var seen struct {
		platform, builder, args, env, inputSrcs, outputs bool
	}
	*drv = BasicDerivation{}
	var outputsWire map[string]derivationOutputWire
	var inputSrcs []string
	var inputDrvs map[string][]string

	for {
		keyTok, err := dec.ReadToken()
		if err != nil {
			return err
		}
		if keyTok.Kind() == '}' {
			break
		}
		key := keyTok.String()
		switch key {
		case "platform":
			if err := jsonv2.UnmarshalDecode(dec, &drv.Platform); err != nil {
				return formatErrorf("platform", err)
			}
			seen.platform = true
		case "builder":
			if err := jsonv2.UnmarshalDecode(dec, &drv.Builder); err != nil {
				return formatErrorf("builder", err)
			}
			seen.builder = true
		case "args":
			if err := jsonv2.UnmarshalDecode(dec, &drv.Args); err != nil {
				return formatErrorf("args", err)
			}
			seen.args = true
		case "env":
			if err := jsonv2.UnmarshalDecode(dec, &drv.Env); err != nil {
				return formatErrorf("env", err)
			}
			seen.env = true
		case "inputSrcs":
			if err := jsonv2.UnmarshalDecode(dec, &inputSrcs); err != nil {
				return formatErrorf("inputSrcs", err)
			}
			seen.inputSrcs = true
		case "outputs":
			if err := jsonv2.UnmarshalDecode(dec, &outputsWire); err != nil {
				return formatErrorf("outputs", err)
			}
			seen.outputs = true
		case "inputDrvs":
			if err := jsonv2.UnmarshalDecode(dec, &inputDrvs); err != nil {
				return formatErrorf("inputDrvs", err)
			}
		default:
			if err := dec.SkipValue(); err != nil {
				return err
			}
		}
	}

	if !seen.platform || !seen.builder || !seen.args || !seen.env || !seen.inputSrcs || !seen.outputs {
		return formatErrorf("missing required derivation field", nil)
	}

	for _, s := range inputSrcs {
		p, err := zbstore.ParsePath(s)
		if err != nil {
			return formatErrorf("inputSrcs", err)
		}
		drv.InputSrcs.Add(p)
	}
	drv.Outputs = make(map[string]*DerivationOutput, len(outputsWire))
	for name, wire := range outputsWire {
		p, err := zbstore.ParsePath(wire.Path)
		if err != nil {
			return formatErrorf(fmt.Sprintf("outputs.%s.path", name), err)
		}
		drv.Outputs[name] = &DerivationOutput{
			Path:     p,
			HashAlgo: wire.HashAlgo,
			Hash:     wire.Hash,
		}
	}
	if len(inputDrvs) > 0 {
		drv.InputDrvs = make(map[zbstore.Path]*sets.Sorted[string], len(inputDrvs))
		for drvPathStr, names := range inputDrvs {
			drvPath, err := zbstore.ParsePath(drvPathStr)
			if err != nil {
				return formatErrorf("inputDrvs", err)
			}
			set := new(sets.Sorted[string])
			set.AddSeq(sliceValues(names))
			drv.InputDrvs[drvPath] = set
		}
	}

	return nil
}

func sliceValues[T any](s []T) func(func(T) bool) {
	return func(yield func(T) bool) {
		for _, v := range s {
			if !yield(v) {
				return
			}
		}
	}
}

// UnescapeHTMLEntities rewrites the HTML entities `&lt;` and `&gt;` back
// into the literal characters `<` and `>`. Some message-queue transports
// HTML-escape message bodies; this undoes that escaping before the bytes
// are handed to the JSON parser. This is a known upstream wart, not a
// feature.
func UnescapeHTMLEntities(data []byte) []byte {
	if !bytes.Contains(data, []byte("&lt;")) && !bytes.Contains(data, []byte("&gt;")) {
		return data
	}
	data = bytes.ReplaceAll(data, []byte("&lt;"), []byte("<"))
	data = bytes.ReplaceAll(data, []byte("&gt;"), []byte(">"))
	return data
}

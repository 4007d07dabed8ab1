// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"os"
	"path/filepath"
	"testing"

	"nixdispatch.dev/pkg/zbstore"
	"zombiezen.com/go/nix"
)

const testDigest = "s66mzxpvicwk07gjbjfw9izjfa797vsw"

func TestInferDerivationName(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{
			path: filepath.Join(string(zbstore.DefaultUnixDirectory), testDigest+"-hello-2.12.1.drv"),
			want: "hello-2.12.1",
		},
		{
			// Not shaped like a store object: falls back to the bare
			// basename with the extension trimmed.
			path: filepath.Join(t.TempDir(), "scratch.drv"),
			want: "scratch",
		},
	}
	for _, test := range tests {
		if got := inferDerivationName(test.path); got != test.want {
			t.Errorf("inferDerivationName(%q) = %q, want %q", test.path, got, test.want)
		}
	}
}

func TestReadDerivationFile(t *testing.T) {
	dir := t.TempDir()
	drv := &zbstore.Derivation{
		Dir:     zbstore.Directory(dir),
		Name:    "hello",
		System:  "x86_64-linux",
		Builder: "/bin/sh",
		Args:    []string{"-c", "echo hi > $out"},
		Env: map[string]string{
			"builder": "/bin/sh",
			"name":    "hello",
		},
		Outputs: map[string]*zbstore.DerivationOutputType{
			"out": zbstore.RecursiveFileFloatingCAOutput(nix.SHA256),
		},
	}
	data, err := drv.MarshalText()
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, "hello.drv")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	drvPath, gotDrv, err := readDerivationFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(drvPath) != path {
		t.Errorf("readDerivationFile(%q) drvPath = %q, want %q", path, drvPath, path)
	}
	if gotDrv.Name != drv.Name || gotDrv.System != drv.System || gotDrv.Builder != drv.Builder {
		t.Errorf("readDerivationFile(%q) drv = %+v, want fields matching %+v", path, gotDrv, drv)
	}
}

func TestReadDerivationFileMissing(t *testing.T) {
	if _, _, err := readDerivationFile(filepath.Join(t.TempDir(), "missing.drv")); err == nil {
		t.Error("readDerivationFile on a nonexistent file = nil error, want error")
	}
}

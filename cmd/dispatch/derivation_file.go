// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"nixdispatch.dev/pkg/zbstore"
)

// readDerivationFile parses the on-disk derivation at path, using the
// file's own location as its store directory and drvPath, the way a
// derivation-inspecting command treats a file argument rather than an
// installable to evaluate.
func readDerivationFile(path string) (drvPath zbstore.Path, drv *zbstore.Derivation, err error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", nil, err
	}
	dir, err := zbstore.CleanDirectory(filepath.Dir(absPath))
	if err != nil {
		return "", nil, err
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return "", nil, err
	}
	drv, err = zbstore.ParseDerivation(dir, inferDerivationName(absPath), data)
	if err != nil {
		return "", nil, fmt.Errorf("parse %s: %v", absPath, err)
	}
	return zbstore.Path(absPath), drv, nil
}

func inferDerivationName(path string) string {
	baseName := filepath.Base(path)
	if dir, err := zbstore.CleanDirectory(filepath.Dir(path)); err == nil {
		if p, err := dir.Object(baseName); err == nil {
			baseName = p.Name()
		}
	}
	return strings.TrimSuffix(baseName, zbstore.DerivationExt)
}

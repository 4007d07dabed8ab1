// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

//go:build unix

package main

import (
	"os"

	"golang.org/x/sys/unix"
)

var interruptSignals = []os.Signal{unix.SIGTERM, unix.SIGINT}

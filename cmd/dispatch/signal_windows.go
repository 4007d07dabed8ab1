// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import "os"

var interruptSignals = []os.Signal{os.Interrupt}

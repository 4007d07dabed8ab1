// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package zbstore

import (
	"encoding/json"
	"testing"
)

func TestDerivationMarshalJSON(t *testing.T) {
	for _, test := range derivationMarshalTests(t) {
		t.Run(test.name, func(t *testing.T) {
			data, err := test.drv.MarshalJSON()
			if err != nil {
				t.Fatal(err)
			}

			var got map[string]any
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("unmarshal presentation JSON: %v\ndata: %s", err, data)
			}

			if got["name"] != test.drv.Name {
				t.Errorf("name = %v, want %v", got["name"], test.drv.Name)
			}
			if got["system"] != test.drv.System {
				t.Errorf("system = %v, want %v", got["system"], test.drv.System)
			}
			if got["builder"] != test.drv.Builder {
				t.Errorf("builder = %v, want %v", got["builder"], test.drv.Builder)
			}

			outputs, ok := got["outputs"].(map[string]any)
			if !ok {
				t.Fatalf("outputs is %T, want object", got["outputs"])
			}
			if len(outputs) != len(test.drv.Outputs) {
				t.Errorf("len(outputs) = %d, want %d", len(outputs), len(test.drv.Outputs))
			}
			for name := range test.drv.Outputs {
				if _, ok := outputs[name]; !ok {
					t.Errorf("outputs missing %q", name)
				}
			}

			inputDrvs, ok := got["inputDrvs"].(map[string]any)
			if !ok {
				t.Fatalf("inputDrvs is %T, want object", got["inputDrvs"])
			}
			if len(inputDrvs) != len(test.drv.InputDerivations) {
				t.Errorf("len(inputDrvs) = %d, want %d", len(inputDrvs), len(test.drv.InputDerivations))
			}
		})
	}
}

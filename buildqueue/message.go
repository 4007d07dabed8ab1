// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package buildqueue

import (
	jsonv2 "github.com/go-json-experiment/json"
	"nixdispatch.dev/pkg/zbstore"
)

// WorkMessage is the body the build broker enqueues on the shared work
// queue. It carries everything the worker needs to build a derivation and
// report back, without consulting the broker again.
type WorkMessage struct {
	DrvPath     zbstore.Path     `json:"drvPath"`
	Drv         *BasicDerivation `json:"drv"`
	ResultQueue string           `json:"resultQueue"`
}

// MarshalWorkMessage encodes m as the JSON body of a work queue message.
func MarshalWorkMessage(m *WorkMessage) ([]byte, error) {
	return jsonv2.Marshal(m)
}

// UnmarshalWorkMessage decodes the JSON body of a work queue message,
// applying the `&lt;`/`&gt;` unescape quirk to the whole envelope before
// parsing, since the escaping is a property of the transport and can
// appear anywhere in the body, not just inside the embedded derivation.
func UnmarshalWorkMessage(data []byte) (*WorkMessage, error) {
	m := new(WorkMessage)
	if err := jsonv2.Unmarshal(UnescapeHTMLEntities(data), m); err != nil {
		return nil, formatErrorf("work message", err)
	}
	if m.Drv == nil {
		return nil, formatErrorf("work message missing drv", nil)
	}
	return m, nil
}

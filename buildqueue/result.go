// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package buildqueue

import (
	"strconv"

	jsonv2 "github.com/go-json-experiment/json"
)

// BuildResultStatus is a closed enumeration of build outcomes, encoded
// on the wire as a JSON integer, not a string.
type BuildResultStatus int

// Defined build result statuses. The integer values are part of the
// wire format and must not be reordered.
const (
	StatusBuilt BuildResultStatus = iota
	StatusSubstituted
	StatusAlreadyValid
	StatusPermanentFailure
	StatusTransientFailure
	StatusInputRejected
	StatusMiscFailure
	StatusDependencyFailed
	StatusLogLimitExceeded
	StatusNotDeterministic
)

// String returns the status's name, e.g. "Built" or "MiscFailure".
func (s BuildResultStatus) String() string {
	switch s {
	case StatusBuilt:
		return "Built"
	case StatusSubstituted:
		return "Substituted"
	case StatusAlreadyValid:
		return "AlreadyValid"
	case StatusPermanentFailure:
		return "PermanentFailure"
	case StatusTransientFailure:
		return "TransientFailure"
	case StatusInputRejected:
		return "InputRejected"
	case StatusMiscFailure:
		return "MiscFailure"
	case StatusDependencyFailed:
		return "DependencyFailed"
	case StatusLogLimitExceeded:
		return "LogLimitExceeded"
	case StatusNotDeterministic:
		return "NotDeterministic"
	default:
		return "BuildResultStatus(" + strconv.Itoa(int(s)) + ")"
	}
}

// Success reports whether the status indicates the derivation's outputs
// are present and valid, as opposed to a failure of any kind.
func (s BuildResultStatus) Success() bool {
	switch s {
	case StatusBuilt, StatusSubstituted, StatusAlreadyValid:
		return true
	default:
		return false
	}
}

// BuildResult is the outcome of building a single derivation, reported by
// the worker loop on the broker's private result queue.
//
// Invariants: StartTime <= StopTime; ErrorMsg is empty only when Status
// indicates success (see [BuildResultStatus.Success]).
type BuildResult struct {
	Status    BuildResultStatus `json:"status"`
	ErrorMsg  string            `json:"errorMsg"`
	StartTime int64             `json:"startTime"`
	StopTime  int64             `json:"stopTime"`

	// LogTail holds the final bytes of the build's captured output, for
	// diagnosis when Status indicates a failure. It is not part of the
	// base four-field result shape; omitted entirely when empty so
	// strict consumers of the base wire format still accept the
	// message.
	LogTail string `json:"logTail,omitempty"`
}

// Validate checks BuildResult's invariants.
func (r *BuildResult) Validate() error {
	if r.StartTime > r.StopTime {
		return formatErrorf("build result startTime after stopTime", nil)
	}
	if r.ErrorMsg == "" && !r.Status.Success() {
		return formatErrorf("build result missing errorMsg for failing status", nil)
	}
	return nil
}

// MarshalResultMessage encodes r as the JSON body of a result message.
func MarshalResultMessage(r *BuildResult) ([]byte, error) {
	return jsonv2.Marshal(r)
}

// UnmarshalResultMessage decodes the JSON body of a result message,
// applying the same `&lt;`/`&gt;` unescape quirk as derivations: an
// ErrorMsg that embeds builder output can carry the same escaped
// transport artifacts.
func UnmarshalResultMessage(data []byte) (*BuildResult, error) {
	r := new(BuildResult)
	if err := jsonv2.Unmarshal(UnescapeHTMLEntities(data), r); err != nil {
		return nil, formatErrorf("build result", err)
	}
	return r, nil
}

// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package buildqueue

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBuildResultRoundTrip(t *testing.T) {
	want := &BuildResult{
		Status:    StatusBuilt,
		StartTime: 100,
		StopTime:  110,
	}
	data, err := MarshalResultMessage(want)
	if err != nil {
		t.Fatal(err)
	}

	got, err := UnmarshalResultMessage(data)
	if err != nil {
		t.Fatalf("UnmarshalResultMessage(%s): %v", data, err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip (-want +got):\n%s", diff)
	}
}

func TestBuildResultStatusIsJSONInteger(t *testing.T) {
	r := &BuildResult{Status: StatusMiscFailure, ErrorMsg: "builder aborted", StartTime: 100, StopTime: 102}
	data, err := MarshalResultMessage(r)
	if err != nil {
		t.Fatal(err)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		t.Fatal(err)
	}
	if got, want := string(obj["status"]), "6"; got != want {
		t.Errorf("status = %s; want %s (MiscFailure)", got, want)
	}
}

func TestBuildResultValidate(t *testing.T) {
	tests := []struct {
		name    string
		result  BuildResult
		wantErr bool
	}{
		{
			name:   "SuccessNoError",
			result: BuildResult{Status: StatusBuilt, StartTime: 1, StopTime: 2},
		},
		{
			name:    "FailureNoError",
			result:  BuildResult{Status: StatusMiscFailure, StartTime: 1, StopTime: 2},
			wantErr: true,
		},
		{
			name:    "TimesReversed",
			result:  BuildResult{Status: StatusBuilt, StartTime: 2, StopTime: 1},
			wantErr: true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.result.Validate()
			if (err != nil) != test.wantErr {
				t.Errorf("Validate() = %v; wantErr = %t", err, test.wantErr)
			}
		})
	}
}

func TestBuildResultStatusString(t *testing.T) {
	tests := []struct {
		status BuildResultStatus
		want   string
	}{
		{StatusBuilt, "Built"},
		{StatusMiscFailure, "MiscFailure"},
		{StatusNotDeterministic, "NotDeterministic"},
	}
	for _, test := range tests {
		if got := test.status.String(); got != test.want {
			t.Errorf("%d.String() = %q; want %q", test.status, got, test.want)
		}
	}
}

// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package broker

import (
	"testing"
	"time"
)

func TestSignVerifyResultToken(t *testing.T) {
	secret := []byte("test-secret")
	token, err := signResultToken(secret, "zb-result-1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if err := verifyResultToken(secret, token, "zb-result-1"); err != nil {
		t.Errorf("verifyResultToken(...) = %v, want nil", err)
	}
}

func TestVerifyResultTokenRejectsWrongQueue(t *testing.T) {
	secret := []byte("test-secret")
	token, err := signResultToken(secret, "zb-result-1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if err := verifyResultToken(secret, token, "zb-result-2"); err == nil {
		t.Error("verifyResultToken with mismatched queue name = nil error, want error")
	}
}

func TestVerifyResultTokenRejectsWrongSecret(t *testing.T) {
	token, err := signResultToken([]byte("secret-a"), "zb-result-1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if err := verifyResultToken([]byte("secret-b"), token, "zb-result-1"); err == nil {
		t.Error("verifyResultToken with mismatched secret = nil error, want error")
	}
}

func TestVerifyResultTokenRejectsExpired(t *testing.T) {
	secret := []byte("test-secret")
	token, err := signResultToken(secret, "zb-result-1", -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if err := verifyResultToken(secret, token, "zb-result-1"); err == nil {
		t.Error("verifyResultToken with expired token = nil error, want error")
	}
}

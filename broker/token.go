// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package broker implements the build broker: it publishes a derivation
// onto the shared work queue, waits on a private per-build result queue
// for the worker's reply, and deletes that queue on every exit path
// (success, timeout, or cancellation).
package broker

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// resultClaims binds a signed token to exactly one private result queue,
// so a worker cannot forge a reply into an unrelated broker's queue: the
// broker mints the token when it creates the queue and only accepts a
// result whose token verifies against the same secret and names the same
// queue.
type resultClaims struct {
	jwt.RegisteredClaims
	QueueName string `json:"queueName"`
}

// signResultToken mints a short-lived HMAC-signed token naming queueName,
// embedded in the WorkMessage.ResultQueue URL the worker receives and
// expected to be echoed back verbatim in the ResultEnvelope it sends.
func signResultToken(secret []byte, queueName string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := resultClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		QueueName: queueName,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("broker: sign result token: %w", err)
	}
	return signed, nil
}

// verifyResultToken checks that tokenString was signed by secret and
// names queueName, returning an error otherwise.
func verifyResultToken(secret []byte, tokenString, queueName string) error {
	claims := new(resultClaims)
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return fmt.Errorf("broker: verify result token: %w", err)
	}
	if !token.Valid {
		return errors.New("broker: verify result token: invalid")
	}
	if claims.QueueName != queueName {
		return fmt.Errorf("broker: verify result token: token names queue %q, want %q", claims.QueueName, queueName)
	}
	return nil
}

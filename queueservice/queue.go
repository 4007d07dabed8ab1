// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package queueservice defines the work-queue and private-result-queue
// abstraction the build broker and worker loop communicate over (spec
// §3 and §4.2–§4.3). The interfaces are provider-agnostic; [NewMemoryService]
// is the one concrete implementation carried in this module, since the
// retrieval pack contains no cloud queue SDK to ground a second one on.
package queueservice

import (
	"context"
	"fmt"
	"time"
)

// Error wraps a provider-reported failure with a short machine-readable
// code, mirroring the shape of an SQS/cloud-queue error response without
// committing to any particular provider's Go type.
type Error struct {
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Code == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Message is one delivery from a [Queue]. ReceiptHandle identifies this
// specific delivery (not the message itself) for [Queue.ChangeVisibility]
// and [Queue.Delete], per at-least-once queue semantics.
type Message struct {
	Body          []byte
	ReceiptHandle string

	// ApproximateReceiveCount is the provider's best-effort count of how
	// many times this message has been delivered, including this
	// delivery. A provider that cannot report it leaves this 0; callers
	// relying on it for retry-bound accounting must treat 0 as
	// "unknown", not "never delivered before".
	ApproximateReceiveCount int
}

// Queue is a single named work queue or private result queue.
type Queue interface {
	// Send enqueues body as a new message.
	Send(ctx context.Context, body []byte) error

	// Receive long-polls for up to maxMessages deliveries, waiting up to
	// waitTime for at least one to become available. It may return fewer
	// messages than maxMessages, including zero, without error.
	Receive(ctx context.Context, maxMessages int, waitTime time.Duration) ([]Message, error)

	// ChangeVisibility extends (or shortens) how long a delivered message
	// stays invisible to other receivers, identified by receiptHandle.
	ChangeVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error

	// Delete removes the message identified by receiptHandle, acknowledging
	// successful processing.
	Delete(ctx context.Context, receiptHandle string) error
}

// Service creates and destroys queues. The build broker uses it to stand
// up a private result queue per build request and tear it down on every
// exit path.
type Service interface {
	CreateQueue(ctx context.Context, name string, visibilityTimeout time.Duration) (Queue, error)
	DeleteQueue(ctx context.Context, name string) error
	Queue(ctx context.Context, name string) (Queue, error)
}

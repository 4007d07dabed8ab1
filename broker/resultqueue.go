// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package broker

import (
	"context"
	"fmt"
	"net/url"
	"time"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/google/uuid"
	"zombiezen.com/go/log"

	"nixdispatch.dev/pkg/buildqueue"
)

// resultQueueVisibilityTimeout bounds how long a received result stays
// invisible to other receivers before being redelivered; a broker only
// ever has one goroutine polling its own private queue, so this mainly
// guards against a broker crash mid-processing.
const resultQueueVisibilityTimeout = 30 * time.Second

// resultTokenTTL bounds how long a worker has to reply after receiving a
// WorkMessage before its embedded result-queue token expires.
const resultTokenTTL = 24 * time.Hour

// ResultEnvelope is the message body a worker sends on a private result
// queue: the build outcome plus the token the broker minted for that
// queue, which the broker verifies before trusting the outcome.
type ResultEnvelope struct {
	Token  string                 `json:"token"`
	Result *buildqueue.BuildResult `json:"result"`
}

// MarshalResultEnvelope encodes e as a result queue message body.
func MarshalResultEnvelope(e *ResultEnvelope) ([]byte, error) {
	return jsonv2.Marshal(e)
}

// UnmarshalResultEnvelope decodes a result queue message body.
func UnmarshalResultEnvelope(data []byte) (*ResultEnvelope, error) {
	e := new(ResultEnvelope)
	if err := jsonv2.Unmarshal(buildqueue.UnescapeHTMLEntities(data), e); err != nil {
		return nil, fmt.Errorf("broker: unmarshal result envelope: %w", err)
	}
	return e, nil
}

// newResultQueueName returns a private queue name unique across a
// process's lifetime and legible in a queue provider's console: a
// timestamp prefix for chronological listing, a random suffix for
// uniqueness.
func newResultQueueName() string {
	return fmt.Sprintf("zb-result-%d-%s", time.Now().UnixNano(), uuid.NewString())
}

// resultQueueURL builds the opaque string a worker receives as
// WorkMessage.ResultQueue: the queue name and its signed access token,
// packed as URL query parameters so it round-trips as a single string
// without a custom parser.
func resultQueueURL(queueName, token string) string {
	v := url.Values{"queue": {queueName}, "token": {token}}
	return "zb-queue:///?" + v.Encode()
}

// ParseResultQueueURL extracts the queue name and access token a broker
// packed into a WorkMessage.ResultQueue string, for use by a worker
// preparing its reply.
func ParseResultQueueURL(s string) (queueName, token string, err error) {
	u, err := url.Parse(s)
	if err != nil {
		return "", "", fmt.Errorf("broker: parse result queue url: %w", err)
	}
	q := u.Query()
	queueName, token = q.Get("queue"), q.Get("token")
	if queueName == "" || token == "" {
		return "", "", fmt.Errorf("broker: parse result queue url: missing queue or token")
	}
	return queueName, token, nil
}

// openResultQueue creates a fresh private result queue and mints its
// access token, returning both the queue and the WorkMessage.ResultQueue
// string a worker uses to find and authenticate to it. The caller must
// arrange to delete the queue via [Broker.closeResultQueue] on every exit
// path.
func (b *Broker) openResultQueue(ctx context.Context) (name, resultQueueField string, err error) {
	name = newResultQueueName()
	if _, err := b.queues.CreateQueue(ctx, name, resultQueueVisibilityTimeout); err != nil {
		return "", "", fmt.Errorf("broker: open result queue: %w", err)
	}
	token, err := signResultToken(b.tokenSecret, name, resultTokenTTL)
	if err != nil {
		_ = b.queues.DeleteQueue(ctx, name)
		return "", "", fmt.Errorf("broker: open result queue: %w", err)
	}
	return name, resultQueueURL(name, token), nil
}

func (b *Broker) closeResultQueue(ctx context.Context, name string) {
	if err := b.queues.DeleteQueue(ctx, name); err != nil {
		log.Warnf(ctx, "broker: delete result queue %s: %v", name, err)
	}
}

// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package queueservice

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// MemoryService is an in-process [Service] backed by Go channels and
// timers. It is suitable for tests, a single-host deployment, or as a
// reference implementation of the [Service]/[Queue] contract that a
// production provider-backed implementation can be measured against.
type MemoryService struct {
	mu     sync.Mutex
	queues map[string]*memoryQueue
}

// NewMemoryService returns an empty [MemoryService].
func NewMemoryService() *MemoryService {
	return &MemoryService{queues: make(map[string]*memoryQueue)}
}

func (s *MemoryService) CreateQueue(ctx context.Context, name string, visibilityTimeout time.Duration) (Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[name]; ok {
		return nil, &Error{Code: "QueueAlreadyExists", Err: fmt.Errorf("queue %q already exists", name)}
	}
	q := newMemoryQueue(visibilityTimeout)
	s.queues[name] = q
	return q, nil
}

func (s *MemoryService) DeleteQueue(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[name]
	if !ok {
		return nil
	}
	q.close()
	delete(s.queues, name)
	return nil
}

func (s *MemoryService) Queue(ctx context.Context, name string) (Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[name]
	if !ok {
		return nil, &Error{Code: "QueueNotFound", Err: fmt.Errorf("queue %q does not exist", name)}
	}
	return q, nil
}

type memoryMessage struct {
	body          []byte
	receiveCount  int
	visibleAt     time.Time
	receiptHandle string
}

type memoryQueue struct {
	visibilityTimeout time.Duration

	mu      sync.Mutex
	pending []*memoryMessage
	inFlight map[string]*memoryMessage
	notify  chan struct{}
	closed  bool
}

func newMemoryQueue(visibilityTimeout time.Duration) *memoryQueue {
	if visibilityTimeout <= 0 {
		visibilityTimeout = 30 * time.Second
	}
	return &memoryQueue{
		visibilityTimeout: visibilityTimeout,
		inFlight:          make(map[string]*memoryMessage),
		notify:            make(chan struct{}, 1),
	}
}

func (q *memoryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *memoryQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.wake()
}

func (q *memoryQueue) Send(ctx context.Context, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return &Error{Code: "QueueDeleted", Err: fmt.Errorf("queue is deleted")}
	}
	q.pending = append(q.pending, &memoryMessage{body: body})
	q.wake()
	return nil
}

func (q *memoryQueue) Receive(ctx context.Context, maxMessages int, waitTime time.Duration) ([]Message, error) {
	if maxMessages < 1 {
		maxMessages = 1
	}
	deadline := time.Now().Add(waitTime)
	for {
		q.mu.Lock()
		q.reapExpiredLocked()
		var out []Message
		for len(q.pending) > 0 && len(out) < maxMessages {
			m := q.pending[0]
			q.pending = q.pending[1:]
			m.receiveCount++
			m.receiptHandle = newReceiptHandle()
			m.visibleAt = time.Now().Add(q.visibilityTimeout)
			q.inFlight[m.receiptHandle] = m
			out = append(out, Message{
				Body:                    append([]byte(nil), m.body...),
				ReceiptHandle:           m.receiptHandle,
				ApproximateReceiveCount: m.receiveCount,
			})
		}
		closed := q.closed
		// Wake no later than the first in-flight visibility expiry,
		// so a message whose timeout elapses during the poll is redelivered.
		wakeAt := deadline
		for _, m := range q.inFlight {
			if m.visibleAt.Before(wakeAt) {
				wakeAt = m.visibleAt
			}
		}
		q.mu.Unlock()

		if len(out) > 0 || closed {
			return out, nil
		}
		if waitTime <= 0 || time.Now().After(deadline) {
			return nil, nil
		}

		timer := time.NewTimer(time.Until(wakeAt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		case <-q.notify:
			timer.Stop()
		}
	}
}

// reapExpiredLocked returns any in-flight message whose visibility
// timeout has elapsed back to the pending queue. Callers must hold q.mu.
func (q *memoryQueue) reapExpiredLocked() {
	now := time.Now()
	for handle, m := range q.inFlight {
		if now.After(m.visibleAt) {
			delete(q.inFlight, handle)
			q.pending = append(q.pending, m)
		}
	}
}

func (q *memoryQueue) ChangeVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.inFlight[receiptHandle]
	if !ok {
		return &Error{Code: "ReceiptHandleNotFound", Err: fmt.Errorf("receipt handle %q is not in flight", receiptHandle)}
	}
	m.visibleAt = time.Now().Add(timeout)
	return nil
}

func (q *memoryQueue) Delete(ctx context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, receiptHandle)
	return nil
}

func newReceiptHandle() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package broker

import (
	"context"
	"testing"
	"time"

	"nixdispatch.dev/pkg/buildqueue"
	"nixdispatch.dev/pkg/queueservice"
)

func TestResultQueueURLRoundTrip(t *testing.T) {
	s := resultQueueURL("zb-result-1", "a.b.c")
	name, token, err := ParseResultQueueURL(s)
	if err != nil {
		t.Fatal(err)
	}
	if name != "zb-result-1" || token != "a.b.c" {
		t.Errorf("ParseResultQueueURL(%q) = %q, %q, want %q, %q", s, name, token, "zb-result-1", "a.b.c")
	}
}

func TestParseResultQueueURLRejectsMissingFields(t *testing.T) {
	if _, _, err := ParseResultQueueURL("zb-queue:///?queue=only-queue"); err == nil {
		t.Error("ParseResultQueueURL with missing token = nil error, want error")
	}
}

// fakeWorker drains one message from work, treats it as a WorkMessage,
// and replies on the private result queue it names, the same round trip
// [worker.Loop] performs against a real queue provider.
func fakeWorker(ctx context.Context, t *testing.T, svc queueservice.Service, work queueservice.Queue, result *buildqueue.BuildResult) {
	t.Helper()
	msgs, err := work.Receive(ctx, 1, 5*time.Second)
	if err != nil {
		t.Error(err)
		return
	}
	if len(msgs) != 1 {
		t.Errorf("work queue delivered %d messages, want 1", len(msgs))
		return
	}
	if err := work.Delete(ctx, msgs[0].ReceiptHandle); err != nil {
		t.Error(err)
	}

	msg, err := buildqueue.UnmarshalWorkMessage(msgs[0].Body)
	if err != nil {
		t.Error(err)
		return
	}
	queueName, token, err := ParseResultQueueURL(msg.ResultQueue)
	if err != nil {
		t.Error(err)
		return
	}
	resultQueue, err := svc.Queue(ctx, queueName)
	if err != nil {
		t.Error(err)
		return
	}
	body, err := MarshalResultEnvelope(&ResultEnvelope{Token: token, Result: result})
	if err != nil {
		t.Error(err)
		return
	}
	if err := resultQueue.Send(ctx, body); err != nil {
		t.Error(err)
	}
}

func TestBrokerSubmitReturnsWorkerResult(t *testing.T) {
	ctx := context.Background()
	svc := queueservice.NewMemoryService()
	work, err := svc.CreateQueue(ctx, "zb-work", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	b := New(work, svc, []byte("secret"))

	want := &buildqueue.BuildResult{Status: buildqueue.StatusBuilt, StartTime: 1, StopTime: 2}
	go fakeWorker(ctx, t, svc, work, want)

	got, err := b.Submit(ctx, "/zb/store/xyz-hello.drv", &buildqueue.BasicDerivation{Platform: "x86_64-linux"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != want.Status || got.StartTime != want.StartTime || got.StopTime != want.StopTime {
		t.Errorf("Submit(...) = %+v, want %+v", got, want)
	}

	// Tearing down the private result queue must leave the shared work
	// queue in place.
	if _, err := svc.Queue(ctx, "zb-work"); err != nil {
		t.Errorf("shared work queue should still exist: %v", err)
	}
}

func TestBrokerSubmitRejectsUnauthenticatedResult(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	svc := queueservice.NewMemoryService()
	work, err := svc.CreateQueue(context.Background(), "zb-work", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	b := New(work, svc, []byte("secret"))

	go func() {
		msgs, err := work.Receive(context.Background(), 1, 5*time.Second)
		if err != nil || len(msgs) != 1 {
			return
		}
		msg, err := buildqueue.UnmarshalWorkMessage(msgs[0].Body)
		if err != nil {
			return
		}
		queueName, _, err := ParseResultQueueURL(msg.ResultQueue)
		if err != nil {
			return
		}
		resultQueue, err := svc.Queue(context.Background(), queueName)
		if err != nil {
			return
		}
		// Forge a token signed with the wrong secret.
		forged, err := signResultToken([]byte("wrong-secret"), queueName, time.Minute)
		if err != nil {
			return
		}
		body, err := MarshalResultEnvelope(&ResultEnvelope{
			Token:  forged,
			Result: &buildqueue.BuildResult{Status: buildqueue.StatusBuilt},
		})
		if err != nil {
			return
		}
		_ = resultQueue.Send(context.Background(), body)
	}()

	_, err = b.Submit(ctx, "/zb/store/xyz-hello.drv", &buildqueue.BasicDerivation{})
	if err == nil {
		t.Error("Submit(...) = nil error, want error after forged result and context deadline")
	}
}

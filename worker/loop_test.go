// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"net/url"
	"testing"
	"time"

	"nixdispatch.dev/pkg/broker"
	"nixdispatch.dev/pkg/buildqueue"
	"nixdispatch.dev/pkg/queueservice"
)

func resultQueueURLForTest(queueName, token string) string {
	v := url.Values{"queue": {queueName}, "token": {token}}
	return "zb-queue:///?" + v.Encode()
}

func newTestLoop(t *testing.T, work queueservice.Queue, queues queueservice.Service) *Loop {
	t.Helper()
	return NewLoop(Config{
		Work:            work,
		Queues:          queues,
		ReceiveWaitTime: time.Millisecond,
		LeaseTimeout:    time.Second,
		MaxReceiveCount: 3,
	})
}

func TestLoopReportSendsEnvelope(t *testing.T) {
	ctx := context.Background()
	svc := queueservice.NewMemoryService()
	work, err := svc.CreateQueue(ctx, "work", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	resultQueue, err := svc.CreateQueue(ctx, "result", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	l := newTestLoop(t, work, svc)
	msg := &buildqueue.WorkMessage{
		DrvPath:     testStorePath + ".drv",
		Drv:         &buildqueue.BasicDerivation{},
		ResultQueue: resultQueueURLForTest("result", "secret-token"),
	}
	result := &buildqueue.BuildResult{Status: buildqueue.StatusBuilt, StartTime: 1, StopTime: 2}

	if ok := l.report(ctx, msg, result); !ok {
		t.Fatal("report() = false, want true")
	}

	msgs, err := resultQueue.Receive(ctx, 1, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("result queue has %d messages, want 1", len(msgs))
	}
	env, err := broker.UnmarshalResultEnvelope(msgs[0].Body)
	if err != nil {
		t.Fatal(err)
	}
	if env.Token != "secret-token" {
		t.Errorf("envelope token = %q, want %q", env.Token, "secret-token")
	}
	if env.Result.Status != buildqueue.StatusBuilt {
		t.Errorf("envelope result status = %v, want %v", env.Result.Status, buildqueue.StatusBuilt)
	}
}

func TestLoopReportFailsOnUnknownQueue(t *testing.T) {
	ctx := context.Background()
	svc := queueservice.NewMemoryService()
	work, err := svc.CreateQueue(ctx, "work", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	l := newTestLoop(t, work, svc)
	msg := &buildqueue.WorkMessage{
		DrvPath:     testStorePath + ".drv",
		Drv:         &buildqueue.BasicDerivation{},
		ResultQueue: resultQueueURLForTest("does-not-exist", "tok"),
	}
	result := &buildqueue.BuildResult{Status: buildqueue.StatusBuilt}

	if ok := l.report(ctx, msg, result); ok {
		t.Fatal("report() = true for a result queue that was never created, want false")
	}
}

func TestLoopProcessDiscardsMalformedMessage(t *testing.T) {
	ctx := context.Background()
	svc := queueservice.NewMemoryService()
	work, err := svc.CreateQueue(ctx, "work", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if err := work.Send(ctx, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	msgs, err := work.Receive(ctx, 1, time.Second)
	if err != nil {
		t.Fatal(err)
	}

	l := newTestLoop(t, work, svc)
	l.process(ctx, msgs[0])

	remaining, err := work.Receive(ctx, 1, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 0 {
		t.Fatalf("malformed message was not deleted, still has %d in queue", len(remaining))
	}
}

func TestLoopProcessDeadLettersExhaustedMessage(t *testing.T) {
	ctx := context.Background()
	svc := queueservice.NewMemoryService()
	work, err := svc.CreateQueue(ctx, "work", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	resultQueue, err := svc.CreateQueue(ctx, "result", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	body, err := buildqueue.MarshalWorkMessage(&buildqueue.WorkMessage{
		DrvPath:     testStorePath + ".drv",
		Drv:         &buildqueue.BasicDerivation{},
		ResultQueue: resultQueueURLForTest("result", "tok"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := work.Send(ctx, body); err != nil {
		t.Fatal(err)
	}
	msgs, err := work.Receive(ctx, 1, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	msgs[0].ApproximateReceiveCount = 100

	l := newTestLoop(t, work, svc)
	l.process(ctx, msgs[0])

	resultMsgs, err := resultQueue.Receive(ctx, 1, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(resultMsgs) != 1 {
		t.Fatalf("result queue has %d messages, want 1 reporting the dead-letter outcome", len(resultMsgs))
	}
	env, err := broker.UnmarshalResultEnvelope(resultMsgs[0].Body)
	if err != nil {
		t.Fatal(err)
	}
	if env.Result.Status != buildqueue.StatusMiscFailure {
		t.Errorf("dead-letter result status = %v, want %v", env.Result.Status, buildqueue.StatusMiscFailure)
	}

	if _, _, dropped := l.Counts(); dropped == 0 {
		t.Error("Counts() dropped = 0, want at least 1")
	}
}

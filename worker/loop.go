// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"zombiezen.com/go/log"

	"nixdispatch.dev/pkg/broker"
	"nixdispatch.dev/pkg/buildqueue"
	"nixdispatch.dev/pkg/queueservice"
	"nixdispatch.dev/pkg/sets"
	"nixdispatch.dev/pkg/zbstore"
)

// DefaultMaxReceiveCount bounds how many times a worker will attempt a
// build it keeps failing to finish cleanly before giving up on it and
// leaving it for the queue provider's own dead-letter policy.
const DefaultMaxReceiveCount = 10

// DefaultReceiveWaitTime is how long [Loop.Run] long-polls the work queue
// on each iteration, matching the broker's own result-queue poll
// duration (broker/broker.go's receiveWaitTime).
const DefaultReceiveWaitTime = 20 * time.Second

// DefaultLeaseTimeout is the visibility timeout granted to a received
// work message and renewed by a [lease] for as long as the worker holds
// it.
const DefaultLeaseTimeout = 2 * time.Minute

// Config configures a [Loop].
type Config struct {
	// Work is the shared queue a [Loop] receives derivations to build
	// from.
	Work queueservice.Queue
	// Queues creates the private result queues a [Loop] reports build
	// outcomes to.
	Queues queueservice.Service
	// Artifacts is the shared object store a [Loop] stages a
	// derivation's outputs to, and, absent StageInSource, stages its
	// inputs from as well.
	Artifacts *ArtifactStore
	// StageInSource overrides where a [Loop] reads a derivation's input
	// closure from, for deployments that fall back to a public binary
	// cache for upstream dependencies the shared artifact store has
	// never staged. If nil, Artifacts is used directly.
	StageInSource zbstore.Store
	// Store is the local zb store daemon a [Loop] stages into, builds
	// with, and stages out of.
	Store *LocalStore

	ReceiveWaitTime time.Duration
	LeaseTimeout    time.Duration
	MaxReceiveCount int
}

func (cfg *Config) setDefaults() {
	if cfg.ReceiveWaitTime <= 0 {
		cfg.ReceiveWaitTime = DefaultReceiveWaitTime
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = DefaultLeaseTimeout
	}
	if cfg.MaxReceiveCount <= 0 {
		cfg.MaxReceiveCount = DefaultMaxReceiveCount
	}
}

// Loop is the worker's main processing loop: long-poll receive, lease,
// stage in, build, stage out, report, delete.
type Loop struct {
	cfg Config

	mu      sync.Mutex
	active  map[zbstore.Path]time.Time
	built   uint64
	failed  uint64
	dropped uint64
}

// NewLoop returns a [Loop] configured by cfg, applying defaults to any
// zero-valued duration or count fields.
func NewLoop(cfg Config) *Loop {
	cfg.setDefaults()
	return &Loop{cfg: cfg, active: make(map[zbstore.Path]time.Time)}
}

// Leases reports the derivations this loop is currently building and
// when each build started, for [StatusServer]'s /leases endpoint.
func (l *Loop) Leases() map[zbstore.Path]time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[zbstore.Path]time.Time, len(l.active))
	for path, start := range l.active {
		out[path] = start
	}
	return out
}

// Counts reports the number of builds this loop has completed, failed,
// and left undeleted as dead-letter candidates since it started, for
// [StatusServer]'s /metrics endpoint.
func (l *Loop) Counts() (built, failed, dropped uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.built, l.failed, l.dropped
}

func (l *Loop) startBuild(drvPath zbstore.Path) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active[drvPath] = time.Now()
}

func (l *Loop) finishBuild(drvPath zbstore.Path, status buildqueue.BuildResultStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.active, drvPath)
	if status.Success() {
		l.built++
	} else {
		l.failed++
	}
}

// Run processes messages from the work queue until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	for {
		msgs, err := l.cfg.Work.Receive(ctx, 1, l.cfg.ReceiveWaitTime)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Errorf(ctx, "worker: receive: %v", err)
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if len(msgs) == 0 {
			continue
		}
		l.process(ctx, msgs[0])
	}
}

func (l *Loop) process(ctx context.Context, msg queueservice.Message) {
	work, err := buildqueue.UnmarshalWorkMessage(msg.Body)
	if err != nil {
		log.Errorf(ctx, "worker: discarding malformed work message: %v", err)
		_ = l.cfg.Work.Delete(ctx, msg.ReceiptHandle)
		return
	}

	if msg.ApproximateReceiveCount > l.cfg.MaxReceiveCount {
		log.Errorf(ctx, "worker: %s exceeded %d delivery attempts, leaving as a dead-letter candidate", work.DrvPath, l.cfg.MaxReceiveCount)
		l.mu.Lock()
		l.dropped++
		l.mu.Unlock()
		l.report(ctx, work, &buildqueue.BuildResult{
			Status:    buildqueue.StatusMiscFailure,
			ErrorMsg:  fmt.Sprintf("exceeded %d delivery attempts without a clean result", l.cfg.MaxReceiveCount),
			StartTime: time.Now().Unix(),
			StopTime:  time.Now().Unix(),
		})
		// The message is left undeleted on purpose: a provider's own
		// dead-letter queue policy, not this loop, decides what happens
		// to a message that has exhausted its receive count.
		return
	}

	lse := startLease(ctx, l.cfg.Work, msg.ReceiptHandle, l.cfg.LeaseTimeout)
	l.startBuild(work.DrvPath)
	result := l.build(ctx, work)
	l.finishBuild(work.DrvPath, result.Status)
	lse.stop()

	if l.report(ctx, work, result) {
		if err := l.cfg.Work.Delete(ctx, msg.ReceiptHandle); err != nil {
			log.Warnf(ctx, "worker: delete work message for %s: %v", work.DrvPath, err)
		}
	}
}

// build runs the stage-in/realize/stage-out pipeline for work, never
// returning a nil result: any failure, including one in this loop's own
// plumbing rather than the build itself, is captured as a
// [buildqueue.StatusMiscFailure] result so the broker always hears back.
func (l *Loop) build(ctx context.Context, work *buildqueue.WorkMessage) *buildqueue.BuildResult {
	start := time.Now()
	result := &buildqueue.BuildResult{StartTime: start.Unix()}
	fail := func(err error) *buildqueue.BuildResult {
		result.Status = buildqueue.StatusMiscFailure
		result.ErrorMsg = err.Error()
		result.StopTime = time.Now().Unix()
		return result
	}

	stageInSource := l.cfg.StageInSource
	if stageInSource == nil {
		stageInSource = l.cfg.Artifacts
	}
	stageIn := sets.NewSorted(work.DrvPath)
	stageIn.AddSet(&work.Drv.InputSrcs)
	if err := l.cfg.Store.StageIn(ctx, stageInSource, stageIn); err != nil {
		return fail(err)
	}

	outcome, err := l.cfg.Store.Build(ctx, work.DrvPath)
	if err != nil {
		return fail(err)
	}
	result.Status = outcome.Status
	result.ErrorMsg = outcome.ErrMsg

	if outcome.Status.Success() && outcome.Outputs != nil && outcome.Outputs.Len() > 0 {
		if err := l.cfg.Store.StageOut(ctx, l.cfg.Artifacts, outcome.Outputs); err != nil {
			return fail(err)
		}
	}

	result.StopTime = time.Now().Unix()
	return result
}

// report sends result on work's private result queue, returning true if
// the send succeeded. A false return means the caller must not delete
// the work message, so it will be redelivered and retried.
func (l *Loop) report(ctx context.Context, work *buildqueue.WorkMessage, result *buildqueue.BuildResult) bool {
	if result.ErrorMsg == "" && !result.Status.Success() {
		result.ErrorMsg = result.Status.String()
	}

	queueName, token, err := broker.ParseResultQueueURL(work.ResultQueue)
	if err != nil {
		log.Errorf(ctx, "worker: %s: %v", work.DrvPath, err)
		return false
	}
	resultQueue, err := l.cfg.Queues.Queue(ctx, queueName)
	if err != nil {
		log.Errorf(ctx, "worker: open result queue for %s: %v", work.DrvPath, err)
		return false
	}
	body, err := broker.MarshalResultEnvelope(&broker.ResultEnvelope{Token: token, Result: result})
	if err != nil {
		log.Errorf(ctx, "worker: marshal result for %s: %v", work.DrvPath, err)
		return false
	}
	if err := resultQueue.Send(ctx, body); err != nil {
		log.Errorf(ctx, "worker: send result for %s: %v", work.DrvPath, err)
		return false
	}
	return true
}

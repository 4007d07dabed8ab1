// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"time"

	"zombiezen.com/go/log"

	"nixdispatch.dev/pkg/queueservice"
)

// leaseRenewBackoff is how long a [lease] waits before retrying a failed
// visibility extension.
const leaseRenewBackoff = 10 * time.Second

// lease keeps a received work message's visibility timeout extended in
// the background for as long as the worker is still processing it, so a
// long build never lets the message become visible to another worker.
// Renewal happens at half the timeout, so a single missed renewal never
// gives a message time to become visible to another worker mid-build.
// A renewal failure is logged and retried; it is never propagated to the
// build in progress, since the queue's own redelivery (not the worker
// suppressing its own report) is what protects against a lost lease.
type lease struct {
	queue   queueservice.Queue
	handle  string
	timeout time.Duration
	cancel  context.CancelFunc
	done    chan struct{}
}

// startLease begins renewing handle's visibility timeout on queue every
// timeout/2 until ctx is done or [*lease.stop] is called.
func startLease(ctx context.Context, queue queueservice.Queue, handle string, timeout time.Duration) *lease {
	leaseCtx, cancel := context.WithCancel(ctx)
	l := &lease{
		queue:   queue,
		handle:  handle,
		timeout: timeout,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go l.run(leaseCtx)
	return l
}

func (l *lease) run(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(l.timeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.renew(ctx)
		}
	}
}

// renew extends the lease, retrying every [leaseRenewBackoff] on failure
// until it succeeds or ctx is done.
func (l *lease) renew(ctx context.Context) {
	for {
		err := l.queue.ChangeVisibility(ctx, l.handle, l.timeout)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		log.Warnf(ctx, "worker: extend lease for receipt %s: %v, retrying in %s", l.handle, err, leaseRenewBackoff)
		select {
		case <-time.After(leaseRenewBackoff):
		case <-ctx.Done():
			return
		}
	}
}

// stop ends the lease's renewal loop and waits for it to exit.
func (l *lease) stop() {
	l.cancel()
	<-l.done
}

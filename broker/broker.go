// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"zombiezen.com/go/log"

	"nixdispatch.dev/pkg/buildqueue"
	"nixdispatch.dev/pkg/queueservice"
	"nixdispatch.dev/pkg/zbstore"
)

// receiveWaitTime is how long a single result-queue Receive call
// long-polls before returning empty, matching a typical SQS-style
// provider's maximum long-poll wait.
const receiveWaitTime = 20 * time.Second

// Broker publishes derivations onto a shared work queue and collects
// their results.
type Broker struct {
	work        queueservice.Queue
	queues      queueservice.Service
	tokenSecret []byte
}

// New returns a Broker that publishes onto work and creates private
// result queues through queues, authenticating each with tokenSecret.
func New(work queueservice.Queue, queues queueservice.Service, tokenSecret []byte) *Broker {
	return &Broker{work: work, queues: queues, tokenSecret: tokenSecret}
}

// Submit publishes drv for building and blocks until a worker reports a
// result or ctx is done. The private result queue created for this call
// is deleted before Submit returns, on every exit path.
func (b *Broker) Submit(ctx context.Context, drvPath zbstore.Path, drv *buildqueue.BasicDerivation) (*buildqueue.BuildResult, error) {
	queueName, resultQueueField, err := b.openResultQueue(ctx)
	if err != nil {
		return nil, fmt.Errorf("broker: submit %s: %w", drvPath, err)
	}
	defer b.closeResultQueue(context.WithoutCancel(ctx), queueName)

	body, err := buildqueue.MarshalWorkMessage(&buildqueue.WorkMessage{
		DrvPath:     drvPath,
		Drv:         drv,
		ResultQueue: resultQueueField,
	})
	if err != nil {
		return nil, fmt.Errorf("broker: submit %s: %w", drvPath, err)
	}
	if err := b.work.Send(ctx, body); err != nil {
		return nil, fmt.Errorf("broker: submit %s: %w", drvPath, err)
	}

	resultQueue, err := b.queues.Queue(ctx, queueName)
	if err != nil {
		return nil, fmt.Errorf("broker: submit %s: %w", drvPath, err)
	}

	log.Debugf(ctx, "broker: waiting for result of %s on %s", drvPath, queueName)
	for {
		msgs, err := resultQueue.Receive(ctx, 1, receiveWaitTime)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("broker: submit %s: %w", drvPath, ctx.Err())
			}
			return nil, fmt.Errorf("broker: submit %s: %w", drvPath, err)
		}
		if len(msgs) == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("broker: submit %s: %w", drvPath, err)
			}
			continue
		}

		msg := msgs[0]
		envelope, err := UnmarshalResultEnvelope(msg.Body)
		if err != nil {
			log.Warnf(ctx, "broker: discarding malformed result for %s: %v", drvPath, err)
			_ = resultQueue.Delete(ctx, msg.ReceiptHandle)
			continue
		}
		if err := verifyResultToken(b.tokenSecret, envelope.Token, queueName); err != nil {
			log.Warnf(ctx, "broker: discarding unauthenticated result for %s: %v", drvPath, err)
			_ = resultQueue.Delete(ctx, msg.ReceiptHandle)
			continue
		}
		if envelope.Result == nil {
			return nil, errors.New("broker: submit " + string(drvPath) + ": result envelope missing result")
		}
		if err := envelope.Result.Validate(); err != nil {
			_ = resultQueue.Delete(ctx, msg.ReceiptHandle)
			return nil, fmt.Errorf("broker: submit %s: %w", drvPath, err)
		}

		if err := resultQueue.Delete(ctx, msg.ReceiptHandle); err != nil {
			log.Warnf(ctx, "broker: delete result message for %s: %v", drvPath, err)
		}
		return envelope.Result, nil
	}
}

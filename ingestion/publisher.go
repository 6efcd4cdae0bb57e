// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package ingestion

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/poiesic/stockpile/core"
	"github.com/poiesic/stockpile/storage"
)

// RecordPublisher enqueues each parsed record as its own unit of work.
type RecordPublisher struct {
	queue   storage.Queue
	retry   RetryPolicy
	logger  *slog.Logger
	metrics *Metrics
}

// NewRecordPublisher creates a publisher that sends to queue, retrying
// failed sends under retry.
func NewRecordPublisher(queue storage.Queue, retry RetryPolicy, logger *slog.Logger, metrics *Metrics) (*RecordPublisher, error) {
	if queue == nil {
		return nil, ErrQueueRequired
	}
	if err := retry.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RecordPublisher{
		queue:   queue,
		retry:   retry,
		logger:  logger.With("component", "publisher"),
		metrics: metrics,
	}, nil
}

// Publish sends record, tagged with the object key it came from, and returns
// the queue's message ID. Once retries are exhausted the error wraps
// core.ErrEnqueueFailed; the record was not enqueued.
func (p *RecordPublisher) Publish(ctx context.Context, source string, record *core.RawRecord) (string, error) {
	if record == nil {
		return "", fmt.Errorf("%w: %s: nil record", core.ErrEnqueueFailed, source)
	}
	payload, err := storage.MarshalEnvelope(&core.Envelope{
		Source: source,
		Line:   record.Line,
		Record: record,
	})
	if err != nil {
		p.metrics.enqueueFailed()
		return "", fmt.Errorf("%w: %s line %d: %w", core.ErrEnqueueFailed, source, record.Line, err)
	}

	var messageID string
	err = p.retry.Do(ctx, p.logger, func() error {
		var sendErr error
		messageID, sendErr = p.queue.Send(ctx, payload)
		return sendErr
	})
	if err != nil {
		p.metrics.enqueueFailed()
		p.logger.Error("enqueue failed", "key", source, "line", record.Line, "err", err)
		return "", fmt.Errorf("%w: %s line %d: %w", core.ErrEnqueueFailed, source, record.Line, err)
	}

	p.metrics.recordEnqueued()
	return messageID, nil
}

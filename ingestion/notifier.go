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
	"encoding/json"
	"fmt"
	"log/slog"

	ceevent "github.com/cloudevents/sdk-go/v2/event"
	"github.com/google/uuid"
	"github.com/poiesic/stockpile/core"
	"github.com/poiesic/stockpile/storage"
)

// BatchCompletedEventType is the CloudEvents type of completion notifications.
const BatchCompletedEventType = "com.poiesic.stockpile.batch.completed"

// Notifier announces processed batches.
type Notifier interface {
	Notify(ctx context.Context, event *core.IngestionEvent) error
}

// CompletionNotifier publishes one CloudEvent per batch to a topic.
type CompletionNotifier struct {
	publisher storage.Publisher
	topic     string
	source    string
	retry     RetryPolicy
	logger    *slog.Logger
}

var _ Notifier = (*CompletionNotifier)(nil)

// NewCompletionNotifier creates a notifier for topic. source becomes the
// CloudEvents source attribute.
func NewCompletionNotifier(publisher storage.Publisher, topic, source string, retry RetryPolicy, logger *slog.Logger) (*CompletionNotifier, error) {
	if publisher == nil {
		return nil, ErrPublisherRequired
	}
	if topic == "" {
		return nil, fmt.Errorf("notification topic is required")
	}
	if source == "" {
		source = "stockpile"
	}
	if err := retry.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CompletionNotifier{
		publisher: publisher,
		topic:     topic,
		source:    source,
		retry:     retry,
		logger:    logger.With("component", "notifier"),
	}, nil
}

// Topic returns the topic notifications are published to.
func (n *CompletionNotifier) Topic() string {
	return n.topic
}

// Notify wraps ev in a CloudEvent and publishes it. Failures wrap
// core.ErrPublishFailed; nothing already persisted is affected.
func (n *CompletionNotifier) Notify(ctx context.Context, ev *core.IngestionEvent) error {
	if ev.Topic == "" {
		ev.Topic = n.topic
	}
	data, err := EncodeEvent(ev, n.source)
	if err != nil {
		return fmt.Errorf("%w: batch %s: %w", core.ErrPublishFailed, ev.BatchID, err)
	}

	err = n.retry.Do(ctx, n.logger, func() error {
		return n.publisher.Publish(ctx, ev.Topic, data)
	})
	if err != nil {
		return fmt.Errorf("%w: batch %s: %w", core.ErrPublishFailed, ev.BatchID, err)
	}
	n.logger.Debug("batch notification published", "batch", ev.BatchID, "outcome", ev.Outcome, "topic", ev.Topic)
	return nil
}

// EncodeEvent renders ev as a structured-mode CloudEvent.
func EncodeEvent(ev *core.IngestionEvent, source string) ([]byte, error) {
	ce := ceevent.New()
	ce.SetID(uuid.NewString())
	ce.SetType(BatchCompletedEventType)
	ce.SetSource(source)
	ce.SetSubject(ev.BatchID)
	ce.SetTime(ev.At)
	if err := ce.SetData(ceevent.ApplicationJSON, ev); err != nil {
		return nil, fmt.Errorf("encoding event data: %w", err)
	}
	if err := ce.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cloudevent: %w", err)
	}
	return json.Marshal(ce)
}

// DecodeEvent parses a message produced by EncodeEvent.
func DecodeEvent(data []byte) (*core.IngestionEvent, error) {
	ce := ceevent.New()
	if err := json.Unmarshal(data, &ce); err != nil {
		return nil, fmt.Errorf("decoding cloudevent: %w", err)
	}
	if ce.Type() != BatchCompletedEventType {
		return nil, fmt.Errorf("unexpected event type %q", ce.Type())
	}
	var ev core.IngestionEvent
	if err := ce.DataAs(&ev); err != nil {
		return nil, fmt.Errorf("decoding event data: %w", err)
	}
	return &ev, nil
}

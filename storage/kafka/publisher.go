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


// Package kafka publishes completion notifications to Kafka topics.
package kafka

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/poiesic/stockpile/storage"
	segmentio "github.com/segmentio/kafka-go"
)

const contentTypeHeader = "content-type"

// messageWriter is the subset of *segmentio.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...segmentio.Message) error
	Close() error
}

// Publisher writes each message to the Kafka topic named at publish time.
type Publisher struct {
	writer      messageWriter
	contentType string
	logger      *slog.Logger
}

var _ storage.Publisher = (*Publisher)(nil)

// NewPublisher creates a publisher for the given brokers. Writes wait for
// all in-sync replicas.
func NewPublisher(brokers []string, contentType string, logger *slog.Logger) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one kafka broker is required")
	}
	writer := &segmentio.Writer{
		Addr:         segmentio.TCP(brokers...),
		Balancer:     &segmentio.LeastBytes{},
		RequiredAcks: segmentio.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	return newPublisher(writer, contentType, logger), nil
}

func newPublisher(writer messageWriter, contentType string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		writer:      writer,
		contentType: contentType,
		logger:      logger.With("component", "kafka-publisher"),
	}
}

// Publish writes message to topic.
func (p *Publisher) Publish(ctx context.Context, topic string, message []byte) error {
	msg := segmentio.Message{
		Topic: topic,
		Value: message,
	}
	if p.contentType != "" {
		msg.Headers = []segmentio.Header{{Key: contentTypeHeader, Value: []byte(p.contentType)}}
	}

	err := p.writer.WriteMessages(ctx, msg)
	if err != nil {
		var kerr segmentio.Error
		if errors.As(err, &kerr) && kerr.Temporary() {
			p.logger.Warn("temporary kafka write error", "topic", topic, "err", err)
		}
		return errors.Wrapf(err, "writing to kafka topic %s", topic)
	}
	return nil
}

// Close flushes pending writes and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

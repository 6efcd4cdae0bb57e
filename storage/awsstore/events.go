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


package awsstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/pkg/errors"
	"github.com/poiesic/stockpile/storage"
)

const (
	maxSQSWaitSeconds = 20
	maxSQSBatch       = 10
	objectCreatedPfx  = "ObjectCreated:"
	eventsErrorPause  = time.Second
)

// ObjectEvents reads S3 ObjectCreated notifications from the SQS queue the
// bucket publishes to. Acking an event deletes its notification message.
type ObjectEvents struct {
	client   sqsiface.SQSAPI
	queueURL string
	logger   *slog.Logger
}

var _ storage.ObjectEvents = (*ObjectEvents)(nil)

// NewObjectEvents creates a notification reader for queueURL.
func NewObjectEvents(client sqsiface.SQSAPI, queueURL string, logger *slog.Logger) (*ObjectEvents, error) {
	if client == nil {
		return nil, errors.New("missing sqs client")
	}
	if queueURL == "" {
		return nil, errors.New("notification queue url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ObjectEvents{
		client:   client,
		queueURL: queueURL,
		logger:   logger.With("component", "s3-events", "queue", queueURL),
	}, nil
}

// s3Notification is the body S3 sends to SQS.
type s3Notification struct {
	Records []struct {
		EventName string    `json:"eventName"`
		EventTime time.Time `json:"eventTime"`
		S3        struct {
			Object struct {
				Key  string `json:"key"`
				Size int64  `json:"size"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// Subscribe long-polls the notification queue until ctx is done.
func (e *ObjectEvents) Subscribe(ctx context.Context, prefix string) (<-chan storage.ObjectEvent, error) {
	ch := make(chan storage.ObjectEvent)
	go func() {
		defer close(ch)
		for ctx.Err() == nil {
			out, err := e.client.ReceiveMessageWithContext(ctx, &sqs.ReceiveMessageInput{
				QueueUrl:            aws.String(e.queueURL),
				MaxNumberOfMessages: aws.Int64(maxSQSBatch),
				WaitTimeSeconds:     aws.Int64(maxSQSWaitSeconds),
			})
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				e.logger.Error("receiving notifications", "err", err)
				select {
				case <-time.After(eventsErrorPause):
				case <-ctx.Done():
					return
				}
				continue
			}
			for _, msg := range out.Messages {
				if !e.dispatch(ctx, ch, prefix, msg) {
					return
				}
			}
		}
	}()
	return ch, nil
}

// dispatch sends the message's matching records. Messages with nothing to
// deliver, such as the s3:TestEvent sent on setup, are deleted right away.
// It returns false once ctx is done.
func (e *ObjectEvents) dispatch(ctx context.Context, ch chan<- storage.ObjectEvent, prefix string, msg *sqs.Message) bool {
	receipt := aws.StringValue(msg.ReceiptHandle)
	ack := func(ctx context.Context) error {
		_, err := e.client.DeleteMessageWithContext(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(e.queueURL),
			ReceiptHandle: aws.String(receipt),
		})
		if err != nil {
			return translate(err, "deleting notification %s", aws.StringValue(msg.MessageId))
		}
		return nil
	}

	events := e.parse(aws.StringValue(msg.Body), prefix)
	if len(events) == 0 {
		if err := ack(ctx); err != nil {
			e.logger.Warn("dropping notification", "message_id", aws.StringValue(msg.MessageId), "err", err)
		}
		return true
	}
	acks := &messageAcks{pending: len(events), remove: ack}
	for _, ev := range events {
		ev.Ack = acks.ackFunc()
		select {
		case ch <- ev:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// messageAcks deletes a notification once every record it carried has been
// acked. Until then the message stays on the queue and, if any record is
// left unacked, all of its records are redelivered.
type messageAcks struct {
	mu      sync.Mutex
	pending int
	remove  func(context.Context) error
}

func (m *messageAcks) ackFunc() func(context.Context) error {
	var acked bool
	return func(ctx context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if !acked {
			acked = true
			m.pending--
		}
		if m.pending > 0 {
			return nil
		}
		return m.remove(ctx)
	}
}

func (e *ObjectEvents) parse(body, prefix string) []storage.ObjectEvent {
	var note s3Notification
	if err := json.Unmarshal([]byte(body), &note); err != nil {
		e.logger.Warn("ignoring unparseable notification", "err", err)
		return nil
	}
	var events []storage.ObjectEvent
	for _, rec := range note.Records {
		if !strings.HasPrefix(rec.EventName, objectCreatedPfx) {
			continue
		}
		// Keys arrive URL-encoded with '+' for spaces.
		key, err := url.QueryUnescape(rec.S3.Object.Key)
		if err != nil {
			e.logger.Warn("ignoring notification with bad key", "key", rec.S3.Object.Key, "err", err)
			continue
		}
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		events = append(events, storage.ObjectEvent{
			Key:  key,
			Size: rec.S3.Object.Size,
			At:   rec.EventTime,
		})
	}
	return events
}

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
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/pkg/errors"
	"github.com/poiesic/stockpile/core"
	"github.com/poiesic/stockpile/storage"
)

// Queue is the record queue on SQS. Dead-lettering is left to the queue's
// redrive policy.
type Queue struct {
	client   sqsiface.SQSAPI
	queueURL string
}

var _ storage.Queue = (*Queue)(nil)

// NewQueue creates a queue for queueURL.
func NewQueue(client sqsiface.SQSAPI, queueURL string) (*Queue, error) {
	if client == nil {
		return nil, errors.New("missing sqs client")
	}
	if queueURL == "" {
		return nil, errors.New("queue url is required")
	}
	return &Queue{client: client, queueURL: queueURL}, nil
}

// Send enqueues payload as the message body.
func (q *Queue) Send(ctx context.Context, payload []byte) (string, error) {
	out, err := q.client.SendMessageWithContext(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(payload)),
	})
	if err != nil {
		return "", translate(err, "sending to %s", q.queueURL)
	}
	return aws.StringValue(out.MessageId), nil
}

// Receive collects up to max messages. Only the first call long-polls; SQS
// caps each call at ten messages and twenty seconds.
func (q *Queue) Receive(ctx context.Context, max int, visibility, wait time.Duration) ([]*core.QueuedUnit, error) {
	if max <= 0 {
		return nil, errors.Wrap(storage.ErrInvalidQuery, "max must be positive")
	}
	waitSeconds := min(int64(wait/time.Second), maxSQSWaitSeconds)

	var units []*core.QueuedUnit
	for len(units) < max {
		out, err := q.client.ReceiveMessageWithContext(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(q.queueURL),
			MaxNumberOfMessages: aws.Int64(int64(min(max-len(units), maxSQSBatch))),
			VisibilityTimeout:   aws.Int64(int64(visibility / time.Second)),
			WaitTimeSeconds:     aws.Int64(waitSeconds),
			AttributeNames:      []*string{aws.String(sqs.MessageSystemAttributeNameApproximateReceiveCount)},
		})
		if err != nil {
			if len(units) > 0 {
				// Already-claimed messages are returned; the error resurfaces next call.
				return units, nil
			}
			return nil, translate(err, "receiving from %s", q.queueURL)
		}
		if len(out.Messages) == 0 {
			break
		}
		for _, msg := range out.Messages {
			units = append(units, toUnit(msg))
		}
		waitSeconds = 0
	}
	return units, nil
}

// Ack deletes the message.
func (q *Queue) Ack(ctx context.Context, receipt string) error {
	if receipt == "" {
		return storage.ErrInvalidReceipt
	}
	_, err := q.client.DeleteMessageWithContext(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		return translate(err, "deleting from %s", q.queueURL)
	}
	return nil
}

func toUnit(msg *sqs.Message) *core.QueuedUnit {
	unit := &core.QueuedUnit{
		MessageID:     aws.StringValue(msg.MessageId),
		Payload:       []byte(aws.StringValue(msg.Body)),
		ReceiptHandle: aws.StringValue(msg.ReceiptHandle),
		ReceiveCount:  1,
	}
	if raw, ok := msg.Attributes[sqs.MessageSystemAttributeNameApproximateReceiveCount]; ok {
		if n, err := strconv.Atoi(aws.StringValue(raw)); err == nil {
			unit.ReceiveCount = n
		}
	}
	return unit
}

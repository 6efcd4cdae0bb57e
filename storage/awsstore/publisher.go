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
	"log/slog"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"
	"github.com/pkg/errors"
	"github.com/poiesic/stockpile/storage"
)

// Publisher publishes to SNS topics. The topic passed to Publish is the
// topic ARN.
type Publisher struct {
	client snsiface.SNSAPI
	logger *slog.Logger
}

var _ storage.Publisher = (*Publisher)(nil)

// NewPublisher creates an SNS publisher.
func NewPublisher(client snsiface.SNSAPI, logger *slog.Logger) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("missing sns client")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{client: client, logger: logger.With("component", "sns-publisher")}, nil
}

// Publish sends message to the topic ARN.
func (p *Publisher) Publish(ctx context.Context, topic string, message []byte) error {
	if topic == "" {
		return errors.Wrap(storage.ErrInvalidQuery, "topic arn is required")
	}
	out, err := p.client.PublishWithContext(ctx, &sns.PublishInput{
		TopicArn: aws.String(topic),
		Message:  aws.String(string(message)),
	})
	if err != nil {
		return translate(err, "publishing to %s", topic)
	}
	p.logger.Debug("published", "topic", topic, "message_id", aws.StringValue(out.MessageId))
	return nil
}

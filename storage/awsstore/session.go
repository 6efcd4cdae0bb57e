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


// Package awsstore implements the storage interfaces on AWS: S3 for uploads,
// SQS for the record queue and upload notifications, SNS for completion
// fan-out and DynamoDB for the catalog.
package awsstore

import (
	"log/slog"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/pkg/errors"
	"github.com/poiesic/stockpile/storage"
)

// SessionConfig selects the AWS region and, for local emulators, an
// endpoint override.
type SessionConfig struct {
	Region     string
	Endpoint   string
	MaxRetries int
}

// NewSession creates an AWS session. Credentials come from the default chain.
func NewSession(cfg SessionConfig, logger *slog.Logger) (*session.Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 10
	}
	config := &aws.Config{
		// retry on ephemeral AWS errors
		Retryer: client.DefaultRetryer{NumMaxRetries: retries},
	}
	if cfg.Region != "" {
		logger.Info("overriding default AWS region", "region", cfg.Region)
		config.Region = aws.String(cfg.Region)
	}
	if cfg.Endpoint != "" {
		logger.Info("overriding AWS endpoint", "endpoint", cfg.Endpoint)
		config.Endpoint = aws.String(cfg.Endpoint)
		config.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(config)
	if err != nil {
		return nil, errors.Wrap(err, "creating AWS session")
	}
	return sess, nil
}

// translate maps well-known AWS error codes onto storage sentinels and wraps
// everything else with context.
func translate(err error, format string, args ...interface{}) error {
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case "NoSuchKey", "NoSuchBucket", "NotFound", "ResourceNotFoundException":
			return storage.ErrNotFound
		case "ReceiptHandleIsInvalid":
			return storage.ErrInvalidReceipt
		}
	}
	return errors.Wrapf(err, format, args...)
}

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
	"io"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/pkg/errors"
	"github.com/poiesic/stockpile/storage"
)

// ObjectStore serves uploads from an S3 bucket.
type ObjectStore struct {
	client s3iface.S3API
	bucket string
	now    func() time.Time
}

var _ storage.ObjectStore = (*ObjectStore)(nil)

// NewObjectStore creates an S3 backed store for bucket.
func NewObjectStore(client s3iface.S3API, bucket string) (*ObjectStore, error) {
	if client == nil {
		return nil, errors.New("missing s3 client")
	}
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	return &ObjectStore{client: client, bucket: bucket, now: time.Now}, nil
}

// PresignPut returns a presigned PutObject URL valid for ttl.
func (s *ObjectStore) PresignPut(ctx context.Context, key string, ttl time.Duration) (string, time.Time, error) {
	if key == "" {
		return "", time.Time{}, storage.ErrInvalidQuery
	}
	req, _ := s.client.PutObjectRequest(&s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	req.SetContext(ctx)
	expiry := s.now().Add(ttl)
	url, err := req.Presign(ttl)
	if err != nil {
		return "", time.Time{}, errors.Wrapf(err, "presigning s3://%s/%s", s.bucket, key)
	}
	return url, expiry, nil
}

// Open streams the object body.
func (s *ObjectStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	result, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, translate(err, "fetching S3 object s3://%s/%s", s.bucket, key)
	}
	return result.Body, nil
}

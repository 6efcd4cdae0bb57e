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


// Package storage defines the narrow interfaces the import pipeline uses to
// reach object storage, the work queue, the catalog table and pub/sub.
//
// The pipeline never talks to a concrete service. Each backend package
// implements these interfaces:
//
//   - storage/badger: catalog table, durable work queue and flow tracking on BadgerDB
//   - storage/local: filesystem object store with signed uploads and an in-memory broker
//   - storage/awsstore: S3, SQS, SNS and DynamoDB through aws-sdk-go
//   - storage/kafka: notification publisher on Kafka
//
// # Delivery semantics
//
// Queue implementations deliver at least once. A received unit stays hidden for
// the visibility timeout and becomes receivable again unless it is acknowledged
// with its receipt handle. Catalog writes are full replacements keyed by item
// ID, so applying a redelivered unit twice is harmless.
//
// # Serialization
//
// Values stored by the BadgerDB backend use the MUS binary codecs from core.
// Queue payloads are JSON envelopes so they can cross SQS and similar services
// unchanged.
package storage

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


package storage

import (
	"context"
	"io"
	"time"

	"github.com/poiesic/stockpile/core"
)

// ObjectStore grants upload access to keys and reads stored objects.
type ObjectStore interface {
	// PresignPut returns a URL that allows writing key until the returned expiry.
	// It does not create the object.
	PresignPut(ctx context.Context, key string, ttl time.Duration) (url string, expiry time.Time, err error)

	// Open returns the object at key as a stream.
	// Returns ErrNotFound if the object doesn't exist.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// ObjectEvent reports a newly created object.
type ObjectEvent struct {
	Key  string
	Size int64
	At   time.Time

	// Ack marks the event handled. Sources that redeliver unacknowledged
	// events (for example an SQS notification queue) delete it here.
	Ack func(ctx context.Context) error
}

// ObjectEvents delivers object-created notifications.
type ObjectEvents interface {
	// Subscribe delivers events for keys starting with prefix until ctx is done,
	// then closes the channel.
	Subscribe(ctx context.Context, prefix string) (<-chan ObjectEvent, error)
}

// Queue is an at-least-once work queue with visibility timeouts.
type Queue interface {
	// Send enqueues payload and returns the message ID.
	Send(ctx context.Context, payload []byte) (string, error)

	// Receive returns up to max units, waiting at most wait for the first one.
	// Returned units stay hidden from other receivers for visibility.
	// An empty result is not an error.
	Receive(ctx context.Context, max int, visibility, wait time.Duration) ([]*core.QueuedUnit, error)

	// Ack deletes the unit identified by its receipt handle.
	Ack(ctx context.Context, receipt string) error
}

// CatalogRepository stores catalog items keyed by ID.
type CatalogRepository interface {
	// Upsert writes item, replacing any existing item with the same ID.
	Upsert(ctx context.Context, item *core.CatalogItem) error

	// Get retrieves an item by ID.
	// Returns ErrNotFound if the item doesn't exist.
	Get(ctx context.Context, id string) (*core.CatalogItem, error)

	// Scan calls fn for every item until fn returns an error.
	Scan(ctx context.Context, fn func(*core.CatalogItem) error) error
}

// Publisher sends a message to every subscriber of a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, message []byte) error
}

// FlowRepository tracks the state of each uploaded object.
type FlowRepository interface {
	// GetFlow retrieves the flow for key.
	// Returns ErrNotFound if the key has never been seen.
	GetFlow(ctx context.Context, key string) (*core.Flow, error)

	// UpdateFlow loads the flow for key (zero Flow if absent), applies fn and
	// stores the result atomically. Nothing is stored if fn returns an error.
	UpdateFlow(ctx context.Context, key string, fn func(*core.Flow) error) (*core.Flow, error)

	// ListFlows returns all tracked flows ordered by key.
	ListFlows(ctx context.Context) ([]*core.Flow, error)
}

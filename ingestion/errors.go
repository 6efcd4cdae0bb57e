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
	"errors"
	"fmt"

	"github.com/poiesic/stockpile/core"
)

var (
	// ErrHeaderUnreadable is returned when the first row of an upload cannot
	// be read as a header. The whole object is abandoned.
	ErrHeaderUnreadable = errors.New("header unreadable")

	// ErrObjectStoreRequired is returned when an object store is not provided.
	ErrObjectStoreRequired = errors.New("object store required")

	// ErrObjectEventsRequired is returned when an object event source is not provided.
	ErrObjectEventsRequired = errors.New("object events required")

	// ErrQueueRequired is returned when a queue is not provided.
	ErrQueueRequired = errors.New("queue required")

	// ErrCatalogRequired is returned when a catalog repository is not provided.
	ErrCatalogRequired = errors.New("catalog repository required")

	// ErrPublisherRequired is returned when a publisher is not provided.
	ErrPublisherRequired = errors.New("publisher required")

	// ErrConsumerRequired is returned when a batch consumer is not provided.
	ErrConsumerRequired = errors.New("batch consumer required")

	// ErrNotifierRequired is returned when a completion notifier is not provided.
	ErrNotifierRequired = errors.New("notifier required")

	// ErrFlowRepositoryRequired is returned when a flow repository is not provided.
	ErrFlowRepositoryRequired = errors.New("flow repository required")

	// ErrInvalidMaxAttempts is returned when retry attempts is not positive.
	ErrInvalidMaxAttempts = errors.New("max attempts must be positive")
)

// MalformedRecordError reports a data row that could not be parsed. Parsing
// continues with the next row.
type MalformedRecordError struct {
	Line int
	Err  error
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("%s: line %d: %v", core.ErrMalformedRecord, e.Line, e.Err)
}

func (e *MalformedRecordError) Unwrap() []error {
	return []error{core.ErrMalformedRecord, e.Err}
}

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


package core

import "errors"

var (
	// ErrInvalidRequest indicates a ticket request the caller can correct.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrMalformedRecord indicates a row that could not be parsed.
	ErrMalformedRecord = errors.New("malformed record")

	// ErrEnqueueFailed indicates a record could not be sent to the work queue.
	ErrEnqueueFailed = errors.New("enqueue failed")

	// ErrRecordRejected indicates a queued unit failed validation or persistence.
	ErrRecordRejected = errors.New("record rejected")

	// ErrPublishFailed indicates a completion notification could not be published.
	ErrPublishFailed = errors.New("publish failed")

	// ErrMissingField indicates a required catalog column is absent or empty.
	ErrMissingField = errors.New("missing required field")

	// ErrInvalidNumber indicates price or count is not a valid non-negative number.
	ErrInvalidNumber = errors.New("invalid number")

	// ErrInvalidTransition indicates a flow state change that is not allowed.
	ErrInvalidTransition = errors.New("invalid flow transition")
)

// ErrorKind classifies pipeline errors for callers that map them onto transports.
type ErrorKind string

const (
	ErrorKindUnknown         ErrorKind = "unknown"
	ErrorKindInvalidRequest  ErrorKind = "invalid_request"
	ErrorKindMalformedRecord ErrorKind = "malformed_record"
	ErrorKindEnqueueFailed   ErrorKind = "enqueue_failed"
	ErrorKindRecordRejected  ErrorKind = "record_rejected"
	ErrorKindPublishFailed   ErrorKind = "publish_failed"
)

// ClassifyError maps err onto its ErrorKind.
func ClassifyError(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorKindUnknown
	case errors.Is(err, ErrInvalidRequest):
		return ErrorKindInvalidRequest
	case errors.Is(err, ErrMalformedRecord):
		return ErrorKindMalformedRecord
	case errors.Is(err, ErrEnqueueFailed):
		return ErrorKindEnqueueFailed
	case errors.Is(err, ErrRecordRejected):
		return ErrorKindRecordRejected
	case errors.Is(err, ErrPublishFailed):
		return ErrorKindPublishFailed
	default:
		return ErrorKindUnknown
	}
}

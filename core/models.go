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

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-crypt/x/blake2b"
)

// ID is a 64-bit content-derived identifier.
type ID uint64

// IDFromContent hashes text into an ID. Equal text always yields the same ID.
func IDFromContent(text string) ID {
	h, _ := blake2b.New(8, nil) // 8 bytes = 64 bits
	h.Write([]byte(text))
	sum := h.Sum(nil)
	return ID(binary.LittleEndian.Uint64(sum))
}

// String renders the ID as fixed-width hex.
func (id ID) String() string {
	return fmt.Sprintf("%016x", uint64(id))
}

// UploadTicket is a time-limited grant to write one derived object key.
type UploadTicket struct {
	ID          string    `json:"id"`
	LogicalName string    `json:"logicalName"`
	Extension   string    `json:"extension"`
	ObjectKey   string    `json:"objectKey"`
	SignedURL   string    `json:"signedUrl"`
	Expiry      time.Time `json:"expiry"`
}

// Expired reports whether the ticket is no longer usable at now.
func (t *UploadTicket) Expired(now time.Time) bool {
	return !now.Before(t.Expiry)
}

// ObjectKey derives the storage key for an upload: <prefix>/<logicalName>.<extension>.
func ObjectKey(prefix, logicalName, extension string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	return prefix + "/" + logicalName + "." + extension
}

// RawRecord is one parsed row: column names in header order and their values.
type RawRecord struct {
	Columns []string
	Values  []string
	Line    int // 1-based line of the row in the source file
}

// NewRawRecord copies columns and values into a new record.
func NewRawRecord(columns, values []string, line int) *RawRecord {
	return &RawRecord{
		Columns: append([]string(nil), columns...),
		Values:  append([]string(nil), values...),
		Line:    line,
	}
}

// Get returns the value for column name.
func (r *RawRecord) Get(name string) (string, bool) {
	for i, col := range r.Columns {
		if col == name {
			if i < len(r.Values) {
				return r.Values[i], true
			}
			return "", false
		}
	}
	return "", false
}

// Len returns the number of columns.
func (r *RawRecord) Len() int {
	return len(r.Columns)
}

// MarshalJSON encodes the record as a JSON object, keeping header order.
func (r RawRecord) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, col := range r.Columns {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(col)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		var val string
		if i < len(r.Values) {
			val = r.Values[i]
		}
		v, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object of string values, keeping key order.
func (r *RawRecord) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("raw record: expected object, got %v", tok)
	}
	r.Columns = r.Columns[:0]
	r.Values = r.Values[:0]
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("raw record: expected key, got %v", tok)
		}
		var val string
		if err := dec.Decode(&val); err != nil {
			return fmt.Errorf("raw record: column %q: %w", key, err)
		}
		r.Columns = append(r.Columns, key)
		r.Values = append(r.Values, val)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}

// Envelope is the queue payload for one record.
type Envelope struct {
	Source string     `json:"source"` // object key the record was parsed from
	Line   int        `json:"line"`
	Record *RawRecord `json:"record"`
}

// QueuedUnit is a message received from the work queue.
type QueuedUnit struct {
	MessageID     string
	Payload       []byte
	ReceiptHandle string
	ReceiveCount  int
}

// CatalogItem is a persisted catalog entry keyed by ID.
type CatalogItem struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Price       float64 `json:"price"`
	Count       int64   `json:"count"`
}

// Outcome summarizes a processed batch.
type Outcome int

const (
	// OutcomeSuccess means every unit in the batch was persisted.
	OutcomeSuccess Outcome = iota + 1
	// OutcomePartialFailure means some units were persisted and some rejected.
	OutcomePartialFailure
	// OutcomeFailure means no unit in the batch was persisted.
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "Success"
	case OutcomePartialFailure:
		return "PartialFailure"
	case OutcomeFailure:
		return "Failure"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// MarshalText encodes the outcome by name.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText decodes an outcome name.
func (o *Outcome) UnmarshalText(text []byte) error {
	switch string(text) {
	case "Success":
		*o = OutcomeSuccess
	case "PartialFailure":
		*o = OutcomePartialFailure
	case "Failure":
		*o = OutcomeFailure
	default:
		return fmt.Errorf("unknown outcome %q", text)
	}
	return nil
}

// OutcomeOf derives a batch outcome from per-unit counts.
func OutcomeOf(persisted, rejected int) Outcome {
	switch {
	case rejected == 0:
		return OutcomeSuccess
	case persisted == 0:
		return OutcomeFailure
	default:
		return OutcomePartialFailure
	}
}

// IngestionEvent describes one processed batch.
type IngestionEvent struct {
	BatchID   string    `json:"batchId"`
	Topic     string    `json:"topic"`
	BatchSize int       `json:"batchSize"`
	Persisted int       `json:"persisted"`
	Rejected  int       `json:"rejected"`
	Outcome   Outcome   `json:"outcome"`
	At        time.Time `json:"at"`
}

// FlowState is the end-to-end state of one uploaded object.
type FlowState int

const (
	FlowStateUnknown FlowState = iota
	FlowStateTicketIssued
	FlowStateUploaded
	FlowStateParsing
	FlowStateEnqueuing
	FlowStateDraining
	FlowStateNotified
	FlowStateAbandoned
)

func (s FlowState) String() string {
	switch s {
	case FlowStateTicketIssued:
		return "TicketIssued"
	case FlowStateUploaded:
		return "Uploaded"
	case FlowStateParsing:
		return "Parsing"
	case FlowStateEnqueuing:
		return "Enqueuing"
	case FlowStateDraining:
		return "Draining"
	case FlowStateNotified:
		return "Notified"
	case FlowStateAbandoned:
		return "Abandoned"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further transitions happen for the current upload.
func (s FlowState) Terminal() bool {
	return s == FlowStateNotified || s == FlowStateAbandoned
}

// CanTransition reports whether moving from s to next is allowed.
// A new ticket or upload restarts a flow from any terminal state.
func (s FlowState) CanTransition(next FlowState) bool {
	if next == FlowStateAbandoned {
		return !s.Terminal() || s == FlowStateAbandoned
	}
	switch next {
	case FlowStateTicketIssued:
		return s == FlowStateUnknown || s == FlowStateTicketIssued || s.Terminal()
	case FlowStateUploaded:
		return s == FlowStateUnknown || s == FlowStateTicketIssued || s.Terminal()
	case FlowStateParsing:
		return s == FlowStateUploaded
	case FlowStateEnqueuing:
		return s == FlowStateParsing || s == FlowStateEnqueuing
	case FlowStateDraining:
		return s == FlowStateEnqueuing || s == FlowStateDraining
	case FlowStateNotified:
		return s == FlowStateDraining || s == FlowStateNotified
	}
	return false
}

// Flow tracks one object key through the pipeline. Counters are
// at-least-once: redelivered units may be counted more than once.
type Flow struct {
	Key       string
	State     FlowState
	Expiry    time.Time // ticket expiry, zero when uploaded without a ticket
	ParseDone bool
	Enqueued  int64
	Malformed int64
	Persisted int64
	Rejected  int64
	Reason    string // why the flow was abandoned
	UpdatedAt time.Time
}

// Settled reports whether every enqueued record has been drained, either
// persisted or rejected.
func (f *Flow) Settled() bool {
	return f.ParseDone && f.Persisted+f.Rejected >= f.Enqueued
}

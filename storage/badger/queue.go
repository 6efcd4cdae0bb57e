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


package badger

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/go-crypt/x/blake2b"
	"github.com/mus-format/mus-go/ord"
	"github.com/mus-format/mus-go/varint"
	"github.com/poiesic/stockpile/core"
	"github.com/poiesic/stockpile/storage"
)

const (
	// How often a waiting Receive rechecks for units whose visibility expired.
	queuePollInterval = 50 * time.Millisecond
	receiptHashSize   = 16
)

// Queue is a durable work queue with per-unit visibility timeouts, backed by
// BadgerDB. Units received more than the configured maximum are moved to a
// dead-letter keyspace instead of being redelivered.
type Queue struct {
	backend     *Backend
	name        string
	seq         *badger.Sequence
	maxReceives int
	now         func() time.Time
	logger      *slog.Logger

	// claimMu serializes receivers so two of them never claim the same unit.
	claimMu sync.Mutex
	sent    chan struct{}
}

var _ storage.Queue = (*Queue)(nil)

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithMaxReceives sets how many times a unit is delivered before it is
// dead-lettered. Zero disables dead-lettering.
func WithMaxReceives(n int) QueueOption {
	return func(q *Queue) {
		q.maxReceives = n
	}
}

// WithClock replaces the clock used for visibility deadlines.
func WithClock(now func() time.Time) QueueOption {
	return func(q *Queue) {
		q.now = now
	}
}

// NewQueue opens the named queue on backend.
func NewQueue(backend *Backend, name string, opts ...QueueOption) (*Queue, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: queue name is required", storage.ErrInvalidQuery)
	}
	seq, err := backend.GetSequence(makeQueueSeqName(name))
	if err != nil {
		return nil, err
	}
	q := &Queue{
		backend: backend,
		name:    name,
		seq:     seq,
		now:     time.Now,
		logger:  backend.logger.With("queue", name),
		sent:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Close releases the queue's sequence.
func (q *Queue) Close() error {
	return q.seq.Release()
}

// Send stores payload as a new visible unit.
func (q *Queue) Send(ctx context.Context, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id, err := q.nextID()
	if err != nil {
		return "", err
	}
	entry := queueEntry{ID: id, Payload: string(payload), SentAt: q.now()}
	err = q.backend.Update(func(tx *badger.Txn) error {
		return tx.Set(makeMessageKey(q.name, id), marshalQueueEntry(entry))
	})
	if err != nil {
		return "", err
	}

	select {
	case q.sent <- struct{}{}:
	default:
	}
	return formatMessageID(id), nil
}

// Receive claims up to max visible units, waiting up to wait for one to appear.
func (q *Queue) Receive(ctx context.Context, max int, visibility, wait time.Duration) ([]*core.QueuedUnit, error) {
	if max <= 0 {
		return nil, fmt.Errorf("%w: max must be positive", storage.ErrInvalidQuery)
	}
	deadline := time.Now().Add(wait)
	for {
		units, err := q.claim(max, visibility)
		if err != nil || len(units) > 0 {
			return units, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(min(remaining, queuePollInterval))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.sent:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Ack deletes the unit the receipt was issued for. A receipt superseded by a
// later delivery is rejected with ErrInvalidReceipt. Acking a unit that is
// already gone succeeds.
func (q *Queue) Ack(ctx context.Context, receipt string) error {
	id, err := parseReceipt(receipt)
	if err != nil {
		return err
	}
	return q.backend.Update(func(tx *badger.Txn) error {
		key := makeMessageKey(q.name, id)
		entry, err := loadQueueEntry(tx, key)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if entry.Receipt != receipt {
			return storage.ErrInvalidReceipt
		}
		return tx.Delete(key)
	})
}

// DeadLetters returns the units that exceeded the receive limit, oldest first.
func (q *Queue) DeadLetters(ctx context.Context) ([]*core.QueuedUnit, error) {
	var units []*core.QueuedUnit
	err := q.backend.scanPrefix(makePartialDeadKey(q.name), func(_, value []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry, err := unmarshalQueueEntry(value)
		if err != nil {
			return err
		}
		units = append(units, entry.unit())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return units, nil
}

// QueueStats counts units by delivery state.
type QueueStats struct {
	Visible  int
	InFlight int
	Dead     int
}

// Stats reports how many units are waiting, in flight and dead-lettered.
func (q *Queue) Stats(ctx context.Context) (QueueStats, error) {
	var stats QueueStats
	now := q.now()
	err := q.backend.scanPrefix(makePartialMessageKey(q.name), func(_, value []byte) error {
		entry, err := unmarshalQueueEntry(value)
		if err != nil {
			return err
		}
		if entry.VisibleAt.After(now) {
			stats.InFlight++
		} else {
			stats.Visible++
		}
		return nil
	})
	if err != nil {
		return stats, err
	}
	err = q.backend.scanPrefix(makePartialDeadKey(q.name), func(_, _ []byte) error {
		stats.Dead++
		return nil
	})
	return stats, err
}

func (q *Queue) nextID() (uint64, error) {
	// Sequence starts at zero; shift so that zero never names a message.
	id, err := q.seq.Next()
	if err != nil {
		return 0, err
	}
	return id + 1, nil
}

func (q *Queue) claim(max int, visibility time.Duration) ([]*core.QueuedUnit, error) {
	q.claimMu.Lock()
	defer q.claimMu.Unlock()

	var units []*core.QueuedUnit
	err := q.backend.Update(func(tx *badger.Txn) error {
		units = units[:0]
		now := q.now()

		var (
			claimed []queueEntry
			dead    []queueEntry
		)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = makePartialMessageKey(q.name)
		iter := tx.NewIterator(opts)
		for iter.Rewind(); iter.Valid() && len(claimed) < max; iter.Next() {
			value, err := iter.Item().ValueCopy(nil)
			if err != nil {
				iter.Close()
				return err
			}
			entry, err := unmarshalQueueEntry(value)
			if err != nil {
				iter.Close()
				return err
			}
			if entry.VisibleAt.After(now) {
				continue
			}
			if q.maxReceives > 0 && entry.Receives >= q.maxReceives {
				dead = append(dead, entry)
				continue
			}
			entry.Receives++
			entry.VisibleAt = now.Add(visibility)
			entry.Receipt = makeReceipt(entry.ID, entry.Receives, now)
			claimed = append(claimed, entry)
		}
		iter.Close()

		for _, entry := range dead {
			entry.Receipt = ""
			if err := tx.Set(makeDeadKey(q.name, entry.ID), marshalQueueEntry(entry)); err != nil {
				return err
			}
			if err := tx.Delete(makeMessageKey(q.name, entry.ID)); err != nil {
				return err
			}
			q.logger.Warn("unit dead-lettered",
				"message_id", formatMessageID(entry.ID),
				"receives", entry.Receives)
		}
		for _, entry := range claimed {
			if err := tx.Set(makeMessageKey(q.name, entry.ID), marshalQueueEntry(entry)); err != nil {
				return err
			}
			units = append(units, entry.unit())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return units, nil
}

func formatMessageID(id uint64) string {
	return strconv.FormatUint(id, 10)
}

// Receipts are "<message id>.<hash>"; the hash changes on every delivery.
func makeReceipt(id uint64, receives int, at time.Time) string {
	h, _ := blake2b.New(receiptHashSize, nil)
	var buf [24]byte
	binary.BigEndian.PutUint64(buf[0:], id)
	binary.BigEndian.PutUint64(buf[8:], uint64(receives))
	binary.BigEndian.PutUint64(buf[16:], uint64(at.UnixNano()))
	h.Write(buf[:])
	return formatMessageID(id) + "." + hex.EncodeToString(h.Sum(nil))
}

func parseReceipt(receipt string) (uint64, error) {
	idPart, hash, ok := strings.Cut(receipt, ".")
	if !ok || hash == "" {
		return 0, storage.ErrInvalidReceipt
	}
	id, err := strconv.ParseUint(idPart, 10, 64)
	if err != nil || id == 0 {
		return 0, storage.ErrInvalidReceipt
	}
	return id, nil
}

type queueEntry struct {
	ID        uint64
	Payload   string
	SentAt    time.Time
	VisibleAt time.Time
	Receives  int
	Receipt   string
}

func (e queueEntry) unit() *core.QueuedUnit {
	return &core.QueuedUnit{
		MessageID:     formatMessageID(e.ID),
		Payload:       []byte(e.Payload),
		ReceiptHandle: e.Receipt,
		ReceiveCount:  e.Receives,
	}
}

func loadQueueEntry(tx *badger.Txn, key []byte) (queueEntry, error) {
	item, err := tx.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return queueEntry{}, storage.ErrNotFound
		}
		return queueEntry{}, err
	}
	var entry queueEntry
	err = item.Value(func(val []byte) error {
		var err error
		entry, err = unmarshalQueueEntry(val)
		return err
	})
	return entry, err
}

func marshalQueueEntry(e queueEntry) []byte {
	size := varint.Uint64.Size(e.ID)
	size += ord.String.Size(e.Payload)
	size += core.TimeMUS.Size(e.SentAt)
	size += core.TimeMUS.Size(e.VisibleAt)
	size += varint.Int.Size(e.Receives)
	size += ord.String.Size(e.Receipt)

	bs := make([]byte, size)
	n := varint.Uint64.Marshal(e.ID, bs)
	n += ord.String.Marshal(e.Payload, bs[n:])
	n += core.TimeMUS.Marshal(e.SentAt, bs[n:])
	n += core.TimeMUS.Marshal(e.VisibleAt, bs[n:])
	n += varint.Int.Marshal(e.Receives, bs[n:])
	ord.String.Marshal(e.Receipt, bs[n:])
	return bs
}

func unmarshalQueueEntry(bs []byte) (e queueEntry, err error) {
	var n, n1 int
	if e.ID, n, err = varint.Uint64.Unmarshal(bs); err != nil {
		return e, fmt.Errorf("%w: queue entry: %w", storage.ErrSerializationFailed, err)
	}
	if e.Payload, n1, err = ord.String.Unmarshal(bs[n:]); err != nil {
		return e, fmt.Errorf("%w: queue entry: %w", storage.ErrSerializationFailed, err)
	}
	n += n1
	if e.SentAt, n1, err = core.TimeMUS.Unmarshal(bs[n:]); err != nil {
		return e, fmt.Errorf("%w: queue entry: %w", storage.ErrSerializationFailed, err)
	}
	n += n1
	if e.VisibleAt, n1, err = core.TimeMUS.Unmarshal(bs[n:]); err != nil {
		return e, fmt.Errorf("%w: queue entry: %w", storage.ErrSerializationFailed, err)
	}
	n += n1
	if e.Receives, n1, err = varint.Int.Unmarshal(bs[n:]); err != nil {
		return e, fmt.Errorf("%w: queue entry: %w", storage.ErrSerializationFailed, err)
	}
	n += n1
	if e.Receipt, _, err = ord.String.Unmarshal(bs[n:]); err != nil {
		return e, fmt.Errorf("%w: queue entry: %w", storage.ErrSerializationFailed, err)
	}
	return e, nil
}

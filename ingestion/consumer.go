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
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/stockpile/core"
	"github.com/poiesic/stockpile/storage"
)

// ConsumerConfig controls how batches are pulled.
type ConsumerConfig struct {
	// Visibility hides received units from other consumers until they are
	// acked or the timeout passes.
	Visibility time.Duration
	// Wait bounds how long Drain waits for the first unit.
	Wait time.Duration
	// PoolSize is the number of units processed concurrently.
	PoolSize int
}

// DefaultConsumerConfig returns a 30s visibility timeout and a 1s wait.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Visibility: 30 * time.Second,
		Wait:       time.Second,
		PoolSize:   max(runtime.NumCPU()/2, 1),
	}
}

// UnitResult is the outcome of one queued unit.
type UnitResult struct {
	MessageID string
	Source    string
	Line      int
	ItemID    string
	Receives  int
	// Err is nil when the item was written. It wraps core.ErrRecordRejected
	// otherwise.
	Err error
	// AckErr is set when the item was written but the unit could not be
	// deleted; it will be redelivered and rewritten.
	AckErr error
}

// Persisted reports whether the unit's item was written.
func (u UnitResult) Persisted() bool {
	return u.Err == nil
}

// BatchResult lists per-unit outcomes of one Drain.
type BatchResult struct {
	BatchID string
	Units   []UnitResult
	// Event is the notification sent for the batch; nil for an empty batch.
	Event *core.IngestionEvent
	// NotifyErr is the logged notification failure, if any.
	NotifyErr error
}

// Empty reports whether no units were received.
func (b *BatchResult) Empty() bool {
	return len(b.Units) == 0
}

// Persisted counts written units.
func (b *BatchResult) Persisted() int {
	n := 0
	for _, u := range b.Units {
		if u.Persisted() {
			n++
		}
	}
	return n
}

// Rejected counts units that were not written.
func (b *BatchResult) Rejected() int {
	return len(b.Units) - b.Persisted()
}

// BatchConsumer drains the record queue into the catalog.
type BatchConsumer struct {
	queue    storage.Queue
	catalog  storage.CatalogRepository
	notifier Notifier
	flows    storage.FlowRepository
	config   ConsumerConfig
	pool     *ants.Pool
	now      func() time.Time
	logger   *slog.Logger
	metrics  *Metrics
}

// NewBatchConsumer creates a consumer. flows may be nil.
func NewBatchConsumer(
	queue storage.Queue,
	catalog storage.CatalogRepository,
	notifier Notifier,
	flows storage.FlowRepository,
	config ConsumerConfig,
	logger *slog.Logger,
	metrics *Metrics,
) (*BatchConsumer, error) {
	if queue == nil {
		return nil, ErrQueueRequired
	}
	if catalog == nil {
		return nil, ErrCatalogRequired
	}
	if notifier == nil {
		return nil, ErrNotifierRequired
	}
	if config.PoolSize < 1 {
		config.PoolSize = 1
	}
	pool, err := ants.NewPool(config.PoolSize)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchConsumer{
		queue:    queue,
		catalog:  catalog,
		notifier: notifier,
		flows:    flows,
		config:   config,
		pool:     pool,
		now:      time.Now,
		logger:   logger.With("component", "consumer"),
		metrics:  metrics,
	}, nil
}

// Drain receives up to maxBatchSize units, waiting at most the configured
// wait, and processes each independently: decode, validate, upsert, ack. A
// unit is acked only after its write succeeds. One notification is sent per
// non-empty batch. Only a failed receive is returned as an error.
func (c *BatchConsumer) Drain(ctx context.Context, maxBatchSize int) (*BatchResult, error) {
	units, err := c.queue.Receive(ctx, maxBatchSize, c.config.Visibility, c.config.Wait)
	if err != nil {
		return nil, fmt.Errorf("receiving batch: %w", err)
	}
	result := &BatchResult{Units: make([]UnitResult, len(units))}
	if len(units) == 0 {
		return result, nil
	}
	result.BatchID = batchID(units)
	logger := c.logger.With("batch", result.BatchID)

	var wg sync.WaitGroup
	for i, unit := range units {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			result.Units[i] = c.process(ctx, logger, unit)
		}
		if err := c.pool.Submit(task); err != nil {
			// Pool closed or overloaded; do the work here.
			task()
		}
	}
	wg.Wait()

	persisted, rejected := result.Persisted(), result.Rejected()
	event := &core.IngestionEvent{
		BatchID:   result.BatchID,
		BatchSize: len(units),
		Persisted: persisted,
		Rejected:  rejected,
		Outcome:   core.OutcomeOf(persisted, rejected),
		At:        c.now().UTC(),
	}
	result.Event = event
	c.metrics.batchDrained(persisted, rejected, event.Outcome)

	if err := c.notifier.Notify(ctx, event); err != nil {
		result.NotifyErr = err
		c.metrics.notifyFailed()
		logger.Warn("batch notification failed", "err", err)
	}

	logger.Info("batch drained",
		"size", len(units),
		"persisted", persisted,
		"rejected", rejected,
		"outcome", event.Outcome)

	if c.flows != nil {
		c.recordFlows(ctx, result)
	}
	return result, nil
}

// Release stops the worker pool.
func (c *BatchConsumer) Release() {
	c.pool.Release()
}

func (c *BatchConsumer) process(ctx context.Context, logger *slog.Logger, unit *core.QueuedUnit) UnitResult {
	res := UnitResult{MessageID: unit.MessageID, Receives: unit.ReceiveCount}
	reject := func(err error) UnitResult {
		res.Err = fmt.Errorf("%w: message %s: %w", core.ErrRecordRejected, unit.MessageID, err)
		logger.Warn("unit rejected",
			"message_id", unit.MessageID,
			"key", res.Source,
			"line", res.Line,
			"receives", unit.ReceiveCount,
			"err", err)
		return res
	}

	env, err := storage.UnmarshalEnvelope(unit.Payload)
	if err != nil {
		return reject(err)
	}
	res.Source, res.Line = env.Source, env.Record.Line

	item, err := core.ItemFromRecord(env.Record)
	if err != nil {
		return reject(err)
	}
	res.ItemID = item.ID

	if err := c.catalog.Upsert(ctx, item); err != nil {
		return reject(err)
	}

	if err := c.queue.Ack(ctx, unit.ReceiptHandle); err != nil {
		res.AckErr = err
		logger.Warn("persisted unit not acked, expect redelivery",
			"message_id", unit.MessageID, "item", item.ID, "err", err)
	}
	return res
}

// recordFlows adds the batch's counts to each source object's flow and
// settles flows whose records have all been drained.
func (c *BatchConsumer) recordFlows(ctx context.Context, result *BatchResult) {
	type counts struct{ persisted, rejected int64 }
	bySource := make(map[string]*counts)
	for _, u := range result.Units {
		if u.Source == "" {
			continue
		}
		cnt := bySource[u.Source]
		if cnt == nil {
			cnt = &counts{}
			bySource[u.Source] = cnt
		}
		if u.Persisted() {
			cnt.persisted++
		} else {
			cnt.rejected++
		}
	}

	notified := result.NotifyErr == nil
	for source, cnt := range bySource {
		_, err := c.flows.UpdateFlow(ctx, source, func(f *core.Flow) error {
			f.Persisted += cnt.persisted
			f.Rejected += cnt.rejected
			if f.State.CanTransition(core.FlowStateDraining) {
				f.State = core.FlowStateDraining
			}
			if notified && f.State == core.FlowStateDraining && f.Settled() {
				f.State = core.FlowStateNotified
			}
			return nil
		})
		if err != nil {
			c.logger.Warn("flow not updated", "key", source, "err", err)
		}
	}
}

// batchID derives a stable ID from the received message IDs.
func batchID(units []*core.QueuedUnit) string {
	ids := make([]string, len(units))
	for i, u := range units {
		ids[i] = u.MessageID
	}
	sort.Strings(ids)
	return core.IDFromContent(strings.Join(ids, ",")).String()
}

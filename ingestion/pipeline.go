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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/stockpile/core"
	"github.com/poiesic/stockpile/storage"
	"golang.org/x/time/rate"
)

const (
	// DefaultBatchSize is the largest batch a drain pulls.
	DefaultBatchSize = 10

	// DefaultPollInterval spaces drain attempts.
	DefaultPollInterval = 500 * time.Millisecond

	// flowFlushEvery is how many records pass between flow counter writes.
	flowFlushEvery = 100
)

// ImportReport summarizes one object import.
type ImportReport struct {
	Key       string
	Enqueued  int
	Malformed int
	Abandoned bool
	Duration  time.Duration
}

// Pipeline wires the upload, parse, enqueue and drain stages together.
type Pipeline struct {
	store     storage.ObjectStore
	events    storage.ObjectEvents
	flows     storage.FlowRepository
	parser    *RecordParser
	publisher *RecordPublisher
	consumer  *BatchConsumer
	flowPool  *ants.Pool
	prefix    string
	batchSize int
	pollEvery time.Duration
	progress  io.Writer
	now       func() time.Time
	logger    *slog.Logger
	metrics   *Metrics
}

// Option configures a Pipeline.
type Option func(*Pipeline) error

// WithPoolSize sets how many objects are imported concurrently.
// Default is runtime.NumCPU() / 2, with a minimum of 1.
func WithPoolSize(size int) Option {
	return func(p *Pipeline) error {
		if size < 1 {
			size = 1
		}
		pool, err := ants.NewPool(size)
		if err != nil {
			return err
		}
		if p.flowPool != nil {
			p.flowPool.Release()
		}
		p.flowPool = pool
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) error {
		if logger == nil {
			logger = slog.Default()
		}
		p.logger = logger
		return nil
	}
}

// WithMetrics records pipeline counters in m.
func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) error {
		p.metrics = m
		return nil
	}
}

// WithEvents sets the object-created event source used by Run.
func WithEvents(events storage.ObjectEvents) Option {
	return func(p *Pipeline) error {
		p.events = events
		return nil
	}
}

// WithFlows tracks each object's progress in flows.
func WithFlows(flows storage.FlowRepository) Option {
	return func(p *Pipeline) error {
		p.flows = flows
		return nil
	}
}

// WithParser replaces the default pipe-delimited parser.
func WithParser(parser *RecordParser) Option {
	return func(p *Pipeline) error {
		if parser == nil {
			return errors.New("parser must not be nil")
		}
		p.parser = parser
		return nil
	}
}

// WithPrefix sets the key prefix Run watches. Default is "uploaded".
func WithPrefix(prefix string) Option {
	return func(p *Pipeline) error {
		p.prefix = prefix
		return nil
	}
}

// WithBatchSize sets the maximum units per drain.
func WithBatchSize(size int) Option {
	return func(p *Pipeline) error {
		if size < 1 {
			return fmt.Errorf("batch size must be positive, got %d", size)
		}
		p.batchSize = size
		return nil
	}
}

// WithPollInterval sets the minimum gap between drains in Run.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pipeline) error {
		if d <= 0 {
			return fmt.Errorf("poll interval must be positive, got %s", d)
		}
		p.pollEvery = d
		return nil
	}
}

// WithProgress prints per-object record counts to w.
func WithProgress(w io.Writer) Option {
	return func(p *Pipeline) error {
		p.progress = w
		return nil
	}
}

// WithClock replaces time.Now, used for ticket expiry sweeps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) error {
		p.now = now
		return nil
	}
}

// NewPipeline creates a pipeline reading objects from store, sending records
// through publisher and draining them with consumer.
func NewPipeline(
	store storage.ObjectStore,
	publisher *RecordPublisher,
	consumer *BatchConsumer,
	opts ...Option,
) (*Pipeline, error) {
	if store == nil {
		return nil, ErrObjectStoreRequired
	}
	if publisher == nil {
		return nil, ErrPublisherRequired
	}
	if consumer == nil {
		return nil, ErrConsumerRequired
	}

	poolSize := runtime.NumCPU() / 2
	if poolSize < 1 {
		poolSize = 1
	}
	flowPool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		store:     store,
		publisher: publisher,
		consumer:  consumer,
		flowPool:  flowPool,
		prefix:    DefaultTicketConfig().Prefix,
		batchSize: DefaultBatchSize,
		pollEvery: DefaultPollInterval,
		now:       time.Now,
		logger:    slog.Default(),
	}

	for _, opt := range opts {
		if optErr := opt(p); optErr != nil {
			p.Release()
			return nil, optErr
		}
	}

	if p.parser == nil {
		p.parser = NewRecordParser(DefaultDelimiter, p.logger, p.metrics)
	}
	p.logger = p.logger.With("component", "pipeline")
	return p, nil
}

// ImportObject streams the object at key through the parser and enqueues
// every well-formed row. Malformed rows are skipped. An unreadable header,
// a missing object or an exhausted enqueue abandons the object and is
// returned; records enqueued before the failure stay queued.
func (p *Pipeline) ImportObject(ctx context.Context, key string) (*ImportReport, error) {
	start := time.Now()
	report := &ImportReport{Key: key}
	logger := p.logger.With("key", key)

	p.beginFlow(ctx, key)

	var tracker *ProgressTracker
	if p.progress != nil {
		tracker = NewProgressTracker(p.progress, key, 0, flowFlushEvery)
		tracker.Start()
		defer tracker.Finish()
	}

	fail := func(err error) (*ImportReport, error) {
		report.Abandoned = true
		report.Duration = time.Since(start)
		p.abandon(ctx, key, report, err)
		return report, err
	}

	rc, err := p.store.Open(ctx, key)
	if err != nil {
		return fail(fmt.Errorf("opening %s: %w", key, err))
	}
	body, err := decodedReader(key, rc)
	if err != nil {
		rc.Close()
		return fail(err)
	}
	defer body.Close()

	for record, err := range p.parser.Records(body) {
		if err != nil {
			var malformed *MalformedRecordError
			if errors.As(err, &malformed) {
				report.Malformed++
				continue
			}
			return fail(err)
		}
		if _, err := p.publisher.Publish(ctx, key, record); err != nil {
			return fail(err)
		}
		report.Enqueued++
		if tracker != nil {
			tracker.Increment(1)
		}
		if report.Enqueued%flowFlushEvery == 0 {
			p.recordProgress(ctx, key, report)
		}
	}

	report.Duration = time.Since(start)
	p.finishFlow(ctx, key, report)
	logger.Info("object imported",
		"enqueued", report.Enqueued,
		"malformed", report.Malformed,
		"duration", report.Duration)
	return report, nil
}

// Drain pulls and processes one batch.
func (p *Pipeline) Drain(ctx context.Context) (*BatchResult, error) {
	return p.consumer.Drain(ctx, p.batchSize)
}

// Run imports every object created under the prefix and drains the queue
// until ctx is done. Imports run on the flow pool; an event is acked once
// its import finishes, unless the failure is worth retrying.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.events == nil {
		return ErrObjectEventsRequired
	}
	events, err := p.events.Subscribe(ctx, p.prefix+"/")
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", p.prefix, err)
	}
	p.logger.Info("pipeline running", "prefix", p.prefix, "batch_size", p.batchSize)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.drainLoop(ctx)
	}()

	for ev := range events {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			p.handleEvent(ctx, ev)
		}
		if err := p.flowPool.Submit(task); err != nil {
			wg.Done()
			// Left unacked so the source redelivers it.
			p.logger.Error("import not scheduled", "key", ev.Key, "err", err)
		}
	}

	wg.Wait()
	p.logger.Info("pipeline stopped")
	return nil
}

// SweepExpired abandons flows whose ticket expired before any upload
// arrived. It returns the number of flows abandoned.
func (p *Pipeline) SweepExpired(ctx context.Context) (int, error) {
	if p.flows == nil {
		return 0, ErrFlowRepositoryRequired
	}
	flows, err := p.flows.ListFlows(ctx)
	if err != nil {
		return 0, err
	}

	now := p.now()
	swept := 0
	for _, flow := range flows {
		if !expired(flow, now) {
			continue
		}
		abandoned := false
		_, err := p.flows.UpdateFlow(ctx, flow.Key, func(f *core.Flow) error {
			// Re-check; an upload may have landed since the listing.
			if !expired(f, now) {
				return nil
			}
			f.State = core.FlowStateAbandoned
			f.Reason = "ticket expired before upload"
			abandoned = true
			return nil
		})
		if err != nil {
			return swept, err
		}
		if abandoned {
			swept++
			p.metrics.objectAbandoned()
			p.logger.Info("ticket expired", "key", flow.Key, "expiry", flow.Expiry)
		}
	}
	return swept, nil
}

// Release releases the flow pool and the consumer's pool.
// The pipeline should not be used after calling Release.
func (p *Pipeline) Release() {
	if p.flowPool != nil {
		p.flowPool.Release()
	}
	if p.consumer != nil {
		p.consumer.Release()
	}
}

func (p *Pipeline) handleEvent(ctx context.Context, ev storage.ObjectEvent) {
	_, err := p.ImportObject(ctx, ev.Key)
	if err != nil {
		p.logger.Error("import failed", "key", ev.Key, "err", err)
		if retryable(ctx, err) {
			return
		}
	}
	if ev.Ack == nil {
		return
	}
	if err := ev.Ack(ctx); err != nil {
		p.logger.Warn("object event not acked", "key", ev.Key, "err", err)
	}
}

func (p *Pipeline) drainLoop(ctx context.Context) {
	limiter := rate.NewLimiter(rate.Every(p.pollEvery), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		if _, err := p.consumer.Drain(ctx, p.batchSize); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("drain failed", "err", err)
		}
	}
}

// retryable reports whether an import failure should leave its event for
// redelivery. Parse failures will fail the same way again.
func retryable(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, core.ErrEnqueueFailed)
}

func expired(f *core.Flow, now time.Time) bool {
	return f.State == core.FlowStateTicketIssued && !f.Expiry.IsZero() && now.After(f.Expiry)
}

// beginFlow restarts the key's flow for a fresh upload and moves it to
// Parsing.
func (p *Pipeline) beginFlow(ctx context.Context, key string) {
	if p.flows == nil {
		return
	}
	_, err := p.flows.UpdateFlow(ctx, key, func(f *core.Flow) error {
		if !f.State.CanTransition(core.FlowStateUploaded) {
			// The object was replaced mid-import; its counts restart.
			p.logger.Warn("restarting active flow", "key", key, "state", f.State)
		}
		*f = core.Flow{Key: key, State: core.FlowStateParsing, Expiry: f.Expiry}
		return nil
	})
	if err != nil {
		p.logger.Warn("flow not started", "key", key, "err", err)
	}
}

func (p *Pipeline) recordProgress(ctx context.Context, key string, report *ImportReport) {
	if p.flows == nil {
		return
	}
	_, err := p.flows.UpdateFlow(ctx, key, func(f *core.Flow) error {
		f.Enqueued = int64(report.Enqueued)
		f.Malformed = int64(report.Malformed)
		if f.State.CanTransition(core.FlowStateEnqueuing) {
			f.State = core.FlowStateEnqueuing
		}
		return nil
	})
	if err != nil {
		p.logger.Warn("flow progress not recorded", "key", key, "err", err)
	}
}

func (p *Pipeline) finishFlow(ctx context.Context, key string, report *ImportReport) {
	if p.flows == nil {
		return
	}
	_, err := p.flows.UpdateFlow(ctx, key, func(f *core.Flow) error {
		f.Enqueued = int64(report.Enqueued)
		f.Malformed = int64(report.Malformed)
		f.ParseDone = true
		if f.State == core.FlowStateParsing && f.Enqueued > 0 {
			f.State = core.FlowStateEnqueuing
		}
		switch {
		case f.Enqueued == 0:
			// Nothing to drain.
			f.State = core.FlowStateNotified
		case f.State.CanTransition(core.FlowStateDraining):
			f.State = core.FlowStateDraining
		}
		if f.State == core.FlowStateDraining && f.Settled() {
			f.State = core.FlowStateNotified
		}
		return nil
	})
	if err != nil {
		p.logger.Warn("flow not finished", "key", key, "err", err)
	}
}

func (p *Pipeline) abandon(ctx context.Context, key string, report *ImportReport, cause error) {
	p.metrics.objectAbandoned()
	if p.flows == nil {
		return
	}
	_, err := p.flows.UpdateFlow(ctx, key, func(f *core.Flow) error {
		f.Enqueued = int64(report.Enqueued)
		f.Malformed = int64(report.Malformed)
		f.State = core.FlowStateAbandoned
		f.Reason = cause.Error()
		return nil
	})
	if err != nil {
		p.logger.Warn("flow not abandoned", "key", key, "err", err)
	}
}

package ingestion

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/poiesic/stockpile/core"
	"github.com/poiesic/stockpile/storage"
	"github.com/poiesic/stockpile/storage/badger"
	"github.com/stretchr/testify/require"
)

const sampleCatalog = "id|title|description|price|count\nG1|Foo|Bar|9.99|3\n"

var fastRetry = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}

// memObjectStore keeps objects in a map.
type memObjectStore struct {
	mu      sync.Mutex
	objects map[string]string
	presign func(key string, ttl time.Duration) (string, time.Time, error)
}

func newMemObjectStore() *memObjectStore {
	return &memObjectStore{objects: make(map[string]string)}
}

func (s *memObjectStore) put(key, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = body
}

func (s *memObjectStore) PresignPut(ctx context.Context, key string, ttl time.Duration) (string, time.Time, error) {
	if s.presign != nil {
		return s.presign(key, ttl)
	}
	return "https://objects.test/" + key + "?sig=x", time.Now().Add(ttl), nil
}

func (s *memObjectStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

// flakyQueue fails the first failures sends, then delegates.
type flakyQueue struct {
	storage.Queue
	mu       sync.Mutex
	failures int
	sends    int
	ackErr   error
}

func (q *flakyQueue) Send(ctx context.Context, payload []byte) (string, error) {
	q.mu.Lock()
	q.sends++
	if q.failures != 0 {
		if q.failures > 0 {
			q.failures--
		}
		q.mu.Unlock()
		return "", errors.New("queue unavailable")
	}
	q.mu.Unlock()
	return q.Queue.Send(ctx, payload)
}

func (q *flakyQueue) Ack(ctx context.Context, receipt string) error {
	if q.ackErr != nil {
		return q.ackErr
	}
	return q.Queue.Ack(ctx, receipt)
}

// recordingPublisher captures published messages.
type recordingPublisher struct {
	mu       sync.Mutex
	messages map[string][][]byte
	err      error
	calls    int
}

func (p *recordingPublisher) Publish(ctx context.Context, topic string, message []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return p.err
	}
	if p.messages == nil {
		p.messages = make(map[string][][]byte)
	}
	p.messages[topic] = append(p.messages[topic], message)
	return nil
}

func (p *recordingPublisher) events(t *testing.T, topic string) []*core.IngestionEvent {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*core.IngestionEvent
	for _, msg := range p.messages[topic] {
		ev, err := DecodeEvent(msg)
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

// failingCatalog rejects upserts for chosen IDs.
type failingCatalog struct {
	storage.CatalogRepository
	failIDs map[string]bool
}

func (c *failingCatalog) Upsert(ctx context.Context, item *core.CatalogItem) error {
	if c.failIDs[item.ID] {
		return errors.New("table unavailable")
	}
	return c.CatalogRepository.Upsert(ctx, item)
}

func setupRepositories(t *testing.T, opts ...badger.QueueOption) *badger.MemoryRepositories {
	t.Helper()
	repos, err := badger.NewMemoryRepositories(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { repos.Close() })
	return repos
}

func testConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Visibility: time.Minute,
		Wait:       50 * time.Millisecond,
		PoolSize:   4,
	}
}

func newTestNotifier(t *testing.T, pub storage.Publisher) *CompletionNotifier {
	t.Helper()
	n, err := NewCompletionNotifier(pub, "catalog-events", "stockpile-test", fastRetry, nil)
	require.NoError(t, err)
	return n
}

func newTestConsumer(t *testing.T, queue storage.Queue, catalog storage.CatalogRepository, notifier Notifier, flows storage.FlowRepository) *BatchConsumer {
	t.Helper()
	c, err := NewBatchConsumer(queue, catalog, notifier, flows, testConsumerConfig(), nil, nil)
	require.NoError(t, err)
	t.Cleanup(c.Release)
	return c
}

func enqueueRecord(t *testing.T, queue storage.Queue, source string, line int, columns, values []string) {
	t.Helper()
	payload, err := storage.MarshalEnvelope(&core.Envelope{
		Source: source,
		Line:   line,
		Record: core.NewRawRecord(columns, values, line),
	})
	require.NoError(t, err)
	_, err = queue.Send(context.Background(), payload)
	require.NoError(t, err)
}

package badger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/poiesic/stockpile/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue(t *testing.T, opts ...QueueOption) *Queue {
	t.Helper()
	repos, err := NewMemoryRepositories(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { repos.Close() })
	return repos.Queue
}

func TestQueue_SendReceiveAck(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Send(ctx, []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	units, err := q.Receive(ctx, 10, time.Minute, 0)
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, id, units[0].MessageID)
	assert.Equal(t, []byte(`{"a":1}`), units[0].Payload)
	assert.Equal(t, 1, units[0].ReceiveCount)
	assert.NotEmpty(t, units[0].ReceiptHandle)

	require.NoError(t, q.Ack(ctx, units[0].ReceiptHandle))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, QueueStats{}, stats)

	// Acking again is harmless.
	require.NoError(t, q.Ack(ctx, units[0].ReceiptHandle))
}

func TestQueue_ReceiveRespectsMax(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	var ids []string
	for range 5 {
		id, err := q.Send(ctx, []byte("x"))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	first, err := q.Receive(ctx, 3, time.Minute, 0)
	require.NoError(t, err)
	require.Len(t, first, 3)
	assert.Equal(t, ids[:3], []string{first[0].MessageID, first[1].MessageID, first[2].MessageID})

	second, err := q.Receive(ctx, 3, time.Minute, 0)
	require.NoError(t, err)
	require.Len(t, second, 2)

	third, err := q.Receive(ctx, 3, time.Minute, 0)
	require.NoError(t, err)
	assert.Empty(t, third)
}

func TestQueue_VisibilityTimeoutRedelivers(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, WithClock(clock.Now))
	ctx := context.Background()

	_, err := q.Send(ctx, []byte("x"))
	require.NoError(t, err)

	first, err := q.Receive(ctx, 1, 30*time.Second, 0)
	require.NoError(t, err)
	require.Len(t, first, 1)

	hidden, err := q.Receive(ctx, 1, 30*time.Second, 0)
	require.NoError(t, err)
	assert.Empty(t, hidden)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.InFlight)

	clock.Advance(31 * time.Second)

	second, err := q.Receive(ctx, 1, 30*time.Second, 0)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].MessageID, second[0].MessageID)
	assert.Equal(t, 2, second[0].ReceiveCount)
	assert.NotEqual(t, first[0].ReceiptHandle, second[0].ReceiptHandle)

	// The first delivery's receipt is stale now.
	assert.ErrorIs(t, q.Ack(ctx, first[0].ReceiptHandle), storage.ErrInvalidReceipt)
	require.NoError(t, q.Ack(ctx, second[0].ReceiptHandle))
}

func TestQueue_DeadLetterAfterMaxReceives(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, WithClock(clock.Now), WithMaxReceives(2))
	ctx := context.Background()

	id, err := q.Send(ctx, []byte("poison"))
	require.NoError(t, err)

	for i := 1; i <= 2; i++ {
		units, err := q.Receive(ctx, 1, time.Second, 0)
		require.NoError(t, err)
		require.Len(t, units, 1)
		assert.Equal(t, i, units[0].ReceiveCount)
		clock.Advance(2 * time.Second)
	}

	units, err := q.Receive(ctx, 1, time.Second, 0)
	require.NoError(t, err)
	assert.Empty(t, units)

	dead, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].MessageID)
	assert.Equal(t, []byte("poison"), dead[0].Payload)
	assert.Equal(t, 2, dead[0].ReceiveCount)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, QueueStats{Dead: 1}, stats)
}

func TestQueue_ReceiveWaitsForSend(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Send(ctx, []byte("late"))
	}()

	units, err := q.Receive(ctx, 1, time.Minute, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, []byte("late"), units[0].Payload)
}

func TestQueue_ReceiveWaitTimesOut(t *testing.T) {
	q := newTestQueue(t)

	start := time.Now()
	units, err := q.Receive(context.Background(), 1, time.Minute, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, units)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestQueue_ReceiveCancelled(t *testing.T) {
	q := newTestQueue(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Receive(ctx, 1, time.Minute, 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_ConcurrentReceiversNeverShareUnits(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	const total = 50
	for range total {
		_, err := q.Send(ctx, []byte("x"))
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				units, err := q.Receive(ctx, 7, time.Minute, 0)
				if err != nil || len(units) == 0 {
					return
				}
				mu.Lock()
				for _, u := range units {
					seen[u.MessageID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "message %s delivered more than once", id)
	}
}

func TestQueue_InvalidArguments(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Receive(ctx, 0, time.Minute, 0)
	assert.ErrorIs(t, err, storage.ErrInvalidQuery)

	for _, receipt := range []string{"", "abc", "12", "x.y", "0.ff"} {
		assert.ErrorIs(t, q.Ack(ctx, receipt), storage.ErrInvalidReceipt, receipt)
	}

	_, err = NewQueue(q.backend, "")
	assert.ErrorIs(t, err, storage.ErrInvalidQuery)
}

func TestQueueEntryCodec(t *testing.T) {
	entry := queueEntry{
		ID:        42,
		Payload:   `{"source":"uploaded/a.csv"}`,
		SentAt:    time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		VisibleAt: time.Date(2025, 3, 1, 12, 0, 30, 0, time.UTC),
		Receives:  3,
		Receipt:   "42.abcdef",
	}
	decoded, err := unmarshalQueueEntry(marshalQueueEntry(entry))
	require.NoError(t, err)
	assert.Equal(t, entry.ID, decoded.ID)
	assert.Equal(t, entry.Payload, decoded.Payload)
	assert.True(t, entry.SentAt.Equal(decoded.SentAt))
	assert.True(t, entry.VisibleAt.Equal(decoded.VisibleAt))
	assert.Equal(t, entry.Receives, decoded.Receives)
	assert.Equal(t, entry.Receipt, decoded.Receipt)

	_, err = unmarshalQueueEntry([]byte{})
	assert.ErrorIs(t, err, storage.ErrSerializationFailed)
}

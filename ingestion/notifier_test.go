package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/poiesic/stockpile/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCompletionNotifier_Validation(t *testing.T) {
	_, err := NewCompletionNotifier(nil, "topic", "", fastRetry, nil)
	assert.ErrorIs(t, err, ErrPublisherRequired)

	_, err = NewCompletionNotifier(&recordingPublisher{}, "", "", fastRetry, nil)
	assert.Error(t, err)

	_, err = NewCompletionNotifier(&recordingPublisher{}, "topic", "", RetryPolicy{}, nil)
	assert.ErrorIs(t, err, ErrInvalidMaxAttempts)

	n, err := NewCompletionNotifier(&recordingPublisher{}, "topic", "", fastRetry, nil)
	require.NoError(t, err)
	assert.Equal(t, "topic", n.Topic())
}

func TestCompletionNotifier_Notify(t *testing.T) {
	pub := &recordingPublisher{}
	n := newTestNotifier(t, pub)

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := &core.IngestionEvent{
		BatchID:   "b1",
		BatchSize: 3,
		Persisted: 2,
		Rejected:  1,
		Outcome:   core.OutcomePartialFailure,
		At:        at,
	}
	require.NoError(t, n.Notify(context.Background(), ev))
	assert.Equal(t, "catalog-events", ev.Topic)

	got := pub.events(t, "catalog-events")
	require.Len(t, got, 1)
	assert.Equal(t, "b1", got[0].BatchID)
	assert.Equal(t, 3, got[0].BatchSize)
	assert.Equal(t, core.OutcomePartialFailure, got[0].Outcome)
	assert.True(t, at.Equal(got[0].At))
}

func TestCompletionNotifier_Failure(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	n := newTestNotifier(t, pub)

	err := n.Notify(context.Background(), &core.IngestionEvent{BatchID: "b1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrPublishFailed)
	assert.Equal(t, core.ErrorKindPublishFailed, core.ClassifyError(err))
	assert.Equal(t, fastRetry.MaxAttempts, pub.calls)
}

func TestEncodeEvent_CloudEventAttributes(t *testing.T) {
	ev := &core.IngestionEvent{BatchID: "b7", Outcome: core.OutcomeSuccess, BatchSize: 1, Persisted: 1, At: time.Now().UTC()}
	data, err := EncodeEvent(ev, "stockpile-test")
	require.NoError(t, err)

	var attrs map[string]any
	require.NoError(t, json.Unmarshal(data, &attrs))
	assert.Equal(t, "1.0", attrs["specversion"])
	assert.Equal(t, BatchCompletedEventType, attrs["type"])
	assert.Equal(t, "stockpile-test", attrs["source"])
	assert.Equal(t, "b7", attrs["subject"])
	assert.Equal(t, "application/json", attrs["datacontenttype"])
	assert.NotEmpty(t, attrs["id"])

	payload, ok := attrs["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Success", payload["outcome"])
}

func TestDecodeEvent_RejectsOtherTypes(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"specversion":"1.0","id":"1","source":"x","type":"other"}`))
	assert.Error(t, err)

	_, err = DecodeEvent([]byte("not json"))
	assert.Error(t, err)
}

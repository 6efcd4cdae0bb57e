package badger

import (
	"context"
	"errors"
	"testing"

	"github.com/poiesic/stockpile/core"
	"github.com/poiesic/stockpile/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFlows(t *testing.T) *FlowRepository {
	t.Helper()
	backend, err := OpenBackend("", true)
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	return NewFlowRepository(backend)
}

func TestFlowRepository_GetMissing(t *testing.T) {
	repo := newTestFlows(t)

	_, err := repo.GetFlow(context.Background(), "uploaded/a.csv")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFlowRepository_UpdateCreates(t *testing.T) {
	repo := newTestFlows(t)
	ctx := context.Background()

	flow, err := repo.UpdateFlow(ctx, "uploaded/a.csv", func(f *core.Flow) error {
		assert.Equal(t, core.FlowStateUnknown, f.State)
		f.State = core.FlowStateTicketIssued
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "uploaded/a.csv", flow.Key)
	assert.False(t, flow.UpdatedAt.IsZero())

	stored, err := repo.GetFlow(ctx, "uploaded/a.csv")
	require.NoError(t, err)
	assert.Equal(t, core.FlowStateTicketIssued, stored.State)
}

func TestFlowRepository_UpdateAccumulates(t *testing.T) {
	repo := newTestFlows(t)
	ctx := context.Background()

	for range 3 {
		_, err := repo.UpdateFlow(ctx, "uploaded/a.csv", func(f *core.Flow) error {
			f.Persisted++
			return nil
		})
		require.NoError(t, err)
	}

	stored, err := repo.GetFlow(ctx, "uploaded/a.csv")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stored.Persisted)
}

func TestFlowRepository_UpdateErrorDiscards(t *testing.T) {
	repo := newTestFlows(t)
	ctx := context.Background()

	boom := errors.New("boom")
	_, err := repo.UpdateFlow(ctx, "uploaded/a.csv", func(f *core.Flow) error {
		f.State = core.FlowStateUploaded
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = repo.GetFlow(ctx, "uploaded/a.csv")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFlowRepository_UpdateRequiresKey(t *testing.T) {
	repo := newTestFlows(t)

	_, err := repo.UpdateFlow(context.Background(), "", func(*core.Flow) error { return nil })
	assert.ErrorIs(t, err, storage.ErrInvalidQuery)
}

func TestFlowRepository_List(t *testing.T) {
	repo := newTestFlows(t)
	ctx := context.Background()

	for _, key := range []string{"uploaded/b.csv", "uploaded/a.csv"} {
		_, err := repo.UpdateFlow(ctx, key, func(f *core.Flow) error {
			f.State = core.FlowStateUploaded
			return nil
		})
		require.NoError(t, err)
	}

	flows, err := repo.ListFlows(ctx)
	require.NoError(t, err)
	require.Len(t, flows, 2)
	assert.Equal(t, "uploaded/a.csv", flows[0].Key)
	assert.Equal(t, "uploaded/b.csv", flows[1].Key)
}

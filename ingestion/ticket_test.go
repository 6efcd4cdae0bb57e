package ingestion

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/poiesic/stockpile/core"
	"github.com/poiesic/stockpile/storage"
	"github.com/poiesic/stockpile/storage/local"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTicketIssuer_Validation(t *testing.T) {
	_, err := NewTicketIssuer(nil, nil, DefaultTicketConfig(), nil, nil)
	assert.ErrorIs(t, err, ErrObjectStoreRequired)

	_, err = NewTicketIssuer(newMemObjectStore(), nil, TicketConfig{TTL: 0}, nil, nil)
	assert.Error(t, err)

	issuer, err := NewTicketIssuer(newMemObjectStore(), nil, TicketConfig{TTL: time.Minute}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "uploaded", issuer.config.Prefix)
	assert.Equal(t, "csv", issuer.config.DefaultExtension)
}

func TestTicketIssuer_Issue(t *testing.T) {
	ctx := context.Background()
	issuer, err := NewTicketIssuer(newMemObjectStore(), nil, DefaultTicketConfig(), nil, nil)
	require.NoError(t, err)

	tests := []struct {
		name      string
		logical   string
		extension string
		wantKey   string
	}{
		{name: "explicit extension", logical: "spring", extension: "csv", wantKey: "uploaded/spring.csv"},
		{name: "default extension", logical: "spring", extension: "", wantKey: "uploaded/spring.csv"},
		{name: "leading dot", logical: "spring", extension: ".txt", wantKey: "uploaded/spring.txt"},
		{name: "compressed", logical: "fall", extension: "csv.gz", wantKey: "uploaded/fall.csv.gz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := time.Now()
			ticket, err := issuer.Issue(ctx, tt.logical, tt.extension)
			require.NoError(t, err)

			assert.Equal(t, tt.wantKey, ticket.ObjectKey)
			assert.Equal(t, tt.logical, ticket.LogicalName)
			assert.NotEmpty(t, ticket.ID)
			assert.Contains(t, ticket.SignedURL, tt.wantKey)
			assert.WithinDuration(t, before.Add(15*time.Minute), ticket.Expiry, 5*time.Second)
			assert.False(t, ticket.Expired(time.Now()))
		})
	}
}

func TestTicketIssuer_IssueRejectsBadNames(t *testing.T) {
	ctx := context.Background()
	issuer, err := NewTicketIssuer(newMemObjectStore(), nil, DefaultTicketConfig(), nil, nil)
	require.NoError(t, err)

	for _, name := range []string{"", "   ", "a/b", `a\b`, "..", "x..y"} {
		_, err := issuer.Issue(ctx, name, "csv")
		assert.ErrorIs(t, err, core.ErrInvalidRequest, "name %q", name)
	}

	_, err = issuer.Issue(ctx, "spring", "../csv")
	assert.ErrorIs(t, err, core.ErrInvalidRequest)
}

func TestTicketIssuer_PresignFailure(t *testing.T) {
	store := newMemObjectStore()
	store.presign = func(string, time.Duration) (string, time.Time, error) {
		return "", time.Time{}, errors.New("signer unavailable")
	}
	issuer, err := NewTicketIssuer(store, nil, DefaultTicketConfig(), nil, nil)
	require.NoError(t, err)

	_, err = issuer.Issue(context.Background(), "spring", "")
	assert.ErrorContains(t, err, "signer unavailable")
}

func TestTicketIssuer_TracksFlow(t *testing.T) {
	ctx := context.Background()
	repos := setupRepositories(t)
	issuer, err := NewTicketIssuer(newMemObjectStore(), repos.Flows, DefaultTicketConfig(), nil, nil)
	require.NoError(t, err)

	ticket, err := issuer.Issue(ctx, "spring", "")
	require.NoError(t, err)

	flow, err := repos.Flows.GetFlow(ctx, ticket.ObjectKey)
	require.NoError(t, err)
	assert.Equal(t, core.FlowStateTicketIssued, flow.State)
	assert.WithinDuration(t, ticket.Expiry, flow.Expiry, time.Millisecond)

	// A flow that is mid-import is left alone.
	_, err = repos.Flows.UpdateFlow(ctx, ticket.ObjectKey, func(f *core.Flow) error {
		f.State = core.FlowStateEnqueuing
		f.Enqueued = 7
		return nil
	})
	require.NoError(t, err)

	_, err = issuer.Issue(ctx, "spring", "")
	require.NoError(t, err)
	flow, err = repos.Flows.GetFlow(ctx, ticket.ObjectKey)
	require.NoError(t, err)
	assert.Equal(t, core.FlowStateEnqueuing, flow.State)
	assert.EqualValues(t, 7, flow.Enqueued)
}

// The signed URL is honored until the ticket expires and refused after.
func TestTicketIssuer_TicketLifetime(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := func() time.Time { return now }

	store, err := local.NewObjectStore(t.TempDir(), "http://localhost:8080/objects", []byte("secret"), local.WithClock(clock))
	require.NoError(t, err)

	cfg := DefaultTicketConfig()
	cfg.TTL = time.Minute
	issuer, err := NewTicketIssuer(store, nil, cfg, nil, nil)
	require.NoError(t, err)

	ticket, err := issuer.Issue(ctx, "spring", "")
	require.NoError(t, err)
	token := tokenFrom(t, ticket.SignedURL)

	_, err = store.Put(ctx, ticket.ObjectKey, token, bytes.NewBufferString(sampleCatalog))
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	assert.True(t, ticket.Expired(now))
	_, err = store.Put(ctx, ticket.ObjectKey, token, bytes.NewBufferString(sampleCatalog))
	assert.ErrorIs(t, err, storage.ErrUploadDenied)

	// A ticket only covers its own key.
	other, err := issuer.Issue(ctx, "autumn", "")
	require.NoError(t, err)
	_, err = store.Put(ctx, ticket.ObjectKey, tokenFrom(t, other.SignedURL), bytes.NewBufferString(sampleCatalog))
	assert.ErrorIs(t, err, storage.ErrUploadDenied)
}

func tokenFrom(t *testing.T, signedURL string) string {
	t.Helper()
	u, err := url.Parse(signedURL)
	require.NoError(t, err)
	token := u.Query().Get("token")
	require.NotEmpty(t, token)
	return token
}

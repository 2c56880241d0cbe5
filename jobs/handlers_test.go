package jobs

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse-hq/gatehouse/internal/rbac"
	"github.com/gatehouse-hq/gatehouse/internal/session"
)

func newSweepStore(t *testing.T) *session.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return session.NewStore(client, time.Hour)
}

func TestSessionSweepRemovesSessionAndSnapshot(t *testing.T) {
	ctx := context.Background()
	store := newSweepStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	rec, err := store.Create(ctx, 7)
	require.NoError(t, err)
	require.NoError(t, store.SaveSnapshot(ctx, &rbac.Principal{ID: 7, Email: "user@test.local", IsActive: true}))

	// Zero idle timeout makes the fresh session immediately idle.
	handler := NewSessionSweepHandler(store, 0, logger)
	require.NoError(t, handler(ctx, NewSessionSweepTask()))

	_, err = store.Get(ctx, rec.Token)
	assert.ErrorIs(t, err, session.ErrNoSession)
	_, err = store.LoadSnapshot(ctx, 7)
	assert.ErrorIs(t, err, session.ErrNoSession, "snapshot must not outlive the swept session")
}

func TestSessionSweepKeepsActiveSessions(t *testing.T) {
	ctx := context.Background()
	store := newSweepStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	rec, err := store.Create(ctx, 9)
	require.NoError(t, err)
	require.NoError(t, store.SaveSnapshot(ctx, &rbac.Principal{ID: 9, Email: "active@test.local", IsActive: true}))

	handler := NewSessionSweepHandler(store, time.Hour, logger)
	require.NoError(t, handler(ctx, NewSessionSweepTask()))

	_, err = store.Get(ctx, rec.Token)
	assert.NoError(t, err)
	_, err = store.LoadSnapshot(ctx, 9)
	assert.NoError(t, err)
}

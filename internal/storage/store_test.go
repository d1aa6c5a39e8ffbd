package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/depsched/internal/domain"
)

var at = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRowRoundTrip(t *testing.T) {
	t.Parallel()
	dt := domain.NewDependencyTracking(domain.TrackingKey{JobID: 4, ChunkID: 2}, 9, 7, []string{"b", "a"}, "", 3, at)
	dt.Status = domain.QueuedForDelivery
	dt.Phase = domain.Delivery
	dt.Retries = 2
	dt = dt.WithWaitingOn([]domain.TrackingKey{{JobID: 1, ChunkID: 1}})

	r, err := toRow(dt)
	require.NoError(t, err)
	require.Equal(t, 5, r.Status)
	require.JSONEq(t, `[{"jobId":1,"chunkId":1}]`, string(r.WaitingOn))
	require.JSONEq(t, `["a","b"]`, string(r.MatchKeys))

	back, err := fromRow(r)
	require.NoError(t, err)
	require.Equal(t, dt.Key, back.Key)
	require.Equal(t, dt.Status, back.Status)
	require.Equal(t, domain.Delivery, back.Phase)
	require.Equal(t, dt.MatchKeys, back.MatchKeys)
	require.Equal(t, dt.WaitFor, back.WaitFor)
	require.Equal(t, dt.WaitingOn, back.WaitingOn)
	require.Equal(t, 2, back.Retries)
	require.Equal(t, 3, back.Priority)
	require.True(t, at.Equal(back.LastModified))
}

func TestRowEmptySets(t *testing.T) {
	t.Parallel()
	dt := domain.NewDependencyTracking(domain.TrackingKey{JobID: 1, ChunkID: 1}, 1, 1, nil, "", 0, at)
	r, err := toRow(dt)
	require.NoError(t, err)
	require.Equal(t, "[]", string(r.WaitingOn))
	require.Equal(t, "[]", string(r.MatchKeys))
}

func TestBlockedRowResumesProcessing(t *testing.T) {
	t.Parallel()
	back, err := fromRow(row{JobID: 1, ChunkID: 2, SinkID: 1, Status: 3,
		WaitingOn: []byte(`[{"jobId":1,"chunkId":1}]`), MatchKeys: []byte(`["x"]`)})
	require.NoError(t, err)
	require.Equal(t, domain.Blocked, back.Status)
	require.Equal(t, domain.Processing, back.Phase)
	require.Len(t, back.WaitingOn, 1)
}

func TestUnknownStatusIsFatal(t *testing.T) {
	t.Parallel()
	_, err := fromRow(row{JobID: 1, ChunkID: 1, Status: 42, WaitingOn: []byte(`[]`), MatchKeys: []byte(`[]`)})
	require.True(t, errors.Is(err, domain.ErrUnknownStatus))
}

func TestJournalPostgres(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, Migrate(pool, "migrations"))
	_, err = pool.Exec(ctx, `delete from dependencytracking`)
	require.NoError(t, err)

	s := New(pool)
	a := domain.NewDependencyTracking(domain.TrackingKey{JobID: 1, ChunkID: 1}, 1, 7, []string{"x"}, "", 0, at)
	b := domain.NewDependencyTracking(domain.TrackingKey{JobID: 1, ChunkID: 2}, 1, 7, []string{"x"}, "", 0, at)
	b.Status = domain.Blocked
	b = b.WithWaitingOn([]domain.TrackingKey{a.Key})
	require.NoError(t, s.Upsert(ctx, b))
	require.NoError(t, s.Upsert(ctx, a))

	a.Status = domain.QueuedForProcessing
	require.NoError(t, s.Upsert(ctx, a))

	all, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, a.Key, all[0].Key)
	require.Equal(t, domain.QueuedForProcessing, all[0].Status)
	require.Equal(t, []domain.TrackingKey{a.Key}, all[1].WaitingOn)

	require.NoError(t, s.Delete(ctx, a.Key))
	require.NoError(t, s.Delete(ctx, a.Key))
	all, err = s.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

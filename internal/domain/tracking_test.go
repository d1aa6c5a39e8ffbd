package domain

import (
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNewDependencyTrackingDerivesWaitFor(t *testing.T) {
	t.Parallel()

	dt := NewDependencyTracking(TrackingKey{JobID: 3, ChunkID: 1}, 9, 7,
		[]string{"b", "a", "b"}, "barrier", 4, epoch)
	require.Equal(t, []string{"a", "b", "barrier"}, dt.MatchKeys)
	require.Equal(t, []WaitForKey{
		{SinkID: 9, Submitter: 7, MatchKey: "a"},
		{SinkID: 9, Submitter: 7, MatchKey: "b"},
		{SinkID: 9, Submitter: 7, MatchKey: "barrier"},
	}, dt.WaitFor)
	require.Equal(t, ReadyForProcessing, dt.Status)
	require.Equal(t, Processing, dt.Phase)
	require.Empty(t, dt.WaitingOn)
	require.True(t, dt.HasMatchKey("barrier"))
	require.True(t, dt.SharesMatchKey([]string{"z", "a"}))
	require.False(t, dt.SharesMatchKey([]string{"z"}))

	noBarrier := NewDependencyTracking(TrackingKey{JobID: 3, ChunkID: 2}, 9, 7, nil, "", 4, epoch)
	require.Empty(t, noBarrier.MatchKeys)
	require.Empty(t, noBarrier.WaitFor)
}

func TestDependencyTrackingEqualIgnoresMutableState(t *testing.T) {
	t.Parallel()

	a := NewDependencyTracking(TrackingKey{JobID: 1, ChunkID: 1}, 1, 7, []string{"x"}, "", 5, epoch)
	b := a.WithWaitingOn([]TrackingKey{{JobID: 0, ChunkID: 9}})
	b.Status = Blocked
	b.Retries = 3
	require.True(t, a.Equal(b))

	c := a
	c.Priority = 6
	require.False(t, a.Equal(c))
	d := a
	d.Submitter = 8
	require.False(t, a.Equal(d))
}

func TestResend(t *testing.T) {
	t.Parallel()

	dt := NewDependencyTracking(TrackingKey{JobID: 1, ChunkID: 1}, 1, 1, nil, "", 0, epoch)
	dt.Status = QueuedForProcessing
	dt.Retries = 2

	later := epoch.Add(time.Minute)
	resent, ok := dt.Resend(later)
	require.True(t, ok)
	require.Equal(t, ReadyForProcessing, resent.Status)
	require.Equal(t, 3, resent.Retries)
	require.Equal(t, later, resent.LastModified)

	again, ok := resent.Resend(later)
	require.False(t, ok)
	require.Equal(t, resent, again)

	dt.Status = ReadyForDelivery
	unchanged, ok := dt.Resend(later)
	require.False(t, ok)
	require.Equal(t, dt, unchanged)
	require.Equal(t, 2, unchanged.Retries)
}

func TestWithStatusEnforcesAutomaton(t *testing.T) {
	t.Parallel()

	dt := NewDependencyTracking(TrackingKey{JobID: 1, ChunkID: 1}, 1, 1, nil, "", 0, epoch)
	_, err := dt.WithStatus(QueuedForDelivery, epoch)
	require.ErrorIs(t, err, ErrIllegalTransition)

	queued, err := dt.WithStatus(QueuedForProcessing, epoch.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, QueuedForProcessing, queued.Status)
	require.Equal(t, ReadyForProcessing, dt.Status)
}

func TestWaitingOnHelpers(t *testing.T) {
	t.Parallel()

	k1 := TrackingKey{JobID: 1, ChunkID: 1}
	k2 := TrackingKey{JobID: 1, ChunkID: 2}
	dt := NewDependencyTracking(TrackingKey{JobID: 2, ChunkID: 1}, 1, 1, []string{"x"}, "", 0, epoch)
	dt = dt.WithWaitingOn([]TrackingKey{k2, k1, k2})
	dt.Status = Blocked
	require.Equal(t, []TrackingKey{k1, k2}, dt.WaitingOn)
	require.True(t, dt.IsWaitingOn(k2))

	_, changed := dt.WithoutWaitingOn(TrackingKey{JobID: 9, ChunkID: 9})
	require.False(t, changed)

	less, changed := dt.WithoutWaitingOn(k1)
	require.True(t, changed)
	require.Equal(t, []TrackingKey{k2}, less.WaitingOn)
	require.Equal(t, []TrackingKey{k1, k2}, dt.WaitingOn)

	_, released := less.Release(epoch)
	require.False(t, released)

	none, _ := less.WithoutWaitingOn(k2)
	ready, released := none.Release(epoch)
	require.True(t, released)
	require.Equal(t, ReadyForProcessing, ready.Status)

	none.Phase = Delivery
	ready, _ = none.Release(epoch)
	require.Equal(t, ReadyForDelivery, ready.Status)
	require.True(t, ready.Admissible(Delivery))
	require.False(t, ready.Admissible(Processing))

	none.Pending = true
	_, released = none.Release(epoch)
	require.False(t, released)
}

func TestSortByPriority(t *testing.T) {
	t.Parallel()

	records := []DependencyTracking{
		{Key: TrackingKey{JobID: 1, ChunkID: 1}, Priority: 5},
		{Key: TrackingKey{JobID: 1, ChunkID: 3}, Priority: 10},
		{Key: TrackingKey{JobID: 1, ChunkID: 2}, Priority: 10},
	}
	SortByPriority(records)
	require.Equal(t, []TrackingKey{
		{JobID: 1, ChunkID: 2},
		{JobID: 1, ChunkID: 3},
		{JobID: 1, ChunkID: 1},
	}, Keys(records))
}

func TestComparatorsAreTotalOrders(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	randKey := func() TrackingKey {
		return TrackingKey{JobID: rng.Intn(3), ChunkID: rng.Intn(3)}
	}
	randWaitFor := func() WaitForKey {
		return WaitForKey{SinkID: rng.Intn(2), Submitter: rng.Intn(2), MatchKey: string(rune('a' + rng.Intn(3)))}
	}
	randRecord := func() DependencyTracking {
		return DependencyTracking{Key: randKey(), Priority: rng.Intn(3)}
	}

	for i := 0; i < 2000; i++ {
		checkTotalOrder(t, randKey(), randKey(), randKey(), TrackingKey.Compare)
		checkTotalOrder(t, randWaitFor(), randWaitFor(), randWaitFor(), WaitForKey.Compare)
		checkTotalOrder(t, randRecord(), randRecord(), randRecord(), Compare)
	}
}

func checkTotalOrder[T any](t *testing.T, a, b, c T, cmp func(T, T) int) {
	t.Helper()
	// antisymmetry
	require.Equal(t, sign(cmp(a, b)), -sign(cmp(b, a)))
	// transitivity
	if cmp(a, b) <= 0 && cmp(b, c) <= 0 {
		require.LessOrEqual(t, cmp(a, c), 0)
	}
	require.Zero(t, cmp(a, a))
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	}
	return 0
}

func TestTrackingKeyParse(t *testing.T) {
	t.Parallel()

	k := TrackingKey{JobID: 12, ChunkID: 345}
	parsed, err := ParseTrackingKey(k.String())
	require.NoError(t, err)
	require.Equal(t, k, parsed)

	for _, bad := range []string{"", "12", "a:1", "1:b"} {
		_, err := ParseTrackingKey(bad)
		require.Error(t, err, bad)
	}
}

func TestStatusChangeJSON(t *testing.T) {
	t.Parallel()

	change := StatusChange{Key: TrackingKey{JobID: 1, ChunkID: 2}, SinkID: 3, To: Blocked, Node: "n", At: epoch}
	data, err := json.Marshal(change)
	require.NoError(t, err)
	require.Contains(t, string(data), `"from":0`)
	require.Contains(t, string(data), `"to":3`)

	var decoded StatusChange
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, change, decoded)

	require.Error(t, json.Unmarshal([]byte(`{"to":99}`), &decoded))
}

package settlement

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settlement/internal/pagination"
)

func seedJob(t *testing.T, s Store, id string, status Status, created time.Time) *Job {
	t.Helper()
	j := &Job{
		ID:            id,
		Method:        "burn",
		CallerAddress: testCaller,
		Payload:       []byte(`{}`),
		Status:        status,
		MaxRetries:    5,
		CreatedAt:     created,
		UpdatedAt:     created,
	}
	require.NoError(t, s.Create(context.Background(), j))
	return j
}

func TestMemoryStore_ClaimRace(t *testing.T) {
	s := NewMemoryStore()
	seedJob(t, s, "call_race", StatusQueued, time.Now())

	const workers = 32
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := s.Claim(context.Background(), "call_race")
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one concurrent claim must win")
	j, err := s.Get(context.Background(), "call_race")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, j.Status)
}

func TestMemoryStore_ClaimOnlyPendingOrQueued(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	for _, st := range Statuses {
		seedJob(t, s, "call_"+string(st), st, now)
	}

	for _, st := range Statuses {
		ok, err := s.Claim(context.Background(), "call_"+string(st))
		require.NoError(t, err)
		assert.Equal(t, st.Claimable(), ok, "status %s", st)
	}

	ok, err := s.Claim(context.Background(), "call_missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_ListEligible(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base.Add(time.Hour)

	seedJob(t, s, "call_b", StatusPending, base.Add(2*time.Minute))
	seedJob(t, s, "call_a", StatusQueued, base.Add(time.Minute))
	seedJob(t, s, "call_c", StatusPending, base.Add(2*time.Minute)) // same created_at as b

	future := now.Add(time.Minute)
	later := seedJob(t, s, "call_later", StatusQueued, base)
	later.NextRunAt = &future
	require.NoError(t, s.Create(ctx, later))

	exhausted := seedJob(t, s, "call_exhausted", StatusQueued, base)
	exhausted.Retries = 5
	require.NoError(t, s.Create(ctx, exhausted))

	seedJob(t, s, "call_processing", StatusProcessing, base)
	seedJob(t, s, "call_done", StatusSuccess, base)

	jobs, err := s.ListEligible(ctx, now, 10)
	require.NoError(t, err)

	var ids []string
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	assert.Equal(t, []string{"call_a", "call_b", "call_c"}, ids)

	jobs, err = s.ListEligible(ctx, now, 2)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestMemoryStore_FinishRequiresProcessing(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	j := seedJob(t, s, "call_x", StatusQueued, time.Now())

	j.Status = StatusSuccess
	assert.ErrorIs(t, s.Finish(ctx, j), ErrNotProcessing)

	ok, err := s.Claim(ctx, "call_x")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.Finish(ctx, j))

	got, err := s.Get(ctx, "call_x")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)

	assert.ErrorIs(t, s.Finish(ctx, &Job{ID: "call_none"}), ErrJobNotFound)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedJob(t, s, "call_copy", StatusPending, time.Now())

	j, err := s.Get(ctx, "call_copy")
	require.NoError(t, err)
	j.Status = StatusFailed
	j.Payload[0] = 'X'

	again, err := s.Get(ctx, "call_copy")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, again.Status)
	assert.Equal(t, `{}`, string(again.Payload))
}

func TestMemoryStore_ListFilterAndLink(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()
	seedJob(t, s, "call_1", StatusQueued, base)
	seedJob(t, s, "call_2", StatusFailed, base.Add(time.Second))

	require.NoError(t, s.LinkOrder(ctx, "call_2", 99))
	assert.ErrorIs(t, s.LinkOrder(ctx, "call_nope", 1), ErrJobNotFound)

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "call_2", all[0].ID, "newest first")

	failed, err := s.List(ctx, Filter{Status: StatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)

	byOrder, err := s.List(ctx, Filter{OrderID: 99})
	require.NoError(t, err)
	require.Len(t, byOrder, 1)
	assert.Equal(t, int64(99), *byOrder[0].OrderID)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StatusQueued])
	assert.Equal(t, 1, counts[StatusFailed])
}

func TestMemoryStore_ListStale(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)
	seedJob(t, s, "call_stuck", StatusProcessing, old)
	seedJob(t, s, "call_queued", StatusQueued, old)

	stale, err := s.ListStale(ctx, time.Now().Add(-10*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "call_stuck", stale[0].ID)
}

func TestMemoryStore_ListBeforeCursor(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedJob(t, s, "call_a", StatusPending, base)
	seedJob(t, s, "call_b", StatusPending, base.Add(time.Minute))
	seedJob(t, s, "call_c", StatusPending, base.Add(time.Minute))
	seedJob(t, s, "call_d", StatusPending, base.Add(2*time.Minute))

	jobs, err := s.List(context.Background(), Filter{
		Before: &pagination.Cursor{CreatedAt: base.Add(time.Minute), ID: "call_c"},
	})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "call_b", jobs[0].ID)
	assert.Equal(t, "call_a", jobs[1].ID)
}

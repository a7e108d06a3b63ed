package reconciliation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settlement/internal/logging"
	"github.com/mbd888/settlement/internal/settlement"
)

type fakeRepairer struct {
	n     int
	err   error
	calls int
}

func (f *fakeRepairer) RepairLedger(context.Context, int) (int, error) {
	f.calls++
	return f.n, f.err
}

func seed(t *testing.T, store *settlement.MemoryStore, id string, status settlement.Status, updated time.Time) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), &settlement.Job{
		ID: id, Method: "burn", CallerAddress: "0x1111111111111111111111111111111111111111",
		Payload: []byte(`{}`), Status: status, MaxRetries: 5,
		CreatedAt: updated, UpdatedAt: updated,
	}))
}

func TestRunner_ReportsStaleJobs(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := settlement.NewMemoryStore()
	seed(t, store, "call_stale", settlement.StatusProcessing, now.Add(-30*time.Minute))
	seed(t, store, "call_fresh", settlement.StatusProcessing, now.Add(-time.Minute))
	seed(t, store, "call_queued", settlement.StatusQueued, now.Add(-time.Hour))

	repairer := &fakeRepairer{n: 2}
	r := NewRunner(store, repairer, 10*time.Minute, logging.Discard()).WithClock(func() time.Time { return now })

	report, err := r.RunAll(context.Background())
	require.NoError(t, err)
	require.Len(t, report.StaleJobs, 1)
	assert.Equal(t, "call_stale", report.StaleJobs[0].CallID)
	assert.Equal(t, 2, report.LedgerRepaired)
	assert.Equal(t, 2, report.JobCounts["PROCESSING"])
	assert.Equal(t, 1, report.JobCounts["QUEUED"])
	assert.Equal(t, 1, repairer.calls)

	assert.Equal(t, float64(1), testutil.ToFloat64(reconcileStaleJobs))
	assert.Equal(t, float64(2), testutil.ToFloat64(reconcileLedgerRepairs))
	assert.Same(t, report, r.LastReport())

	// Stale jobs are reported, never moved.
	job, err := store.Get(context.Background(), "call_stale")
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusProcessing, job.Status)
}

func TestRunner_CollectsErrors(t *testing.T) {
	store := settlement.NewMemoryStore()
	r := NewRunner(store, &fakeRepairer{err: errors.New("db down")}, 0, logging.Discard())

	report, err := r.RunAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger repair")
	require.Len(t, report.Errors, 1)
	assert.Empty(t, report.StaleJobs)
}

func TestRunner_NilRepairer(t *testing.T) {
	r := NewRunner(settlement.NewMemoryStore(), nil, 0, logging.Discard())
	report, err := r.RunAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.LedgerRepaired)
}

func TestTimer_StartStop(t *testing.T) {
	r := NewRunner(settlement.NewMemoryStore(), nil, 0, logging.Discard())
	timer := NewTimer(r, 10*time.Millisecond, logging.Discard())

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return r.LastReport() != nil }, time.Second, 5*time.Millisecond)
	require.True(t, timer.Running())

	timer.Stop()
	timer.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}

func TestTimer_RunsAtStartup(t *testing.T) {
	r := NewRunner(settlement.NewMemoryStore(), nil, 0, logging.Discard())
	timer := NewTimer(r, time.Hour, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return r.LastReport() != nil }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestHandler_Report(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRunner(settlement.NewMemoryStore(), nil, 0, logging.Discard())
	router := gin.New()
	NewHandler(r).RegisterRoutes(router.Group("/v1"))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/reconciliation/report", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/reconciliation/run", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/reconciliation/report", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"staleJobs":[]`)
}

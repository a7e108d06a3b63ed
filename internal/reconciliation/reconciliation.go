// Package reconciliation periodically checks settlement state for drift:
// jobs stuck in PROCESSING and orders whose escrow ledger lags their status.
//
// Stale PROCESSING jobs are only reported. Re-queueing them could execute
// the same contract call twice.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/settlement/internal/logging"
	"github.com/mbd888/settlement/internal/settlement"
)

const (
	DefaultStaleAfter  = 10 * time.Minute
	DefaultRepairBatch = 100
	staleListLimit     = 100
)

// JobStore is the slice of the settlement store reconciliation reads.
type JobStore interface {
	ListStale(ctx context.Context, before time.Time, limit int) ([]*settlement.Job, error)
	CountByStatus(ctx context.Context) (map[settlement.Status]int, error)
}

// LedgerRepairer appends missing escrow ledger entries.
type LedgerRepairer interface {
	RepairLedger(ctx context.Context, limit int) (int, error)
}

// StaleJob is a PROCESSING job that stopped making progress.
type StaleJob struct {
	CallID    string    `json:"callId"`
	Method    string    `json:"method"`
	OrderID   *int64    `json:"orderId,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Report is the outcome of one reconciliation run.
type Report struct {
	StaleJobs      []StaleJob     `json:"staleJobs"`
	LedgerRepaired int            `json:"ledgerRepaired"`
	JobCounts      map[string]int `json:"jobCounts"`
	Errors         []string       `json:"errors,omitempty"`
	Duration       time.Duration  `json:"durationNs"`
	RanAt          time.Time      `json:"ranAt"`
}

// Runner executes reconciliation checks.
type Runner struct {
	jobs       JobStore
	ledger     LedgerRepairer
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu   sync.Mutex
	last *Report
}

// NewRunner creates a runner. ledger may be nil to skip ledger repair.
func NewRunner(jobs JobStore, ledger LedgerRepairer, staleAfter time.Duration, logger *slog.Logger) *Runner {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Runner{
		jobs:       jobs,
		ledger:     ledger,
		staleAfter: staleAfter,
		logger:     logger,
		now:        time.Now,
	}
}

// WithClock overrides the time source.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// LastReport returns the most recent report, or nil before the first run.
func (r *Runner) LastReport() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// RunAll runs every check. Individual check failures are collected in the
// report; the returned error joins them.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := r.now()
	report := &Report{JobCounts: map[string]int{}, RanAt: start}
	var errs []error

	stale, err := r.checkStale(ctx, start)
	if err != nil {
		errs = append(errs, fmt.Errorf("stale jobs: %w", err))
	}
	report.StaleJobs = stale

	counts, err := r.jobs.CountByStatus(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("job counts: %w", err))
	}
	for status, n := range counts {
		report.JobCounts[string(status)] = n
	}

	if r.ledger != nil {
		repaired, err := r.ledger.RepairLedger(ctx, DefaultRepairBatch)
		if err != nil {
			errs = append(errs, fmt.Errorf("ledger repair: %w", err))
		}
		report.LedgerRepaired = repaired
		reconcileLedgerRepairs.Set(float64(repaired))
		if repaired > 0 {
			r.logger.Info("reconciliation appended missing ledger entries", "count", repaired)
		}
	}

	for _, e := range errs {
		report.Errors = append(report.Errors, e.Error())
		reconcileErrors.Inc()
	}
	report.Duration = r.now().Sub(start)
	reconcileDuration.Observe(report.Duration.Seconds())

	r.mu.Lock()
	r.last = report
	r.mu.Unlock()

	return report, errors.Join(errs...)
}

func (r *Runner) checkStale(ctx context.Context, now time.Time) ([]StaleJob, error) {
	jobs, err := r.jobs.ListStale(ctx, now.Add(-r.staleAfter), staleListLimit)
	if err != nil {
		return nil, err
	}
	reconcileStaleJobs.Set(float64(len(jobs)))

	stale := make([]StaleJob, 0, len(jobs))
	for _, j := range jobs {
		stale = append(stale, StaleJob{CallID: j.ID, Method: j.Method, OrderID: j.OrderID, UpdatedAt: j.UpdatedAt})
		r.logger.Warn("settlement job stuck in PROCESSING",
			logging.Job(j.ID, j.Method), "updatedAt", j.UpdatedAt, "staleFor", now.Sub(j.UpdatedAt).Round(time.Second))
	}
	return stale, nil
}

package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/settlement/internal/chain"
	"github.com/mbd888/settlement/internal/logging"
	"github.com/mbd888/settlement/internal/metrics"
	"github.com/mbd888/settlement/internal/traces"
)

const (
	DefaultWorkerInterval = 60 * time.Second
	MinWorkerInterval     = 5 * time.Second
	DefaultBatchSize      = 5
)

// TickSummary counts what one worker tick did.
type TickSummary struct {
	Eligible  int `json:"eligible"`
	Claimed   int `json:"claimed"`
	Skipped   int `json:"skipped"`
	Succeeded int `json:"succeeded"`
	Requeued  int `json:"requeued"`
	Failed    int `json:"failed"`
}

// Worker periodically claims and executes eligible jobs. The timer is
// re-armed only after a tick finishes, so ticks never overlap.
type Worker struct {
	queue     *Queue
	gateway   Gateway
	interval  time.Duration
	batchSize int
	logger    *slog.Logger

	tickMu  sync.Mutex
	stop    chan struct{}
	started atomic.Bool
	running atomic.Bool
}

// NewWorker creates a worker. interval is floored at MinWorkerInterval.
func NewWorker(queue *Queue, gateway Gateway, interval time.Duration, batchSize int, logger *slog.Logger) *Worker {
	if interval <= 0 {
		interval = DefaultWorkerInterval
	}
	if interval < MinWorkerInterval {
		interval = MinWorkerInterval
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Worker{
		queue:     queue,
		gateway:   gateway,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// Interval is the delay between the end of one tick and the next.
func (w *Worker) Interval() time.Duration { return w.interval }

// Running reports whether the worker loop is active.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Start runs the worker loop until ctx is done or Stop is called. Call in a
// goroutine. Calling Start while the loop is already running is a no-op.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	defer w.started.Store(false)

	w.running.Store(true)
	defer w.running.Store(false)

	timer := time.NewTimer(w.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-timer.C:
			w.safeTick(ctx)
			timer.Reset(w.interval)
		}
	}
}

// Stop signals the worker to stop.
func (w *Worker) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Worker) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.WorkerTicksTotal.WithLabelValues("panic").Inc()
			w.logger.Error("panic in settlement worker", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := w.RunOnce(ctx); err != nil {
		w.logger.Warn("settlement worker tick failed", "error", err)
	}
}

// RunOnce executes one tick. Concurrent calls are serialized.
func (w *Worker) RunOnce(ctx context.Context) (TickSummary, error) {
	w.tickMu.Lock()
	defer w.tickMu.Unlock()

	ctx, span := traces.StartSpan(ctx, "settlement.tick")
	defer span.End()

	start := time.Now()
	defer func() { metrics.WorkerTickDuration.Observe(time.Since(start).Seconds()) }()

	var sum TickSummary
	jobs, err := w.queue.ListEligible(ctx, w.batchSize)
	if err != nil {
		metrics.WorkerTicksTotal.WithLabelValues("error").Inc()
		traces.Fail(span, err)
		return sum, fmt.Errorf("list eligible jobs: %w", err)
	}
	sum.Eligible = len(jobs)

	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		switch w.processJob(ctx, job) {
		case StatusSuccess:
			sum.Claimed++
			sum.Succeeded++
		case StatusQueued:
			sum.Claimed++
			sum.Requeued++
		case StatusFailed:
			sum.Claimed++
			sum.Failed++
		case StatusProcessing:
			// outcome not persisted; reconciliation reports it as stale
			sum.Claimed++
		default:
			sum.Skipped++
		}
	}

	w.sampleGauges(ctx)
	metrics.WorkerTicksTotal.WithLabelValues("ok").Inc()
	if sum.Eligible > 0 {
		w.logger.Info("settlement worker tick",
			"eligible", sum.Eligible, "succeeded", sum.Succeeded,
			"requeued", sum.Requeued, "failed", sum.Failed, "skipped", sum.Skipped)
	}
	return sum, nil
}

// processJob runs one job and returns its resulting status, or "" when the
// job was skipped. Panics are recovered and recorded as failures.
func (w *Worker) processJob(ctx context.Context, job *Job) (result Status) {
	log := w.logger.With(logging.Job(job.ID, job.Method))

	claimed, err := w.queue.Claim(ctx, job.ID)
	if err != nil {
		log.Warn("failed to claim settlement job", "error", err)
		return ""
	}
	if !claimed {
		return ""
	}

	ctx, span := traces.StartSpan(ctx, "settlement.job", traces.CallID(job.ID), traces.Method(job.Method))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while executing settlement job", "panic", fmt.Sprint(r))
			result = w.fail(ctx, log, job.ID, fmt.Errorf("panic: %v", r), true)
		}
	}()

	payload, err := DecodePayload(job.Payload)
	if err != nil {
		traces.Fail(span, err)
		return w.fail(ctx, log, job.ID, err, false)
	}

	resp, err := w.gateway.Execute(ctx, payload.ContractAddress, payload.Body)
	if err != nil {
		traces.Fail(span, err)
		return w.fail(ctx, log, job.ID, err, chain.IsRetryable(err))
	}

	done, err := w.queue.CommitSuccess(ctx, job.ID, responseJSON(resp))
	if err != nil {
		log.Error("settlement call succeeded but outcome was not persisted", "error", err)
		return StatusProcessing
	}
	return done.Status
}

func (w *Worker) fail(ctx context.Context, log *slog.Logger, id string, cause error, retryable bool) Status {
	updated, err := w.queue.CommitFailure(ctx, id, cause, retryable)
	if err != nil {
		log.Error("failed to record settlement failure", "cause", cause, "error", err)
		return StatusProcessing
	}
	return updated.Status
}

func (w *Worker) sampleGauges(ctx context.Context) {
	counts, err := w.queue.Store().CountByStatus(ctx)
	if err != nil {
		w.logger.Debug("failed to count jobs by status", "error", err)
		return
	}
	for _, st := range Statuses {
		metrics.JobsByStatus.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/settlement/internal/idgen"
	"github.com/mbd888/settlement/internal/logging"
	"github.com/mbd888/settlement/internal/metrics"
	"github.com/mbd888/settlement/internal/retry"
	"github.com/mbd888/settlement/internal/validation"
)

const (
	DefaultMaxRetries = 5
	DefaultRetryDelay = 60 * time.Second

	// Store writes that record the outcome of a call that already ran.
	outcomeWriteAttempts = 3
	outcomeWriteDelay    = 200 * time.Millisecond

	maxErrorText = 1000
)

// Alert severities used by the queue.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alerter records operator alerts. Implementations must not block for long.
type Alerter interface {
	Alert(ctx context.Context, severity, message string, metadata map[string]any, callID string) error
}

// Notifier tells the buyer and seller of an order about settlement progress.
type Notifier interface {
	NotifySettlement(ctx context.Context, orderID int64, content string) error
}

// Publisher pushes job changes to live subscribers.
type Publisher interface {
	PublishJob(job *Job)
}

// Request describes a job to create.
type Request struct {
	Method  string
	Caller  string
	Payload json.RawMessage
	OrderID *int64
}

// Queue owns the job state machine. Only the queue mutates jobs.
type Queue struct {
	store      Store
	maxRetries int
	retryDelay time.Duration
	writeDelay time.Duration
	alerter    Alerter
	notifier   Notifier
	publisher  Publisher
	logger     *slog.Logger
	now        func() time.Time
}

// NewQueue creates a queue. Non-positive maxRetries or retryDelay fall back
// to the defaults.
func NewQueue(store Store, maxRetries int, retryDelay time.Duration, logger *slog.Logger) *Queue {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	return &Queue{
		store:      store,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		writeDelay: outcomeWriteDelay,
		logger:     logger,
		now:        time.Now,
	}
}

// WithAlerter attaches the alert sink.
func (q *Queue) WithAlerter(a Alerter) *Queue {
	q.alerter = a
	return q
}

// WithNotifier attaches the participant notifier.
func (q *Queue) WithNotifier(n Notifier) *Queue {
	q.notifier = n
	return q
}

// WithPublisher attaches a realtime publisher.
func (q *Queue) WithPublisher(p Publisher) *Queue {
	q.publisher = p
	return q
}

// WithClock replaces the time source. Used by tests.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// Store exposes the underlying store for read paths such as reconciliation.
func (q *Queue) Store() Store { return q.store }

// MaxRetries is the retry budget given to new jobs.
func (q *Queue) MaxRetries() int { return q.maxRetries }

// Enqueue creates a PENDING job for the worker.
func (q *Queue) Enqueue(ctx context.Context, req Request) (*Job, error) {
	return q.create(ctx, req, StatusPending)
}

// BeginInline creates a job that is already PROCESSING, owned by the
// caller for one synchronous attempt. The caller must follow up with
// MarkSuccess or MarkFailure.
func (q *Queue) BeginInline(ctx context.Context, req Request) (*Job, error) {
	return q.create(ctx, req, StatusProcessing)
}

func (q *Queue) create(ctx context.Context, req Request, status Status) (*Job, error) {
	now := q.now()
	job := &Job{
		ID:            idgen.CallID(),
		Method:        req.Method,
		CallerAddress: strings.ToLower(req.Caller),
		Payload:       req.Payload,
		Status:        status,
		MaxRetries:    q.maxRetries,
		OrderID:       req.OrderID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := q.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create settlement job: %w", err)
	}
	metrics.JobTransitionsTotal.WithLabelValues(string(status)).Inc()
	q.publish(job)
	return job, nil
}

// Claim takes ownership of a PENDING or QUEUED job. false means another
// executor got there first; the caller must skip the job.
func (q *Queue) Claim(ctx context.Context, id string) (bool, error) {
	ok, err := q.store.Claim(ctx, id)
	if err != nil {
		return false, fmt.Errorf("claim settlement job %s: %w", id, err)
	}
	if !ok {
		metrics.ClaimConflictsTotal.Inc()
		return false, nil
	}
	metrics.JobTransitionsTotal.WithLabelValues(string(StatusProcessing)).Inc()
	return true, nil
}

// MarkSuccess records a successful execution and notifies the order's
// participants.
func (q *Queue) MarkSuccess(ctx context.Context, id string, response json.RawMessage) (*Job, error) {
	job, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	job.Status = StatusSuccess
	job.LastResponse = response
	job.LastError = ""
	job.NextRunAt = nil
	job.UpdatedAt = q.now()
	if err := q.store.Finish(ctx, job); err != nil {
		return nil, fmt.Errorf("finish settlement job %s: %w", id, err)
	}
	metrics.JobTransitionsTotal.WithLabelValues(string(StatusSuccess)).Inc()

	q.log(ctx).Info("settlement call succeeded", logging.Job(job.ID, job.Method), "retries", job.Retries)
	q.refreshOrder(ctx, job)
	if job.OrderID != nil {
		q.notify(ctx, *job.OrderID, outcomeMessage(job))
	}
	q.publish(job)
	return job, nil
}

// CommitSuccess is MarkSuccess for a call that has already landed on-chain:
// transient store errors are retried so the outcome is not lost.
func (q *Queue) CommitSuccess(ctx context.Context, id string, response json.RawMessage) (*Job, error) {
	var done *Job
	err := q.retryOutcome(ctx, id, "success", func() error {
		var err error
		done, err = q.MarkSuccess(ctx, id, response)
		return err
	})
	if errors.Is(err, ErrNotProcessing) {
		// an earlier attempt may have committed before its error surfaced
		if job, getErr := q.store.Get(ctx, id); getErr == nil && job.Status == StatusSuccess {
			return job, nil
		}
	}
	return done, err
}

// CommitFailure is MarkFailure with transient store errors retried.
func (q *Queue) CommitFailure(ctx context.Context, id string, cause error, retryable bool) (*Job, error) {
	var updated *Job
	err := q.retryOutcome(ctx, id, "failure", func() error {
		var err error
		updated, err = q.MarkFailure(ctx, id, cause, retryable)
		return err
	})
	return updated, err
}

func (q *Queue) retryOutcome(ctx context.Context, id, outcome string, write func() error) error {
	return retry.DoNotify(ctx, outcomeWriteAttempts, q.writeDelay, func() error {
		err := write()
		if errors.Is(err, ErrNotProcessing) || errors.Is(err, ErrJobNotFound) {
			return retry.Permanent(err)
		}
		return err
	}, func(attempt int, err error, next time.Duration) {
		q.log(ctx).Warn("retrying settlement outcome write",
			"callId", id, "outcome", outcome, "attempt", attempt, "error", err, "backoff", next)
	})
}

// MarkFailure records a failed attempt. Retryable failures with budget left
// go back to QUEUED with a backoff; anything else is FAILED.
func (q *Queue) MarkFailure(ctx context.Context, id string, cause error, retryable bool) (*Job, error) {
	job, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := q.now()
	if job.Retries < job.MaxRetries {
		job.Retries++
	}
	job.LastError = errorText(cause)
	job.UpdatedAt = now

	if retryable && job.Retries < job.MaxRetries {
		next := now.Add(Backoff(q.retryDelay, job.Retries))
		job.Status = StatusQueued
		job.NextRunAt = &next
	} else {
		job.Status = StatusFailed
		job.NextRunAt = nil
	}

	if err := q.store.Finish(ctx, job); err != nil {
		return nil, fmt.Errorf("finish settlement job %s: %w", id, err)
	}
	metrics.JobTransitionsTotal.WithLabelValues(string(job.Status)).Inc()

	log := q.log(ctx).With(logging.Job(job.ID, job.Method))
	meta := map[string]any{
		"method":     job.Method,
		"retries":    job.Retries,
		"maxRetries": job.MaxRetries,
		"error":      job.LastError,
	}
	if job.OrderID != nil {
		meta["orderId"] = *job.OrderID
	}

	if job.MaxRetries > 1 && job.Retries == job.MaxRetries-1 {
		q.alert(ctx, SeverityWarning, fmt.Sprintf("settlement call %s has one retry left", job.ID), meta, job.ID)
	}

	if job.Status == StatusFailed {
		log.Error("settlement call failed", "retries", job.Retries, "retryable", retryable, "error", job.LastError)
		q.alert(ctx, SeverityCritical, fmt.Sprintf("settlement call %s failed: %s", job.ID, job.LastError), meta, job.ID)
		q.refreshOrder(ctx, job)
		if job.OrderID != nil {
			q.notify(ctx, *job.OrderID, outcomeMessage(job))
		}
	} else {
		log.Warn("settlement call queued for retry", "retries", job.Retries, "nextRunAt", job.NextRunAt, "error", job.LastError)
	}

	q.publish(job)
	return job, nil
}

// ListEligible returns up to limit jobs the worker may claim now.
func (q *Queue) ListEligible(ctx context.Context, limit int) ([]*Job, error) {
	return q.store.ListEligible(ctx, q.now(), limit)
}

func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	return q.store.Get(ctx, id)
}

func (q *Queue) List(ctx context.Context, f Filter) ([]*Job, error) {
	return q.store.List(ctx, f)
}

// LinkOrder associates a job with the order it settles. A job that
// reached SUCCESS or FAILED before the link existed had nobody to notify,
// so its participants are told now.
func (q *Queue) LinkOrder(ctx context.Context, id string, orderID int64) error {
	if err := q.store.LinkOrder(ctx, id, orderID); err != nil {
		return err
	}
	job, err := q.store.Get(ctx, id)
	if err != nil {
		q.logger.Warn("failed to re-read linked settlement job", "callId", id, logging.Order(orderID), "error", err)
		return nil
	}
	if job.Status.IsTerminal() {
		q.notify(ctx, orderID, outcomeMessage(job))
	}
	return nil
}

// refreshOrder picks up an order link written while the outcome was being
// recorded.
func (q *Queue) refreshOrder(ctx context.Context, job *Job) {
	if job.OrderID != nil {
		return
	}
	if current, err := q.store.Get(ctx, job.ID); err == nil {
		job.OrderID = current.OrderID
	}
}

func outcomeMessage(job *Job) string {
	if job.Status == StatusSuccess {
		return fmt.Sprintf("Settlement %s for order #%d completed on-chain.", job.Method, *job.OrderID)
	}
	return fmt.Sprintf("Settlement %s for order #%d failed. Support has been alerted.", job.Method, *job.OrderID)
}

func (q *Queue) alert(ctx context.Context, severity, message string, meta map[string]any, callID string) {
	if q.alerter == nil {
		return
	}
	if err := q.alerter.Alert(ctx, severity, message, meta, callID); err != nil {
		q.logger.Warn("failed to write settlement alert", "callId", callID, "severity", severity, "error", err)
	}
}

func (q *Queue) notify(ctx context.Context, orderID int64, content string) {
	if q.notifier == nil {
		return
	}
	if err := q.notifier.NotifySettlement(ctx, orderID, content); err != nil {
		q.logger.Warn("failed to notify settlement participants", logging.Order(orderID), "error", err)
	}
}

func (q *Queue) publish(job *Job) {
	if q.publisher != nil {
		q.publisher.PublishJob(job.clone())
	}
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return validation.Truncate(err.Error(), maxErrorText)
}

func (q *Queue) log(ctx context.Context) *slog.Logger {
	if reqID := logging.RequestID(ctx); reqID != "" {
		return q.logger.With("request_id", reqID)
	}
	return q.logger
}

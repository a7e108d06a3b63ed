// Package settlement executes smart-contract calls on behalf of escrow orders.
//
// Every call is a Job. A job is created either already PROCESSING (the
// request path owns it for exactly one inline attempt) or PENDING (submitted
// for the worker only). Transient failures move a job to QUEUED with a
// backoff; the worker claims eligible jobs with an atomic compare-and-swap
// so at most one executor runs a job at a time.
//
//	PENDING ──claim──┐
//	                 ├──> PROCESSING ──ok──> SUCCESS
//	QUEUED ──claim───┘         │
//	   ^                       ├──transient, retries < max──> QUEUED
//	   └───────────────────────┘
//	                           └──permanent or exhausted──> FAILED
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/settlement/internal/pagination"
)

var (
	ErrJobNotFound      = errors.New("settlement job not found")
	ErrNotProcessing    = errors.New("settlement job is not processing")
	ErrCallerNotAllowed = errors.New("caller is not allowed to execute contract calls")
	ErrMalformedPayload = errors.New("malformed settlement payload")
)

// Status is the state of a contract call job.
type Status string

const (
	StatusPending    Status = "PENDING"    // created, never attempted
	StatusQueued     Status = "QUEUED"     // failed transiently, waiting for nextRunAt
	StatusProcessing Status = "PROCESSING" // owned by one executor
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
)

// Statuses lists every job status in lifecycle order.
var Statuses = []Status{StatusPending, StatusQueued, StatusProcessing, StatusSuccess, StatusFailed}

// IsTerminal returns true for SUCCESS and FAILED.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Claimable returns true for statuses the worker may pick up.
func (s Status) Claimable() bool {
	return s == StatusPending || s == StatusQueued
}

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// Job is one contract call and its execution history.
type Job struct {
	ID            string          `json:"id"`
	Method        string          `json:"method"`
	CallerAddress string          `json:"callerAddress"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"status"`
	Retries       int             `json:"retries"`
	MaxRetries    int             `json:"maxRetries"`
	LastError     string          `json:"lastError,omitempty"`
	LastResponse  json.RawMessage `json:"lastResponse,omitempty"`
	NextRunAt     *time.Time      `json:"nextRunAt,omitempty"`
	OrderID       *int64          `json:"orderId,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// clone returns a deep copy so stores never hand out shared memory.
func (j *Job) clone() *Job {
	cp := *j
	if j.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	if j.LastResponse != nil {
		cp.LastResponse = append(json.RawMessage(nil), j.LastResponse...)
	}
	if j.NextRunAt != nil {
		t := *j.NextRunAt
		cp.NextRunAt = &t
	}
	if j.OrderID != nil {
		id := *j.OrderID
		cp.OrderID = &id
	}
	return &cp
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status  Status
	Caller  string
	OrderID int64
	Limit   int
	// Before restricts results to jobs strictly older than the cursor
	// position, in (createdAt, id) order.
	Before *pagination.Cursor
}

// Store persists jobs.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, f Filter) ([]*Job, error)
	LinkOrder(ctx context.Context, id string, orderID int64) error

	// Claim moves a PENDING or QUEUED job to PROCESSING. It returns false
	// when the job was not claimable, typically because another executor
	// won the race.
	Claim(ctx context.Context, id string) (bool, error)

	// Finish persists the outcome of a PROCESSING job. It fails with
	// ErrNotProcessing if the job is not currently PROCESSING.
	Finish(ctx context.Context, job *Job) error

	ListEligible(ctx context.Context, now time.Time, limit int) ([]*Job, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
	ListStale(ctx context.Context, before time.Time, limit int) ([]*Job, error)
}

// PermanentChainError is returned when the inline attempt failed for a
// reason retries cannot fix. The job is already FAILED.
type PermanentChainError struct {
	CallID string
	Err    error
}

func (e *PermanentChainError) Error() string {
	return fmt.Sprintf("settlement call %s failed permanently: %v", e.CallID, e.Err)
}

func (e *PermanentChainError) Unwrap() error { return e.Err }

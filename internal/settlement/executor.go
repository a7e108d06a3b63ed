package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mbd888/settlement/internal/calldata"
	"github.com/mbd888/settlement/internal/chain"
	"github.com/mbd888/settlement/internal/logging"
	"github.com/mbd888/settlement/internal/traces"
)

// Gateway executes contract calls on the remote chain API.
type Gateway interface {
	Execute(ctx context.Context, contractAddress string, body chain.ExecuteBody) (*chain.Response, error)
}

// CallRequest is a contract call to settle.
type CallRequest struct {
	Method  string `json:"method" binding:"required"`
	Args    []any  `json:"args"`
	Caller  string `json:"caller" binding:"required"`
	Value   int64  `json:"value"`
	OrderID *int64 `json:"orderId,omitempty"`
}

// Result is the outcome of Submit. Receipt is nil unless the inline
// attempt succeeded and the response carried one.
type Result struct {
	Job      *Job            `json:"job"`
	Receipt  *chain.Receipt  `json:"receipt,omitempty"`
	Response *chain.Response `json:"response,omitempty"`
}

// Executor turns call requests into jobs: one inline attempt, then the
// queue takes over on transient failure.
type Executor struct {
	queue    *Queue
	gateway  Gateway
	contract string
	allowed  map[string]bool
	logger   *slog.Logger
}

// NewExecutor creates an executor for one contract. An empty allowlist
// permits every caller.
func NewExecutor(queue *Queue, gateway Gateway, contractAddress string, allowedCallers []string, logger *slog.Logger) *Executor {
	e := &Executor{
		queue:    queue,
		gateway:  gateway,
		contract: strings.ToLower(contractAddress),
		logger:   logger,
	}
	if len(allowedCallers) > 0 {
		e.allowed = make(map[string]bool, len(allowedCallers))
		for _, c := range allowedCallers {
			e.allowed[strings.ToLower(c)] = true
		}
	}
	return e
}

// ContractAddress is the contract every call is sent to.
func (e *Executor) ContractAddress() string { return e.contract }

// CallerAllowed reports whether caller may execute contract calls.
func (e *Executor) CallerAllowed(caller string) bool {
	return e.allowed == nil || e.allowed[strings.ToLower(caller)]
}

// Prepare checks the caller and encodes the call. It creates nothing.
func (e *Executor) Prepare(req CallRequest) (Request, error) {
	r, _, err := e.prepare(req)
	return r, err
}

func (e *Executor) prepare(req CallRequest) (Request, Payload, error) {
	caller, err := calldata.NormalizeAddress(req.Caller)
	if err != nil {
		return Request{}, Payload{}, err
	}
	if !e.CallerAllowed(caller) {
		return Request{}, Payload{}, fmt.Errorf("%w: %s", ErrCallerNotAllowed, caller)
	}
	if req.Value < 0 {
		return Request{}, Payload{}, calldata.ErrNegativeAmount
	}

	input, err := calldata.Encode(req.Method, req.Args...)
	if err != nil {
		return Request{}, Payload{}, err
	}
	p := Payload{
		ContractAddress: e.contract,
		Body:            chain.ExecuteBody{Caller: caller, InputData: input, Value: req.Value},
		OriginalCall:    OriginalCall{Method: req.Method, Args: req.Args},
	}
	raw, err := EncodePayload(p)
	if err != nil {
		return Request{}, Payload{}, err
	}
	return Request{Method: req.Method, Caller: caller, Payload: raw, OrderID: req.OrderID}, p, nil
}

// Submit runs exactly one synchronous attempt.
//
// On success the job is SUCCESS. On a transient failure the job is QUEUED
// and Submit returns a nil error; the worker retries it. On a permanent
// failure the job is FAILED and Submit returns *PermanentChainError.
// Validation errors (caller, encoding) return before any job exists.
func (e *Executor) Submit(ctx context.Context, call CallRequest) (*Result, error) {
	req, p, err := e.prepare(call)
	if err != nil {
		return nil, err
	}

	job, err := e.queue.BeginInline(ctx, req)
	if err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "settlement.submit", traces.CallID(job.ID), traces.Method(job.Method))
	defer span.End()

	resp, execErr := e.gateway.Execute(ctx, p.ContractAddress, p.Body)
	if execErr == nil {
		done, err := e.queue.CommitSuccess(ctx, job.ID, responseJSON(resp))
		if err != nil {
			traces.Fail(span, err)
			e.logger.Error("settlement call succeeded but outcome was not persisted",
				logging.Job(job.ID, job.Method), "error", err)
			return nil, err
		}
		res := &Result{Job: done, Response: resp}
		if r, ok := chain.ReceiptFrom(resp); ok {
			res.Receipt = &r
		}
		return res, nil
	}

	traces.Fail(span, execErr)
	retryable := chain.IsRetryable(execErr)
	updated, err := e.queue.CommitFailure(ctx, job.ID, execErr, retryable)
	if err != nil {
		return nil, err
	}
	if updated.Status == StatusFailed {
		return &Result{Job: updated}, &PermanentChainError{CallID: job.ID, Err: execErr}
	}

	e.logger.Info("inline settlement attempt failed, job queued",
		logging.Job(updated.ID, updated.Method), "nextRunAt", updated.NextRunAt, "error", execErr)
	return &Result{Job: updated}, nil
}

// SubmitAsync validates and encodes the call, then leaves it PENDING for
// the worker without any inline attempt.
func (e *Executor) SubmitAsync(ctx context.Context, call CallRequest) (*Job, error) {
	req, err := e.Prepare(call)
	if err != nil {
		return nil, err
	}
	return e.queue.Enqueue(ctx, req)
}

func responseJSON(resp *chain.Response) json.RawMessage {
	if resp == nil {
		return nil
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return nil
	}
	return b
}

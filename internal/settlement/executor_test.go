package settlement

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settlement/internal/calldata"
	"github.com/mbd888/settlement/internal/chain"
	"github.com/mbd888/settlement/internal/logging"
)

func newTestExecutor(f *queueFixture, gw Gateway, allowed ...string) *Executor {
	return NewExecutor(f.queue, gw, testContract, allowed, logging.Discard())
}

func TestSubmit_Success(t *testing.T) {
	f := newQueueFixture(5)
	gw := &fakeGateway{}
	ex := newTestExecutor(f, gw)

	var gotBody chain.ExecuteBody
	gw.fn = func(_ int, contract string, body chain.ExecuteBody) (*chain.Response, error) {
		assert.Equal(t, testContract, contract)
		gotBody = body
		return &chain.Response{Status: 200, Body: map[string]any{"txHash": "0xfeed", "blockNumber": float64(9)}}, nil
	}

	res, err := ex.Submit(context.Background(), CallRequest{Method: "burn", Args: []any{1000}, Caller: testCaller})
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, res.Job.Status)
	require.NotNil(t, res.Receipt)
	assert.Equal(t, "0xfeed", res.Receipt.TxHash)
	assert.Equal(t, int64(9), res.Receipt.BlockNumber)
	assert.Equal(t, "0x42966c68"+leftPad64(1000), gotBody.InputData)
	assert.Equal(t, 1, gw.Calls())
}

func TestSubmit_SuccessSurvivesTransientStoreError(t *testing.T) {
	q, store := newFlakyQueue(1)
	gw := &fakeGateway{}
	ex := NewExecutor(q, gw, testContract, nil, logging.Discard())

	res, err := ex.Submit(context.Background(), CallRequest{Method: "burn", Args: []any{1000}, Caller: testCaller})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Job.Status)
	require.NotNil(t, res.Receipt)
	assert.Equal(t, 1, gw.Calls(), "the chain call is not repeated")
	assert.Equal(t, 2, store.Finishes())

	got, err := q.Get(context.Background(), res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
}

func TestSubmit_FailureSurvivesTransientStoreError(t *testing.T) {
	q, _ := newFlakyQueue(1)
	gw := &fakeGateway{fn: func(int, string, chain.ExecuteBody) (*chain.Response, error) {
		return nil, unavailable()
	}}
	ex := NewExecutor(q, gw, testContract, nil, logging.Discard())

	res, err := ex.Submit(context.Background(), CallRequest{Method: "burn", Args: []any{1000}, Caller: testCaller})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, res.Job.Status)
	assert.Equal(t, 1, res.Job.Retries)
}

func TestSubmit_TransientFailureQueues(t *testing.T) {
	f := newQueueFixture(5)
	gw := &fakeGateway{fn: func(int, string, chain.ExecuteBody) (*chain.Response, error) {
		return nil, unavailable()
	}}
	ex := newTestExecutor(f, gw)

	res, err := ex.Submit(context.Background(), CallRequest{Method: "burn", Args: []any{1000}, Caller: testCaller})
	require.NoError(t, err, "transient failures are absorbed by the queue")

	assert.Equal(t, StatusQueued, res.Job.Status)
	assert.Equal(t, 1, res.Job.Retries)
	assert.NotEmpty(t, res.Job.ID)
	assert.Nil(t, res.Receipt)
	assert.Equal(t, 1, gw.Calls(), "exactly one inline attempt")
}

func TestSubmit_PermanentFailure(t *testing.T) {
	f := newQueueFixture(5)
	gw := &fakeGateway{fn: func(int, string, chain.ExecuteBody) (*chain.Response, error) {
		return nil, &chain.APIError{Status: 422, Message: "execution reverted"}
	}}
	ex := newTestExecutor(f, gw)

	res, err := ex.Submit(context.Background(), CallRequest{Method: "burn", Args: []any{1}, Caller: testCaller})
	var perm *PermanentChainError
	require.True(t, errors.As(err, &perm))
	assert.Equal(t, res.Job.ID, perm.CallID)
	assert.Equal(t, StatusFailed, res.Job.Status)
	assert.Equal(t, 1, f.alerter.count(SeverityCritical))
}

func TestSubmit_CallerNotAllowed(t *testing.T) {
	f := newQueueFixture(5)
	gw := &fakeGateway{}
	ex := newTestExecutor(f, gw, "0x2222222222222222222222222222222222222222")

	_, err := ex.Submit(context.Background(), CallRequest{Method: "burn", Args: []any{1}, Caller: testCaller})
	assert.ErrorIs(t, err, ErrCallerNotAllowed)
	assert.Equal(t, 0, gw.Calls())

	jobs, _ := f.store.List(context.Background(), Filter{})
	assert.Empty(t, jobs, "no job may be created for a rejected caller")
}

func TestSubmit_AllowlistIsCaseInsensitive(t *testing.T) {
	f := newQueueFixture(5)
	ex := newTestExecutor(f, &fakeGateway{}, "0xABCDEFABCDEFABCDEFABCDEFABCDEFABCDEFABCD")
	assert.True(t, ex.CallerAllowed("0xabcdefabcdefabcdefabcdefabcdefabcdefabcd"))
	assert.False(t, ex.CallerAllowed(testCaller))
}

func TestSubmit_EncodingErrors(t *testing.T) {
	f := newQueueFixture(5)
	gw := &fakeGateway{}
	ex := newTestExecutor(f, gw)
	ctx := context.Background()

	_, err := ex.Submit(ctx, CallRequest{Method: "selfdestruct", Caller: testCaller})
	assert.ErrorIs(t, err, calldata.ErrUnsupportedMethod)

	_, err = ex.Submit(ctx, CallRequest{Method: "burn", Args: []any{-5}, Caller: testCaller})
	assert.ErrorIs(t, err, calldata.ErrNegativeAmount)

	_, err = ex.Submit(ctx, CallRequest{Method: "burn", Args: []any{1}, Caller: "not-an-address"})
	assert.ErrorIs(t, err, calldata.ErrInvalidAddress)

	assert.Equal(t, 0, gw.Calls())
}

func TestSubmitAsync_Pending(t *testing.T) {
	f := newQueueFixture(5)
	gw := &fakeGateway{}
	ex := newTestExecutor(f, gw)

	job, err := ex.SubmitAsync(context.Background(), CallRequest{
		Method: "transfer",
		Args:   []any{"0x3333333333333333333333333333333333333333", "25"},
		Caller: testCaller,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, 0, gw.Calls())

	p, err := DecodePayload(job.Payload)
	require.NoError(t, err)
	assert.Equal(t, "transfer", p.OriginalCall.Method)
}

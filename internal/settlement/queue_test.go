package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settlement/internal/chain"
	"github.com/mbd888/settlement/internal/logging"
)

const (
	testContract = "0x0137ac70725cfa67af4f5180c41e0c60f36e9118"
	testCaller   = "0x1111111111111111111111111111111111111111"
)

type recordedAlert struct {
	Severity string
	Message  string
	CallID   string
	Meta     map[string]any
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []recordedAlert
	err    error
}

func (a *recordingAlerter) Alert(_ context.Context, severity, message string, meta map[string]any, callID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, recordedAlert{Severity: severity, Message: message, CallID: callID, Meta: meta})
	return a.err
}

func (a *recordingAlerter) count(severity string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, al := range a.alerts {
		if al.Severity == severity {
			n++
		}
	}
	return n
}

type recordingNotifier struct {
	mu       sync.Mutex
	orderIDs []int64
	contents []string
}

func (n *recordingNotifier) NotifySettlement(_ context.Context, orderID int64, content string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.orderIDs = append(n.orderIDs, orderID)
	n.contents = append(n.contents, content)
	return nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	jobs []*Job
}

func (p *recordingPublisher) PublishJob(job *Job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, job)
}

// fakeGateway answers Execute with fn. A nil fn succeeds with a receipt.
type fakeGateway struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, contract string, body chain.ExecuteBody) (*chain.Response, error)
}

func (g *fakeGateway) Execute(_ context.Context, contract string, body chain.ExecuteBody) (*chain.Response, error) {
	g.mu.Lock()
	g.calls++
	n := g.calls
	fn := g.fn
	g.mu.Unlock()
	if fn == nil {
		return &chain.Response{Status: 200, Body: map[string]any{
			"success": true,
			"txHash":  "0xabc",
			"data":    map[string]any{"blockNumber": float64(42), "gasUsed": float64(48000)},
		}}, nil
	}
	return fn(n, contract, body)
}

func (g *fakeGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func unavailable() error { return &chain.APIError{Status: 503, Message: "service unavailable"} }

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type queueFixture struct {
	queue     *Queue
	store     *MemoryStore
	alerter   *recordingAlerter
	notifier  *recordingNotifier
	publisher *recordingPublisher
	clock     *testClock
}

func newQueueFixture(maxRetries int) *queueFixture {
	f := &queueFixture{
		store:     NewMemoryStore(),
		alerter:   &recordingAlerter{},
		notifier:  &recordingNotifier{},
		publisher: &recordingPublisher{},
		clock:     newTestClock(),
	}
	f.queue = NewQueue(f.store, maxRetries, time.Minute, logging.Discard()).
		WithAlerter(f.alerter).
		WithNotifier(f.notifier).
		WithPublisher(f.publisher).
		WithClock(f.clock.Now)
	f.queue.writeDelay = time.Millisecond
	return f
}

// flakyFinishStore fails the first failures Finish calls with a connection
// error. With commit set the write lands before the error is returned.
type flakyFinishStore struct {
	*MemoryStore
	mu       sync.Mutex
	failures int
	commit   bool
	finishes int
}

func (s *flakyFinishStore) Finish(ctx context.Context, job *Job) error {
	s.mu.Lock()
	s.finishes++
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()

	if !fail {
		return s.MemoryStore.Finish(ctx, job)
	}
	if s.commit {
		if err := s.MemoryStore.Finish(ctx, job); err != nil {
			return err
		}
	}
	return errors.New("write tcp 10.0.0.5:5432: connection reset by peer")
}

func (s *flakyFinishStore) Finishes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishes
}

func newFlakyQueue(failures int) (*Queue, *flakyFinishStore) {
	store := &flakyFinishStore{MemoryStore: NewMemoryStore(), failures: failures}
	q := NewQueue(store, 5, time.Minute, logging.Discard())
	q.writeDelay = time.Millisecond
	return q, store
}

func burnPayload(t *testing.T, amount int) json.RawMessage {
	t.Helper()
	input := "0x42966c68" + leftPad64(amount)
	raw, err := EncodePayload(Payload{
		ContractAddress: testContract,
		Body:            chain.ExecuteBody{Caller: testCaller, InputData: input},
		OriginalCall:    OriginalCall{Method: "burn", Args: []any{amount}},
	})
	require.NoError(t, err)
	return raw
}

func leftPad64(n int) string {
	const hexdigits = "0123456789abcdef"
	out := []byte("0000000000000000000000000000000000000000000000000000000000000000")
	for i := 63; n > 0 && i >= 0; i-- {
		out[i] = hexdigits[n%16]
		n /= 16
	}
	return string(out)
}

func TestEnqueue_Pending(t *testing.T) {
	f := newQueueFixture(5)
	ctx := context.Background()

	job, err := f.queue.Enqueue(ctx, Request{Method: "burn", Caller: "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", Payload: burnPayload(t, 1000)})
	require.NoError(t, err)

	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, 0, job.Retries)
	assert.Equal(t, 5, job.MaxRetries)
	assert.Equal(t, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", job.CallerAddress)
	assert.Regexp(t, `^call_[0-9a-f]{24}$`, job.ID)
	assert.Nil(t, job.NextRunAt)

	eligible, err := f.queue.ListEligible(ctx, 10)
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, job.ID, eligible[0].ID)
}

func TestBeginInline_NotEligible(t *testing.T) {
	f := newQueueFixture(5)
	ctx := context.Background()

	job, err := f.queue.BeginInline(ctx, Request{Method: "burn", Caller: testCaller, Payload: burnPayload(t, 1)})
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, job.Status)

	eligible, err := f.queue.ListEligible(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, eligible)

	ok, err := f.queue.Claim(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok, "a PROCESSING job must not be claimable")
}

func TestMarkFailure_RetryableQueuesWithBackoff(t *testing.T) {
	f := newQueueFixture(5)
	ctx := context.Background()

	job, err := f.queue.BeginInline(ctx, Request{Method: "burn", Caller: testCaller, Payload: burnPayload(t, 1)})
	require.NoError(t, err)

	updated, err := f.queue.MarkFailure(ctx, job.ID, unavailable(), true)
	require.NoError(t, err)

	assert.Equal(t, StatusQueued, updated.Status)
	assert.Equal(t, 1, updated.Retries)
	require.NotNil(t, updated.NextRunAt)
	assert.Equal(t, f.clock.Now().Add(2*time.Minute), *updated.NextRunAt)
	assert.Contains(t, updated.LastError, "service unavailable")

	// Not eligible until the backoff has elapsed.
	eligible, _ := f.queue.ListEligible(ctx, 10)
	assert.Empty(t, eligible)

	f.clock.Advance(2 * time.Minute)
	eligible, _ = f.queue.ListEligible(ctx, 10)
	assert.Len(t, eligible, 1)
}

func TestMarkFailure_PermanentFailsImmediately(t *testing.T) {
	f := newQueueFixture(5)
	ctx := context.Background()
	orderID := int64(7)

	job, err := f.queue.BeginInline(ctx, Request{Method: "burn", Caller: testCaller, Payload: burnPayload(t, 1), OrderID: &orderID})
	require.NoError(t, err)

	updated, err := f.queue.MarkFailure(ctx, job.ID, &chain.APIError{Status: 400, Message: "bad calldata"}, false)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, updated.Status)
	assert.Equal(t, 1, updated.Retries)
	assert.Nil(t, updated.NextRunAt)
	assert.Equal(t, 1, f.alerter.count(SeverityCritical))
	assert.Equal(t, 0, f.alerter.count(SeverityWarning))
	assert.Equal(t, []int64{7}, f.notifier.orderIDs)
}

func TestMarkFailure_ExhaustsRetries(t *testing.T) {
	const maxRetries = 5
	f := newQueueFixture(maxRetries)
	ctx := context.Background()
	orderID := int64(11)

	job, err := f.queue.Enqueue(ctx, Request{Method: "burn", Caller: testCaller, Payload: burnPayload(t, 1), OrderID: &orderID})
	require.NoError(t, err)

	prevRetries := 0
	for i := 0; i < maxRetries; i++ {
		f.clock.Advance(time.Hour)
		ok, err := f.queue.Claim(ctx, job.ID)
		require.NoError(t, err)
		require.True(t, ok, "attempt %d should claim", i+1)

		updated, err := f.queue.MarkFailure(ctx, job.ID, unavailable(), true)
		require.NoError(t, err)

		assert.GreaterOrEqual(t, updated.Retries, prevRetries)
		assert.LessOrEqual(t, updated.Retries, updated.MaxRetries)
		if updated.Status == StatusQueued {
			assert.Less(t, updated.Retries, updated.MaxRetries)
		}
		prevRetries = updated.Retries
	}

	final, err := f.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Equal(t, maxRetries, final.Retries)

	assert.Equal(t, 1, f.alerter.count(SeverityCritical))
	assert.Equal(t, 1, f.alerter.count(SeverityWarning))
	for _, a := range f.alerter.alerts {
		assert.Equal(t, job.ID, a.CallID)
	}
	assert.Equal(t, []int64{11}, f.notifier.orderIDs, "only the terminal failure notifies")

	ok, err := f.queue.Claim(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok, "FAILED is terminal")
}

func TestMarkSuccess_NotifiesAndPublishes(t *testing.T) {
	f := newQueueFixture(5)
	ctx := context.Background()
	orderID := int64(3)

	job, err := f.queue.BeginInline(ctx, Request{Method: "burn", Caller: testCaller, Payload: burnPayload(t, 1), OrderID: &orderID})
	require.NoError(t, err)

	done, err := f.queue.MarkSuccess(ctx, job.ID, json.RawMessage(`{"status":200}`))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, done.Status)
	assert.JSONEq(t, `{"status":200}`, string(done.LastResponse))
	assert.Equal(t, []int64{3}, f.notifier.orderIDs)

	require.Len(t, f.publisher.jobs, 2)
	assert.Equal(t, StatusProcessing, f.publisher.jobs[0].Status)
	assert.Equal(t, StatusSuccess, f.publisher.jobs[1].Status)

	// A finished job cannot be finished again.
	_, err = f.queue.MarkSuccess(ctx, job.ID, nil)
	assert.ErrorIs(t, err, ErrNotProcessing)
}

func TestMarkFailure_AlerterErrorIsSwallowed(t *testing.T) {
	f := newQueueFixture(1)
	f.alerter.err = errors.New("alerts table missing")
	ctx := context.Background()

	job, err := f.queue.BeginInline(ctx, Request{Method: "burn", Caller: testCaller, Payload: burnPayload(t, 1)})
	require.NoError(t, err)

	updated, err := f.queue.MarkFailure(ctx, job.ID, unavailable(), true)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, updated.Status, "maxRetries=1 leaves no retry budget")
}

func TestMarkFailure_UnknownJob(t *testing.T) {
	f := newQueueFixture(5)
	_, err := f.queue.MarkFailure(context.Background(), "call_missing", unavailable(), true)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestCommitSuccess_RetriesTransientStoreError(t *testing.T) {
	q, store := newFlakyQueue(1)
	ctx := context.Background()

	job, err := q.BeginInline(ctx, Request{Method: "burn", Caller: testCaller, Payload: burnPayload(t, 1)})
	require.NoError(t, err)

	done, err := q.CommitSuccess(ctx, job.ID, json.RawMessage(`{"status":200}`))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, done.Status)
	assert.Equal(t, 2, store.Finishes())
}

func TestCommitSuccess_WriteLandedBeforeError(t *testing.T) {
	q, store := newFlakyQueue(1)
	store.commit = true
	ctx := context.Background()

	job, err := q.BeginInline(ctx, Request{Method: "burn", Caller: testCaller, Payload: burnPayload(t, 1)})
	require.NoError(t, err)

	done, err := q.CommitSuccess(ctx, job.ID, json.RawMessage(`{"status":200}`))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, done.Status)
}

func TestCommitSuccess_GivesUpAfterAttempts(t *testing.T) {
	q, store := newFlakyQueue(10)
	ctx := context.Background()

	job, err := q.BeginInline(ctx, Request{Method: "burn", Caller: testCaller, Payload: burnPayload(t, 1)})
	require.NoError(t, err)

	_, err = q.CommitSuccess(ctx, job.ID, nil)
	require.Error(t, err)
	assert.Equal(t, outcomeWriteAttempts, store.Finishes())

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status, "left for reconciliation to report")
}

func TestCommitFailure_RetriesWithoutDoubleCounting(t *testing.T) {
	q, _ := newFlakyQueue(1)
	ctx := context.Background()

	job, err := q.BeginInline(ctx, Request{Method: "burn", Caller: testCaller, Payload: burnPayload(t, 1)})
	require.NoError(t, err)

	updated, err := q.CommitFailure(ctx, job.ID, unavailable(), true)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, updated.Status)
	assert.Equal(t, 1, updated.Retries)
}

func TestCommitSuccess_NotProcessingIsNotRetried(t *testing.T) {
	f := newQueueFixture(5)
	ctx := context.Background()
	seedJob(t, f.store, "call_pending", StatusPending, f.clock.Now())

	_, err := f.queue.CommitSuccess(ctx, "call_pending", nil)
	assert.ErrorIs(t, err, ErrNotProcessing)
}

func TestMarkFailure_LongNonASCIIErrorStaysValidUTF8(t *testing.T) {
	f := newQueueFixture(5)
	ctx := context.Background()

	job, err := f.queue.BeginInline(ctx, Request{Method: "burn", Caller: testCaller, Payload: burnPayload(t, 1)})
	require.NoError(t, err)

	cause := errors.New(strings.Repeat("a", 999) + "ố: giao dịch bị từ chối")
	updated, err := f.queue.MarkFailure(ctx, job.ID, cause, true)
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(updated.LastError))
	assert.LessOrEqual(t, len(updated.LastError), 1000)
	assert.Equal(t, strings.Repeat("a", 999), updated.LastError)
}

func TestLinkOrder_NotifiesWhenOutcomeAlreadyRecorded(t *testing.T) {
	f := newQueueFixture(5)
	ctx := context.Background()

	job, err := f.queue.Enqueue(ctx, Request{Method: "burn", Caller: testCaller, Payload: burnPayload(t, 1)})
	require.NoError(t, err)
	ok, err := f.queue.Claim(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = f.queue.MarkSuccess(ctx, job.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, f.notifier.orderIDs, "no order linked yet")

	require.NoError(t, f.queue.LinkOrder(ctx, job.ID, 9))
	assert.Equal(t, []int64{9}, f.notifier.orderIDs)
	require.Len(t, f.notifier.contents, 1)
	assert.Contains(t, f.notifier.contents[0], "completed on-chain")
}

func TestLinkOrder_OpenJobDoesNotNotify(t *testing.T) {
	f := newQueueFixture(5)
	ctx := context.Background()

	job, err := f.queue.Enqueue(ctx, Request{Method: "burn", Caller: testCaller, Payload: burnPayload(t, 1)})
	require.NoError(t, err)

	require.NoError(t, f.queue.LinkOrder(ctx, job.ID, 9))
	assert.Empty(t, f.notifier.orderIDs)
	assert.ErrorIs(t, f.queue.LinkOrder(ctx, "call_missing", 9), ErrJobNotFound)
}

// linkDuringFinishStore writes an order link between the outcome's read
// and its write.
type linkDuringFinishStore struct {
	*MemoryStore
	orderID int64
}

func (s linkDuringFinishStore) Finish(ctx context.Context, job *Job) error {
	if err := s.MemoryStore.LinkOrder(ctx, job.ID, s.orderID); err != nil {
		return err
	}
	return s.MemoryStore.Finish(ctx, job)
}

func TestMarkFailure_PicksUpLinkWrittenDuringOutcome(t *testing.T) {
	notifier := &recordingNotifier{}
	q := NewQueue(linkDuringFinishStore{MemoryStore: NewMemoryStore(), orderID: 21}, 1, time.Minute, logging.Discard()).
		WithNotifier(notifier)
	ctx := context.Background()

	job, err := q.BeginInline(ctx, Request{Method: "burn", Caller: testCaller, Payload: burnPayload(t, 1)})
	require.NoError(t, err)

	updated, err := q.MarkFailure(ctx, job.ID, unavailable(), false)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, updated.Status)
	assert.Equal(t, []int64{21}, notifier.orderIDs)
}

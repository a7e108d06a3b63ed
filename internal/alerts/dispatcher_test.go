package alerts

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticResolver struct {
	buyer, seller int64
	err           error
}

func (r staticResolver) Participants(context.Context, int64) (int64, int64, error) {
	return r.buyer, r.seller, r.err
}

type recordingBroadcaster struct {
	mu            sync.Mutex
	alerts        []*Alert
	notifications []*Notification
}

func (b *recordingBroadcaster) PublishAlert(a *Alert) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alerts = append(b.alerts, a)
}

func (b *recordingBroadcaster) PublishNotification(n *Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifications = append(b.notifications, n)
}

// failingStore fails every notification write for one user.
type failingStore struct {
	*MemoryStore
	failUser int64
}

func (f *failingStore) CreateNotification(ctx context.Context, n *Notification) error {
	if n.UserID == f.failUser {
		return errors.New("insert failed")
	}
	return f.MemoryStore.CreateNotification(ctx, n)
}

func TestDispatcher_Alert(t *testing.T) {
	store := NewMemoryStore()
	b := &recordingBroadcaster{}
	d := NewDispatcher(store, nil, slog.Default()).WithBroadcaster(b)
	ctx := context.Background()

	a, err := d.Alert(ctx, SeverityCritical, "job failed", map[string]any{"retries": 5}, "call_1")
	require.NoError(t, err)
	assert.NotZero(t, a.ID)
	assert.Equal(t, "call_1", a.CallID)
	require.Len(t, b.alerts, 1)

	_, err = d.Alert(ctx, SeverityWarning, "last retry", nil, "call_1")
	require.NoError(t, err)

	_, err = d.Alert(ctx, Severity("loud"), "nope", nil, "")
	assert.ErrorIs(t, err, ErrInvalidSeverity)

	all, err := d.ListAlerts(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, SeverityWarning, all[0].Severity, "newest first")
	assert.NotNil(t, all[0].Metadata)

	crit, err := d.ListAlerts(ctx, SeverityCritical, 10)
	require.NoError(t, err)
	require.Len(t, crit, 1)
	assert.Equal(t, 5, crit[0].Metadata["retries"])
}

func TestDispatcher_ListAlertsClampsLimit(t *testing.T) {
	store := NewMemoryStore()
	d := NewDispatcher(store, nil, slog.Default())
	ctx := context.Background()
	for i := 0; i < MaxListLimit+10; i++ {
		_, err := d.Alert(ctx, SeverityInfo, "tick", nil, "")
		require.NoError(t, err)
	}

	list, err := d.ListAlerts(ctx, "", 10000)
	require.NoError(t, err)
	assert.Len(t, list, MaxListLimit)

	list, err = d.ListAlerts(ctx, "", -1)
	require.NoError(t, err)
	assert.Len(t, list, DefaultListLimit)
}

func TestDispatcher_NotifySettlement(t *testing.T) {
	store := NewMemoryStore()
	b := &recordingBroadcaster{}
	d := NewDispatcher(store, staticResolver{buyer: 10, seller: 20}, slog.Default()).WithBroadcaster(b)
	ctx := context.Background()

	require.NoError(t, d.NotifySettlement(ctx, 7, "Settlement for order 7 succeeded"))

	for _, user := range []int64{10, 20} {
		list, err := d.ListNotifications(ctx, user, 0)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, NotificationTypeSettlement, list[0].Type)
		assert.Equal(t, int64(7), list[0].RelatedID)
		assert.False(t, list[0].Read)
	}
	assert.Len(t, b.notifications, 2)
}

func TestDispatcher_NotifySettlementSameUser(t *testing.T) {
	store := NewMemoryStore()
	d := NewDispatcher(store, staticResolver{buyer: 10, seller: 10}, slog.Default())

	require.NoError(t, d.NotifySettlement(context.Background(), 1, "done"))
	list, err := d.ListNotifications(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDispatcher_NotifySettlementPartialFailure(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore(), failUser: 10}
	d := NewDispatcher(store, staticResolver{buyer: 10, seller: 20}, slog.Default())

	err := d.NotifySettlement(context.Background(), 3, "failed")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notify user 10")

	// The seller still gets notified.
	list, err := d.ListNotifications(context.Background(), 20, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDispatcher_NotifySettlementResolverError(t *testing.T) {
	d := NewDispatcher(NewMemoryStore(), staticResolver{err: errors.New("order gone")}, slog.Default())
	err := d.NotifySettlement(context.Background(), 3, "x")
	assert.ErrorContains(t, err, "order gone")
}

func TestDispatcher_NotifySettlementNoResolver(t *testing.T) {
	d := NewDispatcher(NewMemoryStore(), nil, slog.Default())
	assert.NoError(t, d.NotifySettlement(context.Background(), 3, "x"))
}

func TestDispatcher_MarkRead(t *testing.T) {
	store := NewMemoryStore()
	d := NewDispatcher(store, staticResolver{buyer: 10, seller: 20}, slog.Default())
	ctx := context.Background()
	require.NoError(t, d.NotifySettlement(ctx, 1, "done"))

	list, _ := d.ListNotifications(ctx, 10, 0)
	require.Len(t, list, 1)

	assert.ErrorIs(t, d.MarkRead(ctx, 20, list[0].ID), ErrNotificationNotFound, "other user's notification")
	require.NoError(t, d.MarkRead(ctx, 10, list[0].ID))

	list, _ = d.ListNotifications(ctx, 10, 0)
	assert.True(t, list[0].Read)
}

func TestParseSeverity(t *testing.T) {
	for _, s := range []string{"info", "warning", "critical"} {
		got, err := ParseSeverity(s)
		require.NoError(t, err)
		assert.Equal(t, Severity(s), got)
	}
	_, err := ParseSeverity("")
	assert.ErrorIs(t, err, ErrInvalidSeverity)
}

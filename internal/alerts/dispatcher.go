package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/settlement/internal/metrics"
)

// Dispatcher writes alerts and settlement notifications.
type Dispatcher struct {
	store       Store
	resolver    ParticipantResolver
	broadcaster Broadcaster
	logger      *slog.Logger
	now         func() time.Time
}

// NewDispatcher creates a dispatcher. resolver may be nil, in which case
// NotifySettlement is a no-op.
func NewDispatcher(store Store, resolver ParticipantResolver, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		resolver: resolver,
		logger:   logger,
		now:      time.Now,
	}
}

// WithBroadcaster attaches a realtime broadcaster.
func (d *Dispatcher) WithBroadcaster(b Broadcaster) *Dispatcher {
	d.broadcaster = b
	return d
}

// WithResolver sets the participant resolver after construction, for
// wiring cycles where the resolver is built later.
func (d *Dispatcher) WithResolver(r ParticipantResolver) *Dispatcher {
	d.resolver = r
	return d
}

// Alert appends an alert row.
func (d *Dispatcher) Alert(ctx context.Context, severity Severity, message string, metadata map[string]any, callID string) (*Alert, error) {
	if _, err := ParseSeverity(string(severity)); err != nil {
		return nil, err
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	a := &Alert{
		Severity:  severity,
		Message:   message,
		Metadata:  metadata,
		CallID:    callID,
		CreatedAt: d.now(),
	}
	if err := d.store.CreateAlert(ctx, a); err != nil {
		return nil, fmt.Errorf("write alert: %w", err)
	}
	metrics.AlertsTotal.WithLabelValues(string(severity)).Inc()

	level := slog.LevelInfo
	switch severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityCritical:
		level = slog.LevelError
	}
	d.logger.Log(ctx, level, "settlement alert", "severity", severity, "message", message, "callId", callID)

	if d.broadcaster != nil {
		d.broadcaster.PublishAlert(a)
	}
	return a, nil
}

// ListAlerts returns the newest alerts, optionally filtered by severity.
func (d *Dispatcher) ListAlerts(ctx context.Context, severity Severity, limit int) ([]*Alert, error) {
	return d.store.ListAlerts(ctx, severity, clampLimit(limit))
}

// NotifySettlement writes content to the buyer and the seller of an order.
// It tries every participant; the returned error joins the individual
// failures and callers are expected to log it, not fail on it.
func (d *Dispatcher) NotifySettlement(ctx context.Context, orderID int64, content string) error {
	if d.resolver == nil {
		return nil
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	buyerID, sellerID, err := d.resolver.Participants(ctx, orderID)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("resolve participants for order %d: %w", orderID, err)
	}

	var errs []error
	for _, userID := range participants(buyerID, sellerID) {
		n := &Notification{
			UserID:    userID,
			Content:   content,
			Type:      NotificationTypeSettlement,
			RelatedID: orderID,
			CreatedAt: d.now(),
		}
		if err := d.store.CreateNotification(ctx, n); err != nil {
			metrics.NotificationsTotal.WithLabelValues("failed").Inc()
			errs = append(errs, fmt.Errorf("notify user %d: %w", userID, err))
			continue
		}
		metrics.NotificationsTotal.WithLabelValues("sent").Inc()
		if d.broadcaster != nil {
			d.broadcaster.PublishNotification(n)
		}
	}
	return errors.Join(errs...)
}

// ListNotifications returns a user's newest notifications.
func (d *Dispatcher) ListNotifications(ctx context.Context, userID int64, limit int) ([]*Notification, error) {
	return d.store.ListNotifications(ctx, userID, clampLimit(limit))
}

// MarkRead marks one of the user's notifications as read.
func (d *Dispatcher) MarkRead(ctx context.Context, userID, id int64) error {
	return d.store.MarkRead(ctx, userID, id)
}

// participants drops unknown (zero) IDs and deduplicates.
func participants(buyerID, sellerID int64) []int64 {
	var ids []int64
	if buyerID > 0 {
		ids = append(ids, buyerID)
	}
	if sellerID > 0 && sellerID != buyerID {
		ids = append(ids, sellerID)
	}
	return ids
}

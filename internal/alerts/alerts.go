// Package alerts records operator alerts and participant notifications for
// settlement activity. Both are append-only rows; notifications can only be
// marked read.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotificationNotFound = errors.New("notification not found")
	ErrInvalidSeverity      = errors.New("invalid alert severity")
)

// Severity ranks alerts.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ParseSeverity validates a severity string. Empty is rejected.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return Severity(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSeverity, s)
}

// NotificationTypeSettlement tags notifications written by NotifySettlement.
const NotificationTypeSettlement = "settlement"

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Alert is one operator-facing alert.
type Alert struct {
	ID        int64          `json:"id"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata"`
	CallID    string         `json:"callId,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Notification is one message to a marketplace user.
type Notification struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"userId"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	RelatedID int64     `json:"relatedId"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists alerts and notifications.
type Store interface {
	CreateAlert(ctx context.Context, a *Alert) error
	ListAlerts(ctx context.Context, severity Severity, limit int) ([]*Alert, error)
	CreateNotification(ctx context.Context, n *Notification) error
	ListNotifications(ctx context.Context, userID int64, limit int) ([]*Notification, error)
	MarkRead(ctx context.Context, userID, id int64) error
}

// ParticipantResolver maps an order to its buyer and seller user IDs.
type ParticipantResolver interface {
	Participants(ctx context.Context, orderID int64) (buyerID, sellerID int64, err error)
}

// Broadcaster pushes new alerts and notifications to live subscribers.
type Broadcaster interface {
	PublishAlert(a *Alert)
	PublishNotification(n *Notification)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

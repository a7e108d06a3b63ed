package alerts

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	alerts        []*Alert
	notifications []*Notification
	nextAlertID   int64
	nextNotifID   int64
}

// NewMemoryStore creates a new in-memory alert store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) CreateAlert(_ context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextAlertID++
	a.ID = m.nextAlertID
	cp := *a
	cp.Metadata = copyMeta(a.Metadata)
	m.alerts = append(m.alerts, &cp)
	return nil
}

func (m *MemoryStore) ListAlerts(_ context.Context, severity Severity, limit int) ([]*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Alert
	for i := len(m.alerts) - 1; i >= 0 && len(result) < limit; i-- {
		a := m.alerts[i]
		if severity != "" && a.Severity != severity {
			continue
		}
		cp := *a
		cp.Metadata = copyMeta(a.Metadata)
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) CreateNotification(_ context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextNotifID++
	n.ID = m.nextNotifID
	cp := *n
	m.notifications = append(m.notifications, &cp)
	return nil
}

func (m *MemoryStore) ListNotifications(_ context.Context, userID int64, limit int) ([]*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Notification
	for i := len(m.notifications) - 1; i >= 0 && len(result) < limit; i-- {
		n := m.notifications[i]
		if n.UserID != userID {
			continue
		}
		cp := *n
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) MarkRead(_ context.Context, userID, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, n := range m.notifications {
		if n.ID == id && n.UserID == userID {
			n.Read = true
			return nil
		}
	}
	return ErrNotificationNotFound
}

func copyMeta(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	cp := make(map[string]any, len(meta))
	for k, v := range meta {
		cp[k] = v
	}
	return cp
}

var _ Store = (*MemoryStore)(nil)

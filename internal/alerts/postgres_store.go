package alerts

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore persists alerts and notifications in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed alert store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateAlert(ctx context.Context, a *Alert) error {
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("marshal alert metadata: %w", err)
	}
	return p.db.QueryRowContext(ctx, `
		INSERT INTO settlement_alerts (severity, message, metadata, call_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		string(a.Severity), a.Message, meta, nullString(a.CallID), a.CreatedAt,
	).Scan(&a.ID)
}

func (p *PostgresStore) ListAlerts(ctx context.Context, severity Severity, limit int) ([]*Alert, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, severity, message, metadata, call_id, created_at
		FROM settlement_alerts
		WHERE ($1 = '' OR severity = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, string(severity), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Alert
	for rows.Next() {
		a := &Alert{}
		var (
			severity string
			meta     []byte
			callID   sql.NullString
		)
		if err := rows.Scan(&a.ID, &severity, &a.Message, &meta, &callID, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Severity = Severity(severity)
		a.CallID = callID.String
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &a.Metadata)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (p *PostgresStore) CreateNotification(ctx context.Context, n *Notification) error {
	return p.db.QueryRowContext(ctx, `
		INSERT INTO notifications (user_id, content, type, related_id, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		n.UserID, n.Content, n.Type, n.RelatedID, n.Read, n.CreatedAt,
	).Scan(&n.ID)
}

func (p *PostgresStore) ListNotifications(ctx context.Context, userID int64, limit int) ([]*Notification, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, content, type, related_id, is_read, created_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Notification
	for rows.Next() {
		n := &Notification{}
		var relatedID sql.NullInt64
		if err := rows.Scan(&n.ID, &n.UserID, &n.Content, &n.Type, &relatedID, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.RelatedID = relatedID.Int64
		result = append(result, n)
	}
	return result, rows.Err()
}

func (p *PostgresStore) MarkRead(ctx context.Context, userID, id int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE notifications SET is_read = TRUE
		WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

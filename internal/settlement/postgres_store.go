package settlement

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists jobs in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed job store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const jobColumns = `id, method, caller_address, payload, status, retries, max_retries,
		       last_error, last_response, next_run_at, order_id, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, j *Job) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO contract_call_jobs (
			id, method, caller_address, payload, status, retries, max_retries,
			last_error, last_response, next_run_at, order_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		j.ID, j.Method, j.CallerAddress, []byte(j.Payload), string(j.Status), j.Retries, j.MaxRetries,
		nullString(j.LastError), nullJSON(j.LastResponse), nullTime(j.NextRunAt), nullInt64(j.OrderID),
		j.CreatedAt, j.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM contract_call_jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return j, err
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Job, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, strings.ReplaceAll(cond, "?", "$"+strconv.Itoa(len(args))))
	}
	if f.Status != "" {
		add("status = ?", string(f.Status))
	}
	if f.Caller != "" {
		add("caller_address = ?", strings.ToLower(f.Caller))
	}
	if f.OrderID != 0 {
		add("order_id = ?", f.OrderID)
	}
	if f.Before != nil {
		args = append(args, f.Before.CreatedAt, f.Before.ID)
		where = append(where, "(created_at, id) < ($"+strconv.Itoa(len(args)-1)+", $"+strconv.Itoa(len(args))+")")
	}

	query := `SELECT ` + jobColumns + ` FROM contract_call_jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanJobs(rows)
}

func (p *PostgresStore) LinkOrder(ctx context.Context, id string, orderID int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE contract_call_jobs SET order_id = $1, updated_at = NOW()
		WHERE id = $2`, orderID, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Claim is a single conditional UPDATE; Postgres row locking makes exactly
// one of any number of concurrent claimers see RowsAffected == 1.
func (p *PostgresStore) Claim(ctx context.Context, id string) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE contract_call_jobs SET status = 'PROCESSING', updated_at = NOW()
		WHERE id = $1 AND status IN ('PENDING', 'QUEUED')`, id)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (p *PostgresStore) Finish(ctx context.Context, j *Job) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE contract_call_jobs SET
			status = $1, retries = $2, last_error = $3, last_response = $4,
			next_run_at = $5, updated_at = $6
		WHERE id = $7 AND status = 'PROCESSING'`,
		string(j.Status), j.Retries, nullString(j.LastError), nullJSON(j.LastResponse),
		nullTime(j.NextRunAt), j.UpdatedAt, j.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, j.ID); err != nil {
			return err
		}
		return ErrNotProcessing
	}
	return nil
}

func (p *PostgresStore) ListEligible(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM contract_call_jobs
		WHERE status = ANY($1)
		  AND retries < max_retries
		  AND (next_run_at IS NULL OR next_run_at <= $2)
		ORDER BY created_at ASC, id ASC
		LIMIT $3`,
		pq.Array([]string{string(StatusPending), string(StatusQueued)}), now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanJobs(rows)
}

func (p *PostgresStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM contract_call_jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[Status]int, len(Statuses))
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

func (p *PostgresStore) ListStale(ctx context.Context, before time.Time, limit int) ([]*Job, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM contract_call_jobs
		WHERE status = 'PROCESSING' AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanJobs(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (*Job, error) {
	j := &Job{}
	var (
		status       string
		payload      []byte
		lastError    sql.NullString
		lastResponse []byte
		nextRunAt    sql.NullTime
		orderID      sql.NullInt64
	)
	err := sc.Scan(
		&j.ID, &j.Method, &j.CallerAddress, &payload, &status, &j.Retries, &j.MaxRetries,
		&lastError, &lastResponse, &nextRunAt, &orderID, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Status = Status(status)
	j.Payload = payload
	j.LastError = lastError.String
	if len(lastResponse) > 0 {
		j.LastResponse = lastResponse
	}
	if nextRunAt.Valid {
		j.NextRunAt = &nextRunAt.Time
	}
	if orderID.Valid {
		j.OrderID = &orderID.Int64
	}
	return j, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var result []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, j)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// nullJSON maps an empty document to NULL so JSONB columns stay valid.
func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

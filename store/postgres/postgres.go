// Package postgres provides a PostgreSQL-backed editqueue.Repository.
//
// Usage counters are updated with a single INSERT ... ON CONFLICT statement,
// so concurrent increments for the same user never lose updates and the
// monthly rollover happens inside the same statement.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/editqueue"
)

// Store is a PostgreSQL-backed Repository.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
	freeLimit   int64
	now         func() time.Time
}

var _ editqueue.Repository = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "editqueue_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// WithFreeLimit sets the monthly free allowance (default 1000).
func WithFreeLimit(n int64) Option {
	return func(s *Store) { s.freeLimit = n }
}

// WithClock overrides the time source used for month keys and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a new PostgreSQL-backed store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "editqueue_",
		freeLimit:   editqueue.DefaultMonthlyFreeLimit,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) editsTable() string { return s.tablePrefix + "edits" }
func (s *Store) usageTable() string { return s.tablePrefix + "usage" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			input_image_url TEXT NOT NULL,
			prompt TEXT NOT NULL,
			ai_model TEXT NOT NULL,
			quality TEXT NOT NULL,
			status TEXT NOT NULL,
			output_image_url TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			cost BIGINT NOT NULL DEFAULT 0,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS %[1]s_user_created_idx ON %[1]s (user_id, created_at DESC);
		CREATE TABLE IF NOT EXISTS %[2]s (
			user_id TEXT PRIMARY KEY,
			month TEXT NOT NULL,
			free_requests BIGINT NOT NULL DEFAULT 0,
			paid_requests BIGINT NOT NULL DEFAULT 0,
			total_cost BIGINT NOT NULL DEFAULT 0,
			last_reset TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
	`, s.editsTable(), s.usageTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("editqueue/postgres: ensure schema: %w", err)
	}
	return nil
}

const editColumns = `id, user_id, input_image_url, prompt, ai_model, quality, status,
	output_image_url, error_message, cost, metadata, created_at, completed_at`

// CreateEdit inserts a new queued edit.
func (s *Store) CreateEdit(ctx context.Context, e editqueue.EditRequest) (editqueue.EditRequest, error) {
	e, err := editqueue.PrepareEdit(e, s.now())
	if err != nil {
		return editqueue.EditRequest{}, err
	}

	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (id) DO NOTHING`, s.editsTable(), editColumns),
		e.ID, e.UserID, e.InputImageURL, e.Prompt, e.Model, string(e.Quality), string(e.Status),
		e.OutputImageURL, e.ErrorMessage, e.Cost, e.Metadata, e.CreatedAt, e.CompletedAt,
	)
	if err != nil {
		return editqueue.EditRequest{}, fmt.Errorf("editqueue/postgres: create edit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return editqueue.EditRequest{}, fmt.Errorf("%w: duplicate id %q", editqueue.ErrInvalidEditID, e.ID)
	}
	return e, nil
}

// GetEdit loads one edit.
func (s *Store) GetEdit(ctx context.Context, id string) (editqueue.EditRequest, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, editColumns, s.editsTable()), id)
	e, err := scanEdit(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return editqueue.EditRequest{}, fmt.Errorf("%w: %s", editqueue.ErrEditNotFound, id)
	}
	if err != nil {
		return editqueue.EditRequest{}, fmt.Errorf("editqueue/postgres: get edit: %w", err)
	}
	return e, nil
}

// UpdateEdit applies a partial update in one statement.
func (s *Store) UpdateEdit(ctx context.Context, id string, u editqueue.EditUpdate) error {
	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if u.Status != nil {
		add("status", string(*u.Status))
	}
	if u.OutputImageURL != nil {
		add("output_image_url", *u.OutputImageURL)
	}
	if u.ErrorMessage != nil {
		add("error_message", *u.ErrorMessage)
	}
	if u.Cost != nil {
		add("cost", *u.Cost)
	}
	if u.Metadata != nil {
		add("metadata", *u.Metadata)
	}
	if u.CompletedAt != nil {
		add("completed_at", u.CompletedAt.UTC())
	}
	if len(sets) == 0 {
		// Nothing to change; still report a missing edit.
		_, err := s.GetEdit(ctx, id)
		return err
	}

	args = append(args, id)
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET %s WHERE id = $%d`, s.editsTable(), strings.Join(sets, ", "), len(args)),
		args...,
	)
	if err != nil {
		return fmt.Errorf("editqueue/postgres: update edit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", editqueue.ErrEditNotFound, id)
	}
	return nil
}

// ListUserEdits returns the user's edits, newest first.
func (s *Store) ListUserEdits(ctx context.Context, userID string, limit int) ([]editqueue.EditRequest, error) {
	if limit <= 0 {
		limit = editqueue.DefaultListLimit
	}
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
			editColumns, s.editsTable()),
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("editqueue/postgres: list edits: %w", err)
	}
	defer rows.Close()

	out := make([]editqueue.EditRequest, 0)
	for rows.Next() {
		e, err := scanEdit(rows)
		if err != nil {
			return nil, fmt.Errorf("editqueue/postgres: scan edit: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("editqueue/postgres: list edits: %w", err)
	}
	return out, nil
}

func scanEdit(row pgx.Row) (editqueue.EditRequest, error) {
	var (
		e       editqueue.EditRequest
		quality string
		status  string
	)
	err := row.Scan(&e.ID, &e.UserID, &e.InputImageURL, &e.Prompt, &e.Model, &quality, &status,
		&e.OutputImageURL, &e.ErrorMessage, &e.Cost, &e.Metadata, &e.CreatedAt, &e.CompletedAt)
	if err != nil {
		return editqueue.EditRequest{}, err
	}
	e.Quality = editqueue.Quality(quality)
	e.Status = editqueue.Status(status)
	return e, nil
}

// Quota returns the user's free allowance. A stale month reads as zero (read-only).
func (s *Store) Quota(ctx context.Context, userID string) (editqueue.Quota, error) {
	u, err := s.Usage(ctx, userID)
	if err != nil {
		return editqueue.Quota{}, err
	}
	return editqueue.NewQuota(u.FreeRequests, s.freeLimit), nil
}

// IncrementUsage adds one request and cost to the current month atomically.
func (s *Store) IncrementUsage(ctx context.Context, userID string, free bool, cost int64) error {
	now := s.now().UTC()
	var freeInc, paidInc int64
	if free {
		freeInc = 1
	} else {
		paidInc = 1
	}

	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s AS u (user_id, month, free_requests, paid_requests, total_cost, last_reset, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $6)
			ON CONFLICT (user_id) DO UPDATE SET
				free_requests = CASE WHEN u.month = EXCLUDED.month THEN u.free_requests + EXCLUDED.free_requests ELSE EXCLUDED.free_requests END,
				paid_requests = CASE WHEN u.month = EXCLUDED.month THEN u.paid_requests + EXCLUDED.paid_requests ELSE EXCLUDED.paid_requests END,
				total_cost = CASE WHEN u.month = EXCLUDED.month THEN u.total_cost + EXCLUDED.total_cost ELSE EXCLUDED.total_cost END,
				last_reset = CASE WHEN u.month = EXCLUDED.month THEN u.last_reset ELSE EXCLUDED.last_reset END,
				month = EXCLUDED.month,
				updated_at = EXCLUDED.updated_at`,
			s.usageTable()),
		userID, editqueue.MonthOf(now), freeInc, paidInc, cost, now,
	)
	if err != nil {
		return fmt.Errorf("editqueue/postgres: increment usage: %w", err)
	}
	return nil
}

// Usage returns the user's current-month row.
func (s *Store) Usage(ctx context.Context, userID string) (editqueue.Usage, error) {
	month := editqueue.MonthOf(s.now())
	u := editqueue.Usage{UserID: userID}

	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT month, free_requests, paid_requests, total_cost, last_reset, updated_at
			FROM %s WHERE user_id = $1`, s.usageTable()),
		userID,
	).Scan(&u.Month, &u.FreeRequests, &u.PaidRequests, &u.TotalCost, &u.LastReset, &u.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return editqueue.Usage{UserID: userID, Month: month}, nil
	}
	if err != nil {
		return editqueue.Usage{}, fmt.Errorf("editqueue/postgres: usage: %w", err)
	}
	if u.Month != month {
		return editqueue.Usage{UserID: userID, Month: month}, nil
	}
	return u, nil
}

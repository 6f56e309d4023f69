// Package gormstore provides a gorm-backed editqueue.Repository that runs on
// SQLite (pure Go driver) or PostgreSQL.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"github.com/ineyio/editqueue"
)

// Dialect identifiers supported by Open.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// Store is a gorm-backed Repository.
type Store struct {
	db         *gorm.DB
	freeLimit  int64
	now        func() time.Time
	usageTable string
}

var _ editqueue.Repository = (*Store)(nil)

// Option configures Store.
type Option func(*options)

type options struct {
	tablePrefix string
	freeLimit   int64
	now         func() time.Time
	logLevel    logger.LogLevel
}

// WithTablePrefix sets the table name prefix used by Open.
func WithTablePrefix(prefix string) Option {
	return func(o *options) { o.tablePrefix = prefix }
}

// WithFreeLimit sets the monthly free allowance (default 1000).
func WithFreeLimit(n int64) Option {
	return func(o *options) { o.freeLimit = n }
}

// WithClock overrides the time source used for month keys and timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogLevel sets the gorm logger level used by Open (default Warn).
func WithLogLevel(level logger.LogLevel) Option {
	return func(o *options) { o.logLevel = level }
}

func buildOptions(opts []Option) *options {
	o := &options{
		freeLimit: editqueue.DefaultMonthlyFreeLimit,
		now:       time.Now,
		logLevel:  logger.Warn,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Open connects to dsn, migrates the schema and returns a Store.
// postgres:// URLs and key=value DSNs select PostgreSQL; file paths, file: and
// sqlite:// DSNs select SQLite.
func Open(dsn string, opts ...Option) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("editqueue/gormstore: empty dsn")
	}
	dialect, err := DetectDialect(trimmed)
	if err != nil {
		return nil, err
	}

	o := buildOptions(opts)
	cfg := &gorm.Config{
		Logger: logger.New(log.New(os.Stderr, "\r\n", log.LstdFlags), logger.Config{
			LogLevel:                  o.logLevel,
			IgnoreRecordNotFoundError: true,
		}),
		NamingStrategy: schema.NamingStrategy{
			TablePrefix: o.tablePrefix,
		},
	}

	var conn *gorm.DB
	switch dialect {
	case DialectPostgres:
		conn, err = gorm.Open(postgres.Open(trimmed), cfg)
	default:
		conn, err = gorm.Open(sqlite.Open(normalizeSQLiteDSN(trimmed)), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("editqueue/gormstore: open: %w", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("editqueue/gormstore: sql db: %w", err)
	}
	if dialect == DialectSQLite {
		// One writer; also keeps a :memory: database on a single connection.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(25)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	s, err := New(conn, opts...)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	if err := s.Migrate(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection. Table names follow the connection's naming strategy.
func New(db *gorm.DB, opts ...Option) (*Store, error) {
	o := buildOptions(opts)

	stmt := &gorm.Statement{DB: db}
	if err := stmt.Parse(&UserAIUsage{}); err != nil {
		return nil, fmt.Errorf("editqueue/gormstore: parse schema: %w", err)
	}

	return &Store{
		db:         db,
		freeLimit:  o.freeLimit,
		now:        o.now,
		usageTable: stmt.Schema.Table,
	}, nil
}

// Migrate creates or updates the tables.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&AIEditRequest{}, &UserAIUsage{}); err != nil {
		return fmt.Errorf("editqueue/gormstore: migrate: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DetectDialect infers the dialect from a DSN string.
func DetectDialect(dsn string) (string, error) {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	switch {
	case strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://"):
		return DialectPostgres, nil
	case strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") || strings.Contains(lower, "sslmode="):
		return DialectPostgres, nil
	case strings.HasPrefix(lower, "file:"),
		strings.HasPrefix(lower, "sqlite://"),
		strings.HasPrefix(lower, "sqlite3://"),
		!strings.Contains(lower, "://"):
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("editqueue/gormstore: unsupported dsn: %s", dsn)
	}
}

// normalizeSQLiteDSN converts sqlite URLs into file-based DSNs.
func normalizeSQLiteDSN(dsn string) string {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "sqlite3://") || strings.HasPrefix(lower, "sqlite://") {
		parts := strings.SplitN(dsn, "://", 2)
		if len(parts) == 2 {
			return "file:" + parts[1]
		}
	}
	return dsn
}

// CreateEdit inserts a new queued edit.
func (s *Store) CreateEdit(ctx context.Context, e editqueue.EditRequest) (editqueue.EditRequest, error) {
	e, err := editqueue.PrepareEdit(e, s.now())
	if err != nil {
		return editqueue.EditRequest{}, err
	}
	row, err := toRow(e)
	if err != nil {
		return editqueue.EditRequest{}, err
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return editqueue.EditRequest{}, fmt.Errorf("editqueue/gormstore: create edit: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return editqueue.EditRequest{}, fmt.Errorf("%w: duplicate id %q", editqueue.ErrInvalidEditID, e.ID)
	}
	return e, nil
}

// GetEdit loads one edit.
func (s *Store) GetEdit(ctx context.Context, id string) (editqueue.EditRequest, error) {
	var row AIEditRequest
	err := s.db.WithContext(ctx).Take(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return editqueue.EditRequest{}, fmt.Errorf("%w: %s", editqueue.ErrEditNotFound, id)
	}
	if err != nil {
		return editqueue.EditRequest{}, fmt.Errorf("editqueue/gormstore: get edit: %w", err)
	}
	return row.toEdit()
}

// UpdateEdit applies a partial update in one statement.
func (s *Store) UpdateEdit(ctx context.Context, id string, u editqueue.EditUpdate) error {
	changes := map[string]any{}
	if u.Status != nil {
		changes["status"] = string(*u.Status)
	}
	if u.OutputImageURL != nil {
		changes["output_image_url"] = *u.OutputImageURL
	}
	if u.ErrorMessage != nil {
		changes["error_message"] = *u.ErrorMessage
	}
	if u.Cost != nil {
		changes["cost"] = *u.Cost
	}
	if u.Metadata != nil {
		row, err := toRow(editqueue.EditRequest{Metadata: *u.Metadata})
		if err != nil {
			return err
		}
		changes["metadata"] = row.Metadata
	}
	if u.CompletedAt != nil {
		changes["completed_at"] = u.CompletedAt.UTC()
	}
	if len(changes) == 0 {
		_, err := s.GetEdit(ctx, id)
		return err
	}

	res := s.db.WithContext(ctx).Model(&AIEditRequest{}).Where("id = ?", id).Updates(changes)
	if res.Error != nil {
		return fmt.Errorf("editqueue/gormstore: update edit: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", editqueue.ErrEditNotFound, id)
	}
	return nil
}

// ListUserEdits returns the user's edits, newest first.
func (s *Store) ListUserEdits(ctx context.Context, userID string, limit int) ([]editqueue.EditRequest, error) {
	if limit <= 0 {
		limit = editqueue.DefaultListLimit
	}
	var rows []AIEditRequest
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("editqueue/gormstore: list edits: %w", err)
	}

	out := make([]editqueue.EditRequest, 0, len(rows))
	for _, r := range rows {
		e, err := r.toEdit()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Quota returns the user's free allowance. A stale month reads as zero (read-only).
func (s *Store) Quota(ctx context.Context, userID string) (editqueue.Quota, error) {
	u, err := s.Usage(ctx, userID)
	if err != nil {
		return editqueue.Quota{}, err
	}
	return editqueue.NewQuota(u.FreeRequests, s.freeLimit), nil
}

// IncrementUsage adds one request and cost to the current month in one upsert.
func (s *Store) IncrementUsage(ctx context.Context, userID string, free bool, cost int64) error {
	now := s.now().UTC()
	row := UserAIUsage{
		UserID:    userID,
		Month:     editqueue.MonthOf(now),
		TotalCost: cost,
		LastReset: now,
		UpdatedAt: now,
	}
	if free {
		row.FreeRequests = 1
	} else {
		row.PaidRequests = 1
	}

	sameMonth := fmt.Sprintf("%s.month = excluded.month", s.usageTable)
	accumulate := func(col string) clause.Assignment {
		return clause.Assignment{
			Column: clause.Column{Name: col},
			Value: gorm.Expr(fmt.Sprintf("CASE WHEN %s THEN %s.%s + excluded.%s ELSE excluded.%s END",
				sameMonth, s.usageTable, col, col, col)),
		}
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Set{
			accumulate("free_requests"),
			accumulate("paid_requests"),
			accumulate("total_cost"),
			{
				Column: clause.Column{Name: "last_reset"},
				Value: gorm.Expr(fmt.Sprintf("CASE WHEN %s THEN %s.last_reset ELSE excluded.last_reset END",
					sameMonth, s.usageTable)),
			},
			{Column: clause.Column{Name: "month"}, Value: gorm.Expr("excluded.month")},
			{Column: clause.Column{Name: "updated_at"}, Value: gorm.Expr("excluded.updated_at")},
		},
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("editqueue/gormstore: increment usage: %w", err)
	}
	return nil
}

// Usage returns the user's current-month row.
func (s *Store) Usage(ctx context.Context, userID string) (editqueue.Usage, error) {
	month := editqueue.MonthOf(s.now())

	var row UserAIUsage
	err := s.db.WithContext(ctx).Take(&row, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return editqueue.Usage{UserID: userID, Month: month}, nil
	}
	if err != nil {
		return editqueue.Usage{}, fmt.Errorf("editqueue/gormstore: usage: %w", err)
	}
	if row.Month != month {
		return editqueue.Usage{UserID: userID, Month: month}, nil
	}
	return row.toUsage(), nil
}

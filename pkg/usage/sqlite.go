package usage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// PeriodTotals is the durable usage record for one (scope, identifier,
// period) tuple. Counter values are absolute period totals, not deltas.
type PeriodTotals struct {
	Scope      string
	Identifier string
	PeriodType string
	PeriodKey  string
	Tokens     int64
	CostMicros int64
	Requests   int64
	UpdatedAt  time.Time
	CreatedAt  time.Time
}

// SQLiteStore persists period totals in SQLite. It uses a write-ahead log
// with periodic passive checkpoints and a single writer connection, which is
// all SQLite supports anyway.
type SQLiteStore struct {
	db                 *sql.DB
	checkpointInterval time.Duration
	done               chan struct{}
	mu                 sync.RWMutex
	closeOnce          sync.Once

	upsertStmt      *sql.Stmt
	totalsStmt      *sql.Stmt
	identifiersStmt *sql.Stmt
	periodsStmt     *sql.Stmt
	cleanupStmt     *sql.Stmt
}

// SQLiteConfig configures the SQLite store.
type SQLiteConfig struct {
	// Path is the path to the database file.
	Path string

	// CheckpointInterval is how often to checkpoint the WAL.
	// Default: 5 minutes
	CheckpointInterval time.Duration

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// NewSQLiteStore creates a SQLite store at path with default settings.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithConfig(SQLiteConfig{Path: path})
}

// NewSQLiteStoreWithConfig creates a SQLite store with custom configuration.
func NewSQLiteStoreWithConfig(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL",
		cfg.Path, int(cfg.BusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &SQLiteStore{
		db:                 db,
		checkpointInterval: cfg.CheckpointInterval,
		done:               make(chan struct{}),
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	go store.checkpointLoop()

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_periods (
		scope TEXT NOT NULL,
		identifier TEXT NOT NULL,
		period_type TEXT NOT NULL,
		period_key TEXT NOT NULL,
		tokens INTEGER NOT NULL DEFAULT 0,
		cost_micros INTEGER NOT NULL DEFAULT 0,
		requests INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (scope, identifier, period_type, period_key)
	);

	CREATE INDEX IF NOT EXISTS idx_usage_period ON usage_periods(scope, period_type, period_key);
	CREATE INDEX IF NOT EXISTS idx_usage_updated ON usage_periods(updated_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) prepareStatements() error {
	var err error

	// Totals only ever grow within a period, so MAX on conflict makes the
	// upsert idempotent and safe against out-of-order async commits.
	s.upsertStmt, err = s.db.Prepare(`
		INSERT INTO usage_periods (scope, identifier, period_type, period_key, tokens, cost_micros, requests, updated_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (scope, identifier, period_type, period_key) DO UPDATE SET
			tokens = MAX(tokens, excluded.tokens),
			cost_micros = MAX(cost_micros, excluded.cost_micros),
			requests = MAX(requests, excluded.requests),
			updated_at = MAX(updated_at, excluded.updated_at)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert statement: %w", err)
	}

	s.totalsStmt, err = s.db.Prepare(`
		SELECT tokens, cost_micros, requests, updated_at, created_at
		FROM usage_periods
		WHERE scope = ? AND identifier = ? AND period_type = ? AND period_key = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare totals statement: %w", err)
	}

	s.identifiersStmt, err = s.db.Prepare(`
		SELECT DISTINCT identifier
		FROM usage_periods
		WHERE scope = ? AND period_type = ? AND period_key = ?
		ORDER BY identifier
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare identifiers statement: %w", err)
	}

	s.periodsStmt, err = s.db.Prepare(`
		SELECT period_type, period_key, tokens, cost_micros, requests, updated_at, created_at
		FROM usage_periods
		WHERE scope = ? AND identifier = ?
		ORDER BY period_type, period_key
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare periods statement: %w", err)
	}

	s.cleanupStmt, err = s.db.Prepare(`
		DELETE FROM usage_periods
		WHERE updated_at < ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare cleanup statement: %w", err)
	}

	return nil
}

// RecordTotals folds an absolute totals snapshot into the period row.
// Replaying a snapshot, or applying snapshots out of order, never moves a
// counter backwards.
func (s *SQLiteStore) RecordTotals(ctx context.Context, t PeriodTotals) error {
	if t.Scope == "" || t.Identifier == "" {
		return fmt.Errorf("scope and identifier cannot be empty")
	}
	if t.PeriodType == "" || t.PeriodKey == "" {
		return fmt.Errorf("period type and key cannot be empty")
	}

	now := time.Now()
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.upsertStmt.ExecContext(ctx,
		t.Scope, t.Identifier, t.PeriodType, t.PeriodKey,
		t.Tokens, t.CostMicros, t.Requests,
		t.UpdatedAt.Unix(), t.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to record totals: %w", err)
	}
	return nil
}

// Totals returns the stored totals for one period, or nil when the period has
// no recorded usage.
func (s *SQLiteStore) Totals(ctx context.Context, scope, identifier, periodType, periodKey string) (*PeriodTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := &PeriodTotals{
		Scope:      scope,
		Identifier: identifier,
		PeriodType: periodType,
		PeriodKey:  periodKey,
	}
	var updatedAt, createdAt int64

	err := s.totalsStmt.QueryRowContext(ctx, scope, identifier, periodType, periodKey).Scan(
		&t.Tokens, &t.CostMicros, &t.Requests, &updatedAt, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load totals: %w", err)
	}

	t.UpdatedAt = time.Unix(updatedAt, 0)
	t.CreatedAt = time.Unix(createdAt, 0)
	return t, nil
}

// ListIdentifiers returns every identifier with recorded usage in the given
// period. The reset scheduler enumerates its targets from here.
func (s *SQLiteStore) ListIdentifiers(ctx context.Context, scope, periodType, periodKey string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.identifiersStmt.QueryContext(ctx, scope, periodType, periodKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list identifiers: %w", err)
	}
	defer rows.Close()

	var identifiers []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		identifiers = append(identifiers, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return identifiers, nil
}

// ListPeriods returns every recorded period for one identifier.
func (s *SQLiteStore) ListPeriods(ctx context.Context, scope, identifier string) ([]*PeriodTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.periodsStmt.QueryContext(ctx, scope, identifier)
	if err != nil {
		return nil, fmt.Errorf("failed to list periods: %w", err)
	}
	defer rows.Close()

	var totals []*PeriodTotals
	for rows.Next() {
		t := &PeriodTotals{Scope: scope, Identifier: identifier}
		var updatedAt, createdAt int64
		if err := rows.Scan(&t.PeriodType, &t.PeriodKey, &t.Tokens, &t.CostMicros, &t.Requests, &updatedAt, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		t.UpdatedAt = time.Unix(updatedAt, 0)
		t.CreatedAt = time.Unix(createdAt, 0)
		totals = append(totals, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return totals, nil
}

// Cleanup removes periods last updated before the given time. Returns the
// number of rows removed.
func (s *SQLiteStore) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.cleanupStmt.ExecContext(ctx, olderThan.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(deleted), nil
}

// Close releases database resources. Close is idempotent.
func (s *SQLiteStore) Close() error {
	var closeErr error

	s.closeOnce.Do(func() {
		close(s.done)

		for _, stmt := range []*sql.Stmt{s.upsertStmt, s.totalsStmt, s.identifiersStmt, s.periodsStmt, s.cleanupStmt} {
			if stmt != nil {
				stmt.Close()
			}
		}

		if s.db != nil {
			_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
			closeErr = s.db.Close()
		}
	})

	return closeErr
}

func (s *SQLiteStore) checkpointLoop() {
	ticker := time.NewTicker(s.checkpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = s.db.Exec("PRAGMA wal_checkpoint(PASSIVE)")
		case <-s.done:
			return
		}
	}
}

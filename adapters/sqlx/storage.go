package sqlx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	libsqlx "github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"eliteheat/core"
)

// Driver names accepted by New.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Config holds SQL connection configuration.
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// MaxRetries bounds transaction attempts on serialization failures and deadlocks.
	MaxRetries  int
	AutoMigrate bool
}

// DefaultConfig returns local-development defaults for the given driver.
func DefaultConfig(driver string) Config {
	cfg := Config{
		Driver:          driver,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		MaxRetries:      5,
		AutoMigrate:     true,
	}
	switch driver {
	case DriverMySQL:
		mc := mysql.NewConfig()
		mc.User = "eliteheat"
		mc.Net = "tcp"
		mc.Addr = "localhost:3306"
		mc.DBName = "eliteheat"
		mc.ParseTime = true
		cfg.DSN = mc.FormatDSN()
	default:
		cfg.Driver = DriverPostgres
		cfg.DSN = "postgres://eliteheat@localhost:5432/eliteheat?sslmode=disable"
	}
	return cfg
}

// Store implements engine.Storage and engine.Directory on PostgreSQL or MySQL.
// Each update runs in one transaction that locks the subject's score row with
// SELECT ... FOR UPDATE and inserts the log entry before commit.
type Store struct {
	db         *libsqlx.DB
	driver     string
	maxRetries int
}

// New opens a connection pool and optionally applies the schema.
func New(cfg Config) (*Store, error) {
	if cfg.Driver != DriverPostgres && cfg.Driver != DriverMySQL {
		return nil, fmt.Errorf("unsupported sql driver %q", cfg.Driver)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db, err := libsqlx.ConnectContext(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Driver, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	s := NewWithDB(db, cfg.Driver)
	if cfg.MaxRetries > 0 {
		s.maxRetries = cfg.MaxRetries
	}
	if cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewWithDB wraps an existing handle (useful for testing).
func NewWithDB(db *libsqlx.DB, driver string) *Store {
	return &Store{db: db, driver: driver, maxRetries: 5}
}

func (s *Store) Close() error { return s.db.Close() }

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := postgresSchema
	if s.driver == DriverMySQL {
		stmts = mysqlSchema
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS subject_scores (
		subject_id TEXT PRIMARY KEY,
		points BIGINT NOT NULL CHECK (points >= 0),
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS points_log (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		subject_id TEXT NOT NULL,
		delta BIGINT NOT NULL,
		reason TEXT NOT NULL,
		granted_by TEXT NOT NULL,
		flagged BOOLEAN NOT NULL DEFAULT FALSE,
		idempotency_key TEXT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (subject_id, idempotency_key)
	)`,
	`CREATE INDEX IF NOT EXISTS points_log_subject_idx ON points_log (subject_id, seq)`,
	`CREATE TABLE IF NOT EXISTS subject_directory (
		identifier TEXT PRIMARY KEY,
		subject_id TEXT NOT NULL
	)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS subject_scores (
		subject_id VARCHAR(255) PRIMARY KEY,
		points BIGINT NOT NULL,
		updated_at DATETIME(6) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS points_log (
		seq BIGINT AUTO_INCREMENT PRIMARY KEY,
		id VARCHAR(64) NOT NULL UNIQUE,
		subject_id VARCHAR(255) NOT NULL,
		delta BIGINT NOT NULL,
		reason TEXT NOT NULL,
		granted_by VARCHAR(255) NOT NULL,
		flagged BOOLEAN NOT NULL DEFAULT FALSE,
		idempotency_key VARCHAR(255) NULL,
		created_at DATETIME(6) NOT NULL,
		UNIQUE KEY points_log_key (subject_id, idempotency_key),
		KEY points_log_subject_idx (subject_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS subject_directory (
		identifier VARCHAR(255) PRIMARY KEY,
		subject_id VARCHAR(255) NOT NULL
	)`,
}

type scoreRow struct {
	SubjectID string    `db:"subject_id"`
	Points    int64     `db:"points"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r scoreRow) record() core.ScoreRecord {
	return core.ScoreRecord{SubjectID: core.SubjectID(r.SubjectID), Points: r.Points, UpdatedAt: r.UpdatedAt.UTC()}
}

type logRow struct {
	ID             string         `db:"id"`
	SubjectID      string         `db:"subject_id"`
	Delta          int64          `db:"delta"`
	Reason         string         `db:"reason"`
	GrantedBy      string         `db:"granted_by"`
	Flagged        bool           `db:"flagged"`
	IdempotencyKey sql.NullString `db:"idempotency_key"`
	CreatedAt      time.Time      `db:"created_at"`
}

func (r logRow) entry() core.LogEntry {
	return core.LogEntry{
		ID:             r.ID,
		SubjectID:      core.SubjectID(r.SubjectID),
		Delta:          r.Delta,
		Reason:         r.Reason,
		GrantedBy:      r.GrantedBy,
		Flagged:        r.Flagged,
		IdempotencyKey: r.IdempotencyKey.String,
		Timestamp:      r.CreatedAt.UTC(),
	}
}

const logColumns = `id, subject_id, delta, reason, granted_by, flagged, idempotency_key, created_at`

// Get reads the stored record; an unknown subject reads as zero points.
func (s *Store) Get(ctx context.Context, subject core.SubjectID) (core.ScoreRecord, error) {
	var row scoreRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT subject_id, points, updated_at FROM subject_scores WHERE subject_id = ?`), string(subject))
	if errors.Is(err, sql.ErrNoRows) {
		return core.ScoreRecord{SubjectID: subject}, nil
	}
	if err != nil {
		return core.ScoreRecord{}, fmt.Errorf("failed to read score: %w", err)
	}
	return row.record(), nil
}

// Update runs fn in a transaction holding the subject's row lock and retries on
// serialization failures, deadlocks and racing first inserts.
func (s *Store) Update(ctx context.Context, subject core.SubjectID, key string, fn core.Mutation) (core.Commit, error) {
	var lastErr error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return core.Commit{}, err
		}
		commit, err := s.updateOnce(ctx, subject, key, fn)
		if err == nil {
			return commit, nil
		}
		if !retryable(err) {
			return core.Commit{}, err
		}
		lastErr = err
	}
	return core.Commit{}, &core.ConflictError{SubjectID: subject, Attempts: s.maxRetries, Err: lastErr}
}

func (s *Store) updateOnce(ctx context.Context, subject core.SubjectID, key string, fn core.Mutation) (commit core.Commit, err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return core.Commit{}, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	current := core.ScoreRecord{SubjectID: subject}
	exists := true
	var row scoreRow
	err = tx.GetContext(ctx, &row, tx.Rebind(`SELECT subject_id, points, updated_at FROM subject_scores WHERE subject_id = ? FOR UPDATE`), string(subject))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		exists = false
	case err != nil:
		return core.Commit{}, fmt.Errorf("lock score: %w", err)
	default:
		current = row.record()
	}

	if key != "" {
		var prior logRow
		err = tx.GetContext(ctx, &prior, tx.Rebind(`SELECT `+logColumns+` FROM points_log WHERE subject_id = ? AND idempotency_key = ?`), string(subject), key)
		switch {
		case err == nil:
			if err = tx.Commit(); err != nil {
				return core.Commit{}, err
			}
			return core.Commit{Record: current, Entry: prior.entry(), Replayed: true}, nil
		case !errors.Is(err, sql.ErrNoRows):
			return core.Commit{}, fmt.Errorf("read idempotency key: %w", err)
		}
	}

	next, entry, err := fn(current)
	if err != nil {
		return core.Commit{}, err
	}
	next.SubjectID = subject
	entry.SubjectID = subject
	entry.IdempotencyKey = key

	if exists {
		_, err = tx.ExecContext(ctx, tx.Rebind(`UPDATE subject_scores SET points = ?, updated_at = ? WHERE subject_id = ?`),
			next.Points, next.UpdatedAt, string(subject))
	} else {
		_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO subject_scores (subject_id, points, updated_at) VALUES (?, ?, ?)`),
			string(subject), next.Points, next.UpdatedAt)
	}
	if err != nil {
		return core.Commit{}, fmt.Errorf("write score: %w", err)
	}

	var keyArg sql.NullString
	if key != "" {
		keyArg = sql.NullString{String: key, Valid: true}
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO points_log (`+logColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		entry.ID, string(subject), entry.Delta, entry.Reason, entry.GrantedBy, entry.Flagged, keyArg, entry.Timestamp)
	if err != nil {
		return core.Commit{}, fmt.Errorf("append log: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return core.Commit{}, fmt.Errorf("commit: %w", err)
	}
	return core.Commit{Record: next, Entry: entry}, nil
}

// retryable reports errors a fresh attempt can succeed after.
func retryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "23505": // serialization_failure, deadlock_detected, unique_violation
			return true
		}
		return false
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1213, 1205, 1062: // deadlock, lock wait timeout, duplicate entry
			return true
		}
	}
	return false
}

// Entries returns the subject's log in commit order.
func (s *Store) Entries(ctx context.Context, subject core.SubjectID) ([]core.LogEntry, error) {
	var rows []logRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT `+logColumns+` FROM points_log WHERE subject_id = ? ORDER BY seq`), string(subject))
	if err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}
	out := make([]core.LogEntry, len(rows))
	for i, r := range rows {
		out[i] = r.entry()
	}
	return out, nil
}

// Records returns every stored score.
func (s *Store) Records(ctx context.Context) ([]core.ScoreRecord, error) {
	var rows []scoreRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT subject_id, points, updated_at FROM subject_scores ORDER BY subject_id`); err != nil {
		return nil, fmt.Errorf("failed to list scores: %w", err)
	}
	out := make([]core.ScoreRecord, len(rows))
	for i, r := range rows {
		out[i] = r.record()
	}
	return out, nil
}

// Register maps the subject id and any extra identifiers to the subject.
func (s *Store) Register(ctx context.Context, subject core.SubjectID, identifiers ...string) error {
	id, err := core.NormalizeSubjectID(subject)
	if err != nil {
		return err
	}
	upsert := `INSERT INTO subject_directory (identifier, subject_id) VALUES (?, ?) ON CONFLICT (identifier) DO UPDATE SET subject_id = EXCLUDED.subject_id`
	if s.driver == DriverMySQL {
		upsert = `INSERT INTO subject_directory (identifier, subject_id) VALUES (?, ?) ON DUPLICATE KEY UPDATE subject_id = VALUES(subject_id)`
	}
	upsert = s.db.Rebind(upsert)
	idents := append([]string{string(id)}, identifiers...)
	for _, ident := range idents {
		k := strings.ToLower(strings.TrimSpace(ident))
		if k == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, upsert, k, string(id)); err != nil {
			return fmt.Errorf("failed to register subject: %w", err)
		}
	}
	return nil
}

// Resolve implements engine.Directory.
func (s *Store) Resolve(ctx context.Context, identifier string) (core.SubjectID, error) {
	k := strings.ToLower(strings.TrimSpace(identifier))
	if k == "" {
		return "", &core.ValidationError{Field: "subject_id", Reason: "empty identifier"}
	}
	var id string
	err := s.db.GetContext(ctx, &id, s.db.Rebind(`SELECT subject_id FROM subject_directory WHERE identifier = ?`), k)
	if errors.Is(err, sql.ErrNoRows) {
		return "", &core.NotFoundError{Kind: "subject", ID: identifier}
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve subject: %w", err)
	}
	return core.SubjectID(id), nil
}

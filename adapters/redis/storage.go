package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"eliteheat/core"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// KeyPrefix namespaces every key written by the store.
	KeyPrefix string
	// MaxRetries bounds optimistic transaction attempts before a ConflictError.
	MaxRetries int
}

// DefaultConfig returns sensible defaults for Redis configuration
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		KeyPrefix:    "eliteheat",
		MaxRetries:   5,
	}
}

// Store implements engine.Storage and engine.Directory on Redis.
// Data structure:
// - {prefix}:subject:{id}:score -> hash {points, updated_at}
// - {prefix}:subject:{id}:log   -> list of JSON log entries in commit order
// - {prefix}:subject:{id}:keys  -> hash idempotency key -> JSON log entry
// - {prefix}:subjects           -> set of subject ids with at least one commit
// - {prefix}:directory          -> hash identifier -> subject id
//
// Score, log and key index are written in one MULTI/EXEC guarded by WATCH on
// the score and key hashes.
type Store struct {
	client     *redis.Client
	prefix     string
	maxRetries int
}

// New creates a new Redis-backed storage with the provided configuration
func New(config Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newStore(client, config), nil
}

// NewWithClient creates a Store using an existing Redis client (useful for testing)
func NewWithClient(client *redis.Client) *Store {
	return newStore(client, DefaultConfig())
}

func newStore(client *redis.Client, config Config) *Store {
	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "eliteheat"
	}
	retries := config.MaxRetries
	if retries <= 0 {
		retries = 1
	}
	return &Store{client: client, prefix: prefix, maxRetries: retries}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) scoreKey(id core.SubjectID) string {
	return fmt.Sprintf("%s:subject:%s:score", s.prefix, id)
}

func (s *Store) logKey(id core.SubjectID) string {
	return fmt.Sprintf("%s:subject:%s:log", s.prefix, id)
}

func (s *Store) idempotencyKey(id core.SubjectID) string {
	return fmt.Sprintf("%s:subject:%s:keys", s.prefix, id)
}

func (s *Store) subjectsKey() string  { return s.prefix + ":subjects" }
func (s *Store) directoryKey() string { return s.prefix + ":directory" }

// Get reads the stored record; an unknown subject reads as zero points.
func (s *Store) Get(ctx context.Context, subject core.SubjectID) (core.ScoreRecord, error) {
	return readRecord(ctx, s.client, s.scoreKey(subject), subject)
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func readRecord(ctx context.Context, c hashReader, key string, subject core.SubjectID) (core.ScoreRecord, error) {
	fields, err := c.HGetAll(ctx, key).Result()
	if err != nil {
		return core.ScoreRecord{}, fmt.Errorf("failed to read score: %w", err)
	}
	rec := core.ScoreRecord{SubjectID: subject}
	if v, ok := fields["points"]; ok {
		if rec.Points, err = strconv.ParseInt(v, 10, 64); err != nil {
			return core.ScoreRecord{}, fmt.Errorf("corrupt points for %s: %w", subject, err)
		}
	}
	if v, ok := fields["updated_at"]; ok {
		if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return core.ScoreRecord{}, fmt.Errorf("corrupt updated_at for %s: %w", subject, err)
		}
	}
	return rec, nil
}

// Update applies fn inside an optimistic transaction, retrying when a concurrent
// writer touched the subject between WATCH and EXEC.
func (s *Store) Update(ctx context.Context, subject core.SubjectID, key string, fn core.Mutation) (core.Commit, error) {
	scoreKey, keysKey := s.scoreKey(subject), s.idempotencyKey(subject)
	var lastErr error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return core.Commit{}, err
		}
		var commit core.Commit
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			var err error
			commit, err = s.apply(ctx, tx, subject, key, fn)
			return err
		}, scoreKey, keysKey)
		if err == nil {
			return commit, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return core.Commit{}, err
		}
		lastErr = err
	}
	return core.Commit{}, &core.ConflictError{SubjectID: subject, Attempts: s.maxRetries, Err: lastErr}
}

func (s *Store) apply(ctx context.Context, tx *redis.Tx, subject core.SubjectID, key string, fn core.Mutation) (core.Commit, error) {
	current, err := readRecord(ctx, tx, s.scoreKey(subject), subject)
	if err != nil {
		return core.Commit{}, err
	}
	if key != "" {
		raw, err := tx.HGet(ctx, s.idempotencyKey(subject), key).Result()
		switch {
		case err == nil:
			var entry core.LogEntry
			if err := json.Unmarshal([]byte(raw), &entry); err != nil {
				return core.Commit{}, fmt.Errorf("corrupt idempotency entry: %w", err)
			}
			return core.Commit{Record: current, Entry: entry, Replayed: true}, nil
		case !errors.Is(err, redis.Nil):
			return core.Commit{}, fmt.Errorf("failed to read idempotency key: %w", err)
		}
	}

	next, entry, err := fn(current)
	if err != nil {
		return core.Commit{}, err
	}
	next.SubjectID = subject
	entry.SubjectID = subject
	entry.IdempotencyKey = key
	data, err := json.Marshal(entry)
	if err != nil {
		return core.Commit{}, err
	}

	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.scoreKey(subject), "points", next.Points, "updated_at", next.UpdatedAt.UTC().Format(time.RFC3339Nano))
		pipe.RPush(ctx, s.logKey(subject), data)
		if key != "" {
			pipe.HSet(ctx, s.idempotencyKey(subject), key, data)
		}
		pipe.SAdd(ctx, s.subjectsKey(), string(subject))
		return nil
	})
	if err != nil {
		return core.Commit{}, err
	}
	return core.Commit{Record: next, Entry: entry}, nil
}

// Entries returns the subject's log in commit order.
func (s *Store) Entries(ctx context.Context, subject core.SubjectID) ([]core.LogEntry, error) {
	raw, err := s.client.LRange(ctx, s.logKey(subject), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}
	out := make([]core.LogEntry, 0, len(raw))
	for _, r := range raw {
		var e core.LogEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, fmt.Errorf("corrupt log entry for %s: %w", subject, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Records returns every subject with at least one commit.
func (s *Store) Records(ctx context.Context) ([]core.ScoreRecord, error) {
	ids, err := s.client.SMembers(ctx, s.subjectsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list subjects: %w", err)
	}
	out := make([]core.ScoreRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, core.SubjectID(id))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Register maps the subject id and any extra identifiers to the subject.
func (s *Store) Register(ctx context.Context, subject core.SubjectID, identifiers ...string) error {
	id, err := core.NormalizeSubjectID(subject)
	if err != nil {
		return err
	}
	values := []any{string(id), string(id)}
	for _, ident := range identifiers {
		if k := strings.ToLower(strings.TrimSpace(ident)); k != "" {
			values = append(values, k, string(id))
		}
	}
	if err := s.client.HSet(ctx, s.directoryKey(), values...).Err(); err != nil {
		return fmt.Errorf("failed to register subject: %w", err)
	}
	return nil
}

// Resolve implements engine.Directory.
func (s *Store) Resolve(ctx context.Context, identifier string) (core.SubjectID, error) {
	k := strings.ToLower(strings.TrimSpace(identifier))
	if k == "" {
		return "", &core.ValidationError{Field: "subject_id", Reason: "empty identifier"}
	}
	id, err := s.client.HGet(ctx, s.directoryKey(), k).Result()
	if errors.Is(err, redis.Nil) {
		return "", &core.NotFoundError{Kind: "subject", ID: identifier}
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve subject: %w", err)
	}
	return core.SubjectID(id), nil
}

package engine

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"eliteheat/core"
)

// DefaultFlagThreshold is the largest single grant that is not flagged for review.
const DefaultFlagThreshold int64 = 50

// Operation names used in errors, logs and metrics.
const (
	OpAssignRank   = "assign_rank"
	OpAccruePoints = "accrue_points"
)

// RankService wires storage, tier table, event bus and rules into the rank engine API.
type RankService struct {
	storage   Storage
	directory Directory
	table     *core.TierTable
	bus       *EventBus
	rules     RuleEngine
	observer  Observer
	log       *slog.Logger
	threshold int64
	now       func() time.Time
	newID     func() string
}

// Option configures a RankService.
type Option func(*RankService)

func WithLogger(l *slog.Logger) Option {
	return func(s *RankService) {
		if l != nil {
			s.log = l
		}
	}
}

// WithFlagThreshold sets the grant size above which entries are flagged.
func WithFlagThreshold(n int64) Option { return func(s *RankService) { s.threshold = n } }

func WithRules(r RuleEngine) Option {
	return func(s *RankService) {
		if r != nil {
			s.rules = r
		}
	}
}

func WithObserver(o Observer) Option { return func(s *RankService) { s.observer = o } }

func WithClock(now func() time.Time) Option { return func(s *RankService) { s.now = now } }

func WithIDGenerator(gen func() string) Option { return func(s *RankService) { s.newID = gen } }

// MutationOption configures a single write call.
type MutationOption func(*mutationOptions)

type mutationOptions struct {
	key string
}

// WithIdempotencyKey makes the write idempotent: repeating the key for the same
// subject returns the first result without applying anything.
func WithIdempotencyKey(key string) MutationOption {
	return func(o *mutationOptions) { o.key = strings.TrimSpace(key) }
}

func NewRankService(storage Storage, dir Directory, table *core.TierTable, bus *EventBus, opts ...Option) *RankService {
	if storage == nil || table == nil || bus == nil {
		panic("NewRankService requires non-nil storage, table, and bus")
	}
	if dir == nil {
		dir = OpenDirectory{}
	}
	s := &RankService{
		storage:   storage,
		directory: dir,
		table:     table,
		bus:       bus,
		log:       slog.Default(),
		threshold: DefaultFlagThreshold,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rules == nil {
		s.rules = DefaultRuleEngine(table)
	}
	return s
}

// DefaultRuleEngine emits rank changes and flagged-grant alerts.
func DefaultRuleEngine(table *core.TierTable) RuleEngine {
	return &simpleRuleEngine{rules: []core.Rule{core.RankChangeRule{Table: table}, core.FlagRule{}}}
}

// Subscribe convenience method.
func (s *RankService) Subscribe(typ core.EventType, handler func(context.Context, core.Event)) func() {
	return s.bus.Subscribe(typ, handler)
}

// SubscribeAll registers a handler for every event type.
func (s *RankService) SubscribeAll(handler func(context.Context, core.Event)) func() {
	return s.bus.SubscribeAll(handler)
}

func (s *RankService) Publish(ctx context.Context, ev core.Event) {
	s.bus.Publish(ctx, ev)
}

func (s *RankService) Tiers() *core.TierTable { return s.table }

func (s *RankService) FlagThreshold() int64 { return s.threshold }

// ResolveRank returns the tier containing points.
func (s *RankService) ResolveRank(points int64) (core.Tier, error) {
	return s.table.Resolve(points)
}

// ProgressToNext returns progress through the tier containing points.
func (s *RankService) ProgressToNext(points int64) (core.Progress, error) {
	return s.table.Progress(points)
}

// AccruePoints adds delta (possibly negative) to the subject's score, flooring at
// zero, and appends one log entry in the same commit. Grants above the flag
// threshold succeed but are flagged for review.
func (s *RankService) AccruePoints(ctx context.Context, subject core.SubjectID, delta int64, reason, actor string, opts ...MutationOption) (core.Commit, error) {
	start := time.Now()
	commit, err := s.accrue(ctx, subject, delta, reason, actor, opts)
	s.observe(OpAccruePoints, start, err)
	return commit, err
}

func (s *RankService) accrue(ctx context.Context, subject core.SubjectID, delta int64, reason, actor string, opts []MutationOption) (core.Commit, error) {
	id, err := core.NormalizeSubjectID(subject)
	if err != nil {
		return core.Commit{}, s.fail(OpAccruePoints, subject, actor, err)
	}
	reason = strings.TrimSpace(reason)
	actor = strings.TrimSpace(actor)
	switch {
	case delta == 0:
		err = &core.ValidationError{Field: "delta", Reason: "must not be zero"}
	case reason == "":
		err = &core.ValidationError{Field: "reason", Reason: "required"}
	case actor == "":
		err = &core.ValidationError{Field: "actor", Reason: "required"}
	}
	if err != nil {
		return core.Commit{}, s.fail(OpAccruePoints, id, actor, err)
	}
	if err := ctx.Err(); err != nil {
		return core.Commit{}, s.fail(OpAccruePoints, id, actor, err)
	}

	mo := applyMutationOptions(opts)
	flagged := delta > s.threshold
	commit, err := s.storage.Update(ctx, id, mo.key, func(cur core.ScoreRecord) (core.ScoreRecord, core.LogEntry, error) {
		next, applied, err := core.ClampedAdd(cur.Points, delta)
		if err != nil {
			return core.ScoreRecord{}, core.LogEntry{}, &core.ValidationError{Field: "delta", Reason: "score overflow"}
		}
		now := s.now()
		entry := core.LogEntry{
			ID:             s.newID(),
			SubjectID:      id,
			Delta:          applied,
			Reason:         reason,
			GrantedBy:      actor,
			Flagged:        flagged,
			IdempotencyKey: mo.key,
			Timestamp:      now,
		}
		return core.ScoreRecord{SubjectID: id, Points: next, UpdatedAt: now}, entry, nil
	})
	if err != nil {
		return core.Commit{}, s.fail(OpAccruePoints, id, actor, err)
	}
	if commit.Replayed {
		s.log.Info("idempotent replay", "op", OpAccruePoints, "subject", id, "actor", actor, "entry", commit.Entry.ID)
		return commit, nil
	}

	attrs := []any{"op", OpAccruePoints, "subject", id, "actor", actor, "delta", commit.Entry.Delta, "total", commit.Record.Points}
	if flagged {
		s.log.Warn("flagged grant", append(attrs, "requested", delta, "threshold", s.threshold)...)
	} else {
		s.log.Info("points accrued", attrs...)
	}
	s.emit(ctx, core.NewPointsAccrued(commit.Entry, commit.Record.Points))
	return commit, nil
}

// AssignRank sets the subject's score to the floor of the tier at level and logs
// the difference as a rank-assignment entry. The identifier is resolved through
// the directory.
func (s *RankService) AssignRank(ctx context.Context, identifier string, level int, actor string, opts ...MutationOption) (core.Commit, error) {
	start := time.Now()
	commit, err := s.assign(ctx, identifier, level, actor, opts)
	s.observe(OpAssignRank, start, err)
	return commit, err
}

func (s *RankService) assign(ctx context.Context, identifier string, level int, actor string, opts []MutationOption) (core.Commit, error) {
	subject := core.SubjectID(strings.TrimSpace(identifier))
	actor = strings.TrimSpace(actor)
	if subject == "" {
		return core.Commit{}, s.fail(OpAssignRank, subject, actor, &core.ValidationError{Field: "subject_id", Reason: "empty subject id"})
	}
	if actor == "" {
		return core.Commit{}, s.fail(OpAssignRank, subject, actor, &core.ValidationError{Field: "actor", Reason: "required"})
	}
	tier, ok := s.table.Tier(level)
	if !ok {
		return core.Commit{}, s.fail(OpAssignRank, subject, actor, &core.NotFoundError{Kind: "tier", ID: strconv.Itoa(level)})
	}
	if err := ctx.Err(); err != nil {
		return core.Commit{}, s.fail(OpAssignRank, subject, actor, err)
	}
	resolved, err := s.directory.Resolve(ctx, string(subject))
	if err != nil {
		return core.Commit{}, s.fail(OpAssignRank, subject, actor, err)
	}
	id, err := core.NormalizeSubjectID(resolved)
	if err != nil {
		return core.Commit{}, s.fail(OpAssignRank, subject, actor, err)
	}

	mo := applyMutationOptions(opts)
	commit, err := s.storage.Update(ctx, id, mo.key, func(cur core.ScoreRecord) (core.ScoreRecord, core.LogEntry, error) {
		now := s.now()
		entry := core.LogEntry{
			ID:             s.newID(),
			SubjectID:      id,
			Delta:          tier.MinPoints - cur.Points,
			Reason:         core.ReasonRankAssignment,
			GrantedBy:      actor,
			IdempotencyKey: mo.key,
			Timestamp:      now,
		}
		return core.ScoreRecord{SubjectID: id, Points: tier.MinPoints, UpdatedAt: now}, entry, nil
	})
	if err != nil {
		return core.Commit{}, s.fail(OpAssignRank, id, actor, err)
	}
	if commit.Replayed {
		s.log.Info("idempotent replay", "op", OpAssignRank, "subject", id, "actor", actor, "entry", commit.Entry.ID)
		return commit, nil
	}
	s.log.Info("rank assigned", "op", OpAssignRank, "subject", id, "actor", actor, "level", tier.Level, "delta", commit.Entry.Delta)
	s.emit(ctx, core.NewRankAssigned(commit.Entry, commit.Record.Points, tier.Level))
	return commit, nil
}

// Standing returns the stored record and its derived progress.
func (s *RankService) Standing(ctx context.Context, subject core.SubjectID) (core.Standing, error) {
	id, err := core.NormalizeSubjectID(subject)
	if err != nil {
		return core.Standing{}, err
	}
	rec, err := s.storage.Get(ctx, id)
	if err != nil {
		return core.Standing{}, err
	}
	rec.SubjectID = id
	p, err := s.table.Progress(rec.Points)
	if err != nil {
		return core.Standing{}, err
	}
	return core.Standing{Record: rec, Progress: p}, nil
}

// History returns the subject's log entries in commit order.
func (s *RankService) History(ctx context.Context, subject core.SubjectID) ([]core.LogEntry, error) {
	id, err := core.NormalizeSubjectID(subject)
	if err != nil {
		return nil, err
	}
	return s.storage.Entries(ctx, id)
}

// Verify replays the subject's log and checks it against the stored score.
func (s *RankService) Verify(ctx context.Context, subject core.SubjectID) (core.ScoreRecord, error) {
	id, err := core.NormalizeSubjectID(subject)
	if err != nil {
		return core.ScoreRecord{}, err
	}
	rec, err := s.storage.Get(ctx, id)
	if err != nil {
		return core.ScoreRecord{}, err
	}
	entries, err := s.storage.Entries(ctx, id)
	if err != nil {
		return core.ScoreRecord{}, err
	}
	replayed, err := core.Replay(entries)
	if err != nil {
		return core.ScoreRecord{}, err
	}
	if replayed != rec.Points {
		return rec, &core.ConsistencyError{SubjectID: id, Stored: rec.Points, Replayed: replayed}
	}
	return rec, nil
}

func (s *RankService) Close() { s.bus.Close() }

func (s *RankService) emit(ctx context.Context, ev core.Event) {
	s.bus.Publish(ctx, ev)
	for _, d := range s.rules.Evaluate(ctx, ev) {
		s.bus.Publish(ctx, d)
	}
}

func (s *RankService) fail(op string, subject core.SubjectID, actor string, err error) error {
	attrs := []any{"op", op, "subject", subject, "actor", actor, "error", err}
	switch {
	case errors.Is(err, core.ErrValidation), errors.Is(err, core.ErrNotFound):
		s.log.Warn("rejected", attrs...)
	default:
		s.log.Error("write failed", attrs...)
	}
	return &core.OpError{Op: op, SubjectID: subject, Err: err}
}

func (s *RankService) observe(op string, start time.Time, err error) {
	if s.observer != nil {
		s.observer.ObserveOp(op, time.Since(start), err)
	}
}

func applyMutationOptions(opts []MutationOption) mutationOptions {
	var mo mutationOptions
	for _, o := range opts {
		o(&mo)
	}
	return mo
}

type simpleRuleEngine struct{ rules []core.Rule }

func (r *simpleRuleEngine) Evaluate(ctx context.Context, trigger core.Event) []core.Event {
	var out []core.Event
	for _, rule := range r.rules {
		out = append(out, rule.Evaluate(ctx, trigger)...)
	}
	return out
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mem "eliteheat/adapters/memory"
	"eliteheat/core"
)

func scenarioTable() *core.TierTable {
	return core.MustTierTable("scenario", []core.Tier{
		{Level: 1, Name: "Bronze", MinPoints: 0, MaxPoints: 99},
		{Level: 2, Name: "Silver", MinPoints: 100, MaxPoints: 499},
		{Level: 3, Name: "Gold", MinPoints: 500, MaxPoints: core.Unbounded},
	})
}

type recorder struct {
	mu     sync.Mutex
	events []core.Event
}

func (r *recorder) handle(_ context.Context, e core.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []core.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func newTestService(t *testing.T, opts ...Option) (*RankService, *mem.Store, *recorder) {
	t.Helper()
	store := mem.New()
	dir := mem.NewDirectory()
	require.NoError(t, dir.Add("u1", "ana@example.com"))
	require.NoError(t, dir.Add("u2"))
	svc := NewRankService(store, dir, scenarioTable(), NewEventBus(DispatchSync), opts...)
	rec := &recorder{}
	svc.SubscribeAll(rec.handle)
	return svc, store, rec
}

func TestAccruePointsAndRankUp(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx := context.Background()

	c, err := svc.AccruePoints(ctx, "u1", 30, "lesson", "admin@x")
	require.NoError(t, err)
	assert.Equal(t, int64(30), c.Record.Points)
	assert.False(t, c.Entry.Flagged)
	assert.NotEmpty(t, c.Entry.ID)

	c, err = svc.AccruePoints(ctx, "u1", 50, "lesson", "admin@x")
	require.NoError(t, err)
	c, err = svc.AccruePoints(ctx, "u1", 40, "review", "admin@x")
	require.NoError(t, err)
	assert.Equal(t, int64(120), c.Record.Points)

	assert.Equal(t, []core.EventType{
		core.EventPointsAccrued, core.EventPointsAccrued, core.EventPointsAccrued, core.EventRankUp,
	}, rec.types())

	st, err := svc.Standing(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Progress.Current.Level)
}

func TestAccruePointsFlagBoundary(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx := context.Background()

	c, err := svc.AccruePoints(ctx, "u1", 50, "bonus", "admin")
	require.NoError(t, err)
	assert.False(t, c.Entry.Flagged)

	c, err = svc.AccruePoints(ctx, "u2", 51, "bonus", "admin")
	require.NoError(t, err)
	assert.True(t, c.Entry.Flagged)
	assert.Equal(t, int64(51), c.Record.Points)
	assert.Contains(t, rec.types(), core.EventGrantFlagged)
}

func TestAccruePointsCustomThreshold(t *testing.T) {
	svc, _, _ := newTestService(t, WithFlagThreshold(10))
	c, err := svc.AccruePoints(context.Background(), "u1", 11, "bonus", "admin")
	require.NoError(t, err)
	assert.True(t, c.Entry.Flagged)
}

func TestAccruePointsClampsAtZero(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx := context.Background()
	_, err := svc.AccruePoints(ctx, "u1", 30, "lesson", "admin")
	require.NoError(t, err)

	c, err := svc.AccruePoints(ctx, "u1", -1_000_000, "correction", "admin")
	require.NoError(t, err)
	assert.Equal(t, int64(0), c.Record.Points)
	assert.Equal(t, int64(-30), c.Entry.Delta)
	assert.False(t, c.Entry.Flagged)

	// already at zero: applied delta is 0 but the entry is still written
	c, err = svc.AccruePoints(ctx, "u1", -5, "correction", "admin")
	require.NoError(t, err)
	assert.Equal(t, int64(0), c.Entry.Delta)

	hist, err := svc.History(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, hist, 3)
	assert.NotContains(t, rec.types(), core.EventRankDown)
}

func TestAccruePointsValidation(t *testing.T) {
	svc, store, rec := newTestService(t)
	ctx := context.Background()
	tests := []struct {
		name    string
		subject core.SubjectID
		delta   int64
		reason  string
		actor   string
	}{
		{"zero delta", "u1", 0, "r", "a"},
		{"empty subject", "  ", 5, "r", "a"},
		{"empty reason", "u1", 5, " ", "a"},
		{"empty actor", "u1", 5, "r", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.AccruePoints(ctx, tt.subject, tt.delta, tt.reason, tt.actor)
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrValidation)
			var opErr *core.OpError
			require.True(t, errors.As(err, &opErr))
			assert.Equal(t, OpAccruePoints, opErr.Op)
		})
	}
	entries, _ := store.Entries(ctx, "u1")
	assert.Empty(t, entries)
	assert.Empty(t, rec.types())
}

func TestAccruePointsOverflow(t *testing.T) {
	svc, _, _ := newTestService(t, WithFlagThreshold(core.Unbounded))
	ctx := context.Background()
	_, err := svc.AccruePoints(ctx, "u1", core.Unbounded-1, "seed", "admin")
	require.NoError(t, err)
	_, err = svc.AccruePoints(ctx, "u1", 10, "more", "admin")
	assert.ErrorIs(t, err, core.ErrValidation)
	st, _ := svc.Standing(ctx, "u1")
	assert.Equal(t, core.Unbounded-1, st.Record.Points)
}

func TestAssignRank(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx := context.Background()
	_, err := svc.AccruePoints(ctx, "u1", 30, "lesson", "admin")
	require.NoError(t, err)

	c, err := svc.AssignRank(ctx, "ana@example.com", 2, "root")
	require.NoError(t, err)
	assert.Equal(t, core.SubjectID("u1"), c.Record.SubjectID)
	assert.Equal(t, int64(100), c.Record.Points)
	assert.Equal(t, int64(70), c.Entry.Delta)
	assert.Equal(t, core.ReasonRankAssignment, c.Entry.Reason)
	assert.Equal(t, "root", c.Entry.GrantedBy)
	assert.False(t, c.Entry.Flagged)

	p, err := svc.ProgressToNext(c.Record.Points)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, p.Fraction, 1e-9)
	assert.Contains(t, rec.types(), core.EventRankAssigned)
	assert.Contains(t, rec.types(), core.EventRankUp)

	// demotion logs a negative delta
	c, err = svc.AssignRank(ctx, "u1", 1, "root")
	require.NoError(t, err)
	assert.Equal(t, int64(0), c.Record.Points)
	assert.Equal(t, int64(-100), c.Entry.Delta)
}

func TestAssignRankErrors(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.AssignRank(ctx, "u1", 12, "root")
	var nf *core.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "tier", nf.Kind)

	_, err = svc.AssignRank(ctx, "ghost@example.com", 2, "root")
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "subject", nf.Kind)

	_, err = svc.AssignRank(ctx, "u1", 2, "")
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestIdempotencyKey(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx := context.Background()

	first, err := svc.AccruePoints(ctx, "u1", 20, "lesson", "admin", WithIdempotencyKey("msg-1"))
	require.NoError(t, err)
	again, err := svc.AccruePoints(ctx, "u1", 20, "lesson", "admin", WithIdempotencyKey("msg-1"))
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Entry.ID, again.Entry.ID)
	assert.Equal(t, int64(20), again.Record.Points)
	assert.Len(t, rec.types(), 1)

	// without a key the call is applied again
	c, err := svc.AccruePoints(ctx, "u1", 20, "lesson", "admin")
	require.NoError(t, err)
	assert.Equal(t, int64(40), c.Record.Points)
}

func TestConcurrentAccrualsSerialize(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := svc.AccruePoints(ctx, "u1", 10, "a", "x")
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := svc.AccruePoints(ctx, "u1", 5, "b", "y")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	st, err := svc.Standing(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(750), st.Record.Points)
	hist, _ := svc.History(ctx, "u1")
	assert.Len(t, hist, 100)
	_, err = svc.Verify(ctx, "u1")
	assert.NoError(t, err)
}

func TestVerifyReplayLaw(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	ops := []func() error{
		func() error { _, err := svc.AccruePoints(ctx, "u2", 40, "r", "a"); return err },
		func() error { _, err := svc.AccruePoints(ctx, "u2", -100, "r", "a"); return err },
		func() error { _, err := svc.AssignRank(ctx, "u2", 3, "a"); return err },
		func() error { _, err := svc.AccruePoints(ctx, "u2", 75, "r", "a"); return err },
		func() error { _, err := svc.AccruePoints(ctx, "u2", -20, "r", "a"); return err },
	}
	for i, op := range ops {
		require.NoError(t, op(), "op %d", i)
		rec, err := svc.Verify(ctx, "u2")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, rec.Points, int64(0))
	}
	rec, _ := svc.Verify(ctx, "u2")
	assert.Equal(t, int64(555), rec.Points)
}

type skewedStore struct{ *mem.Store }

func (s skewedStore) Get(ctx context.Context, subject core.SubjectID) (core.ScoreRecord, error) {
	rec, err := s.Store.Get(ctx, subject)
	rec.Points += 7
	return rec, err
}

func TestVerifyDetectsDrift(t *testing.T) {
	store := skewedStore{mem.New()}
	svc := NewRankService(store, nil, scenarioTable(), NewEventBus(DispatchSync))
	ctx := context.Background()
	_, err := svc.AccruePoints(ctx, "u1", 10, "r", "a")
	require.NoError(t, err)
	_, err = svc.Verify(ctx, "u1")
	var ce *core.ConsistencyError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, int64(17), ce.Stored)
	assert.Equal(t, int64(10), ce.Replayed)
}

type conflictStore struct{ *mem.Store }

func (conflictStore) Update(_ context.Context, subject core.SubjectID, _ string, _ core.Mutation) (core.Commit, error) {
	return core.Commit{}, &core.ConflictError{SubjectID: subject, Attempts: 3}
}

type opRecorder struct {
	mu   sync.Mutex
	errs map[string]error
}

func (o *opRecorder) ObserveOp(op string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs[op] = err
}

func TestConflictPropagates(t *testing.T) {
	obs := &opRecorder{errs: map[string]error{}}
	svc := NewRankService(conflictStore{mem.New()}, nil, scenarioTable(), NewEventBus(DispatchSync), WithObserver(obs))
	_, err := svc.AccruePoints(context.Background(), "u1", 1, "r", "a")
	assert.ErrorIs(t, err, core.ErrConflict)
	assert.ErrorIs(t, obs.errs[OpAccruePoints], core.ErrConflict)
}

func TestCanceledContextLeavesStateUntouched(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.AccruePoints(ctx, "u1", 5, "r", "a")
	assert.ErrorIs(t, err, context.Canceled)
	rec, _ := store.Get(context.Background(), "u1")
	assert.Equal(t, int64(0), rec.Points)
}

func TestDeterministicClockAndIDs(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	n := 0
	svc, _, rec := newTestService(t,
		WithClock(func() time.Time { return fixed }),
		WithIDGenerator(func() string { n++; return fmt.Sprintf("e-%d", n) }),
	)
	c, err := svc.AccruePoints(context.Background(), "u1", 150, "r", "a")
	require.NoError(t, err)
	assert.Equal(t, "e-1", c.Entry.ID)
	assert.Equal(t, fixed, c.Entry.Timestamp)
	assert.Equal(t, fixed, c.Record.UpdatedAt)

	// derived events carry the commit's clock reading, not wall time
	require.Equal(t, []core.EventType{core.EventPointsAccrued, core.EventRankUp, core.EventGrantFlagged}, rec.types())
	for _, ev := range rec.events {
		assert.Equal(t, fixed, ev.Time, "event %s", ev.Type)
		assert.Equal(t, "e-1", ev.EntryID, "event %s", ev.Type)
	}
}

package leaderboard

import (
	"context"
	"log/slog"
	"sync"

	"eliteheat/core"
)

// Entry is one subject's position on the board.
type Entry struct {
	Subject core.SubjectID `json:"subject_id"`
	Points  int64          `json:"points"`
}

// Board abstracts leaderboard operations.
type Board interface {
	Update(subject core.SubjectID, points int64)
	Remove(subject core.SubjectID)
	TopN(n int) []Entry
	Get(subject core.SubjectID) (Entry, bool)
	Position(subject core.SubjectID) (int, bool)
	Len() int
}

// Feed returns an event handler that keeps board in sync with committed writes.
// Subscribe it to every event type; only events carrying a new total move the board.
func Feed(board Board) func(context.Context, core.Event) {
	return func(_ context.Context, ev core.Event) {
		switch ev.Type {
		case core.EventPointsAccrued, core.EventRankAssigned:
			board.Update(ev.SubjectID, ev.Total)
		}
	}
}

// Source reads a subject's committed score.
type Source interface {
	Get(ctx context.Context, subject core.SubjectID) (core.ScoreRecord, error)
}

// FeedFrom is Feed that re-reads the committed score from src rather than
// trusting the event's total. Events that arrive out of commit order can then
// never leave an older score on the board.
func FeedFrom(board Board, src Source, logger *slog.Logger) func(context.Context, core.Event) {
	if logger == nil {
		logger = slog.Default()
	}
	var mu sync.Mutex
	return func(ctx context.Context, ev core.Event) {
		if ev.Type != core.EventPointsAccrued && ev.Type != core.EventRankAssigned {
			return
		}
		// read and write under one lock so a slower refresh cannot overwrite a newer one
		mu.Lock()
		defer mu.Unlock()
		rec, err := src.Get(context.WithoutCancel(ctx), ev.SubjectID)
		if err != nil {
			logger.Warn("leaderboard refresh failed", "subject", ev.SubjectID, "error", err)
			return
		}
		board.Update(ev.SubjectID, rec.Points)
	}
}

// Seed loads existing records, e.g. from a store at startup.
func Seed(board Board, records []core.ScoreRecord) {
	for _, r := range records {
		board.Update(r.SubjectID, r.Points)
	}
}

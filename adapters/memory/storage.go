package memory

import (
	"context"
	"sync"

	"eliteheat/core"
)

// Store is a concurrent in-memory Storage implementation.
// Each subject has its own mutex, so updates to different subjects never block each other.
type Store struct {
	subjects sync.Map // map[core.SubjectID]*subjectRecord
}

type subjectRecord struct {
	mu      sync.Mutex
	exists  bool
	record  core.ScoreRecord
	entries []core.LogEntry
	keys    map[string]int // idempotency key -> index into entries
}

func New() *Store { return &Store{} }

func (s *Store) getOrCreate(subject core.SubjectID) *subjectRecord {
	if v, ok := s.subjects.Load(subject); ok {
		return v.(*subjectRecord)
	}
	rec := &subjectRecord{
		record: core.ScoreRecord{SubjectID: subject},
		keys:   map[string]int{},
	}
	actual, _ := s.subjects.LoadOrStore(subject, rec)
	return actual.(*subjectRecord)
}

func (s *Store) Get(_ context.Context, subject core.SubjectID) (core.ScoreRecord, error) {
	v, ok := s.subjects.Load(subject)
	if !ok {
		return core.ScoreRecord{SubjectID: subject}, nil
	}
	rec := v.(*subjectRecord)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.record, nil
}

func (s *Store) Update(ctx context.Context, subject core.SubjectID, key string, fn core.Mutation) (core.Commit, error) {
	if err := ctx.Err(); err != nil {
		return core.Commit{}, err
	}
	rec := s.getOrCreate(subject)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if key != "" {
		if i, ok := rec.keys[key]; ok {
			return core.Commit{Record: rec.record, Entry: rec.entries[i], Replayed: true}, nil
		}
	}
	next, entry, err := fn(rec.record)
	if err != nil {
		return core.Commit{}, err
	}
	next.SubjectID = subject
	entry.SubjectID = subject
	entry.IdempotencyKey = key
	rec.record = next
	rec.exists = true
	rec.entries = append(rec.entries, entry)
	if key != "" {
		rec.keys[key] = len(rec.entries) - 1
	}
	return core.Commit{Record: next, Entry: entry}, nil
}

func (s *Store) Entries(_ context.Context, subject core.SubjectID) ([]core.LogEntry, error) {
	v, ok := s.subjects.Load(subject)
	if !ok {
		return []core.LogEntry{}, nil
	}
	rec := v.(*subjectRecord)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	out := make([]core.LogEntry, len(rec.entries))
	copy(out, rec.entries)
	return out, nil
}

// Records returns every subject that has at least one committed write.
func (s *Store) Records(_ context.Context) ([]core.ScoreRecord, error) {
	var out []core.ScoreRecord
	s.subjects.Range(func(_, v any) bool {
		rec := v.(*subjectRecord)
		rec.mu.Lock()
		if rec.exists {
			out = append(out, rec.record)
		}
		rec.mu.Unlock()
		return true
	})
	return out, nil
}

var _ interface {
	Get(context.Context, core.SubjectID) (core.ScoreRecord, error)
	Update(context.Context, core.SubjectID, string, core.Mutation) (core.Commit, error)
	Entries(context.Context, core.SubjectID) ([]core.LogEntry, error)
} = (*Store)(nil)

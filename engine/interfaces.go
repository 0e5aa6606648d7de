package engine

import (
	"context"
	"time"

	"eliteheat/core"
)

// PointStore holds one score record per subject and is the only writer of it.
type PointStore interface {
	// Get returns the stored record, or a zero record for an unknown subject.
	Get(ctx context.Context, subject core.SubjectID) (core.ScoreRecord, error)
	// Update runs fn against the current record and commits the returned record
	// and log entry atomically, serialized per subject. A non-empty key that was
	// already committed for subject returns the original commit with Replayed set.
	Update(ctx context.Context, subject core.SubjectID, key string, fn core.Mutation) (core.Commit, error)
}

// AuditLog exposes the append-only points log. Entries are appended by Update only.
type AuditLog interface {
	Entries(ctx context.Context, subject core.SubjectID) ([]core.LogEntry, error)
}

// Storage is implemented by every adapter.
type Storage interface {
	PointStore
	AuditLog
}

// Directory maps a human-facing identifier such as an email to a subject id.
// Unknown identifiers yield a *core.NotFoundError.
type Directory interface {
	Resolve(ctx context.Context, identifier string) (core.SubjectID, error)
}

// RuleEngine evaluates rules and emits derived events.
type RuleEngine interface {
	Evaluate(ctx context.Context, trigger core.Event) []core.Event
}

// Observer receives the outcome of every write operation.
type Observer interface {
	ObserveOp(op string, elapsed time.Duration, err error)
}

// OpenDirectory accepts every well-formed identifier as its own subject id.
type OpenDirectory struct{}

func (OpenDirectory) Resolve(_ context.Context, identifier string) (core.SubjectID, error) {
	return core.NormalizeSubjectID(core.SubjectID(identifier))
}

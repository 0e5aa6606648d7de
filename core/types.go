package core

import (
	"errors"
	"math"
	"strings"
	"time"
)

// SubjectID uniquely identifies a ranked subject (an administrator or staff account).
type SubjectID string

// ReasonRankAssignment is the log reason recorded for direct rank assignments.
const ReasonRankAssignment = "rank-assignment"

// ScoreRecord is the stored point score of one subject.
// The rank is never stored; it is derived from Points on read.
type ScoreRecord struct {
	SubjectID SubjectID `json:"subject_id"`
	Points    int64     `json:"points"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LogEntry is an immutable record of one point change.
// The sum of a subject's deltas (clamped at zero) always equals its stored score.
type LogEntry struct {
	ID             string    `json:"id"`
	SubjectID      SubjectID `json:"subject_id"`
	Delta          int64     `json:"delta"`
	Reason         string    `json:"reason"`
	GrantedBy      string    `json:"granted_by"`
	Flagged        bool      `json:"flagged"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Standing combines a subject's stored score with its derived rank progress.
type Standing struct {
	Record   ScoreRecord `json:"record"`
	Progress Progress    `json:"progress"`
}

// AddSafe adds delta to base ensuring no signed overflow occurs.
func AddSafe(base int64, delta int64) (int64, error) {
	if (delta > 0 && base > math.MaxInt64-delta) || (delta < 0 && base < math.MinInt64-delta) {
		return 0, errors.New("integer overflow in AddSafe")
	}
	return base + delta, nil
}

// ClampedAdd applies delta to score, flooring the result at zero.
// It returns the new score and the delta actually applied.
func ClampedAdd(score, delta int64) (next int64, applied int64, err error) {
	next, err = AddSafe(score, delta)
	if err != nil {
		return 0, 0, err
	}
	if next < 0 {
		next = 0
	}
	return next, next - score, nil
}

// NormalizeSubjectID trims and lowercases subject identifiers.
func NormalizeSubjectID(id SubjectID) (SubjectID, error) {
	s := strings.TrimSpace(string(id))
	if s == "" {
		return "", &ValidationError{Field: "subject_id", Reason: "empty subject id"}
	}
	return SubjectID(strings.ToLower(s)), nil
}

// Replay rebuilds a score from log entries in order, starting at 0 and
// applying the same clamp-at-zero rule as the write paths.
func Replay(entries []LogEntry) (int64, error) {
	var score int64
	for _, e := range entries {
		next, _, err := ClampedAdd(score, e.Delta)
		if err != nil {
			return 0, err
		}
		score = next
	}
	return score, nil
}

package core

import "time"

// EventType enumerates domain events.
type EventType string

const (
	EventPointsAccrued EventType = "points_accrued"
	EventRankAssigned  EventType = "rank_assigned"
	EventRankUp        EventType = "rank_up"
	EventRankDown      EventType = "rank_down"
	EventGrantFlagged  EventType = "grant_flagged"
)

// Event represents an immutable domain event.
type Event struct {
	Type          EventType      `json:"type"`
	Time          time.Time      `json:"time"`
	SubjectID     SubjectID      `json:"subject_id"`
	Delta         int64          `json:"delta,omitempty"`
	Total         int64          `json:"total"`
	Level         int            `json:"level,omitempty"`
	PreviousLevel int            `json:"previous_level,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Actor         string         `json:"actor,omitempty"`
	Flagged       bool           `json:"flagged,omitempty"`
	EntryID       string         `json:"entry_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Previous returns the score before the event's delta was applied.
func (e Event) Previous() int64 { return e.Total - e.Delta }

func fromEntry(typ EventType, entry LogEntry, total int64) Event {
	return Event{
		Type:      typ,
		Time:      entry.Timestamp,
		SubjectID: entry.SubjectID,
		Delta:     entry.Delta,
		Total:     total,
		Reason:    entry.Reason,
		Actor:     entry.GrantedBy,
		Flagged:   entry.Flagged,
		EntryID:   entry.ID,
	}
}

// NewPointsAccrued builds the event published after a committed accrual.
func NewPointsAccrued(entry LogEntry, total int64) Event {
	return fromEntry(EventPointsAccrued, entry, total)
}

// NewRankAssigned builds the event published after a committed assignment.
func NewRankAssigned(entry LogEntry, total int64, level int) Event {
	ev := fromEntry(EventRankAssigned, entry, total)
	ev.Level = level
	return ev
}

// NewRankChanged builds a rank_up or rank_down event stamped with the current
// time. Rules deriving it from a commit restamp it with the commit's time.
func NewRankChanged(subject SubjectID, total int64, from, to int) Event {
	typ := EventRankUp
	if to < from {
		typ = EventRankDown
	}
	return Event{Type: typ, Time: time.Now().UTC(), SubjectID: subject, Total: total, Level: to, PreviousLevel: from}
}

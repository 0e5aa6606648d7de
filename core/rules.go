package core

import "context"

// Rule determines whether a trigger event should emit derived events.
type Rule interface {
	Evaluate(ctx context.Context, trigger Event) []Event
}

// RankChangeRule emits rank_up or rank_down when a committed write moved the
// subject across a tier boundary.
type RankChangeRule struct{ Table *TierTable }

func (r RankChangeRule) Evaluate(_ context.Context, trigger Event) []Event {
	if trigger.Type != EventPointsAccrued && trigger.Type != EventRankAssigned {
		return nil
	}
	before, err := r.Table.Resolve(trigger.Previous())
	if err != nil {
		return nil
	}
	after, err := r.Table.Resolve(trigger.Total)
	if err != nil {
		return nil
	}
	if before.Level == after.Level {
		return nil
	}
	ev := NewRankChanged(trigger.SubjectID, trigger.Total, before.Level, after.Level)
	ev.Time, ev.EntryID = trigger.Time, trigger.EntryID
	return []Event{ev}
}

// FlagRule emits grant_flagged for accruals marked for human review.
type FlagRule struct{}

func (FlagRule) Evaluate(_ context.Context, trigger Event) []Event {
	if trigger.Type != EventPointsAccrued || !trigger.Flagged {
		return nil
	}
	ev := trigger
	ev.Type = EventGrantFlagged
	return []Event{ev}
}

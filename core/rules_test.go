package core

import (
	"context"
	"testing"
	"time"
)

func TestRankChangeRule(t *testing.T) {
	rule := RankChangeRule{Table: MustTierTable("s", threeTiers())}

	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	up := NewPointsAccrued(LogEntry{ID: "e-7", SubjectID: "a", Delta: 20, Timestamp: at}, 110)
	out := rule.Evaluate(context.Background(), up)
	if len(out) != 1 || out[0].Type != EventRankUp || out[0].Level != 2 || out[0].PreviousLevel != 1 {
		t.Fatalf("expected rank up 1->2, got %+v", out)
	}
	if !out[0].Time.Equal(at) || out[0].EntryID != "e-7" {
		t.Fatalf("rank up should carry the commit time and entry, got %v %q", out[0].Time, out[0].EntryID)
	}

	down := NewPointsAccrued(LogEntry{SubjectID: "a", Delta: -20}, 90)
	out = rule.Evaluate(context.Background(), down)
	if len(out) != 1 || out[0].Type != EventRankDown {
		t.Fatalf("expected rank down, got %+v", out)
	}

	same := NewPointsAccrued(LogEntry{SubjectID: "a", Delta: 5}, 50)
	if out := rule.Evaluate(context.Background(), same); len(out) != 0 {
		t.Fatalf("expected no events, got %+v", out)
	}
}

func TestFlagRule(t *testing.T) {
	flagged := NewPointsAccrued(LogEntry{SubjectID: "a", Delta: 60, Flagged: true}, 60)
	out := FlagRule{}.Evaluate(context.Background(), flagged)
	if len(out) != 1 || out[0].Type != EventGrantFlagged || out[0].Delta != 60 {
		t.Fatalf("expected grant_flagged, got %+v", out)
	}
	plain := NewPointsAccrued(LogEntry{SubjectID: "a", Delta: 10}, 10)
	if out := (FlagRule{}).Evaluate(context.Background(), plain); len(out) != 0 {
		t.Fatalf("expected nothing, got %+v", out)
	}
}

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	mem "eliteheat/adapters/memory"
	"eliteheat/analytics"
	"eliteheat/api/httpapi"
	"eliteheat/core"
	"eliteheat/engine"
	"eliteheat/leaderboard"
	"eliteheat/progression"
	"eliteheat/realtime"
)

type seedGrant struct {
	subject core.SubjectID
	delta   int64
	reason  string
}

var demoSubjects = map[core.SubjectID][]string{
	"ana":  {"ana@eliteheat.dev"},
	"bo":   {"bo@eliteheat.dev"},
	"cleo": {"cleo@eliteheat.dev"},
}

var demoGrants = []seedGrant{
	{"ana", 40, "moderated forum thread"},
	{"ana", 80, "ran onboarding session"},
	{"bo", 30, "reviewed course"},
	{"bo", -10, "missed escalation"},
	{"cleo", 45, "fixed broken lesson"},
}

func main() {
	// Use readable text logging for development/demo
	textHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger := slog.New(textHandler)
	slog.SetDefault(logger)

	ctx := context.Background()
	dir := mem.NewDirectory()
	for id, aliases := range demoSubjects {
		if err := dir.Add(id, aliases...); err != nil {
			slog.Error("seed directory", "error", err)
			os.Exit(1)
		}
	}

	hub := realtime.NewHub()
	board := leaderboard.NewSkipList()
	stats := analytics.NewGrantStats()
	svc := progression.New(
		progression.WithDirectory(dir),
		progression.WithRealtime(hub),
		progression.WithLeaderboard(board),
		progression.WithAnalytics(stats),
		progression.WithLogger(logger),
	)
	defer svc.Close()

	for i, g := range demoGrants {
		// keys make restarts against a persistent store harmless
		key := "demo-seed-" + string(rune('a'+i))
		if _, err := svc.AccruePoints(ctx, g.subject, g.delta, g.reason, "demo-seed", engine.WithIdempotencyKey(key)); err != nil {
			slog.Error("seed grant", "subject", g.subject, "error", err)
			os.Exit(1)
		}
	}

	handler := httpapi.NewMux(svc, hub, httpapi.Options{
		AllowCORSOrigin: "*",
		Board:           board,
		Stats:           stats,
		Logger:          logger,
	})

	slog.Info("starting demo server on :8080", "subjects", len(demoSubjects), "table", svc.Tiers().Name())

	if err := http.ListenAndServe(":8080", handler); err != nil {
		slog.Error("demo server crashed", "error", err)
		os.Exit(1)
	}
}

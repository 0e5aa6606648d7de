package sdk

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mem "eliteheat/adapters/memory"
	"eliteheat/analytics"
	"eliteheat/api/httpapi"
	"eliteheat/core"
	"eliteheat/engine"
	"eliteheat/leaderboard"
	"eliteheat/realtime"
)

type testServer struct {
	*httptest.Server
	svc *engine.RankService
	hub *realtime.Hub
}

// newTestServer runs the real HTTP API over an in-memory service.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := mem.NewDirectory()
	require.NoError(t, dir.Add("alice", "alice@example.com"))
	require.NoError(t, dir.Add("bob"))

	hub := realtime.NewHub()
	board := leaderboard.NewSkipList()
	stats := analytics.NewGrantStats()
	svc := engine.NewRankService(mem.New(), dir, core.AdminTiers(), engine.NewEventBus(engine.DispatchSync))
	svc.SubscribeAll(hub.Broadcast)
	svc.SubscribeAll(leaderboard.Feed(board))
	svc.SubscribeAll(analytics.NewBridge(stats).Handler())

	srv := httptest.NewServer(httpapi.NewMux(svc, hub, httpapi.Options{
		PathPrefix: "/api",
		APIKeys:    []string{"k1"},
		Board:      board,
		Stats:      stats,
	}))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, svc: svc, hub: hub}
}

func TestClient_WritesAndReads(t *testing.T) {
	srv := newTestServer(t)
	client, err := NewClient(srv.URL+"/api", WithAPIKey("k1"), WithActor("ops"))
	require.NoError(t, err)
	ctx := context.Background()

	commit, err := client.AccruePoints(ctx, "alice", 60, "course launch")
	require.NoError(t, err)
	assert.Equal(t, int64(60), commit.Record.Points)
	assert.True(t, commit.Entry.Flagged)
	assert.Equal(t, "ops", commit.Entry.GrantedBy)
	assert.Equal(t, 1, commit.Rank.Level)

	commit, err = client.AssignRank(ctx, "alice@example.com", 3)
	require.NoError(t, err)
	assert.Equal(t, core.SubjectID("alice"), commit.Record.SubjectID)
	assert.Equal(t, int64(250), commit.Record.Points)
	assert.Equal(t, int64(190), commit.Entry.Delta)
	assert.Equal(t, "Guardian", commit.Rank.Name)

	_, err = client.AccruePoints(ctx, "bob", 10, "review")
	require.NoError(t, err)

	st, err := client.GetStanding(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(250), st.Record.Points)
	assert.Equal(t, 3, st.Progress.Current.Level)
	assert.Equal(t, 1, st.Position)

	hist, err := client.History(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, core.ReasonRankAssignment, hist[1].Reason)
	require.NoError(t, client.Verify(ctx, "alice"))

	lb, err := client.Leaderboard(ctx, 5)
	require.NoError(t, err)
	require.Len(t, lb.Entries, 2)
	assert.Equal(t, core.SubjectID("alice"), lb.Entries[0].Subject)

	stats, err := client.Stats(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(70), stats.TotalGranted)
	assert.Equal(t, int64(1), stats.TotalFlagged)

	tiers, err := client.Tiers(ctx)
	require.NoError(t, err)
	assert.Equal(t, "admin", tiers.Name)
	assert.Len(t, tiers.Tiers, 9)

	p, err := client.ResolveTier(ctx, 15000)
	require.NoError(t, err)
	assert.Nil(t, p.Next)
	assert.Equal(t, 1.0, p.Fraction)

	health, err := client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
}

func TestClient_IdempotencyKey(t *testing.T) {
	srv := newTestServer(t)
	client, err := NewClient(srv.URL+"/api", WithAPIKey("k1"), WithActor("ops"))
	require.NoError(t, err)
	ctx := context.Background()

	first, err := client.AccruePoints(ctx, "bob", 5, "chat", WithIdempotencyKey("k-1"))
	require.NoError(t, err)
	second, err := client.AccruePoints(ctx, "bob", 5, "chat", WithIdempotencyKey("k-1"))
	require.NoError(t, err)

	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Entry.ID, second.Entry.ID)
	assert.Equal(t, int64(5), second.Record.Points)
}

func TestClient_ErrorsMatchCoreKinds(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	client, err := NewClient(srv.URL+"/api", WithAPIKey("k1"))
	require.NoError(t, err)

	// no actor
	_, err = client.AccruePoints(ctx, "bob", 5, "chat")
	assert.True(t, errors.Is(err, core.ErrValidation), "got %v", err)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "actor", apiErr.Details["field"])

	client, err = NewClient(srv.URL+"/api", WithAPIKey("k1"), WithActor("ops"))
	require.NoError(t, err)
	_, err = client.AssignRank(ctx, "carol@example.com", 2)
	assert.True(t, errors.Is(err, core.ErrNotFound), "got %v", err)
	_, err = client.AssignRank(ctx, "bob", 99)
	assert.True(t, errors.Is(err, core.ErrNotFound), "got %v", err)

	_, err = client.AccruePoints(ctx, " ", 5, "chat")
	assert.ErrorIs(t, err, ErrEmptySubjectID)

	unauth, err := NewClient(srv.URL + "/api")
	require.NoError(t, err)
	_, err = unauth.Tiers(ctx)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 401, apiErr.Status)
}

func TestClient_SubscribeEvents(t *testing.T) {
	srv := newTestServer(t)
	client, err := NewClient(srv.URL+"/api", WithAPIKey("k1"), WithActor("ops"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	events, err := client.SubscribeEvents(ctx, StreamFilter{Subjects: []string{"alice"}})
	require.NoError(t, err)

	deadline := time.Now().Add(time.Second)
	for srv.hub.Subscribers() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_, err = client.AccruePoints(ctx, "bob", 5, "chat")
	require.NoError(t, err)
	_, err = client.AccruePoints(ctx, "alice", 120, "launch")
	require.NoError(t, err)

	want := []core.EventType{core.EventPointsAccrued, core.EventRankUp, core.EventGrantFlagged}
	for _, typ := range want {
		select {
		case evt := <-events:
			assert.Equal(t, typ, evt.Type)
			assert.Equal(t, core.SubjectID("alice"), evt.SubjectID)
		case <-ctx.Done():
			t.Fatal("timed out waiting for event")
		}
	}

	cancel()
	for range events {
	}
}

func TestDeriveWSURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8080/api/ws", deriveWSURL("http://localhost:8080/api"))
	assert.Equal(t, "wss://rank.example.com/ws", deriveWSURL("https://rank.example.com"))
}

package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mem "eliteheat/adapters/memory"
	"eliteheat/analytics"
	"eliteheat/core"
	"eliteheat/engine"
	"eliteheat/leaderboard"
	"eliteheat/metrics"
)

type commitResponse struct {
	Record   core.ScoreRecord `json:"record"`
	Entry    core.LogEntry    `json:"entry"`
	Replayed bool             `json:"replayed"`
	Rank     core.Tier        `json:"rank"`
}

func do(t *testing.T, h http.Handler, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

var asOps = map[string]string{headerActor: "ops"}

func TestAccruePointsSuccess(t *testing.T) {
	handler := NewMux(newTestService(), nil, Options{PathPrefix: "/api"})

	rec := do(t, handler, http.MethodPost, "/api/subjects/alice/points?delta=10&reason=lesson", "", asOps)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp commitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(10), resp.Record.Points)
	assert.Equal(t, "ops", resp.Entry.GrantedBy)
	assert.False(t, resp.Entry.Flagged)
	assert.Equal(t, 1, resp.Rank.Level)
}

func TestAccruePointsJSONBody(t *testing.T) {
	handler := NewMux(newTestService(), nil, Options{PathPrefix: "/api"})

	rec := do(t, handler, http.MethodPost, "/api/subjects/alice/points", `{"delta":120,"reason":"course launch","actor":"lead"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp commitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Entry.Flagged)
	assert.Equal(t, "lead", resp.Entry.GrantedBy)
	assert.Equal(t, 2, resp.Rank.Level)
}

func TestAccruePointsValidation(t *testing.T) {
	handler := NewMux(newTestService(), nil, Options{PathPrefix: "/api"})

	cases := []struct {
		name    string
		target  string
		body    string
		headers map[string]string
		code    string
	}{
		{"bad delta", "/api/subjects/alice/points?delta=bad&reason=x", "", asOps, "invalid_delta"},
		{"zero delta", "/api/subjects/alice/points?delta=0&reason=x", "", asOps, "invalid_input"},
		{"missing reason", "/api/subjects/alice/points?delta=5", "", asOps, "invalid_input"},
		{"missing actor", "/api/subjects/alice/points?delta=5&reason=x", "", nil, "invalid_input"},
		{"unknown field", "/api/subjects/alice/points", `{"delta":5,"points":9}`, asOps, "invalid_body"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, handler, http.MethodPost, tc.target, tc.body, tc.headers)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			var e apiError
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
			assert.Equal(t, tc.code, e.Code)
		})
	}
}

func TestIdempotencyKeyReplay(t *testing.T) {
	svc := newTestService()
	handler := NewMux(svc, nil, Options{})
	headers := map[string]string{headerActor: "ops", headerIdempotencyKey: "grant-7"}

	first := do(t, handler, http.MethodPost, "/subjects/alice/points?delta=10&reason=lesson", "", headers)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Empty(t, first.Header().Get(headerReplayed))

	second := do(t, handler, http.MethodPost, "/subjects/alice/points?delta=10&reason=lesson", "", headers)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get(headerReplayed))

	var resp commitResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &resp))
	assert.True(t, resp.Replayed)
	assert.Equal(t, int64(10), resp.Record.Points)

	hist, err := svc.History(context.Background(), "alice")
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestAssignRank(t *testing.T) {
	dir := mem.NewDirectory()
	require.NoError(t, dir.Add("ana", "ana@example.com"))
	svc := engine.NewRankService(mem.New(), dir, core.AdminTiers(), engine.NewEventBus(engine.DispatchSync))
	handler := NewMux(svc, nil, Options{})

	rec := do(t, handler, http.MethodPost, "/subjects/ana@example.com/rank?level=2", "", asOps)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp commitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, core.SubjectID("ana"), resp.Record.SubjectID)
	assert.Equal(t, int64(100), resp.Record.Points)
	assert.Equal(t, core.ReasonRankAssignment, resp.Entry.Reason)

	rec = do(t, handler, http.MethodPost, "/subjects/ana/rank", `{"level":3}`, asOps)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusNotFound, do(t, handler, http.MethodPost, "/subjects/ana/rank?level=42", "", asOps).Code)
	assert.Equal(t, http.StatusNotFound, do(t, handler, http.MethodPost, "/subjects/nobody/rank?level=2", "", asOps).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, handler, http.MethodPost, "/subjects/ana/rank?level=x", "", asOps).Code)
}

func TestGetSubjectLogAndVerify(t *testing.T) {
	svc := newTestService()
	board := leaderboard.NewSkipList()
	svc.SubscribeAll(leaderboard.Feed(board))
	handler := NewMux(svc, nil, Options{Board: board})

	do(t, handler, http.MethodPost, "/subjects/alice/points?delta=30&reason=a", "", asOps)
	do(t, handler, http.MethodPost, "/subjects/alice/points?delta=-100&reason=b", "", asOps)
	do(t, handler, http.MethodPost, "/subjects/bob/points?delta=5&reason=c", "", asOps)

	rec := do(t, handler, http.MethodGet, "/subjects/bob", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view struct {
		Record   core.ScoreRecord `json:"record"`
		Progress core.Progress    `json:"progress"`
		Position *int             `json:"position"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, int64(5), view.Record.Points)
	require.NotNil(t, view.Position)
	assert.Equal(t, 1, *view.Position)

	rec = do(t, handler, http.MethodGet, "/subjects/alice/log", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var log struct {
		Entries []core.LogEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &log))
	require.Len(t, log.Entries, 2)
	assert.Equal(t, int64(-30), log.Entries[1].Delta)

	rec = do(t, handler, http.MethodGet, "/subjects/alice/verify", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"consistent":true`)

	// unknown subjects read as zero
	rec = do(t, handler, http.MethodGet, "/subjects/unknown/log", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"entries":[]}`, rec.Body.String())
}

func TestTiersAndResolve(t *testing.T) {
	handler := NewMux(newTestService(), nil, Options{})

	rec := do(t, handler, http.MethodGet, "/tiers", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tiers struct {
		Name          string      `json:"name"`
		FlagThreshold int64       `json:"flag_threshold"`
		Tiers         []core.Tier `json:"tiers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tiers))
	assert.Equal(t, core.TableAdmin, tiers.Name)
	assert.Equal(t, int64(50), tiers.FlagThreshold)
	require.Len(t, tiers.Tiers, 9)
	assert.True(t, tiers.Tiers[8].Terminal())

	rec = do(t, handler, http.MethodGet, "/tiers/resolve?points=120", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var p core.Progress
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, 2, p.Current.Level)
	require.NotNil(t, p.PointsToNext)
	assert.Equal(t, int64(130), *p.PointsToNext)

	assert.Equal(t, http.StatusBadRequest, do(t, handler, http.MethodGet, "/tiers/resolve?points=-1", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, handler, http.MethodGet, "/tiers/resolve?points=x", "", nil).Code)
}

func TestLeaderboardAndStats(t *testing.T) {
	svc := newTestService()
	board := leaderboard.NewSkipList()
	stats := analytics.NewGrantStats()
	svc.SubscribeAll(leaderboard.Feed(board))
	svc.SubscribeAll(analytics.NewBridge(stats).Handler())
	handler := NewMux(svc, nil, Options{Board: board, Stats: stats})

	do(t, handler, http.MethodPost, "/subjects/alice/points?delta=80&reason=a", "", asOps)
	do(t, handler, http.MethodPost, "/subjects/bob/points?delta=20&reason=b", "", asOps)

	rec := do(t, handler, http.MethodGet, "/leaderboard?limit=1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var lb struct {
		Entries []leaderboard.Entry `json:"entries"`
		Total   int                 `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lb))
	require.Len(t, lb.Entries, 1)
	assert.Equal(t, core.SubjectID("alice"), lb.Entries[0].Subject)
	assert.Equal(t, 2, lb.Total)
	assert.Equal(t, http.StatusBadRequest, do(t, handler, http.MethodGet, "/leaderboard?limit=0", "", nil).Code)

	rec = do(t, handler, http.MethodGet, "/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap analytics.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, int64(100), snap.TotalGranted)
	assert.Equal(t, int64(1), snap.TotalFlagged)
}

func TestOptionalRoutesAbsent(t *testing.T) {
	handler := NewMux(newTestService(), nil, Options{})
	assert.Equal(t, http.StatusNotFound, do(t, handler, http.MethodGet, "/leaderboard", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, handler, http.MethodGet, "/stats", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, handler, http.MethodGet, "/nope", "", nil).Code)
}

type conflictStore struct{ *mem.Store }

func (conflictStore) Update(_ context.Context, subject core.SubjectID, _ string, _ core.Mutation) (core.Commit, error) {
	return core.Commit{}, &core.ConflictError{SubjectID: subject, Attempts: 5}
}

func TestConflictMapsTo409(t *testing.T) {
	svc := engine.NewRankService(conflictStore{mem.New()}, nil, core.AdminTiers(), engine.NewEventBus(engine.DispatchSync))
	handler := NewMux(svc, nil, Options{})

	rec := do(t, handler, http.MethodPost, "/subjects/alice/points?delta=5&reason=x", "", asOps)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestHealthz(t *testing.T) {
	handler := NewMux(newTestService(), nil, Options{PathPrefix: "/api"})
	rec := do(t, handler, http.MethodGet, "/api/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy"`)
}

func TestMetricsInstrumentation(t *testing.T) {
	m := metrics.NewManager()
	handler := NewMux(newTestService(), nil, Options{Metrics: m})

	do(t, handler, http.MethodGet, "/tiers", "", nil)
	do(t, handler, http.MethodGet, "/subjects/alice", "", nil)
	do(t, handler, http.MethodGet, "/subjects/bob", "", nil)

	n, err := testutil.GatherAndCount(m.Registry(), "eliteheat_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestAPIKeyAuth(t *testing.T) {
	svc := newTestService()
	handler := NewMux(svc, nil, Options{
		PathPrefix:      "/api",
		APIKeys:         []string{"secret"},
		AllowCORSOrigin: "*",
	})

	req := httptest.NewRequest(http.MethodGet, "/api/subjects/alice", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/subjects/alice", nil)
	req2.Header.Set("Authorization", "Bearer secret")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec2.Code)
	}
	if rec2.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected CORS header")
	}
}

func TestRateLimit(t *testing.T) {
	svc := newTestService()
	handler := NewMux(svc, nil, Options{
		PathPrefix:       "/api",
		APIKeys:          []string{"k"},
		RateLimitEnabled: true,
		RateLimitRPM:     1,
		RateLimitBurst:   1,
	})

	req1 := httptest.NewRequest(http.MethodGet, "/api/subjects/alice", nil)
	req1.Header.Set("X-API-Key", "k")
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusOK {
		t.Fatalf("expected 200 first request, got %d", rec1.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/subjects/alice", nil)
	req2.Header.Set("X-API-Key", "k")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec2.Code)
	}
}

func newTestService() *engine.RankService {
	storage := mem.New()
	bus := engine.NewEventBus(engine.DispatchSync)
	return engine.NewRankService(storage, nil, core.AdminTiers(), bus)
}

func TestRateLimiterSweepsIdleBuckets(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newRateLimiter(60, 2, time.Minute)
	l.now = func() time.Time { return now }
	l.lastSweep = now

	for i := 0; i < 100; i++ {
		require.True(t, l.allow(fmt.Sprintf("10.0.0.%d", i)))
	}
	require.True(t, l.allow("busy"))
	require.True(t, l.allow("busy"))
	require.False(t, l.allow("busy"))
	assert.Equal(t, 101, l.size())

	// one token refills per second, so idle clients are full again by the sweep
	// while the busy client has just spent its tokens
	now = now.Add(59900 * time.Millisecond)
	require.True(t, l.allow("busy"))
	require.True(t, l.allow("busy"))
	now = now.Add(100 * time.Millisecond)
	require.False(t, l.allow("busy"))
	assert.Equal(t, 1, l.size(), "only the busy client should keep a bucket")

	// a swept client starts over with a full bucket
	require.True(t, l.allow("10.0.0.1"))
	require.True(t, l.allow("10.0.0.1"))
	require.False(t, l.allow("10.0.0.1"))
}

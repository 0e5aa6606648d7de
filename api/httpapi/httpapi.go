package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	wsadapter "eliteheat/adapters/websocket"
	"eliteheat/analytics"
	"eliteheat/core"
	"eliteheat/engine"
	"eliteheat/leaderboard"
	"eliteheat/metrics"
	"eliteheat/realtime"
)

// Options configures the HTTP API surface.
type Options struct {
	// PathPrefix, if set, is prepended to all routes (e.g., "/api").
	PathPrefix string
	// AllowCORSOrigin, if non-empty, enables basic CORS with the given origin (use "*" for any).
	AllowCORSOrigin string
	// APIKeys, if non-empty, enables static API key auth via Authorization: Bearer or X-API-Key.
	APIKeys []string
	// RateLimitEnabled toggles rate limiting.
	RateLimitEnabled bool
	// RateLimitRPM is the allowed requests per minute per client key.
	RateLimitRPM int
	// RateLimitBurst defines burst capacity.
	RateLimitBurst int
	// RateLimitCleanup is how often idle client buckets are swept. Defaults to one minute.
	RateLimitCleanup time.Duration

	// Board serves GET /leaderboard and subject positions when set.
	Board leaderboard.Board
	// Stats serves GET /stats when set.
	Stats *analytics.GrantStats
	// Metrics instruments every route when set.
	Metrics *metrics.Manager
	Logger  *slog.Logger
}

const (
	headerActor          = "X-Actor"
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
	defaultLeaderboard   = 10
	maxLeaderboard       = 100
)

type server struct {
	svc  *engine.RankService
	opts Options
	log  *slog.Logger
}

// NewMux builds an http.Handler exposing the rank REST API and WebSocket stream.
// Routes:
//   - GET  {prefix}/tiers
//   - GET  {prefix}/tiers/resolve?points=120
//   - GET  {prefix}/subjects/{id}
//   - GET  {prefix}/subjects/{id}/log
//   - GET  {prefix}/subjects/{id}/verify
//   - POST {prefix}/subjects/{id}/points?delta=50&reason=...  (X-Actor, Idempotency-Key)
//   - POST {prefix}/subjects/{id}/rank?level=3                 (X-Actor, Idempotency-Key)
//   - GET  {prefix}/leaderboard?limit=10
//   - GET  {prefix}/stats?top=5
//   - GET  {prefix}/healthz
//   - WS   {prefix}/ws
func NewMux(svc *engine.RankService, hub *realtime.Hub, opts Options) http.Handler {
	s := &server{svc: svc, opts: opts, log: opts.Logger}
	if s.log == nil {
		s.log = slog.Default()
	}
	mux := http.NewServeMux()

	s.handle(mux, http.MethodGet, "/healthz", s.healthCheck)
	if hub != nil {
		mux.Handle(withPrefix(opts.PathPrefix, "/ws"), wsadapter.Handler(hub))
	}
	s.handle(mux, http.MethodGet, "/tiers", s.getTiers)
	s.handle(mux, http.MethodGet, "/tiers/resolve", s.resolveTier)
	s.handle(mux, http.MethodGet, "/subjects/{id}", s.getSubject)
	s.handle(mux, http.MethodGet, "/subjects/{id}/log", s.getLog)
	s.handle(mux, http.MethodGet, "/subjects/{id}/verify", s.verify)
	s.handle(mux, http.MethodPost, "/subjects/{id}/points", s.accrue)
	s.handle(mux, http.MethodPost, "/subjects/{id}/rank", s.assign)
	if opts.Board != nil {
		s.handle(mux, http.MethodGet, "/leaderboard", s.getLeaderboard)
	}
	if opts.Stats != nil {
		s.handle(mux, http.MethodGet, "/stats", s.getStats)
	}
	mux.HandleFunc(withPrefix(opts.PathPrefix, "/"), func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", nil)
	})

	var handler http.Handler = mux
	if opts.AllowCORSOrigin != "" {
		handler = withCORS(handler, opts.AllowCORSOrigin)
	}
	if len(opts.APIKeys) > 0 {
		handler = withAPIKeyAuth(handler, opts.APIKeys)
	}
	if opts.RateLimitEnabled && opts.RateLimitRPM > 0 && opts.RateLimitBurst > 0 {
		handler = withRateLimit(handler, newRateLimiter(opts.RateLimitRPM, opts.RateLimitBurst, opts.RateLimitCleanup))
	}
	return handler
}

func (s *server) handle(mux *http.ServeMux, method, route string, h http.HandlerFunc) {
	var handler http.Handler = h
	if s.opts.Metrics != nil {
		handler = s.opts.Metrics.Instrument(route, handler)
	}
	mux.Handle(method+" "+withPrefix(s.opts.PathPrefix, route), handler)
}

// healthCheck verifies storage answers reads.
func (s *server) healthCheck(w http.ResponseWriter, r *http.Request) {
	// an unknown subject reads as a zero record and writes nothing
	_, err := s.svc.Standing(r.Context(), "healthcheck_probe")

	status := map[string]any{
		"status": "healthy",
		"checks": map[string]any{
			"storage": "ok",
		},
	}
	code := http.StatusOK
	if err != nil {
		code = http.StatusServiceUnavailable
		status["status"] = "unhealthy"
		status["checks"].(map[string]any)["storage"] = "failed"
	}
	writeJSONStatus(w, code, status)
}

func (s *server) getTiers(w http.ResponseWriter, r *http.Request) {
	t := s.svc.Tiers()
	writeJSON(w, map[string]any{
		"name":           t.Name(),
		"flag_threshold": s.svc.FlagThreshold(),
		"tiers":          t.Tiers(),
	})
}

func (s *server) resolveTier(w http.ResponseWriter, r *http.Request) {
	points, err := strconv.ParseInt(r.URL.Query().Get("points"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_points", "points must be an integer", nil)
		return
	}
	p, err := s.svc.ProgressToNext(points)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, p)
}

type subjectView struct {
	core.Standing
	Position *int `json:"position,omitempty"`
}

func (s *server) getSubject(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Standing(r.Context(), core.SubjectID(r.PathValue("id")))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	view := subjectView{Standing: st}
	if s.opts.Board != nil {
		if pos, ok := s.opts.Board.Position(st.Record.SubjectID); ok {
			view.Position = &pos
		}
	}
	writeJSON(w, view)
}

func (s *server) getLog(w http.ResponseWriter, r *http.Request) {
	entries, err := s.svc.History(r.Context(), core.SubjectID(r.PathValue("id")))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if entries == nil {
		entries = []core.LogEntry{}
	}
	writeJSON(w, map[string]any{"entries": entries})
}

func (s *server) verify(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.Verify(r.Context(), core.SubjectID(r.PathValue("id")))
	var ce *core.ConsistencyError
	if errors.As(err, &ce) {
		writeError(w, http.StatusConflict, "inconsistent", err.Error(), map[string]any{"stored": ce.Stored, "replayed": ce.Replayed})
		return
	}
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]any{"consistent": true, "record": rec})
}

// accrualRequest is the optional JSON body of POST /subjects/{id}/points.
// Query parameters and headers fill anything the body leaves empty.
type accrualRequest struct {
	Delta  *int64 `json:"delta"`
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

func (s *server) accrue(w http.ResponseWriter, r *http.Request) {
	var req accrualRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return
	}
	q := r.URL.Query()
	if req.Delta == nil {
		d, err := strconv.ParseInt(q.Get("delta"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_delta", "delta must be an integer", nil)
			return
		}
		req.Delta = &d
	}
	if req.Reason == "" {
		req.Reason = q.Get("reason")
	}
	actor := actorOf(r, req.Actor)

	commit, err := s.svc.AccruePoints(r.Context(), core.SubjectID(r.PathValue("id")), *req.Delta, req.Reason, actor, mutationOpts(r)...)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeCommit(w, commit)
}

type assignRequest struct {
	Level *int   `json:"level"`
	Actor string `json:"actor"`
}

func (s *server) assign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return
	}
	if req.Level == nil {
		lvl, err := strconv.Atoi(r.URL.Query().Get("level"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_level", "level must be an integer", nil)
			return
		}
		req.Level = &lvl
	}
	commit, err := s.svc.AssignRank(r.Context(), r.PathValue("id"), *req.Level, actorOf(r, req.Actor), mutationOpts(r)...)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeCommit(w, commit)
}

type commitView struct {
	core.Commit
	Rank core.Tier `json:"rank"`
}

func (s *server) writeCommit(w http.ResponseWriter, c core.Commit) {
	tier, err := s.svc.ResolveRank(c.Record.Points)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if c.Replayed {
		w.Header().Set(headerReplayed, "true")
	}
	writeJSON(w, commitView{Commit: c, Rank: tier})
}

func (s *server) getLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(r, "limit", defaultLeaderboard)
	if !ok || limit < 1 || limit > maxLeaderboard {
		writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and "+strconv.Itoa(maxLeaderboard), nil)
		return
	}
	entries := s.opts.Board.TopN(limit)
	if entries == nil {
		entries = []leaderboard.Entry{}
	}
	writeJSON(w, map[string]any{"entries": entries, "total": s.opts.Board.Len()})
}

func (s *server) getStats(w http.ResponseWriter, r *http.Request) {
	top, ok := intParam(r, "top", 5)
	if !ok || top < 0 {
		writeError(w, http.StatusBadRequest, "invalid_top", "top must be a non-negative integer", nil)
		return
	}
	writeJSON(w, s.opts.Stats.Snapshot(top))
}

// writeServiceError maps the engine's error kinds onto HTTP statuses.
func (s *server) writeServiceError(w http.ResponseWriter, err error) {
	var ve *core.ValidationError
	var nf *core.NotFoundError
	var ce *core.ConflictError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), map[string]any{"field": ve.Field})
	case errors.As(err, &nf):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), map[string]any{"kind": nf.Kind})
	case errors.As(err, &ce):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
	default:
		s.log.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error", nil)
	}
}

func mutationOpts(r *http.Request) []engine.MutationOption {
	if key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey)); key != "" {
		return []engine.MutationOption{engine.WithIdempotencyKey(key)}
	}
	return nil
}

func actorOf(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	if a := r.Header.Get(headerActor); a != "" {
		return a
	}
	return r.URL.Query().Get("actor")
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func intParam(r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	return n, err == nil
}

func withPrefix(prefix, path string) string {
	if prefix == "" || prefix == "/" {
		return path
	}
	if prefix[len(prefix)-1] == '/' {
		return prefix[:len(prefix)-1] + path
	}
	return prefix + path
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiError{Code: code, Message: msg, Details: details})
}

// withCORS wraps a handler with a minimal CORS policy.
func withCORS(next http.Handler, origin string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Vary", "Origin")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-API-Key,X-Actor,Idempotency-Key")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withAPIKeyAuth enforces a shared API key list.
func withAPIKeyAuth(next http.Handler, apiKeys []string) http.Handler {
	allowed := make(map[string]struct{}, len(apiKeys))
	for _, k := range apiKeys {
		k = strings.TrimSpace(k)
		if k != "" {
			allowed[k] = struct{}{}
		}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := extractAPIKey(r)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing API key", nil)
			return
		}
		if _, ok := allowed[key]; !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid API key", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withRateLimit applies a simple token-bucket limiter per client key.
func withRateLimit(next http.Handler, limiter *rateLimiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		if !limiter.allow(key) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return ""
}

// clientKey uses API key if present, otherwise remote IP.
func clientKey(r *http.Request) string {
	if key := extractAPIKey(r); key != "" {
		return key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type rateLimiter struct {
	rpm       float64
	burst     float64
	cleanup   time.Duration
	now       func() time.Time
	mu        sync.Mutex
	b         map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

func newRateLimiter(rpm, burst int, cleanup time.Duration) *rateLimiter {
	if cleanup <= 0 {
		cleanup = time.Minute
	}
	return &rateLimiter{
		rpm:       float64(rpm),
		burst:     float64(burst),
		cleanup:   cleanup,
		now:       time.Now,
		b:         make(map[string]*bucket),
		lastSweep: time.Now(),
	}
}

func (l *rateLimiter) allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastSweep) >= l.cleanup {
		l.sweep(now)
	}

	b, ok := l.b[key]
	if !ok {
		l.b[key] = &bucket{tokens: l.burst - 1, last: now}
		return true
	}

	elapsed := now.Sub(b.last).Minutes()
	b.tokens += elapsed * l.rpm
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	if b.tokens < 1 {
		b.last = now
		return false
	}
	b.tokens--
	b.last = now
	return true
}

// sweep drops buckets that have refilled to burst; a fresh bucket behaves the same.
func (l *rateLimiter) sweep(now time.Time) {
	for key, b := range l.b {
		if b.tokens+now.Sub(b.last).Minutes()*l.rpm >= l.burst {
			delete(l.b, key)
		}
	}
	l.lastSweep = now
}

func (l *rateLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.b)
}

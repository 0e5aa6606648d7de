package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"eliteheat/analytics"
	"eliteheat/core"
)

// Option configures the Client.
type Option func(*Client)

// Client provides typed access to the EliteHeat HTTP + WebSocket API.
type Client struct {
	baseURL    string
	wsURL      string
	httpClient *http.Client
	headers    http.Header
}

// NewClient constructs a new SDK client targeting the given baseURL (e.g., http://localhost:8080/api).
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("baseURL is required")
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	c := &Client{
		baseURL:    baseURL,
		wsURL:      deriveWSURL(baseURL),
		httpClient: http.DefaultClient,
		headers:    make(http.Header),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithAuthToken adds an Authorization: Bearer token header to all requests (HTTP + WS).
func WithAuthToken(token string) Option {
	return func(c *Client) {
		if strings.TrimSpace(token) != "" {
			c.headers.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithAPIKey adds an X-API-Key header.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		if strings.TrimSpace(key) != "" {
			c.headers.Set("X-API-Key", key)
		}
	}
}

// WithHeader sets an arbitrary header applied to HTTP and WS calls.
func WithHeader(k, v string) Option {
	return func(c *Client) {
		if k != "" {
			c.headers.Set(k, v)
		}
	}
}

// WithActor sets the X-Actor header recorded as granted_by on writes.
func WithActor(actor string) Option {
	return func(c *Client) {
		if strings.TrimSpace(actor) != "" {
			c.headers.Set("X-Actor", actor)
		}
	}
}

// CallOption configures a single write.
type CallOption func(http.Header)

// WithIdempotencyKey makes the write safe to retry: the server applies it once.
func WithIdempotencyKey(key string) CallOption {
	return func(h http.Header) {
		if key != "" {
			h.Set("Idempotency-Key", key)
		}
	}
}

// AccruePoints applies delta to a subject's score and returns the committed record.
func (c *Client) AccruePoints(ctx context.Context, subjectID string, delta int64, reason string, opts ...CallOption) (Commit, error) {
	if strings.TrimSpace(subjectID) == "" {
		return Commit{}, ErrEmptySubjectID
	}
	q := url.Values{}
	q.Set("delta", strconv.FormatInt(delta, 10))
	q.Set("reason", reason)

	var out Commit
	err := c.do(ctx, http.MethodPost, c.subjectPath(subjectID, "points"), q, opts, &out)
	return out, err
}

// AssignRank sets the subject identified by an id or alias to the floor of level.
func (c *Client) AssignRank(ctx context.Context, identifier string, level int, opts ...CallOption) (Commit, error) {
	if strings.TrimSpace(identifier) == "" {
		return Commit{}, ErrEmptySubjectID
	}
	q := url.Values{}
	q.Set("level", strconv.Itoa(level))

	var out Commit
	err := c.do(ctx, http.MethodPost, c.subjectPath(identifier, "rank"), q, opts, &out)
	return out, err
}

// GetStanding fetches a subject's score and rank progress.
func (c *Client) GetStanding(ctx context.Context, subjectID string) (Standing, error) {
	if strings.TrimSpace(subjectID) == "" {
		return Standing{}, ErrEmptySubjectID
	}
	var st Standing
	err := c.do(ctx, http.MethodGet, c.subjectPath(subjectID, ""), nil, nil, &st)
	return st, err
}

// History returns the subject's points log in commit order.
func (c *Client) History(ctx context.Context, subjectID string) ([]core.LogEntry, error) {
	if strings.TrimSpace(subjectID) == "" {
		return nil, ErrEmptySubjectID
	}
	var body struct {
		Entries []core.LogEntry `json:"entries"`
	}
	err := c.do(ctx, http.MethodGet, c.subjectPath(subjectID, "log"), nil, nil, &body)
	return body.Entries, err
}

// Verify asks the server to replay the subject's log against its stored score.
// A mismatch yields an *APIError matching core.ErrInconsistent.
func (c *Client) Verify(ctx context.Context, subjectID string) error {
	if strings.TrimSpace(subjectID) == "" {
		return ErrEmptySubjectID
	}
	var body struct {
		Consistent bool `json:"consistent"`
	}
	return c.do(ctx, http.MethodGet, c.subjectPath(subjectID, "verify"), nil, nil, &body)
}

// Tiers fetches the rank table.
func (c *Client) Tiers(ctx context.Context) (TierTable, error) {
	var t TierTable
	err := c.do(ctx, http.MethodGet, c.baseURL+"/tiers", nil, nil, &t)
	return t, err
}

// ResolveTier returns the tier and progress for a point total.
func (c *Client) ResolveTier(ctx context.Context, points int64) (core.Progress, error) {
	q := url.Values{}
	q.Set("points", strconv.FormatInt(points, 10))
	var p core.Progress
	err := c.do(ctx, http.MethodGet, c.baseURL+"/tiers/resolve", q, nil, &p)
	return p, err
}

// Leaderboard fetches the top subjects; limit <= 0 uses the server default.
func (c *Client) Leaderboard(ctx context.Context, limit int) (Leaderboard, error) {
	var q url.Values
	if limit > 0 {
		q = url.Values{"limit": {strconv.Itoa(limit)}}
	}
	var lb Leaderboard
	err := c.do(ctx, http.MethodGet, c.baseURL+"/leaderboard", q, nil, &lb)
	return lb, err
}

// Stats fetches grant statistics with up to top actors.
func (c *Client) Stats(ctx context.Context, top int) (analytics.Snapshot, error) {
	q := url.Values{"top": {strconv.Itoa(top)}}
	var snap analytics.Snapshot
	err := c.do(ctx, http.MethodGet, c.baseURL+"/stats", q, nil, &snap)
	return snap, err
}

func (c *Client) subjectPath(subjectID, sub string) string {
	p := c.baseURL + "/subjects/" + url.PathEscape(subjectID)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) do(ctx context.Context, method, target string, q url.Values, opts []CallOption, out any) error {
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return err
	}
	c.applyHeaders(req)
	for _, o := range opts {
		o(req.Header)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeJSON(resp, out)
}

// Health probes /healthz and returns status + storage check.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	u := c.baseURL + "/healthz"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return HealthStatus{}, err
	}
	c.applyHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return HealthStatus{}, err
	}
	defer resp.Body.Close()

	var hs HealthStatus
	if resp.StatusCode == http.StatusServiceUnavailable {
		// unhealthy still carries the check breakdown
		err := json.NewDecoder(resp.Body).Decode(&hs)
		return hs, err
	}
	if err := decodeJSON(resp, &hs); err != nil {
		return HealthStatus{}, err
	}
	return hs, nil
}

// StreamFilter narrows the event stream. Empty fields match everything.
type StreamFilter struct {
	Subjects []string
	Types    []core.EventType
}

func (f StreamFilter) query() string {
	q := url.Values{}
	for _, s := range f.Subjects {
		q.Add("subject", s)
	}
	for _, t := range f.Types {
		q.Add("type", string(t))
	}
	return q.Encode()
}

// SubscribeEvents connects to the WebSocket stream and emits core.Event values.
// The returned channel closes when ctx is done or the connection drops.
func (c *Client) SubscribeEvents(ctx context.Context, filter StreamFilter) (<-chan core.Event, error) {
	if c.wsURL == "" {
		return nil, errors.New("wsURL is not set; ensure baseURL is http/https")
	}
	target := c.wsURL
	if q := filter.query(); q != "" {
		target += "?" + q
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, target, c.headers)
	if err != nil {
		return nil, err
	}

	out := make(chan core.Event, 32)
	go func() {
		<-ctx.Done()
		// unblocks ReadJSON below
		_ = conn.Close()
	}()
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var evt core.Event
			if err := conn.ReadJSON(&evt); err != nil {
				return
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			default:
				// drop if consumer is slow
			}
		}
	}()
	return out, nil
}

func (c *Client) applyHeaders(r *http.Request) {
	for k, vals := range c.headers {
		for _, v := range vals {
			r.Header.Add(k, v)
		}
	}
}

func deriveWSURL(httpBase string) string {
	u, err := url.Parse(httpBase)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		// leave as-is for custom schemes
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String()
}

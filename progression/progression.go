package progression

import (
	"context"
	"log/slog"

	mem "eliteheat/adapters/memory"
	"eliteheat/analytics"
	"eliteheat/core"
	"eliteheat/engine"
	"eliteheat/integrations/webhook"
	"eliteheat/leaderboard"
	"eliteheat/metrics"
	"eliteheat/realtime"
)

// Option configures the rank service builder.
type Option func(*config)

type config struct {
	storage   engine.Storage
	directory engine.Directory
	table     *core.TierTable
	mode      engine.DispatchMode
	rules     engine.RuleEngine
	threshold *int64
	logger    *slog.Logger
	hub       *realtime.Hub
	board     leaderboard.Board
	hooks     []analytics.Hook
	metrics   *metrics.Manager
	webhook   *webhook.Sink
	extra     []engine.Option
}

// WithStorage sets the persistence adapter.
func WithStorage(s engine.Storage) Option { return func(c *config) { c.storage = s } }

// WithDirectory sets how AssignRank resolves subject identifiers.
func WithDirectory(d engine.Directory) Option { return func(c *config) { c.directory = d } }

// WithTierTable sets the tier table.
func WithTierTable(t *core.TierTable) Option { return func(c *config) { c.table = t } }

// WithRuleEngine sets the rule engine.
func WithRuleEngine(r engine.RuleEngine) Option { return func(c *config) { c.rules = r } }

// WithDispatchMode selects sync or async event dispatch.
func WithDispatchMode(m engine.DispatchMode) Option { return func(c *config) { c.mode = m } }

// WithFlagThreshold overrides the grant size above which grants are flagged.
func WithFlagThreshold(n int64) Option { return func(c *config) { c.threshold = &n } }

func WithLogger(l *slog.Logger) Option { return func(c *config) { c.logger = l } }

// WithRealtime wires a realtime hub to receive all engine events.
func WithRealtime(h *realtime.Hub) Option { return func(c *config) { c.hub = h } }

// WithLeaderboard keeps board in sync with committed scores, read back from
// storage after each write. The board is seeded from storage when the adapter
// can list its records.
func WithLeaderboard(b leaderboard.Board) Option { return func(c *config) { c.board = b } }

// WithAnalytics feeds every event to the given hooks.
func WithAnalytics(hooks ...analytics.Hook) Option {
	return func(c *config) { c.hooks = append(c.hooks, hooks...) }
}

// WithMetrics records operation outcomes and event counters on m.
func WithMetrics(m *metrics.Manager) Option { return func(c *config) { c.metrics = m } }

// WithWebhook forwards matching events to a webhook sink.
func WithWebhook(s *webhook.Sink) Option { return func(c *config) { c.webhook = s } }

// WithServiceOptions passes options straight to engine.NewRankService.
func WithServiceOptions(opts ...engine.Option) Option {
	return func(c *config) { c.extra = append(c.extra, opts...) }
}

type recordLister interface {
	Records(ctx context.Context) ([]core.ScoreRecord, error)
}

// New builds a configured RankService. If not provided, defaults are used:
//   - storage: in-memory
//   - directory: open (any identifier is its own subject id)
//   - tiers: the built-in admin table
//   - rules: DefaultRuleEngine for the table
//   - dispatch: async
func New(opts ...Option) *engine.RankService {
	cfg := &config{mode: engine.DispatchAsync}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.storage == nil {
		cfg.storage = mem.New()
	}
	if cfg.table == nil {
		cfg.table = core.AdminTiers()
	}
	if cfg.rules == nil {
		cfg.rules = engine.DefaultRuleEngine(cfg.table)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	bus := engine.NewEventBus(cfg.mode)
	bus.SetLogger(cfg.logger)

	svcOpts := []engine.Option{engine.WithLogger(cfg.logger), engine.WithRules(cfg.rules)}
	if cfg.threshold != nil {
		svcOpts = append(svcOpts, engine.WithFlagThreshold(*cfg.threshold))
	}
	if cfg.metrics != nil {
		svcOpts = append(svcOpts, engine.WithObserver(cfg.metrics))
	}
	svcOpts = append(svcOpts, cfg.extra...)
	svc := engine.NewRankService(cfg.storage, cfg.directory, cfg.table, bus, svcOpts...)

	if cfg.hub != nil {
		svc.SubscribeAll(cfg.hub.Broadcast)
	}
	if cfg.board != nil {
		if lister, ok := cfg.storage.(recordLister); ok {
			recs, err := lister.Records(context.Background())
			if err != nil {
				cfg.logger.Warn("leaderboard seed failed", "error", err)
			} else {
				leaderboard.Seed(cfg.board, recs)
			}
		}
		feed := leaderboard.FeedFrom(cfg.board, cfg.storage, cfg.logger)
		m := cfg.metrics
		svc.SubscribeAll(func(ctx context.Context, e core.Event) {
			feed(ctx, e)
			if m != nil {
				m.SetLeaderboardSize(cfg.board.Len())
			}
		})
		if m != nil {
			m.SetLeaderboardSize(cfg.board.Len())
		}
	}
	if len(cfg.hooks) > 0 {
		svc.SubscribeAll(analytics.NewBridge(cfg.hooks...).Handler())
	}
	if cfg.metrics != nil {
		svc.SubscribeAll(cfg.metrics.OnEvent)
	}
	if cfg.webhook != nil {
		svc.SubscribeAll(cfg.webhook.OnEvent)
	}
	return svc
}

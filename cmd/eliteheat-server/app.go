package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"eliteheat/adapters/jsonfile"
	mem "eliteheat/adapters/memory"
	redisAdapter "eliteheat/adapters/redis"
	sqlxAdapter "eliteheat/adapters/sqlx"
	"eliteheat/analytics"
	"eliteheat/api/httpapi"
	"eliteheat/config"
	"eliteheat/core"
	"eliteheat/engine"
	"eliteheat/integrations/kafka"
	"eliteheat/integrations/webhook"
	"eliteheat/leaderboard"
	"eliteheat/metrics"
	"eliteheat/progression"
	"eliteheat/realtime"
)

// App aggregates the assembled server components.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	Hub     *realtime.Hub
	Board   *leaderboard.SkipList
	Stats   *analytics.GrantStats
	Service *engine.RankService
	Handler http.Handler
	Server  *http.Server
	// Metrics is nil when metrics are disabled.
	Metrics *MetricsServer
	// Consumer is nil when Kafka is disabled.
	Consumer *kafka.Consumer
}

// MetricsServer serves the Prometheus endpoint on its own listener.
type MetricsServer struct {
	*http.Server
	Manager *metrics.Manager
}

// registrar is implemented by stores that double as the subject directory.
type registrar interface {
	engine.Directory
	Register(ctx context.Context, subject core.SubjectID, identifiers ...string) error
}

func provideConfig(ctx context.Context) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.LoadSecretsFromEnv(ctx); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(cfg *config.Config) *slog.Logger {
	return setupLogging(cfg)
}

func provideHub() *realtime.Hub {
	return realtime.NewHub()
}

func provideBoard() *leaderboard.SkipList {
	return leaderboard.NewSkipList()
}

func provideStats() *analytics.GrantStats {
	return analytics.NewGrantStats()
}

func provideMetricsManager(cfg *config.Config) *metrics.Manager {
	if !cfg.Metrics.Enabled {
		return nil
	}
	var opts []metrics.Option
	if cfg.Metrics.CollectSystem {
		opts = append(opts, metrics.WithSystemCollectors())
	}
	return metrics.NewManager(opts...)
}

func provideStorage(cfg *config.Config, logger *slog.Logger) (engine.Storage, func(), error) {
	return setupStorage(cfg, logger)
}

func provideTierTable(cfg *config.Config) (*core.TierTable, error) {
	return cfg.Ranks.TierTable()
}

func provideDirectory(ctx context.Context, cfg *config.Config, logger *slog.Logger, storage engine.Storage) (engine.Directory, error) {
	return setupDirectory(ctx, cfg, logger, storage)
}

func provideWebhook(cfg *config.Config, logger *slog.Logger) *webhook.Sink {
	if len(cfg.Webhooks.Endpoints) == 0 {
		return nil
	}
	types := make([]core.EventType, 0, len(cfg.Webhooks.Events))
	for _, e := range cfg.Webhooks.Events {
		types = append(types, core.EventType(e))
	}
	return webhook.New(cfg.Webhooks.Endpoints,
		webhook.WithClient(&http.Client{Timeout: cfg.Webhooks.Timeout}),
		webhook.WithTypes(types...),
		webhook.WithSecret(cfg.Webhooks.Secret),
		webhook.WithLogger(logger),
	)
}

func provideService(
	cfg *config.Config,
	logger *slog.Logger,
	storage engine.Storage,
	dir engine.Directory,
	table *core.TierTable,
	hub *realtime.Hub,
	board *leaderboard.SkipList,
	stats *analytics.GrantStats,
	m *metrics.Manager,
	sink *webhook.Sink,
) (*engine.RankService, func()) {
	mode := engine.DispatchAsync
	if cfg.Events.Dispatch == "sync" {
		mode = engine.DispatchSync
	}
	opts := []progression.Option{
		progression.WithStorage(storage),
		progression.WithDirectory(dir),
		progression.WithTierTable(table),
		progression.WithFlagThreshold(cfg.Ranks.FlagThreshold),
		progression.WithDispatchMode(mode),
		progression.WithLogger(logger),
		progression.WithRealtime(hub),
		progression.WithLeaderboard(board),
		progression.WithAnalytics(stats),
	}
	if m != nil {
		opts = append(opts, progression.WithMetrics(m))
	}
	if sink != nil {
		opts = append(opts, progression.WithWebhook(sink))
	}
	svc := progression.New(opts...)
	return svc, svc.Close
}

func provideHandler(svc *engine.RankService, hub *realtime.Hub, board *leaderboard.SkipList, stats *analytics.GrantStats, m *metrics.Manager, cfg *config.Config, logger *slog.Logger) http.Handler {
	return httpapi.NewMux(svc, hub, httpapi.Options{
		PathPrefix:       cfg.Server.PathPrefix,
		AllowCORSOrigin:  cfg.Server.CORSOrigin,
		APIKeys:          cfg.Security.APIKeys,
		RateLimitEnabled: cfg.Security.EnableRateLimit,
		RateLimitRPM:     cfg.Security.RateLimit.RequestsPerMinute,
		RateLimitBurst:   cfg.Security.RateLimit.BurstSize,
		RateLimitCleanup: cfg.Security.RateLimit.CleanupInterval,
		Board:            board,
		Stats:            stats,
		Metrics:          m,
		Logger:           logger,
	})
}

func provideServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
}

func provideMetricsServer(cfg *config.Config, m *metrics.Manager) *MetricsServer {
	if m == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, m.Handler())
	return &MetricsServer{
		Server: &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           mux,
			ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		},
		Manager: m,
	}
}

func provideConsumer(cfg *config.Config, svc *engine.RankService, logger *slog.Logger) (*kafka.Consumer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	return kafka.NewConsumer(kafka.Config{
		Brokers:      cfg.Kafka.Brokers,
		Topic:        cfg.Kafka.Topic,
		GroupID:      cfg.Kafka.GroupID,
		MaxRetries:   cfg.Kafka.MaxRetries,
		RetryBackoff: cfg.Kafka.RetryBackoff,
	}, svc, logger.With("component", "kafka"))
}

// setupLogging configures the logger based on configuration.
func setupLogging(cfg *config.Config) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Logging.Level),
	}

	out := os.Stdout
	if cfg.Logging.Output == "stderr" {
		out = os.Stderr
	}

	switch cfg.Logging.Format {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}

	if len(cfg.Logging.Attributes) > 0 {
		handler = handler.WithAttrs(convertAttributes(cfg.Logging.Attributes))
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// parseLogLevel converts string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// convertAttributes converts map[string]string to []slog.Attr.
func convertAttributes(attrs map[string]string) []slog.Attr {
	var result []slog.Attr
	for k, v := range attrs {
		result = append(result, slog.String(k, v))
	}
	return result
}

// setupStorage creates the appropriate storage adapter based on configuration.
// The returned cleanup closes connections owned by the adapter.
func setupStorage(cfg *config.Config, logger *slog.Logger) (engine.Storage, func(), error) {
	noop := func() {}
	switch cfg.Storage.Adapter {
	case "memory":
		return mem.New(), noop, nil
	case "file":
		s, err := jsonfile.New(cfg.Storage.File.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil
	case "redis":
		s, err := redisAdapter.New(cfg.Storage.Redis)
		if err != nil {
			return nil, nil, err
		}
		return s, closer(logger, "redis", s.Close), nil
	case "sql":
		s, err := sqlxAdapter.New(cfg.Storage.SQL)
		if err != nil {
			return nil, nil, err
		}
		return s, closer(logger, "sql", s.Close), nil
	default:
		return nil, nil, fmt.Errorf("unknown storage adapter: %s", cfg.Storage.Adapter)
	}
}

func closer(logger *slog.Logger, name string, closeFn func() error) func() {
	return func() {
		if err := closeFn(); err != nil {
			logger.Error("failed to close storage", "adapter", name, "error", err)
		}
	}
}

// setupDirectory picks how AssignRank resolves identifiers. Stores that keep a
// directory are authoritative and get the configured seeds; otherwise seeds
// build an in-memory directory, and with no seeds every identifier is its own id.
func setupDirectory(ctx context.Context, cfg *config.Config, logger *slog.Logger, storage engine.Storage) (engine.Directory, error) {
	seeds := cfg.Directory.Subjects
	if reg, ok := storage.(registrar); ok {
		for _, s := range seeds {
			if err := reg.Register(ctx, core.SubjectID(s.ID), s.Identifiers...); err != nil {
				return nil, fmt.Errorf("seed directory: %w", err)
			}
		}
		return reg, nil
	}
	if len(seeds) == 0 {
		logger.Warn("no subjects configured; using open directory, rank assignment will accept unknown subjects",
			"adapter", cfg.Storage.Adapter)
		return engine.OpenDirectory{}, nil
	}
	dir := mem.NewDirectory()
	for _, s := range seeds {
		if err := dir.Add(core.SubjectID(s.ID), s.Identifiers...); err != nil {
			return nil, fmt.Errorf("seed directory: %w", err)
		}
	}
	return dir, nil
}

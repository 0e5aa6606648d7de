package main

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eliteheat/adapters/jsonfile"
	mem "eliteheat/adapters/memory"
	redisAdapter "eliteheat/adapters/redis"
	"eliteheat/config"
	"eliteheat/core"
	"eliteheat/engine"
)

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLogLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLogLevel("warn"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("loud"))
}

func TestSetupStorage(t *testing.T) {
	cfg := config.DefaultConfig()

	s, cleanup, err := setupStorage(cfg, slog.Default())
	require.NoError(t, err)
	cleanup()
	assert.IsType(t, &mem.Store{}, s)

	cfg.Storage.Adapter = "file"
	cfg.Storage.File.Path = filepath.Join(t.TempDir(), "ranks.json")
	s, cleanup, err = setupStorage(cfg, slog.Default())
	require.NoError(t, err)
	cleanup()
	assert.IsType(t, &jsonfile.Store{}, s)

	cfg.Storage.Adapter = "etcd"
	_, _, err = setupStorage(cfg, slog.Default())
	assert.Error(t, err)
}

func TestSetupDirectory(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultConfig()
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	// no seeds on a store without a directory: open, with a warning
	dir, err := setupDirectory(ctx, cfg, logger, mem.New())
	require.NoError(t, err)
	id, err := dir.Resolve(ctx, "Anyone")
	require.NoError(t, err)
	assert.Equal(t, core.SubjectID("anyone"), id)
	assert.Contains(t, logs.String(), "level=WARN")
	assert.Contains(t, logs.String(), "open directory")

	logs.Reset()
	cfg.Directory.Subjects = []config.SubjectSeed{{ID: "ana", Identifiers: []string{"ana@example.com"}}}
	dir, err = setupDirectory(ctx, cfg, logger, mem.New())
	require.NoError(t, err)
	id, err = dir.Resolve(ctx, "ANA@example.com")
	require.NoError(t, err)
	assert.Equal(t, core.SubjectID("ana"), id)
	_, err = dir.Resolve(ctx, "bo")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Empty(t, logs.String())

	// redis keeps its own directory and receives the seeds
	mr := miniredis.RunT(t)
	store := redisAdapter.NewWithClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	dir, err = setupDirectory(ctx, cfg, logger, store)
	require.NoError(t, err)
	assert.Same(t, store, dir)
	id, err = store.Resolve(ctx, "ana@example.com")
	require.NoError(t, err)
	assert.Equal(t, core.SubjectID("ana"), id)
}

func TestProvidersAssembleService(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Events.Dispatch = "sync"
	cfg.Ranks.Table = core.TableStaff
	cfg.Ranks.FlagThreshold = 20
	cfg.Metrics.Enabled = true

	logger := slog.Default()
	table, err := provideTierTable(cfg)
	require.NoError(t, err)
	m := provideMetricsManager(cfg)
	require.NotNil(t, m)
	// collect_system defaults to on
	n, err := testutil.GatherAndCount(m.Registry(), "go_goroutines")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Nil(t, provideWebhook(cfg, logger))

	board := provideBoard()
	stats := provideStats()
	svc, cleanup := provideService(cfg, logger, mem.New(), engine.OpenDirectory{}, table, provideHub(), board, stats, m, nil)
	defer cleanup()

	commit, err := svc.AccruePoints(context.Background(), "mentor-1", 25, "lesson", "ops")
	require.NoError(t, err)
	assert.True(t, commit.Entry.Flagged)
	e, ok := board.Get("mentor-1")
	require.True(t, ok)
	assert.Equal(t, int64(25), e.Points)
	assert.Equal(t, int64(1), stats.Snapshot(1).TotalFlagged)

	ms := provideMetricsServer(cfg, m)
	require.NotNil(t, ms)
	assert.Equal(t, cfg.Metrics.Address, ms.Addr)

	consumer, err := provideConsumer(cfg, svc, logger)
	require.NoError(t, err)
	assert.Nil(t, consumer)
}

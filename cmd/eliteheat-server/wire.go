//go:build wireinject
// +build wireinject

package main

import (
	"context"

	"github.com/google/wire"
)

// BuildApp wires the server components using Google Wire.
// The returned cleanup drains the event bus and closes storage.
func BuildApp(ctx context.Context) (*App, func(), error) {
	wire.Build(
		provideConfig,
		provideLogger,
		provideHub,
		provideBoard,
		provideStats,
		provideMetricsManager,
		provideStorage,
		provideTierTable,
		provideDirectory,
		provideWebhook,
		provideService,
		provideHandler,
		provideServer,
		provideMetricsServer,
		provideConsumer,
		wire.Struct(new(App), "*"),
	)
	return nil, nil, nil
}

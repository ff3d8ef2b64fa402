//go:build wireinject
// +build wireinject

package main

import (
	"context"

	"github.com/google/wire"
)

// BuildApp wires the server components using Google Wire.
func BuildApp(ctx context.Context, flags Flags) (*App, func(), error) {
	wire.Build(
		provideConfig,
		provideLogger,
		provideMetrics,
		provideHub,
		provideTracer,
		provideBackends,
		provideSystem,
		provideHandler,
		provideServer,
		provideScheduler,
		wire.Struct(new(App), "*"),
	)
	return nil, nil, nil
}

package aserve

import (
	"context"
	"fmt"

	"go.uber.org/fx"
)

// Module provides a *Server and ties it to the application lifecycle. The
// Config must be supplied by the application, for example with fx.Supply
// or ConfigFromEnv.
var Module = fx.Module("aserve",
	fx.Provide(New),
	fx.Invoke(registerLifecycle),
)

// ConfigFromEnv provides a Config read by LoadConfig.
var ConfigFromEnv = fx.Provide(func() (Config, error) {
	return LoadConfig()
})

type lifecycleParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Server    *Server
	Config    Config
}

func registerLifecycle(p lifecycleParams) {
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return startAndWait(ctx, p.Server, p.Config)
		},
		OnStop: func(_ context.Context) error {
			return p.Server.Close()
		},
	})
}

func startAndWait(ctx context.Context, s *Server, cfg Config) error {
	s.Start(cfg)

	started := make(chan bool, 1)
	go func() { started <- s.Wait(false) }()

	select {
	case ok := <-started:
		if ok {
			return nil
		}
		if err := s.Err(); err != nil {
			return fmt.Errorf("start server: %w", err)
		}

		return fmt.Errorf("start server: %w", ErrTransportStart)
	case <-ctx.Done():
		s.Stop(false)
		return ctx.Err()
	}
}

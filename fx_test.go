package aserve

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
)

func TestModule(t *testing.T) {
	t.Run("StartStop", func(t *testing.T) {
		var s *Server
		cfg, md := memoryConfig()

		app := fxtest.New(t,
			fx.Supply(cfg),
			Module,
			fx.Populate(&s),
		)
		app.RequireStart()
		require.True(t, s.IsRunning())
		require.NotNil(t, md.last())

		app.RequireStop()
		require.Equal(t, Stopped, s.State())
	})

	t.Run("StartFailureFailsApp", func(t *testing.T) {
		app := fx.New(
			fx.NopLogger,
			fx.Supply(Configurate(WithPort(-1))),
			Module,
		)
		err := app.Start(context.Background())
		require.Error(t, err)
		require.Contains(t, err.Error(), ErrConfigInvalid.Error())
	})

	t.Run("ConfigFromEnv", func(t *testing.T) {
		t.Setenv("ASERVE_TRANSPORT", "memory")
		t.Setenv("ASERVE_WORKER_NAME", "fx")

		var s *Server
		app := fxtest.New(t,
			ConfigFromEnv,
			Module,
			fx.Populate(&s),
		)
		app.RequireStart()
		require.True(t, s.IsRunning())
		app.RequireStop()
	})
}

// Command aserve runs an echo server on top of the aserve package and
// exposes its metrics over HTTP.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/andrei-cloud/aserve"
)

type cliConfig struct {
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9100"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
}

func main() {
	var cli cliConfig
	if err := env.ParseWithOptions(&cli, env.Options{Prefix: aserve.EnvPrefix}); err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("parse cli config")
	}

	level, err := zerolog.ParseLevel(cli.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("role", "aserve").Logger()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	cfg, err := aserve.LoadConfig(
		aserve.WithLogger(aserve.NewZerologLogger(log)),
		aserve.WithRegisterer(reg),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	srv := aserve.New()
	srv.OnStart(func() {
		addr, err := srv.Addr()
		if err != nil {
			log.Warn().Err(err).Msg("resolve listen address")
			return
		}
		log.Info().Str("addr", addr.String()).Msg("accepting connections")
	})
	srv.OnNewConnection(func(c *aserve.Connection) {
		c.OnReceive(func(c *aserve.Connection, msg []byte) {
			if err := c.Send(msg); err != nil {
				log.Warn().Err(err).Uint64("conn", c.ID()).Msg("echo")
			}
		})
		c.OnDisconnect(func(c *aserve.Connection) {
			log.Debug().Uint64("conn", c.ID()).Msg("disconnected")
		})
	})
	srv.OnFail(func(err error) {
		log.Error().Err(err).Msg("server failure")
	})

	if !srv.Start(cfg).Wait(false) {
		log.Fatal().Err(srv.Err()).Msg("start server")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricsSrv := &http.Server{
		Addr:              cli.MetricsAddr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cli.MetricsAddr).Msg("serving metrics")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return metricsSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("metrics server")
	}

	srv.Stop(true)
	log.Info().Bool("failed", srv.Failed()).Msg("server stopped")
}

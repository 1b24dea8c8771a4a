package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/fullsend/fabric/internal/bus"
	"github.com/fullsend/fabric/internal/config"
	"github.com/fullsend/fabric/internal/llm"
	"github.com/fullsend/fabric/internal/router"
	"github.com/fullsend/fabric/internal/store"
	"github.com/fullsend/fabric/internal/telemetry"
)

// Execute runs the fabric CLI.
func Execute(ctx context.Context) error {
	var configPath string

	root := &cobra.Command{
		Use:   "fabric",
		Short: "Autonomous go-to-market orchestration fabric",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to fabric.yaml (optional)")

	root.AddCommand(
		watcherCmd(ctx, &configPath),
		orchestratorCmd(ctx, &configPath),
		monitorCmd(ctx, &configPath),
		executorCmd(ctx, &configPath),
		builderCmd(ctx, &configPath),
		submitCmd(ctx, &configPath),
		learnCmd(ctx, &configPath),
	)
	return root.ExecuteContext(ctx)
}

// runtime bundles the shared wiring every long-running service needs.
type runtime struct {
	cfg     config.Config
	bus     *bus.Bus
	router  *router.Router
	store   *store.Store
	metrics *telemetry.Metrics
}

// newRuntime loads configuration, applies the log level, connects the
// bus and store, and starts the metrics endpoint when configured. A
// broker that is down leaves the bus in degraded mode rather than
// failing startup; a bad config is fatal.
func newRuntime(ctx context.Context, configPath, source string) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	metrics := telemetry.NewMetrics()
	b := bus.New(cfg.RedisURL, source, metrics)
	if err := b.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("broker unreachable, starting degraded")
	}

	st, err := store.Open(ctx, cfg.RedisURL, "")
	if err != nil {
		return nil, err
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("metrics server failed")
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint up")
	}

	return &runtime{
		cfg:     cfg,
		bus:     b,
		router:  router.New(b),
		store:   st,
		metrics: metrics,
	}, nil
}

func (rt *runtime) close() {
	if err := rt.bus.Close(); err != nil {
		log.Warn().Err(err).Msg("bus close failed")
	}
	if err := rt.store.Close(); err != nil {
		log.Warn().Err(err).Msg("store close failed")
	}
}

// model builds the retry-wrapped production model client.
func (rt *runtime) model() *llm.Retrier {
	client := llm.NewAnthropic("", "")
	return llm.NewRetrier(client, rt.cfg.ModelRetryAttempts, rt.cfg.ModelRetryBase(), rt.cfg.ModelRetryMax()).
		WithLimiter(rate.NewLimiter(rate.Limit(2), 4))
}

// wait blocks until the root context ends.
func wait(ctx context.Context) error {
	<-ctx.Done()
	log.Info().Msg("shutting down")
	return nil
}

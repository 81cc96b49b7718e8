package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/crewnexus/internal/agent"
	"github.com/nidhogg/crewnexus/internal/api"
	"github.com/nidhogg/crewnexus/internal/config"
	"github.com/nidhogg/crewnexus/internal/event"
	"github.com/nidhogg/crewnexus/internal/logging"
	"github.com/nidhogg/crewnexus/internal/monitor"
	"github.com/nidhogg/crewnexus/internal/notify"
	"github.com/nidhogg/crewnexus/internal/orchestrator"
	"github.com/nidhogg/crewnexus/internal/provider"
	"github.com/nidhogg/crewnexus/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine and its HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return envOr("CONFIG_PATH", "configs/crewnexus.json")
}

func runServe(cmd *cobra.Command, _ []string) error {
	_ = godotenv.Load()

	path := configPath()
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if debug {
		cfg.Server.Log.Level = "debug"
	}
	logger := logging.New(cfg.Server.Log)
	defer logger.Sync()
	logger.Info("Starting CrewNexus...", zap.String("config", path), zap.String("version", version))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Providers and the agent invoker
	router := buildRouter(cfg.Providers, logger)
	catalog := provider.DefaultCatalog()
	for _, pc := range cfg.Providers {
		for _, m := range pc.Models {
			if !catalog.Has(m) {
				catalog.Add(provider.ModelInfo{ID: m})
			}
		}
	}
	invoker := agent.NewLLMInvoker(router, catalog, logger)

	// Event sinks: Redis when reachable, otherwise an in-process hub
	var (
		sinks   event.Fanout
		feed    monitor.Feed
		metrics monitor.Metrics
		hub     *monitor.Hub
		checks  = map[string]api.HealthCheck{}
	)
	if url := cfg.Database.Redis.URL; url != "" {
		rs, rErr := monitor.NewRedisSink(ctx, url, logger)
		if rErr != nil {
			logger.Warn("Redis unavailable, events stay in-process", zap.Error(rErr))
		} else {
			defer rs.Close()
			sinks = event.Fanout{rs}
			feed, metrics = rs, rs
			checks["redis"] = rs.Ping
		}
	}
	if feed == nil {
		hub = monitor.NewHub(monitor.DefaultHistory, logger)
		sinks = event.Fanout{hub}
		feed, metrics = hub, hub
	}

	dispatcher, err := buildDispatcher(cfg.Notify, logger)
	if err != nil {
		return err
	}
	defer dispatcher.Close()
	if len(dispatcher.Platforms()) > 0 {
		sinks = append(sinks, dispatcher)
	}

	// Execution archive
	opts := engineOptions(cfg.Engine)
	var pg *store.Store
	if dsn := cfg.Database.Postgres.DSN; dsn != "" {
		ps, pErr := store.New(ctx, dsn, logger)
		if pErr != nil {
			logger.Warn("PostgreSQL unavailable, running without archive", zap.Error(pErr))
		} else {
			defer ps.Close()
			if mErr := ps.Migrate(ctx, cfg.Database.Postgres.MigrationsDir); mErr != nil {
				return fmt.Errorf("migrate: %w", mErr)
			}
			pg = ps
			opts.Archive = ps
			checks["postgres"] = ps.Ping
		}
	}

	engine := orchestrator.NewEngine(invoker, sinks, opts, logger)
	engine.Start()

	handler := api.NewHandler(engine, catalog, feed, logger)
	handler.SetMetrics(metrics)
	handler.SetAllowedOrigins(cfg.Server.CORSOrigins)
	handler.SetProviders(router)
	for name, check := range checks {
		handler.AddHealthCheck(name, check)
	}
	if pg != nil {
		handler.SetArchive(pg)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("CrewNexus listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	if hub != nil {
		g.Go(func() error {
			return hub.Run(gctx, hubSweepInterval(opts), monitor.MetricsTTL)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down CrewNexus...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), engine.Shutdown(shutdownCtx))
	})
	return g.Wait()
}

func buildRouter(providers []config.ProviderConfig, logger *zap.Logger) *provider.Router {
	router := provider.NewRouter(logger)
	for _, pc := range providers {
		provCfg := provider.ProviderConfig{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
			Models: pc.Models, Fallbacks: pc.Fallbacks, Extra: pc.Extra,
		}
		switch pc.Type {
		case "openai":
			router.Register(provider.NewOpenAIProvider(provCfg, logger))
		case "anthropic":
			router.Register(provider.NewAnthropicProvider(provCfg, logger))
		default:
			logger.Warn("unknown provider type", zap.String("id", pc.ID), zap.String("type", pc.Type))
			continue
		}
		if len(pc.Fallbacks) > 0 {
			router.SetFallbacks(pc.ID, pc.Fallbacks)
		}
		if pc.Default {
			router.SetDefault(pc.ID)
		}
	}
	if len(router.ListProviders()) == 0 {
		logger.Warn("no LLM providers configured, every task will fail")
	}
	return router
}

func buildDispatcher(cfg config.NotifyConfig, logger *zap.Logger) (*notify.Dispatcher, error) {
	d := notify.NewDispatcher(cfg.QueueSize, logger)
	if s := cfg.Slack; s.Enabled {
		d.Register(notify.NewSlackNotifier(s.BotToken, s.Channel, logger))
	}
	if dc := cfg.Discord; dc.Enabled {
		n, err := notify.NewDiscordNotifier(dc.BotToken, dc.ChannelID, logger)
		if err != nil {
			return nil, err
		}
		d.Register(n)
	}
	return d, nil
}

// hubSweepInterval follows the engine's reap cadence.
func hubSweepInterval(opts orchestrator.Options) time.Duration {
	if opts.ReapInterval > 0 {
		return opts.ReapInterval
	}
	return orchestrator.DefaultOptions().ReapInterval
}

func engineOptions(c config.EngineConfig) orchestrator.Options {
	opts := orchestrator.DefaultOptions()
	opts.Workers = c.Workers
	opts.QueueSize = c.QueueSize
	opts.Admission = orchestrator.AdmissionPolicy(c.Admission)
	opts.TaskTimeout = c.TaskTimeout.Std()
	opts.WorkflowTimeout = c.WorkflowTimeout.Std()
	opts.Retention = c.Retention.Std()
	opts.ReapInterval = c.ReapInterval.Std()
	opts.PublishTimeout = c.PublishTimeout.Std()
	opts.HistoryLimit = c.HistoryLimit
	return opts
}

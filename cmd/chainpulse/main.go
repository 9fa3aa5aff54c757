package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/chainpulse/chainpulse/internal/adapters"
	"github.com/chainpulse/chainpulse/internal/aggregator"
	"github.com/chainpulse/chainpulse/internal/audit"
	"github.com/chainpulse/chainpulse/internal/cache"
	"github.com/chainpulse/chainpulse/internal/config"
	"github.com/chainpulse/chainpulse/internal/gates"
	httpapi "github.com/chainpulse/chainpulse/internal/interfaces/http"
	"github.com/chainpulse/chainpulse/internal/persistence/postgres"
	"github.com/chainpulse/chainpulse/internal/provider"
	"github.com/chainpulse/chainpulse/internal/query"
	"github.com/chainpulse/chainpulse/internal/scheduler"
	sigengine "github.com/chainpulse/chainpulse/internal/signal"
	"github.com/chainpulse/chainpulse/internal/telemetry"
	"github.com/chainpulse/chainpulse/internal/whale"
)

const (
	appName = "chainpulse"
	version = "v1.0.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	var configPath string

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Bitcoin on-chain intelligence pipeline",
		Version: version,
		Long: `chainpulse collects Bitcoin chain data from public block explorers,
derives whale-flow signals, gates them through quality checks, and serves
auditable decision contexts over a read-only API.`,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config overlay")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the collection scheduler and the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}

	tickCmd := &cobra.Command{
		Use:   "run-tick",
		Short: "Execute one collection tick and exit",
		Long:  "Runs the full pipeline once for every configured asset and timeframe, then exits. Useful for cron-style deployments and debugging.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTick(configPath)
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(configPath)
		},
	}

	rootCmd.AddCommand(serveCmd, tickCmd, migrateCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// app bundles everything both serve and run-tick need.
type app struct {
	cfg       *config.Config
	store     *postgres.Store
	provider  *provider.MultiSource
	pipeline  *scheduler.Pipeline
	cache     cache.Cache
	metrics   *telemetry.MetricsRegistry
	promReg   *prometheus.Registry
	killSwtch *gates.KillSwitch
}

func buildApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	db, err := postgres.Connect(ctx, cfg.DB)
	if err != nil {
		return nil, err
	}
	if err := postgres.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	store := postgres.NewStore(db)

	metrics := telemetry.NewMetricsRegistry()
	promReg := prometheus.NewRegistry()
	if err := metrics.Register(promReg); err != nil {
		store.Close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	opts := adapters.Options{
		RequestTimeout: cfg.Sources.RequestTimeout,
		MaxRetries:     cfg.Sources.MaxRetries,
		RatePerSec:     cfg.Sources.RateLimitPerSec,
		MaxRetryAfter:  cfg.Sources.MaxRetryAfter,
	}
	mempoolOpts := opts
	mempoolOpts.BaseURL = cfg.Sources.MempoolSpaceURL
	blockchainOpts := opts
	blockchainOpts.APIKey = cfg.Sources.BlockchainInfoKey
	cypherOpts := opts
	cypherOpts.APIKey = cfg.Sources.BlockCypherToken

	ms := provider.NewMultiSource(
		[]adapters.Adapter{
			adapters.NewMempoolSpace(mempoolOpts),
			adapters.NewBlockchainInfo(blockchainOpts),
			adapters.NewBlockCypher(cypherOpts),
		},
		cfg.Sources.HealthCooldown,
		metrics.ObserveSource,
	)

	detector := whale.NewDetector(cfg.Whale)
	agg := aggregator.New(ms, detector)
	engine := sigengine.NewEngine(cfg.Signal)
	killSwitch := gates.NewKillSwitch(cfg.Gates)

	recorder, err := audit.NewRecorder(cfg.PipelineParams())
	if err != nil {
		store.Close()
		return nil, err
	}

	c := cache.NewAuto()
	pipeline := scheduler.NewPipeline(agg, engine, killSwitch, recorder, store, c, metrics)

	return &app{
		cfg:       cfg,
		store:     store,
		provider:  ms,
		pipeline:  pipeline,
		cache:     c,
		metrics:   metrics,
		promReg:   promReg,
		killSwtch: killSwitch,
	}, nil
}

func runServe(configPath string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := buildApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.store.Close()

	sched := scheduler.New(a.cfg.Scheduler, a.pipeline, a.metrics)
	go sched.Run(ctx)
	go watchSourceHealth(ctx, a.provider, a.metrics)

	svc := query.NewService(a.store, a.cache, a.killSwtch)
	handlers := httpapi.NewHandlers(svc, a.provider.HealthSnapshot, sched.Snapshot)
	server := httpapi.NewServer(a.cfg.HTTP, handlers, a.promReg)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutdown requested")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server failed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	sched.Stop()
	cancel()
	return nil
}

// watchSourceHealth keeps the per-source health gauge current between
// ticks.
func watchSourceHealth(ctx context.Context, ms *provider.MultiSource, metrics *telemetry.MetricsRegistry) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, h := range ms.HealthSnapshot() {
				metrics.SetSourceHealth(name, string(h.Status))
			}
		}
	}
}

func runTick(configPath string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	a, err := buildApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.store.Close()

	for _, asset := range a.cfg.Scheduler.Assets {
		for _, tf := range a.cfg.Scheduler.Timeframes {
			out, err := a.pipeline.RunOnce(ctx, asset, tf)
			if err != nil {
				return fmt.Errorf("tick %s/%s: %w", asset, tf, err)
			}
			log.Info().
				Str("asset", string(asset)).
				Str("timeframe", string(tf)).
				Str("state", string(out.State)).
				Msg("tick done")
		}
	}
	return nil
}

func runMigrate(configPath string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	db, err := postgres.Connect(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer db.Close()
	return postgres.Migrate(ctx, db)
}

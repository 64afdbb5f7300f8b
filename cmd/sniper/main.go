package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/meridian-trading/meridian/internal/clickhouse"
	"github.com/meridian-trading/meridian/internal/config"
	"github.com/meridian-trading/meridian/internal/coordinator"
	"github.com/meridian-trading/meridian/internal/detect"
	"github.com/meridian-trading/meridian/internal/execution"
	"github.com/meridian-trading/meridian/internal/gates"
	"github.com/meridian-trading/meridian/internal/journal"
	"github.com/meridian-trading/meridian/internal/jupiter"
	"github.com/meridian-trading/meridian/internal/liquidity"
	"github.com/meridian-trading/meridian/internal/market"
	"github.com/meridian-trading/meridian/internal/observability"
	"github.com/meridian-trading/meridian/internal/orchestrator"
	"github.com/meridian-trading/meridian/internal/position"
	"github.com/meridian-trading/meridian/internal/solana"
)

func main() {
	// 1. Parse flags.
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	stubMode := flag.Bool("stub", false, "Use stub RPC and quote clients (no real connections)")
	exitFlat := flag.Bool("exit-flat", false, "Sell all open positions on shutdown")
	flag.Parse()

	// 2. Load .env then configuration.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	// 3. Setup logging.
	setupLogging(cfg.General)

	log.Info().Msg("=============================================")
	log.Info().Msg("Meridian Pool Sniper - Starting")
	log.Info().Msg("DETECT -> SETTLE -> VALIDATE -> EXECUTE -> EXIT")
	log.Info().Msg("=============================================")

	dryRun := cfg.General.DryRun || *stubMode
	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Bool("dry_run", dryRun).
		Bool("stub_mode", *stubMode).
		Str("buy_sol", cfg.Trading.BuySOL.String()).
		Int("max_positions", cfg.Trading.MaxPositions).
		Str("min_liquidity_sol", cfg.Gates.MinLiquiditySOL.String()).
		Bool("bundles", cfg.Bundles.Enabled).
		Msg("Configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Solana RPC client.
	var client solana.Client
	if *stubMode {
		client = solana.NewStubClient()
		log.Info().Msg("Solana RPC: STUB mode")
	} else {
		queued := solana.NewQueuedClient(cfg.RPC)
		defer queued.Close()
		client = queued

		healthCtx, healthCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := client.Health(healthCtx); err != nil {
			log.Warn().Err(err).Msg("Solana RPC health check failed (continuing, may be rate-limited)")
		} else {
			log.Info().Msg("Solana RPC: LIVE - connected")
		}
		healthCancel()
	}

	// 5. Quote aggregator and market data.
	var jup jupiter.Client
	var mkt market.Service
	if *stubMode {
		jup = jupiter.NewStubClient()
		mkt = market.NewStubService()
	} else {
		jup = jupiter.NewAPIClient(cfg.Jupiter)
		mkt = market.NewClient(cfg.Market)
	}

	// 6. Bundle client (optional MEV protection).
	var bundles *solana.BundleClient
	if cfg.Bundles.Enabled && !*stubMode {
		bundles = solana.NewBundleClient(cfg.Bundles)
		log.Info().Str("tip_sol", cfg.Bundles.TipSOL.String()).Msg("Bundle submission: ENABLED")
	} else {
		log.Info().Msg("Bundle submission: disabled, direct sends only")
	}

	// 7. Signer.
	var signer execution.Signer
	if dryRun {
		wallet := cfg.Jupiter.WalletPubkey
		if wallet == "" {
			wallet = "DRY-RUN-WALLET"
		}
		signer = execution.NewStubSigner(solana.Pubkey(wallet))
		log.Info().Str("wallet", wallet).Msg("Signer: STUB (dry run)")
	} else {
		local, err := execution.NewLocalSigner(cfg.RPC.PrivateKey, client)
		if err != nil {
			log.Fatal().Err(err).Msg("Signer initialization failed")
		}
		signer = local
		log.Info().Str("wallet", string(local.Pubkey())).Msg("Signer: local keypair")
	}

	// 8. Coordinator.
	coord := coordinator.New(cfg.Coordinator)
	go coord.Run(ctx)

	// 9. Liquidity measurer and gate pipeline.
	measurer := liquidity.NewMeasurer(client, cfg.Liquidity)
	pipeline := gates.New(client, jup, cfg.Gates, func(pool solana.Pubkey, res gates.Result) {
		coord.RecordGateResult(pool, coordinator.GateRecord{
			Gate:    res.Gate,
			Passed:  res.Passed,
			Warning: res.Warning,
			Reason:  res.Reason,
			Took:    res.Took,
		})
	})

	// 10. Execution engine.
	engine := execution.New(client, jup, bundles, signer, cfg.Execution)

	// 11. Journal and analytics.
	jw := journal.NewWriter(cfg.Journal)

	var analytics *clickhouse.BatchWriter
	if cfg.ClickHouse.Enabled {
		chClient, err := clickhouse.NewClient(cfg.ClickHouse.DSN)
		if err != nil {
			log.Warn().Err(err).Msg("ClickHouse unavailable, analytics disabled")
		} else {
			defer chClient.Close()
			analytics = clickhouse.NewBatchWriter(chClient, cfg.ClickHouse.BatchSize, cfg.ClickHouse.FlushInterval)
			go analytics.Start(ctx)
		}
	}

	// 12. Position manager. The close hook needs the orchestrator, which
	// needs the manager; bind late. The liquidity guard force-exits positions
	// whose pool starts draining.
	var orch *orchestrator.Orchestrator
	positions := position.NewManager(engine, jup, mkt, cfg.Position, func(p position.Position) {
		orch.PositionClosed(p)
	})
	positions.SetLiquidityGuard(measurer, liquidity.NewTrendTracker(liquidity.DefaultTrendConfig()))
	go positions.Run(ctx)

	// 13. Orchestrator.
	orch = orchestrator.New(cfg.Trading, client, coord, measurer, pipeline, engine, positions, jw, analytics)

	// 14. Detection sources.
	agg := detect.NewAggregator(cfg.Detect.EventBuffer)
	agg.Add(
		detect.NewLogWatcher(cfg.Detect.WS, client, agg.Sink()),
		detect.NewAccountWatcher(cfg.Detect.WS, agg.Sink()),
		detect.NewHistoryPoller(client, cfg.Detect.History, agg.Sink()),
		detect.NewPairsPoller(mkt, cfg.Detect.Pairs, agg.Sink()),
	)
	go func() {
		if err := agg.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Detection aggregator stopped")
		}
	}()

	// 15. Debug endpoints: Prometheus metrics, health, stats snapshot.
	if cfg.Debug.Enabled {
		go runDebugServer(ctx, cfg.Debug, client, coord, orch, positions, engine)
	}

	// 16. Drive the pipeline.
	done := make(chan struct{})
	go func() {
		orch.Run(ctx, agg.Events())
		close(done)
	}()

	log.Info().Msg("All systems running, hunting for pools")

	// 17. Wait for shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	if *exitFlat && positions.ActiveCount() > 0 {
		log.Info().Int("open", positions.ActiveCount()).Msg("Closing all positions before exit")
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 60*time.Second)
		positions.CloseAll(closeCtx)
		closeCancel()
	}

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Warn().Msg("Orchestrator did not drain in time")
	}

	logStats(coord, orch, positions, engine)
	if err := jw.Close(); err != nil {
		log.Error().Err(err).Msg("Journal close failed")
	}

	log.Info().Msg("Shutdown complete")
}

func setupLogging(general config.GeneralConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if general.LogFormat == "console" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Str("service", "sniper").
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().Timestamp().Str("service", "sniper").
			Str("instance", general.InstanceID).Logger()
	}
}

// runDebugServer exposes /metrics, /healthz, and /stats, all fed from the
// components' own counter snapshots.
func runDebugServer(ctx context.Context, cfg observability.Config, client solana.Client,
	coord *coordinator.Coordinator, orch *orchestrator.Orchestrator,
	positions *position.Manager, engine *execution.Engine) {

	registry := observability.NewRegistry()
	registry.NewGaugeFunc("meridian_candidates_registered_total",
		"Candidates claimed by the coordinator.",
		func() float64 { return float64(coord.Stats().Registered) })
	registry.NewGaugeFunc("meridian_candidates_rejected_total",
		"Candidates rejected by a validation gate.",
		func() float64 { return float64(coord.Stats().Rejected) })
	registry.NewGaugeFunc("meridian_trades_total",
		"Buys that confirmed on chain.",
		func() float64 { return float64(coord.Stats().Traded) })
	registry.NewGaugeFunc("meridian_positions_open",
		"Currently open positions.",
		func() float64 { return float64(positions.Stats().Active) })
	registry.NewGaugeFunc("meridian_rug_exits_total",
		"Emergency exits triggered by a liquidity drain.",
		func() float64 { return float64(positions.Stats().RugExits) })
	registry.NewGaugeFunc("meridian_bundle_landed_total",
		"Jito bundles that landed.",
		func() float64 { return float64(engine.Stats().BundleLanded) })
	registry.NewGaugeFunc("meridian_bundle_fallbacks_total",
		"Bundle failures recovered by a direct send.",
		func() float64 { return float64(engine.Stats().Fallbacks) })
	registry.NewGaugeFunc("meridian_cap_skips_total",
		"Validated candidates skipped at the position cap.",
		func() float64 { return float64(orch.Stats().CapSkips) })

	health := observability.NewHealthMonitor(5 * time.Second)
	health.Register("rpc", client.Health)

	server := observability.NewServer(cfg, registry, health, func() any {
		return map[string]any{
			"coordinator": coord.Stats(),
			"pipeline":    orch.Stats(),
			"positions":   positions.Stats(),
			"execution":   engine.Stats(),
		}
	})
	if err := server.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Debug server stopped")
	}
}

func logStats(coord *coordinator.Coordinator, orch *orchestrator.Orchestrator, positions *position.Manager, engine *execution.Engine) {
	cs := coord.Stats()
	ts := orch.Stats()
	ps := positions.Stats()
	es := engine.Stats()

	log.Info().
		Int64("registered", cs.Registered).
		Int64("rejected", cs.Rejected).
		Int64("traded", cs.Traded).
		Int64("processed", ts.Processed).
		Int64("opened", ts.Opened).
		Int64("cap_skips", ts.CapSkips).
		Msg("Session summary: pipeline")
	log.Info().
		Int64("buys", es.Buys).
		Int64("sells", es.Sells).
		Int64("bundle_landed", es.BundleLanded).
		Int64("bundle_fallbacks", es.Fallbacks).
		Int64("partial_sells", ps.PartialSells).
		Int("open_positions", ps.Active).
		Msg("Session summary: trading")
}

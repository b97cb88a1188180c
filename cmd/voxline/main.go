// Command voxline is the main entry point for the voxline voice agent bridge.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxline-ai/voxline/internal/config"
	"github.com/voxline-ai/voxline/internal/ctxcache"
	"github.com/voxline-ai/voxline/internal/filler"
	"github.com/voxline-ai/voxline/internal/health"
	"github.com/voxline-ai/voxline/internal/observe"
	"github.com/voxline-ai/voxline/internal/server"
	"github.com/voxline-ai/voxline/internal/store"
	"github.com/voxline-ai/voxline/internal/store/memstore"
	pgstore "github.com/voxline-ai/voxline/internal/store/postgres"
	"github.com/voxline-ai/voxline/internal/telephony"
	"github.com/voxline-ai/voxline/pkg/model/gemini"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxline: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxline: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxline starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"agents", len(cfg.Agents),
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Agent registry + hot reload ───────────────────────────────────────────
	registry := config.NewRegistry(cfg.Agents)
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.AgentsChanged {
			registry.Replace(new.Agents)
			slog.Info("agent configuration reloaded", "agents", len(new.Agents), "changes", len(d.AgentChanges))
		}
		if d.LogLevelChanged {
			slog.Info("log level change requires restart", "new_level", d.NewLogLevel)
		}
	})
	if err != nil {
		slog.Error("failed to watch config", "err", err)
		return 1
	}
	defer watcher.Stop()

	// ── Transcript store ──────────────────────────────────────────────────────
	var (
		callStore store.Store
		checkers  []health.Checker
	)
	if dsn := cfg.Store.PostgresDSN; dsn != "" {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			slog.Error("failed to connect to postgres", "err", err)
			return 1
		}
		defer pool.Close()

		pg := pgstore.New(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("failed to migrate store schema", "err", err)
			return 1
		}
		callStore = pg
		checkers = append(checkers, health.StoreChecker("store", pool))
		slog.Info("transcript store ready", "backend", "postgres")
	} else {
		callStore = memstore.New()
		slog.Warn("no postgres_dsn configured — transcripts are kept in memory only")
	}

	// ── Context cache ─────────────────────────────────────────────────────────
	var cache *ctxcache.Manager
	if !cfg.Cache.Disabled {
		var cacheOpts []ctxcache.Option
		if cfg.Cache.TTL > 0 {
			cacheOpts = append(cacheOpts, ctxcache.WithTTL(cfg.Cache.TTL))
		}
		cache = ctxcache.NewManager(ctxcache.NewHTTPBackend(cfg.Model.APIKey), cfg.Model.ID, cacheOpts...)
	}

	// ── Filler clips ──────────────────────────────────────────────────────────
	var (
		fillerLib *filler.Library
		fillerSel filler.Selector
	)
	if cfg.Filler.Dir != "" {
		lib, err := filler.LoadDir(cfg.Filler.Dir)
		if err != nil {
			slog.Error("failed to load filler clips", "dir", cfg.Filler.Dir, "err", err)
			return 1
		}
		fillerLib = lib
		fillerSel = filler.NewTagSelector()
		slog.Info("filler clips loaded", "dir", cfg.Filler.Dir, "clips", lib.Len())
	}

	// ── Model connector ───────────────────────────────────────────────────────
	geminiOpts := []gemini.Option{gemini.WithModel(cfg.Model.ID)}
	if cfg.Model.BaseURL != "" {
		geminiOpts = append(geminiOpts, gemini.WithBaseURL(cfg.Model.BaseURL))
	}
	connector := gemini.New(cfg.Model.APIKey, geminiOpts...)

	// ── Outbound dialing ──────────────────────────────────────────────────────
	var dispatcher *telephony.Dispatcher
	if cfg.Telephony.DialBaseURL != "" {
		var dialOpts []telephony.Option
		switch {
		case cfg.Telephony.Token != "":
			dialOpts = append(dialOpts, telephony.WithStaticToken(cfg.Telephony.Token))
		case cfg.Telephony.TokenURL != "":
			dialOpts = append(dialOpts, telephony.WithTokenEndpoint(
				cfg.Telephony.TokenURL, cfg.Telephony.ClientID, cfg.Telephony.ClientSecret))
		}
		if cfg.Telephony.DialRate > 0 {
			dialOpts = append(dialOpts, telephony.WithDialRate(cfg.Telephony.DialRate, int(cfg.Telephony.DialRate)+1))
		}
		dispatcher = telephony.NewDispatcher(cfg.Telephony.DialBaseURL, dialOpts...)
		slog.Info("outbound dialing enabled", "did", cfg.Telephony.DID)
	}

	// ── Ingress server ────────────────────────────────────────────────────────
	srvOpts := []server.Option{
		server.WithLogger(logger),
		server.WithStore(callStore),
		server.WithHealthCheckers(checkers...),
	}
	if cache != nil {
		srvOpts = append(srvOpts, server.WithCache(cache))
	}
	if fillerLib != nil {
		srvOpts = append(srvOpts, server.WithFiller(fillerLib, fillerSel))
	}
	if dispatcher != nil {
		srvOpts = append(srvOpts, server.WithDispatcher(dispatcher, cfg.Telephony.DID))
	}
	if cfg.Server.PublicBaseURL != "" {
		srvOpts = append(srvOpts, server.WithPublicBaseURL(cfg.Server.PublicBaseURL))
	}
	if cfg.Alerts.QualityWebhook != "" {
		srvOpts = append(srvOpts, server.WithAlertWebhook(cfg.Alerts.QualityWebhook))
	}

	printStartupSummary(cfg)

	srv := server.New(registry, connector, srvOpts...)
	slog.Info("server ready — press Ctrl+C to shut down")
	if err := srv.Run(ctx, cfg.Server.ListenAddr, cfg.Server.TLS); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         voxline — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Model", cfg.Model.ID)
	printRow("Agents", fmt.Sprintf("%d configured", len(cfg.Agents)))
	if cfg.Store.PostgresDSN != "" {
		printRow("Store", "postgres")
	} else {
		printRow("Store", "in-memory")
	}
	if cfg.Telephony.DialBaseURL != "" {
		printRow("Dialing", cfg.Telephony.DID)
	} else {
		printRow("Dialing", "(disabled)")
	}
	if cfg.Filler.Dir != "" {
		printRow("Filler", cfg.Filler.Dir)
	} else {
		printRow("Filler", "(disabled)")
	}
	if cfg.Cache.Disabled {
		printRow("Cache", "(disabled)")
	} else {
		printRow("Cache", "enabled")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

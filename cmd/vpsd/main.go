package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arnavxdyt/dc-bot/internal/api"
	"github.com/arnavxdyt/dc-bot/internal/auth"
	"github.com/arnavxdyt/dc-bot/internal/config"
	"github.com/arnavxdyt/dc-bot/internal/engine"
	"github.com/arnavxdyt/dc-bot/internal/events"
	"github.com/arnavxdyt/dc-bot/internal/giveaway"
	"github.com/arnavxdyt/dc-bot/internal/metrics"
	"github.com/arnavxdyt/dc-bot/internal/observability"
	"github.com/arnavxdyt/dc-bot/internal/runtime"
	"github.com/arnavxdyt/dc-bot/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("config error: %v", err))
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel)

	ledger := store.NewLedger(cfg.Storage.StorePath(cfg.Storage.LedgerFile))
	units := store.NewRegistry(cfg.Storage.StorePath(cfg.Storage.RegistryFile))
	giveaways := store.NewGiveaways(cfg.Storage.StorePath(cfg.Storage.GiveawayFile))
	renew := store.NewRenewMode(cfg.Storage.StorePath(cfg.Storage.RenewModeFile))
	sink := events.NewSink(cfg.Storage.StorePath(cfg.Storage.EventsFile), logger)

	ctx := context.Background()
	driver, err := runtime.NewDocker(ctx, cfg.Runtime, logger)
	if err != nil {
		logger.Error("runtime_init_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	reg := metrics.New()
	eng := engine.New(cfg, units, ledger, renew, driver, sink, reg, logger)
	ga := giveaway.New(giveaways, eng, sink, reg, logger)
	apiServer := api.New(cfg, eng, ga, ledger, renew, sink, reg, logger)

	routes := apiServer.Routes()
	protected := auth.Middleware(cfg.Auth, routes)
	rateLimited := auth.NewRateLimiter(cfg.RateLimit, reg).Middleware(protected)
	var root http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPath(cfg, r.URL.Path) {
			routes.ServeHTTP(w, r)
			return
		}
		rateLimited.ServeHTTP(w, r)
	})
	root = observability.Middleware(logger, reg, root)

	httpSrv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      root,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
	}

	loopCtx, cancelLoops := context.WithCancel(context.Background())
	defer cancelLoops()
	go runSweepLoop(loopCtx, time.Duration(cfg.Lifecycle.ExpirySweepMinutes)*time.Minute, "expire", eng.ExpireDue, logger)
	go runSweepLoop(loopCtx, time.Duration(cfg.Giveaway.SweepMinutes)*time.Minute, "giveaway", ga.Sweep, logger)

	go func() {
		logger.Info("vpsd_start", slog.String("listen_addr", cfg.Server.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server_failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cancelLoops()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown_failed", slog.String("error", err.Error()))
	}
	logger.Info("vpsd_stopped")
}

// publicPath reports whether a request path bypasses auth and rate
// limiting. Health endpoints and the metrics scrape are opened up
// independently so an exposed probe never implies an exposed scrape.
func publicPath(cfg config.Config, path string) bool {
	if cfg.Server.HealthPublic && (path == "/healthz" || path == "/readyz") {
		return true
	}
	if cfg.Server.MetricsPublic && path == cfg.Observability.MetricsPath {
		return true
	}
	return false
}

// runSweepLoop drives one background sweep on its own ticker. Each
// sweep gets its own goroutine so a slow giveaway settlement never
// delays an expiry pass, and vice versa. Within one loop a tick runs
// to completion before the next is considered, so sweeps never stack.
func runSweepLoop(ctx context.Context, interval time.Duration, name string, sweep func(context.Context) error, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sweep(context.Background()); err != nil {
				logger.Warn("sweep_failed", slog.String("loop", name), slog.String("error", err.Error()))
			}
		}
	}
}

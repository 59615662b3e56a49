// Command ccpoold runs the account-pool reverse proxy: it exposes an
// Anthropic-compatible /v1/messages endpoint and fulfills requests against
// Google's Cloud Code backend using a pool of OAuth-authenticated accounts.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/NikkeTryHard/ag-cl-sub001/internal/accountpool"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/autorefresh"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/clock"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/cloudcode"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/config"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/googleoauth"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/handler"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/httpapi"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/ledger"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/logging"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/quotaclient"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/resettrigger"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/scheduler"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/snapshot"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/token"
)

func main() {
	logging.InitBootstrap()
	if err := run(); err != nil {
		logging.Named("bootstrap").Error("fatal startup error", zap.Error(err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logging.Init(logging.InitOptions{
		Level:       cfg.LogLevel,
		ServiceName: "ccpoold",
		Output:      logging.OutputOptions{ToStdout: true, ToFile: cfg.LogToFile, FilePath: cfg.LogFilePath},
	}); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	log := logging.Named("bootstrap")

	if len(cfg.CloudCodeBaseURLs) > 0 {
		cloudcode.EndpointFallbacks = cfg.CloudCodeBaseURLs
	}

	snap, err := config.LoadSnapshot(cfg)
	if err != nil {
		return fmt.Errorf("load account snapshot: %w", err)
	}
	log.Info("loaded account snapshot", zap.Int("accounts", len(snap.Accounts)))

	realClock := clock.Real{}

	exchanger := googleoauth.New(cfg.TokenExchangeTimeout, realClock)

	var tokenOpts []token.Option
	if cfg.RedisL2DSN != "" {
		opt, err := redis.ParseURL(cfg.RedisL2DSN)
		if err != nil {
			return fmt.Errorf("parse redis l2 dsn: %w", err)
		}
		tokenOpts = append(tokenOpts, token.WithL2(redis.NewClient(opt), cfg.TokenSafetyMargin*10))
	}
	broker, err := token.New(realClock, exchanger, cfg.TokenSafetyMargin, tokenOpts...)
	if err != nil {
		return fmt.Errorf("build token broker: %w", err)
	}

	store, err := snapshot.Open(cfg.SnapshotStorePath)
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}

	ledg := ledger.New()
	quota := quotaclient.New(cfg.NonStreamTimeout)
	sched := scheduler.New()

	pool := accountpool.New(snap, ledg, sched, broker, quota, store, realClock)

	messageHandler := handler.NewMessageHandler(pool, quota, cfg)
	streamingHandler := handler.NewStreamingHandler(pool, quota, cfg)

	trigger := resettrigger.New(cfg.ResetTriggerTimeout)
	refresher := autorefresh.New(pool, pool, trigger, ledg, cfg.AutoRefreshInterval)

	janitorCron := cron.New()
	if _, err := janitorCron.AddFunc("@hourly", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		pruned := store.Prune(ctx, time.Now().Add(-cfg.SnapshotRetention))
		log.Info("janitor pruned snapshot rows", zap.Int64("rows", pruned))
	}); err != nil {
		return fmt.Errorf("schedule janitor: %w", err)
	}
	janitorCron.Start()
	defer janitorCron.Stop()

	if cfg.AutoRefresh {
		refresher.Start()
		defer refresher.Stop()
	}

	if cfg.TriggerResetOnStart {
		triggerResetOnStart(context.Background(), pool, trigger, log)
	}

	endpoint := httpapi.NewMessagesEndpoint(messageHandler, streamingHandler)
	router := httpapi.NewRouter(endpoint)

	addr := ":8787"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		addr = v
	}
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.NonStreamTimeout,
		WriteTimeout: 0, // streaming responses can run far longer than the non-stream timeout
		IdleTimeout:  2 * time.Minute,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown failed", zap.Error(err))
	}

	if err := store.Close(); err != nil {
		log.Warn("closing snapshot store", zap.Error(err))
	}
	return nil
}

// triggerResetOnStart fires the Quota-Reset Trigger once against the first
// eligible account at startup, when configured to do so.
func triggerResetOnStart(ctx context.Context, pool *accountpool.Pool, trig *resettrigger.Trigger, log *zap.Logger) {
	accounts := pool.Accounts()
	for i := range accounts {
		if !accounts[i].Eligible() {
			continue
		}
		tok, err := pool.TokenForAccount(ctx, accounts[i])
		if err != nil {
			log.Warn("trigger-reset-on-start: token exchange failed", zap.String("account", accounts[i].Email), zap.Error(err))
			return
		}
		projectID, err := pool.ProjectForAccount(ctx, accounts[i], tok)
		if err != nil {
			log.Warn("trigger-reset-on-start: project probe failed", zap.String("account", accounts[i].Email), zap.Error(err))
			return
		}
		result := trig.Fire(ctx, tok.Value, projectID, nil)
		log.Info("trigger-reset-on-start complete",
			zap.Int("success", result.SuccessCount), zap.Int("failure", result.FailureCount))
		return
	}
	log.Info("trigger-reset-on-start: no eligible account available")
}

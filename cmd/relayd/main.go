package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/helptp-io/relay/internal/api"
	"github.com/helptp-io/relay/internal/bot"
	"github.com/helptp-io/relay/internal/config"
	"github.com/helptp-io/relay/internal/connector"
	"github.com/helptp-io/relay/internal/connector/telegram"
	"github.com/helptp-io/relay/internal/connector/webhook"
	"github.com/helptp-io/relay/internal/dedup"
	"github.com/helptp-io/relay/internal/helpdesk"
	"github.com/helptp-io/relay/internal/logbuf"
	"github.com/helptp-io/relay/internal/poller"
	"github.com/helptp-io/relay/internal/reconcile"
	"github.com/helptp-io/relay/internal/ticket"
)

func main() {
	configPath := flag.String("config", "", "Path to config JSON file (empty = env vars)")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	// Set up logging
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logBuf := logbuf.New(2000)
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(logbuf.NewHandler(jsonHandler, logBuf))

	// Load config (2 modes: file, env)
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Ticket store
	if dir := filepath.Dir(cfg.App.DBFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Error("failed to create data dir", "dir", dir, "error", err)
			os.Exit(1)
		}
	}
	store, err := ticket.NewSQLiteStore(cfg.App.DBFile)
	if err != nil {
		logger.Error("failed to open ticket store", "path", cfg.App.DBFile, "error", err)
		os.Exit(1)
	}
	defer store.Close()
	logger.Info("ticket store ready", "path", cfg.App.DBFile)

	tax := config.NewTaxonomy(cfg.Statuses)

	// Helpdesk client
	desk := helpdesk.New(helpdesk.Config{
		URL:         cfg.Helpdesk.URL,
		TasklistURL: cfg.Helpdesk.TasklistURL,
		APIKey:      cfg.Helpdesk.APIKey,
		AuthToken:   cfg.Helpdesk.AuthToken,
	}, logger.With("component", "helpdesk"))

	// The bot handler needs the Telegram transport and the connector
	// needs the handler, so the handler is bound after construction.
	// Updates only flow once Start runs.
	handler := &lateHandler{}
	tgConn, err := telegram.New(telegram.Config{
		Token:        cfg.Telegram.Token,
		AllowFrom:    cfg.Telegram.AllowFrom,
		MessageLimit: cfg.App.MessageLimit,
	}, handler, logger.With("connector", "telegram"))
	if err != nil {
		logger.Error("failed to init telegram connector", "error", err)
		os.Exit(1)
	}
	handler.inner = bot.New(store, desk, tgConn, tax, logger.With("component", "bot"))

	engine := reconcile.New(store, tax, tgConn, logger.With("component", "reconcile"))

	// Ingress webhook + operator API share one HTTP server.
	seen := dedup.New(cfg.App.DedupCapacity)
	hook := webhook.New(webhook.Config{
		SecretHeader: cfg.Webhook.SecretHeader,
		Secret:       cfg.Webhook.Secret,
	}, engine, seen, logger.With("component", "webhook"))
	apiSrv := api.NewServer(store, hook, api.Config{
		Host:        cfg.Webhook.Host,
		Port:        cfg.Webhook.Port,
		OperatorKey: cfg.Webhook.OperatorKey,
	}, logger.With("component", "api"), logBuf)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tgConn.Start(ctx) })
	g.Go(func() error { return apiSrv.Start(ctx) })
	if cfg.Poll.Enabled {
		p := poller.New(store, desk, engine, tgConn, tax, cfg.Poll.Schedule, logger.With("component", "poller"))
		g.Go(func() error { return p.Start(ctx) })
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("component failed", "error", err)
		os.Exit(1)
	}
	logger.Info("relayd stopped")
}

// lateHandler defers handler binding until after the Telegram connector
// exists. Nil-safe: updates arriving before binding are dropped.
type lateHandler struct {
	inner connector.InboundHandler
}

func (h *lateHandler) HandleMessage(ctx context.Context, msg connector.InboundMessage) error {
	if h.inner == nil {
		return nil
	}
	return h.inner.HandleMessage(ctx, msg)
}

func (h *lateHandler) HandleCallback(ctx context.Context, cb connector.InboundCallback) error {
	if h.inner == nil {
		return nil
	}
	return h.inner.HandleCallback(ctx, cb)
}

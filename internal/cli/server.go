package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"circuit-trivia-bot/internal/app"
	"circuit-trivia-bot/internal/config"
	"circuit-trivia-bot/internal/infra/memory"
	"circuit-trivia-bot/internal/metrics"
	"circuit-trivia-bot/internal/opentdb"
	transport "circuit-trivia-bot/internal/transport/http"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultCredentialTTL = 30 * time.Second

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the webhook server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.Store.Backend == config.BackendPostgres {
		if err := runMigrationsWithConfig(ctx, cfg, logger); err != nil {
			return err
		}
	}

	finalPort := resolvePort(portFlag, cfg.Server.Port)

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	classifier, closeClassifier, err := newClassifier(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeClassifier()

	sched, err := newScheduler(cfg, b, logger)
	if err != nil {
		return err
	}
	feed := newFeed(cfg, b)
	chat := newChatClient(cfg, logger)
	provider := opentdb.NewClient(cfg.Provider.BaseURL, nil, logger.Named("opentdb"))

	engine := app.NewEngine(b.store, chat, provider, sched, app.EngineConfig{
		AnswerWindow: config.TTLDuration(cfg.Rounds.AnswerWindow, app.DefaultAnswerWindow),
		Grace:        config.TTLDuration(cfg.Rounds.Grace, app.DefaultGrace),
		LookupBatch:  cfg.Rounds.LookupBatch,
		CloseTimeout: config.TTLDuration(cfg.Rounds.CloseTimeout, app.DefaultCloseTimeout),
	}, logger.Named("engine")).WithEvents(feed)
	stats := app.NewAggregator(b.store, chat, percentagePolicy(cfg), cfg.Rounds.LookupBatch)
	router := app.NewRouter(engine, stats, chat, classifier, logger.Named("router"))

	creds := memory.NewCredentialCache(b.store, config.TTLDuration(cfg.Store.CredentialTTL, defaultCredentialTTL))
	webhook := transport.NewWebhookHandler(router, creds, logger.Named("webhook"))
	wsHandler := transport.NewWSHandler(feed, logger.Named("ws"))

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.Handle("/webhook", webhook)
	mux.Handle("/addTextItem", webhook.Only(transport.EventAddItem))
	mux.Handle("/submitFormData", webhook.Only(transport.EventSubmitFormData))
	mux.HandleFunc("/ws/rounds", wsHandler.ServeWS)
	mux.Handle("/metrics", metrics.Handler(metrics.NewRegistry()))

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	if _, err := engine.RescheduleActive(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return sched.Run(gctx, engine.CloseDue)
	})
	g.Go(func() error {
		logger.Info("starting trivia bot", zap.String("port", finalPort), zap.String("namespace", cfg.Namespace()),
			zap.String("store", cfg.Store.Backend), zap.String("nlu", cfg.NLU.Backend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	select {
	case <-stop:
		logger.Info("shutting down server")
	case <-gctx.Done():
		logger.Info("context canceled, shutting down server")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	shutdownErr := server.Shutdown(shutdownCtx)
	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return shutdownErr
}

// resolvePort prefers the --port flag (or PORT), then server.port, then 8080.
func resolvePort(flag, configured string) string {
	if flag != "" {
		return flag
	}
	if configured != "" {
		return configured
	}
	return "8080"
}

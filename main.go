package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"dmsync/api"
	"dmsync/config"
	"dmsync/logging"
	"dmsync/messaging"
	"dmsync/metrics"
	"dmsync/models"
	"dmsync/storage"
	"dmsync/stream"
)

func main() {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	logger, err := logging.New(logging.Config{Development: cfg.Development, Level: cfg.LogLevel})
	if err != nil {
		log.Fatalf("startup failed while building logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, cfgPath, logger); err != nil {
		logger.Fatal("dmsync stopped", zap.Error(err))
	}
}

func run(cfg *config.ClientConfig, cfgPath string, logger *zap.Logger) error {
	if cfg.Token == "" {
		return errors.New("no session token: set DMSYNC_TOKEN")
	}
	selfID, err := api.UserIDFromToken(cfg.Token)
	if err != nil {
		return fmt.Errorf("derive user id: %w", err)
	}

	dataDir := filepath.Dir(cfgPath)
	cache, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer func() {
		if err := cache.Close(); err != nil {
			logger.Warn("cache close failed", zap.Error(err))
		}
	}()

	logger.Info("starting",
		zap.String("client_id", cfg.ClientID),
		zap.String("user_id", selfID),
		zap.String("api", cfg.APIBaseURL),
		zap.String("config", cfgPath),
		zap.String("database", dbPath),
	)

	client, err := api.New(cfg.APIBaseURL, cfg.Token, api.Options{
		RequestTimeout: cfg.RequestTimeout(),
		Logger:         logger.Named("api"),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := messaging.NewEngine(messaging.EngineOptions{
		SelfID: selfID,
		Token:  cfg.Token,
		Server: client,
		Cache:  cache,
		Logger: logger,
		Stream: stream.Options{
			InitialBackoff: cfg.InitialBackoff(),
			MaxBackoff:     cfg.MaxBackoff(),
			OnStateChange: func(state stream.State) {
				logger.Info("stream state", zap.String("state", string(state)))
			},
		},
		OnSummaries:      logSummaries(logger),
		OnSessionExpired: stop,
	})
	if err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer engine.Stop()

	poller := &messaging.UnreadPoller{
		Source:   client,
		Interval: cfg.UnreadPollInterval(),
		Logger:   logger,
		OnCount: func(count models.UnreadCount) {
			logger.Info("unread", zap.Int("count", count.UnreadCount), zap.Bool("has_unread", count.HasUnread))
		},
		OnSessionExpired: stop,
	}
	go func() {
		_ = poller.Run(ctx)
	}()

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("running (press Ctrl+C to stop)")
	<-ctx.Done()
	logger.Info("shutting down", zap.String("stream_state", string(engine.StreamState())))
	return nil
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func logSummaries(logger *zap.Logger) func([]models.ConversationSummary) {
	return func(summaries []models.ConversationSummary) {
		for _, s := range summaries {
			name := s.PeerUsername
			if name == "" {
				name = s.PeerUserID
			}
			logger.Debug("conversation",
				zap.String("peer", name),
				zap.Int("unread", s.UnreadCount),
				zap.Time("last_message_time", s.LastMessageTime),
			)
		}
	}
}

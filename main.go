package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "gmail-bridge/cmd/api"
	"gmail-bridge/internal/bridge/delivery"
	"gmail-bridge/internal/bridge/repository"
	"gmail-bridge/internal/bridge/usecase"
	"gmail-bridge/internal/identity"
	"gmail-bridge/internal/notification"
	"gmail-bridge/pkg/config"
	"gmail-bridge/pkg/database"
	"gmail-bridge/pkg/dedup"
	"gmail-bridge/pkg/gmail"
	"gmail-bridge/pkg/logger"
	"gmail-bridge/pkg/matrix"
	"gmail-bridge/pkg/utils/crypto"

	"go.uber.org/zap"
)

const (
	dedupTTL        = 24 * time.Hour
	pendingTTL      = 7 * 24 * time.Hour
	shutdownTimeout = 15 * time.Second
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the bridge configuration")
	registration := flag.String("registration", "", "write the appservice registration to this file and exit")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}

	if *registration != "" {
		out, err := cfg.Registration()
		if err != nil {
			log.Fatal("Failed to render registration:", err)
		}
		if err := os.WriteFile(*registration, out, 0o600); err != nil {
			log.Fatal("Failed to write registration:", err)
		}
		fmt.Printf("Registration written to %s\n", *registration)
		return
	}

	zapLog, err := logger.New(cfg.LogLevel, cfg.Debug)
	if err != nil {
		log.Fatal("Failed to create logger:", err)
	}
	defer func() { _ = zapLog.Sync() }()

	if err := run(cfg, zapLog); err != nil {
		zapLog.Fatal("Bridge stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := database.Open(cfg.Database, log)
	if err != nil {
		return err
	}
	defer func() { _ = database.Close(db) }()
	if err := repository.AutoMigrate(db); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	sealer, err := crypto.NewSealerFromBase64(cfg.Bridge.EncryptionKey)
	if err != nil {
		return err
	}
	store := repository.NewStore(db, sealer)

	// Redis is optional; a single process works with the in-memory stores
	var (
		deduper dedup.Deduper
		pending dedup.PendingStore
	)
	if cfg.Redis.Addr != "" {
		rdb, err := dedup.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer func() { _ = rdb.Close() }()
		deduper = dedup.NewRedisDeduper(rdb, dedupTTL, log.Named("dedup"))
		pending = dedup.NewRedisPendingStore(rdb, pendingTTL)
	} else {
		log.Warn("Redis not configured, using in-memory deduplication")
		deduper = dedup.NewMemoryDeduper(dedupTTL)
		pending = dedup.NewMemoryPendingStore(pendingTTL)
	}

	mapper, err := identity.NewMapper(cfg.Appservice.NamespacePrefix, cfg.Homeserver.Name)
	if err != nil {
		return err
	}
	gmailService := gmail.NewService(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURI, log.Named("gmail"))
	chat, err := matrix.NewClient(cfg.Homeserver.URL, cfg.Appservice.ASToken, cfg.BotUserID(), log.Named("matrix"))
	if err != nil {
		return err
	}
	if err := chat.EnsureBotRegistered(ctx); err != nil {
		return fmt.Errorf("failed to register bridge bot: %w", err)
	}

	// Initialize use cases (dependency injection)
	authUsecase := usecase.NewAuthUsecase(store.Accounts, store.Rooms, gmailService, chat, cfg.Bridge.DefaultDisplayName, log)
	segmenter := usecase.NewSegmenter(chat, store.Rooms, store.Threads, mapper, usecase.NewQuoteStripper(cfg.Bridge.QuoteMarkers), log)
	poller := usecase.NewPoller(usecase.PollerConfig{
		Interval:        cfg.Bridge.PollInterval,
		BackfillWindow:  cfg.Bridge.BackfillWindow,
		InitialLookback: cfg.Bridge.InitialLookback,
		DeliveryGrace:   cfg.Bridge.DeliveryGrace,
		WatchTopic:      cfg.PubSubTopicPath(),
	}, store, gmailService, authUsecase, segmenter, log)
	composer := usecase.NewComposer(store, chat, gmailService, authUsecase, mapper, pending, log)

	supervisor := delivery.NewSupervisor(store, poller, cfg.Bridge.DeliveryGrace, log)
	authUsecase.SetHooks(supervisor)
	dispatcher := delivery.NewDispatcher(store, chat, mapper, authUsecase, composer, deduper, log)
	dispatcher.Start(ctx)

	if err := supervisor.StartAll(ctx); err != nil {
		return fmt.Errorf("failed to start poll loops: %w", err)
	}

	// Initialize Notification Service (Pub/Sub), only when a topic is set
	if cfg.Google.PubSubTopic != "" {
		notifService, err := notification.NewService(ctx, cfg.Google.ProjectID, cfg.Google.PubSubTopic, cfg.Google.CredentialsFile, store.Accounts, supervisor, log)
		if err != nil {
			log.Error("Failed to initialize notification service", zap.Error(err))
		} else {
			defer func() { _ = notifService.Close() }()
			go notifService.Start(ctx)
		}
	}

	handler := api.NewHandler(dispatcher, chat, mapper, deduper, log)
	srv := &http.Server{
		Addr:              cfg.Appservice.ListenAddress,
		Handler:           api.NewRouter(handler, cfg.Appservice.HSToken, cfg.Debug),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("Appservice listening", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down")
	case err := <-serveErr:
		if err != nil {
			stop()
			supervisor.Shutdown()
			drainDispatcher(dispatcher, log)
			return fmt.Errorf("appservice listener failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	supervisor.Shutdown()
	drainDispatcher(dispatcher, log)
	return nil
}

// drainDispatcher handles events the homeserver already got an answer for.
func drainDispatcher(dispatcher *delivery.Dispatcher, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := dispatcher.Stop(ctx); err != nil {
		log.Warn("Chat events lost on shutdown", zap.Error(err))
	}
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"chatsync/attachments"
	"chatsync/config"
	"chatsync/decrypt"
	"chatsync/feed"
	"chatsync/session"
	"chatsync/storage"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	cfg, cfgPath, dataDir, err := config.LoadOrCreate()
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed while loading config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Warn().Str("log_level", cfg.LogLevel).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	logger = logger.Level(level).With().Str("client_id", cfg.ClientID).Logger()

	if cfg.ConversationID == "" {
		logger.Fatal().Str("config", cfgPath).Msg("conversation_id is required")
	}

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed while opening database")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("database close error")
		}
	}()

	logger.Info().
		Str("config", cfgPath).
		Str("database", dbPath).
		Str("conversation_id", cfg.ConversationID).
		Str("current_user", cfg.CurrentUser).
		Msg("starting")

	var resolver attachments.Resolver
	if cfg.Resolver.URL != "" {
		httpResolver, err := attachments.NewHTTPResolver(cfg.Resolver.URL, &http.Client{Timeout: cfg.Resolver.Timeout})
		if err != nil {
			logger.Fatal().Err(err).Msg("startup failed while configuring url resolver")
		}
		resolver = httpResolver
	} else {
		logger.Warn().Msg("no resolver url configured, attachment urls will not be refreshed")
	}

	// The decryptor is installed by the key holder once it is unlocked.
	decryptors := decrypt.NewLate()

	sess, err := session.New(session.Options{
		ConversationID:  cfg.ConversationID,
		CurrentUser:     cfg.CurrentUser,
		Provider:        decryptors,
		Resolver:        resolver,
		Loader:          store,
		PageSize:        cfg.History.PageSize,
		ScrollThreshold: cfg.History.ScrollThreshold,
		MaxRefetch:      cfg.History.MaxRefetch,
		URLTTL:          cfg.Resolver.TTL,
		RefreshDebounce: cfg.Resolver.RefreshDebounce,
		SweepInterval:   cfg.Resolver.SweepInterval,
		ResolverTimeout: cfg.Resolver.Timeout,
		PollInterval:    cfg.Decrypt.PollInterval,
		MaxAttempts:     cfg.Decrypt.MaxAttempts,
		DecryptTimeout:  cfg.Decrypt.Timeout,
		OnInvalidate: func(ids []string) {
			logger.Debug().Strs("message_ids", ids).Msg("messages invalidated")
		},
		Logger: logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed while creating session")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	roster, err := store.ListIdentities(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed while loading roster")
	}
	sess.SetRoster(roster)

	if added, err := sess.LoadOlder(ctx); err != nil {
		logger.Warn().Err(err).Msg("initial history load failed")
	} else {
		logger.Info().Int("messages", added).Msg("history loaded")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sess.Run(ctx)
	})

	if cfg.Feed.URL != "" {
		header := http.Header{}
		if cfg.Feed.Token != "" {
			header.Set("Authorization", "Bearer "+cfg.Feed.Token)
		}
		client, err := feed.New(feed.Options{
			URL:    cfg.Feed.URL,
			Header: header,
			Sink:   newPersistingSink(store, sess, cfg.ConversationID, logger),
			Logger: logger,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("startup failed while configuring feed")
		}
		g.Go(func() error {
			return client.Run(ctx)
		})
	} else {
		logger.Warn().Msg("no feed url configured, running on stored history only")
	}

	logger.Info().Msg("running (press Ctrl+C to stop)")
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("stopped with error")
	}

	stats := sess.DecryptStats()
	logger.Info().
		Int64("decrypt_started", stats.Started).
		Int64("decrypt_succeeded", stats.Succeeded).
		Int64("decrypt_failed", stats.Failed).
		Int64("decrypt_unavailable", stats.Unavailable).
		Msg("shutting down")
}

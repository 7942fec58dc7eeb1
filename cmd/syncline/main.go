// cmd/syncline is a demo client: it signs in against an upstream (the mock
// API works), attaches a controller to a collection, performs an optimistic
// create and logs every snapshot the controller publishes.
package main

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/syncline/syncline"
	"github.com/syncline/syncline/internal/config"
	"github.com/syncline/syncline/notify"
	"github.com/syncline/syncline/resource"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config error")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("config error")
	}
	if lvl, lerr := zerolog.ParseLevel(cfg.LogLevel); lerr == nil {
		logger = logger.Level(lvl)
	}

	client, err := syncline.New(syncline.Config{
		BaseURL:           cfg.BaseURL,
		CacheDir:          cfg.CacheDir,
		PostgresDSN:       cfg.PostgresDSN,
		AttemptTimeout:    cfg.AttemptTimeout,
		CacheTTL:          cfg.CacheTTL,
		DefaultRetryAfter: cfg.DefaultRetryAfter,
		MinRequestSpacing: cfg.MinRequestSpacing,
		PollInterval:      cfg.PollInterval,
		CSRFCookie:        cfg.CSRFCookie,
		CSRFHeader:        cfg.CSRFHeader,
		Logger:            logger,
		OnSignout: func(reason string) {
			logger.Warn().Str("reason", reason).Msg("signed out, a real app would redirect to login")
		},
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("client error")
	}
	defer client.Close()

	ctx := context.Background()
	if err := client.Login(ctx, map[string]string{"username": "demo", "password": "demo"}); err != nil {
		logger.Fatal().Err(err).Msg("login failed")
	}

	ctrl := client.Collection(resource.Options{
		Slug:     "animals",
		Path:     "/api/animals",
		Defaults: resource.Params{Page: 1, Limit: 10},
		Realtime: true,
	})
	defer ctrl.Close()

	unsub := ctrl.Subscribe(func(s resource.Snapshot) {
		logger.Info().
			Int("items", len(s.Items)).
			Int("total", s.Meta.Total).
			Bool("loading", s.Loading).
			Bool("refreshing", s.Refreshing).
			Msg("snapshot")
	})
	defer unsub()

	if _, err := ctrl.Refetch(ctx, nil); err != nil {
		logger.Fatal().Err(err).Msg("initial fetch failed")
	}

	created, err := ctrl.Create(ctx, resource.Record{"name": "Demo", "species": "capuchin"})
	if err != nil {
		logger.Fatal().Err(err).Msg("create failed")
	}
	logger.Info().Interface("record", created).Msg("created")

	// Let a poll cycle or two demonstrate reconciliation against the lagging
	// list endpoint.
	client.Bus.Publish(notify.Event{Topic: notify.TopicResource("animals")})
	time.Sleep(2 * cfg.PollInterval)
}

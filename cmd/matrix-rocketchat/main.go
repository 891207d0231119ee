// Copyright 2024-2026 Aiku AI

// Command matrix-rocketchat is a Matrix application service that bridges
// Matrix rooms to Rocket.Chat channels. It provisions ghost users for
// Rocket.Chat senders, relays messages in both directions and is driven by
// admin room commands.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/matrix-rocketchat/pkg/appservice"
	"github.com/aiku/matrix-rocketchat/pkg/bridge"
	"github.com/aiku/matrix-rocketchat/pkg/config"
	"github.com/aiku/matrix-rocketchat/pkg/matrix"
	"github.com/aiku/matrix-rocketchat/pkg/rocketchat"
	"github.com/aiku/matrix-rocketchat/pkg/store"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log = log.Level(level)
	}
	log.Info().Str("tag", Tag).Str("commit", Commit).Str("built", BuildTime).Msg("Starting matrix-rocketchat")

	st, err := store.NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer st.Close()

	botUserID := cfg.BotUserID()
	mx := matrix.NewClient(cfg.Homeserver.URL, cfg.Appservice.ASToken, log)
	rcFactory := rocketchat.NewFactory(log)

	ghosts := bridge.NewVirtualUserManager(st, mx, cfg.Appservice.SenderLocalpart, cfg.Homeserver.Domain, log)
	lifecycle := bridge.NewLifecycle(st, mx, rcFactory, ghosts, cfg.Appservice.SenderLocalpart, cfg.Homeserver.Domain, botUserID, log)
	commands := bridge.NewCommandHandler(st, lifecycle, ghosts, rcFactory, log)
	relay := bridge.NewRelay(st, rcFactory, ghosts, botUserID, log)
	router := bridge.NewRouter(st, mx, commands, relay, botUserID, log)

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := mx.RegisterUser(startCtx, cfg.Appservice.SenderLocalpart); err != nil {
		log.Fatal().Err(err).Msg("Failed to register the bridge bot")
	}
	cancel()

	srv := appservice.NewServer(cfg.Appservice.ListenAddr, cfg.Appservice.HSToken, router, log)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info().Stringer("signal", sig).Msg("Shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("Transport server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown did not complete cleanly")
	}
}

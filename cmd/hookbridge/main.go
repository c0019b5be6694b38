// Copyright 2024-2026 Aiku AI

// Command hookbridge bridges GitHub, GitLab, Jira and arbitrary webhooks
// into Matrix rooms. Rooms declare their connections through state events;
// webhook listeners feed events onto a message queue and the bridge routes
// them to the right rooms.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/matrix-hookbridge/pkg/bridge"
	"github.com/aiku/matrix-hookbridge/pkg/config"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the bridge config")
	registrationPath := flag.String("registration", "registration.yaml", "path to the appservice registration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.StampMilli}).
		With().Timestamp().Logger().Level(level)
	log.Info().Str("tag", Tag).Str("commit", Commit).Str("built", BuildTime).Msg("Starting hookbridge")

	b, err := bridge.New(cfg, *registrationPath, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize bridge")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start bridge")
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.Info().Stringer("signal", sig).Msg("Shutting down")
	b.Stop()
}

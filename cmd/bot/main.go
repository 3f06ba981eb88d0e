// Package main provides the bot entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"
	zlog "github.com/rs/zerolog/log"

	"github.com/tkd55/melobot/internal/app/player"
	"github.com/tkd55/melobot/internal/app/presence"
	"github.com/tkd55/melobot/internal/app/session"
	"github.com/tkd55/melobot/internal/infra/config"
	"github.com/tkd55/melobot/internal/infra/discord"
	"github.com/tkd55/melobot/internal/infra/ffaudio"
	"github.com/tkd55/melobot/internal/infra/logger"
	"github.com/tkd55/melobot/internal/infra/ytdl"
)

var (
	app        = kingpin.New("melobot", "Discord music bot")
	configPath = app.Flag("config", "Path to config file").Default("config/bot.yaml").String()
	verbose    = app.Flag("verbose", "Enable verbose (DEBUG) logging").Short('v').Bool()
	logfile    = app.Flag("logfile", "Path to log file (default: stdout)").String()
)

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	kingpin.MustParse(app.Parse(os.Args[1:]))

	loggerConfig := logger.Config{Output: "stdout", Level: "info"}
	if *verbose {
		loggerConfig.Level = "debug"
	}
	if *logfile != "" {
		loggerConfig.Output = *logfile
	}
	if err := logger.Init(loggerConfig); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}

	zlog.Info().Msgf("Loading config from %s", *configPath)
	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Msgf("Failed to load config: %v", err)
	}

	// Re-init with the configured output/level; flags keep precedence
	if !*verbose {
		loggerConfig.Level = cfg.Log.Level
	}
	if *logfile == "" {
		loggerConfig.Output = cfg.Log.Output
	}
	if err := logger.Init(loggerConfig); err != nil {
		zlog.Fatal().Msgf("Failed to initialize logger: %v", err)
	}

	if err := run(cfg); err != nil {
		zlog.Error().Msgf("Bot error: %v", err)
		os.Exit(1)
	}
}

// run executes the main bot logic. Using a separate function ensures
// defer statements are executed even when returning with an error.
func run(cfg *config.Config) error {
	bot, err := discord.New(cfg.Discord.Token, cfg.Discord.Prefix)
	if err != nil {
		return fmt.Errorf("failed to create gateway session: %w", err)
	}

	registry := session.NewRegistry()
	ctrl := player.NewController(
		player.Config{
			IdleTimeout:    cfg.IdleTimeout(),
			ResolveTimeout: cfg.ResolveTimeout(),
		},
		registry,
		ytdl.New(),
		ffaudio.New(),
		bot, // connector
		bot, // notifier
		bot, // presence
	)
	defer ctrl.Close()
	bot.Attach(ctrl)

	if err := bot.Open(); err != nil {
		return fmt.Errorf("failed to open gateway: %w", err)
	}
	defer func() {
		if err := bot.Close(); err != nil {
			zlog.Warn().Msgf("gateway close: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broadcaster := presence.NewBroadcaster(registry, bot, cfg.PresenceInterval(), cfg.Presence.Statuses)
	go broadcaster.Run(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	zlog.Info().Msgf("received %s, shutting down", s)

	return nil
}

// Command voxloop is a terminal voice client for a remote conversational
// agent: it captures the microphone, ships utterances over a websocket or
// HTTP, and plays the agent's spoken replies.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/voxloop/internal/app"
	"github.com/MrWong99/voxloop/internal/config"
	"github.com/MrWong99/voxloop/internal/conversation"
	"github.com/MrWong99/voxloop/internal/observe"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "voxloop.yaml", "path to the YAML configuration file")
	envFile := flag.String("env", ".env", "environment file loaded before the config")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "voxloop: %v\n", err)
		return 1
	}

	path := *configPath
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		// Without a file the environment and defaults are enough.
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxloop: %v\n", err)
		return 1
	}
	switch {
	case cfg.Session.ID != "":
	case cfg.Session.StateFile != "":
		if cfg.Session.ID, err = config.LoadSessionID(cfg.Session.StateFile, conversation.NewSessionID); err != nil {
			fmt.Fprintf(os.Stderr, "voxloop: %v\n", err)
			return 1
		}
	default:
		cfg.Session.ID = conversation.NewSessionID()
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Client.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("voxloop starting",
		"version", version,
		"config", path,
		"mode", cfg.Transport.Mode,
		"session_id", cfg.Session.ID,
		"log_level", cfg.Client.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		SessionID:      cfg.Session.ID,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	opts := []app.Option{app.WithLevelVar(level)}
	if path != "" {
		opts = append(opts, app.WithConfigPath(path))
	}
	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	fmt.Println("Press enter to talk, enter again to send. Type help for commands.")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

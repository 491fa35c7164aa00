// Command gatewayd runs the edge gateway daemon: the Twin Manager and
// Identity Scope Cache behind a local MQTT broker and an admin HTTP
// API, adapted from the teacher's cmd/server/main.go.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"

	"twingate/edge-gateway/internal/app"
	"twingate/edge-gateway/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(newHandler(cfg.LogLevel))

	application := app.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		logger.Error("application terminated", "error", err)
		os.Exit(1)
	}

	logger.Info("application stopped cleanly")
}

// newHandler picks a text handler for an interactive terminal and a
// JSON handler otherwise, so the daemon emits machine-readable logs
// when run under a service supervisor.
func newHandler(level string) slog.Handler {
	opts := &slog.HandlerOptions{Level: logLevel(level)}
	if isatty.IsTerminal(os.Stdout.Fd()) {
		return slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.NewJSONHandler(os.Stdout, opts)
}

func logLevel(level string) slog.Leveler {
	var lvl slog.Level

	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	lv := new(slog.LevelVar)
	lv.Set(lvl)
	return lv
}

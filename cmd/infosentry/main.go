package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	infosentry "github.com/dida1024/infoSentry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	logger := newLogger(os.Getenv("INFOSENTRY_LOG_LEVEL"))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd(logger).ExecuteContext(ctx); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	open := func() (*infosentry.App, error) {
		return infosentry.New(
			infosentry.WithVersion(version),
			infosentry.WithLogger(logger),
		)
	}
	root := &cobra.Command{
		Use:           "infosentry",
		Short:         "Push decision runtime",
		Long:          "infoSentry decides when matched items are pushed to a goal's owner: immediately, in a batch window, in the daily digest, or not at all.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(open),
		newMigrateCmd(open, logger),
		newReplayCmd(open),
		newBudgetCmd(open),
		newTickCmd(open),
	)
	return root
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}

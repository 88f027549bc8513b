package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/reveries/reveries/pkg/config"
	"github.com/reveries/reveries/pkg/daemon"
)

var flagLogLevel string

var wakeCmd = &cobra.Command{
	Use:   "wake",
	Short: "Wake the daemon and run until signalled",
	Long: `Wake loads configuration, opens the durable store, hydrates the
episodic graph, and starts the IPC surface, the background monologue, and
the consolidation timer. It runs until interrupted, at which point it
puts itself back to sleep: a final consolidation pass, a graph persist,
and a clean store close.

Example:
  reveriesd wake --log-level debug`,
	RunE: runWake,
}

func init() {
	wakeCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "override REVERIES_LOG_LEVEL / config log level")
}

func runWake(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("reveriesd: load config: %w", err)
	}
	levelStr := cfg.Log.Level
	if flagLogLevel != "" {
		levelStr = flagLogLevel
	}
	level := slogLevel(config.ParseLogLevel(levelStr))

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("reveriesd: signal received, sleeping")
		cancel()
	}()

	logger.Info("reveriesd: waking", "home", cfg.Home)
	d, err := daemon.Wake(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("reveriesd: wake: %w", err)
	}

	runErr := d.Run(ctx)
	if runErr != nil {
		logger.Error("reveriesd: run error", "error", runErr)
	}

	sleepCtx, sleepCancel := context.WithCancel(context.Background())
	defer sleepCancel()
	if err := d.Sleep(sleepCtx); err != nil {
		logger.Error("reveriesd: sleep error", "error", err)
		return err
	}

	logger.Info("reveriesd: slept")
	return runErr
}

// slogLevel maps config.ParseLogLevel's string result to a slog.Level.
func slogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

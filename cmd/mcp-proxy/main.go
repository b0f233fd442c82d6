// Command mcp-proxy multiplexes a single stdio JSON-RPC client across a pool
// of per-workspace-root backend processes.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/margbug01/ace-proxy/internal/config"
	"github.com/margbug01/ace-proxy/internal/procsup"
	"github.com/margbug01/ace-proxy/internal/proxy"
)

func newRootCommand() *cobra.Command {
	defaults := config.Defaults()
	var cli config.Config

	cmd := &cobra.Command{
		Use:   "mcp-proxy",
		Short: "Multiplex a single IDE connection across per-workspace-root backends",
	}

	flags := cmd.Flags()
	flags.StringVar(&cli.Node, "node", defaults.Node, "path to the node executable used to launch backends")
	flags.StringVar(&cli.AuggieEntry, "auggie-entry", defaults.AuggieEntry, "entry point script passed to node for each backend")
	flags.StringVar(&cli.Mode, "mode", defaults.Mode, "operating mode")
	flags.IntVar(&cli.MaxBackends, "max-backends", defaults.MaxBackends, "maximum number of concurrently live backends")
	flags.Uint64Var(&cli.IdleTTLSeconds, "idle-ttl-seconds", defaults.IdleTTLSeconds, "seconds of inactivity before an idle backend is reaped")
	flags.StringVar(&cli.LogLevel, "log-level", defaults.LogLevel, "log level: trace, debug, info, warn, error")
	flags.Uint64Var(&cli.SpawnTimeoutSeconds, "spawn-timeout-seconds", defaults.SpawnTimeoutSeconds, "seconds to wait for a backend to spawn")
	flags.Uint64Var(&cli.RequestTimeoutSeconds, "request-timeout-seconds", defaults.RequestTimeoutSeconds, "seconds to wait for a backend response")
	flags.IntVar(&cli.MaxInflightGlobal, "max-inflight-global", defaults.MaxInflightGlobal, "global cap on concurrent in-flight requests (0 = unlimited)")
	flags.StringVar(&cli.DefaultRoot, "default-root", defaults.DefaultRoot, "workspace root to use when routing can't determine one")
	flags.BoolVar(&cli.PrewarmDefaultRoot, "prewarm-default-root", defaults.PrewarmDefaultRoot, "spawn the default root's backend during initialize")
	flags.Uint64Var(&cli.DebounceMs, "debounce-ms", defaults.DebounceMs, "file-change debounce window in milliseconds (0 disables batching)")
	flags.Uint64Var(&cli.CPUAffinity, "cpu-affinity", defaults.CPUAffinity, "CPU affinity mask applied to backends (Windows only)")
	flags.BoolVar(&cli.LowPriority, "low-priority", defaults.LowPriority, "run backends at below-normal process priority (Windows only)")
	flags.BoolVar(&cli.GitFilter, "git-filter", defaults.GitFilter, "drop file-change notifications for paths git does not track")
	flags.BoolVar(&cli.SingleInstance, "single-instance", defaults.SingleInstance, "refuse to start if another instance is already running")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		changed := config.ChangedFlags{}
		cmd.Flags().Visit(func(f *pflag.Flag) {
			changed[f.Name] = true
		})
		return run(cli, changed)
	}

	return cmd
}

func run(cli config.Config, changed config.ChangedFlags) error {
	cfg, err := config.Load(cli, changed)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("mcp-proxy starting", "mode", cfg.Mode, "maxBackends", cfg.MaxBackends)

	if cfg.SingleInstance {
		lockPath := filepath.Join(os.TempDir(), "mcp-proxy.lock")
		if home, err := os.UserHomeDir(); err == nil {
			lockPath = filepath.Join(home, ".mcp-proxy.lock")
		}
		lock := flock.New(lockPath)
		locked, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("acquiring single-instance lock: %w", err)
		}
		if !locked {
			return fmt.Errorf("mcp-proxy is already running (lock held at %s)", lockPath)
		}
		defer lock.Unlock()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	supervisor := procsup.New(logger)
	defer supervisor.Close()

	p := proxy.New(cfg, supervisor, logger)

	if err := p.Run(ctx, os.Stdin, os.Stdout); err != nil && err != context.Canceled {
		return err
	}

	logger.Info("mcp-proxy exiting")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "trace":
		lvl = slog.LevelDebug - 4
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

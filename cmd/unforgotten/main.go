// Unforgotten is the offline-first sync daemon of the Unforgotten caregiver
// app. It keeps a local SQLite cache of every shared account in step with
// the backend, uploads local edits through a durable outbox, generates the
// day's medication logs and mirrors reminders and appointments into Apple
// Reminders or Home Assistant.
//
// Usage:
//
//	unforgotten setup                          # interactive first-run wizard
//	unforgotten daemon [--config <path>]       # outbox, polling, realtime, cron
//	unforgotten sync-once [--account <id>]     # one full sync then exit
//	unforgotten generate-logs [--date <day>]   # create pending medication logs
//	unforgotten status                         # show daemon, config and cache state
//	unforgotten backend [--addr :8080]         # local reference backend
//	unforgotten uninstall [--purge]            # stop daemon and remove files
//	unforgotten version                        # print version
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/njoerd114/unforgotten/internal/config"
	"github.com/njoerd114/unforgotten/internal/logging"
	"github.com/njoerd114/unforgotten/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

var (
	cfgPath string
	verbose bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	defaultCfg, _ := config.DefaultPath()

	root := &cobra.Command{
		Use:           "unforgotten",
		Short:         "Offline-first sync daemon for the Unforgotten caregiver app",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(cfgPath); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "No config file found. Run 'unforgotten setup' to get started.")
				fmt.Fprintln(cmd.ErrOrStderr())
			}
			return cmd.Help()
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&cfgPath, "config", defaultCfg, "path to config.yaml")
	f.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newSetupCmd(),
		newDaemonCmd(),
		newSyncOnceCmd(),
		newGenerateLogsCmd(),
		newStatusCmd(),
		newBackendCmd(),
		newUninstallCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), "unforgotten", version)
			},
		},
	)
	return root
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
}

// runEnv is what every config-driven command needs: the config, a logger
// built from it, and a cleanup that flushes telemetry and closes the log.
type runEnv struct {
	cfg     *config.Config
	logger  *slog.Logger
	cleanup func()
}

// loadRuntime loads the config and sets up logging and optional telemetry.
func loadRuntime(ctx context.Context) (*runEnv, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}
	if verbose {
		cfg.Log.Level = "debug"
	}

	logger, closeLog, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("setting up logging: %w", err)
	}
	cleanups := []func(){func() { _ = closeLog() }}

	if cfg.Telemetry != nil {
		telCfg := telemetry.Config{
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			Insecure:       cfg.Telemetry.Insecure,
			ServiceName:    cfg.Telemetry.ServiceName,
			Headers:        cfg.Telemetry.Headers,
			ServiceVersion: version,
			BackendURL:     cfg.BackendURL,
			UserID:         cfg.UserID,
			AccountID:      cfg.AccountID,
		}
		shutdownTel, err := telemetry.Setup(ctx, telCfg)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			level, _ := logging.ParseLevel(cfg.Log.Level)
			logger = logging.Tee(logger.Handler(), logging.NewOTelHandler(nil, level))
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			cleanups = append(cleanups, func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			})
		}
	}
	slog.SetDefault(logger)

	logger.Info("config loaded",
		"backend_url", cfg.BackendURL,
		"user_id", cfg.UserID,
		"db_path", cfg.DBPath,
		"poll_interval", cfg.PollInterval,
	)

	return &runEnv{
		cfg:    cfg,
		logger: logger,
		cleanup: func() {
			for i := len(cleanups) - 1; i >= 0; i-- {
				cleanups[i]()
			}
		},
	}, nil
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/njoerd114/unforgotten/internal/setup"
)

func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive first-run wizard",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
			slog.SetDefault(logger)

			ctx, stop := signalContext()
			defer stop()

			wiz := setup.NewWizard(cmd.InOrStdin(), cmd.OutOrStdout(), logger)
			wiz.ConfigPath = cfgPath
			return wiz.Run(ctx)
		},
	}
}

func newUninstallCmd() *cobra.Command {
	var purge bool
	cmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop the daemon and remove installed files",
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("resolving home directory: %w", err)
			}

			fmt.Fprintln(w, "Uninstalling Unforgotten...")

			if setup.IsDaemonLoaded() {
				fmt.Fprintln(w, "  Unloading daemon...")
				if err := setup.UnloadDaemon(homeDir); err != nil {
					fmt.Fprintf(w, "  ⚠ %v\n", err)
				} else {
					fmt.Fprintln(w, "  ✓ Daemon unloaded")
				}
			}

			if err := setup.RemovePlist(homeDir); err != nil {
				fmt.Fprintf(w, "  ⚠ %v\n", err)
			} else {
				fmt.Fprintln(w, "  ✓ Plist removed")
			}

			fmt.Fprintln(w, "  Removing binary...")
			if err := setup.RemoveBinary(); err != nil {
				fmt.Fprintf(w, "  ⚠ %v\n", err)
			} else {
				fmt.Fprintln(w, "  ✓ Binary removed")
			}

			if purge {
				fmt.Fprintln(w, "  Purging config, local cache, and logs...")
				if err := setup.PurgeUserData(homeDir); err != nil {
					fmt.Fprintf(w, "  ⚠ %v\n", err)
				} else {
					fmt.Fprintln(w, "  ✓ User data purged")
				}
			} else {
				fmt.Fprintln(w, "")
				fmt.Fprintln(w, "  Config and local cache preserved.")
				fmt.Fprintln(w, "  Run with --purge to also remove them:")
				fmt.Fprintln(w, "    unforgotten uninstall --purge")
			}

			fmt.Fprintln(w, "")
			fmt.Fprintln(w, "✓ Unforgotten uninstalled.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&purge, "purge", false, "also remove config, local cache, and logs")
	return cmd
}

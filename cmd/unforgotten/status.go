package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/njoerd114/unforgotten/internal/config"
	"github.com/njoerd114/unforgotten/internal/model"
	"github.com/njoerd114/unforgotten/internal/setup"
	"github.com/njoerd114/unforgotten/internal/store"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon, config and local cache state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printStatus(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func printStatus(ctx context.Context, w io.Writer) error {
	homeDir, _ := os.UserHomeDir()

	fmt.Fprintln(w, "Unforgotten Status")
	fmt.Fprintln(w, "──────────────────")

	if setup.IsDaemonLoaded() {
		fmt.Fprintln(w, "  Daemon:    running (launchd)")
	} else {
		fmt.Fprintln(w, "  Daemon:    not loaded")
	}

	dbPath, _ := store.DefaultDBPath()
	var cfg *config.Config
	if _, err := os.Stat(cfgPath); err == nil {
		if loaded, loadErr := config.Load(cfgPath); loadErr == nil {
			cfg = loaded
			dbPath = cfg.DBPath
			fmt.Fprintf(w, "  Config:    %s ✓\n", cfgPath)
			fmt.Fprintf(w, "  Backend:   %s\n", cfg.BackendURL)
			fmt.Fprintf(w, "  User:      %s\n", cfg.UserID)
			fmt.Fprintf(w, "  Poll:      %s\n", cfg.PollInterval)
			fmt.Fprintf(w, "  Realtime:  %t\n", cfg.RealtimeEnabled())
			fmt.Fprintf(w, "  Sinks:     %s\n", sinkSummary(cfg.Notifications))
		} else {
			fmt.Fprintf(w, "  Config:    %s (invalid: %v)\n", cfgPath, loadErr)
		}
	} else {
		fmt.Fprintf(w, "  Config:    not found (%s)\n", cfgPath)
	}

	info, err := os.Stat(dbPath)
	if err != nil {
		fmt.Fprintf(w, "  Cache DB:  not found\n")
	} else {
		fmt.Fprintf(w, "  Cache DB:  %s (%s)\n", dbPath, humanSize(info.Size()))
		if err := printCache(ctx, w, dbPath); err != nil {
			fmt.Fprintf(w, "  Cache:     unreadable: %v\n", err)
		}
	}

	if _, err := os.Stat(setup.PlistPath(homeDir)); err == nil {
		fmt.Fprintf(w, "  Plist:     %s\n", setup.PlistPath(homeDir))
	} else {
		fmt.Fprintf(w, "  Plist:     not installed\n")
	}
	fmt.Fprintf(w, "  Logs:      %s\n", setup.LogDir(homeDir))
	return nil
}

func sinkSummary(n config.NotificationsConfig) string {
	var s string
	if n.AppleReminders != "" {
		s = fmt.Sprintf("Apple Reminders (%s)", n.AppleReminders)
	}
	if n.HomeAssistant != nil {
		if s != "" {
			s += ", "
		}
		s += fmt.Sprintf("Home Assistant (%s)", n.HomeAssistant.EntityID)
	}
	if s == "" {
		return "log only"
	}
	return s
}

// printCache lists cached accounts with their pending uploads and row counts.
func printCache(ctx context.Context, w io.Writer, dbPath string) error {
	st, err := store.Open(ctx, dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	accounts, err := store.NewTable[*model.Account](st).Fetch(ctx, store.Query{})
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		fmt.Fprintln(w, "  Accounts:  none cached")
		return nil
	}

	for _, acc := range accounts {
		last, err := st.LastSyncedAt(ctx, acc.ID)
		if err != nil {
			return err
		}
		queued, err := st.OutboxLen(ctx, acc.ID)
		if err != nil {
			return err
		}
		lastStr := "never"
		if !last.IsZero() {
			lastStr = last.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "\n  Account %s (%s)\n", acc.DisplayName, acc.ID)
		fmt.Fprintf(w, "    Last sync: %s, queued uploads: %d\n", lastStr, queued)

		counts, err := st.Counts(ctx, acc.ID)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "    KIND\tROWS\tPENDING\tDELETED")
		for _, c := range counts {
			if c.Rows == 0 {
				continue
			}
			fmt.Fprintf(tw, "    %s\t%d\t%d\t%d\n", c.Kind, c.Rows, c.Pending, c.Tombstones)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return nil
}

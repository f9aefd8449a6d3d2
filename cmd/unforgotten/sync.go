package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/njoerd114/unforgotten/internal/app"
	"github.com/njoerd114/unforgotten/internal/model"
)

// openApp loads the runtime and builds the App, bootstrapping the account
// cache on first use.
func openApp(ctx context.Context) (*runEnv, *app.App, func(), error) {
	env, err := loadRuntime(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	a, err := app.New(ctx, env.cfg, env.logger)
	if err != nil {
		env.cleanup()
		return nil, nil, nil, err
	}
	closeAll := func() {
		if err := a.Close(); err != nil {
			env.logger.Error("closing app", "error", err)
		}
		env.cleanup()
	}

	if _, err := a.Bootstrap(ctx, os.Stdout, false); err != nil {
		closeAll()
		return nil, nil, nil, fmt.Errorf("first-run bootstrap: %w", err)
	}
	return env, a, closeAll, nil
}

func newDaemonCmd() *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run continuously: outbox, periodic sync, realtime and daily medication logs",
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()

			env, a, closeAll, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer closeAll()

			acc, err := a.ResolveAccount(ctx, account)
			if err != nil {
				return err
			}
			if err := a.Run(ctx, acc); err != nil {
				return fmt.Errorf("daemon: %w", err)
			}
			env.logger.Info("shutdown complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account to sync (defaults to account_id, then the first cached account)")
	return cmd
}

func newSyncOnceCmd() *cobra.Command {
	var (
		account string
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "sync-once",
		Short: "Run a single full sync of one account, upload pending changes, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()

			env, a, closeAll, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer closeAll()

			if force {
				if _, err := a.Bootstrap(ctx, cmd.OutOrStdout(), true); err != nil {
					return fmt.Errorf("refreshing account cache: %w", err)
				}
			}

			acc, err := a.ResolveAccount(ctx, account)
			if err != nil {
				return err
			}
			env.logger.Info("running single sync pass", "account_id", acc)

			var errs []error
			if err := a.SwitchAccount(ctx, acc); err != nil {
				errs = append(errs, err)
			}
			stats, err := a.Engine().DrainOutbox(ctx, acc)
			if err != nil {
				errs = append(errs, fmt.Errorf("uploading pending changes: %w", err))
			}
			env.logger.Info("sync complete",
				"account_id", acc,
				"pushed", stats.Pushed,
				"errors", stats.Errors,
			)
			return errors.Join(errs...)
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account to sync (defaults to account_id, then the first cached account)")
	cmd.Flags().BoolVar(&force, "refresh-accounts", false, "re-pull the user's accounts and memberships first")
	return cmd
}

func newGenerateLogsCmd() *cobra.Command {
	var (
		account string
		date    string
	)
	cmd := &cobra.Command{
		Use:   "generate-logs",
		Short: "Create the pending medication logs of a day and upload them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()

			_, a, closeAll, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer closeAll()

			day := a.Today()
			if date != "" {
				if day, err = model.ParseDate(date); err != nil {
					return fmt.Errorf("--date: %w", err)
				}
			}

			acc, err := a.ResolveAccount(ctx, account)
			if err != nil {
				return err
			}
			n, err := a.Engine().GenerateLocalMedicationLogs(ctx, acc, day)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %d medication log(s) for %s\n", n, day)

			if _, err := a.Engine().DrainOutbox(ctx, acc); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Upload incomplete, logs stay queued: %v\n", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account to generate for")
	cmd.Flags().StringVar(&date, "date", "", "day to generate, YYYY-MM-DD (defaults to today)")
	return cmd
}

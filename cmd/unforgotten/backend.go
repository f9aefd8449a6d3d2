package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/njoerd114/unforgotten/internal/backend"
	"github.com/njoerd114/unforgotten/internal/model"
)

func newBackendCmd() *cobra.Command {
	var (
		addr    string
		secret  string
		userID  string
		account string
	)
	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Run the in-memory reference backend for local development",
		Long: `Serve the backend contract (REST, realtime WebSocket and JWT auth) from
memory. With --user a bearer token for that user is printed; with --account
an account owned by that user is created as well.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			if secret == "" {
				secret = os.Getenv("UNFORGOTTEN_BACKEND_SECRET")
			}
			if secret == "" {
				return fmt.Errorf("a signing secret is required: pass --secret or set UNFORGOTTEN_BACKEND_SECRET")
			}

			mem := backend.NewMemory()
			if userID != "" {
				tok, err := backend.GenerateToken(userID, []byte(secret), 30*24*time.Hour)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Token for %s:\n  %s\n", userID, tok)

				if account != "" {
					payload, _ := json.Marshal(map[string]string{"display_name": account, "owner_user_id": userID})
					mem.Seed(model.Record{ID: account, Kind: model.KindAccounts, Payload: payload})
					fmt.Fprintf(cmd.OutOrStdout(), "Account %s owned by %s\n", account, userID)
				}
			}

			ctx, stop := signalContext()
			defer stop()
			return backend.New(mem, []byte(secret), logger).ListenAndServe(ctx, addr)
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", ":8080", "listen address")
	f.StringVar(&secret, "secret", "", "HS256 signing secret (or UNFORGOTTEN_BACKEND_SECRET)")
	f.StringVar(&userID, "user", "", "print a token for this user id")
	f.StringVar(&account, "account", "", "seed an account with this id owned by --user")
	return cmd
}

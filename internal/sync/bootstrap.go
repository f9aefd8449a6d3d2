package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/njoerd114/unforgotten/internal/model"
	"github.com/njoerd114/unforgotten/internal/store"
)

// bootstrapKeyPrefix marks, per user, that the account projection exists.
const bootstrapKeyPrefix = "bootstrap:"

// Bootstrap caches the accounts and memberships of a user on first run, so
// that the local account projection exists before any account-scoped data
// is pulled. Rows of accounts that are not cached are never surfaced.
type Bootstrap struct {
	engine *Engine
	log    *slog.Logger
	writer io.Writer // summary output (os.Stdout in production)
}

// NewBootstrap creates a Bootstrap over the engine's store and backend.
func NewBootstrap(engine *Engine, logger *slog.Logger, writer io.Writer) *Bootstrap {
	return &Bootstrap{engine: engine, log: logger, writer: writer}
}

// Run pulls every account and membership visible to userID unless that was
// already done for this user. force repeats the pull. Returns true if the
// bootstrap was executed.
func (b *Bootstrap) Run(ctx context.Context, userID string, force bool) (bool, error) {
	if userID == "" {
		return false, errors.New("bootstrap: user id is required")
	}
	st := b.engine.store
	key := bootstrapKeyPrefix + userID

	if !force {
		_, done, err := st.GetMeta(ctx, key)
		if err != nil {
			return false, fmt.Errorf("checking bootstrap marker: %w", err)
		}
		if done {
			b.log.Debug("account cache already bootstrapped", "user_id", userID)
			return false, nil
		}
	}

	b.log.Info("caching accounts", "user_id", userID)

	for _, kind := range []model.Kind{model.KindAccounts, model.KindAccountMembers} {
		if err := b.cacheKind(ctx, kind); err != nil {
			return false, fmt.Errorf("bootstrapping %s: %w", kind, err)
		}
	}

	if err := st.SetMeta(ctx, key, b.engine.now().Format(time.RFC3339)); err != nil {
		return false, err
	}

	accounts, err := b.engine.CachedAccounts(ctx)
	if err != nil {
		return false, err
	}
	b.printSummary(ctx, userID, accounts)

	b.log.Info("bootstrap complete", "user_id", userID, "accounts", len(accounts))
	return true, nil
}

// cacheKind pulls the user-scoped listing of kind and merges it.
func (b *Bootstrap) cacheKind(ctx context.Context, kind model.Kind) error {
	res, err := b.engine.remote.List(ctx, kind, "", 0)
	if err != nil {
		return err
	}
	for _, rec := range res.Records {
		if err := b.engine.ApplyRemote(ctx, kind, rec); err != nil {
			if errors.Is(err, model.ErrDecode) {
				b.log.Warn("skipping undecodable record", "kind", kind, "id", rec.ID, "error", err)
				continue
			}
			return err
		}
	}
	return nil
}

func (b *Bootstrap) printSummary(ctx context.Context, userID string, accounts []*model.Account) {
	if b.writer == nil {
		return
	}
	fmt.Fprintf(b.writer, "\n=== Accounts for %s ===\n\n", userID)
	if len(accounts) == 0 {
		fmt.Fprintln(b.writer, "  (none)")
		return
	}
	members := store.NewTable[*model.AccountMember](b.engine.store)
	for _, acc := range accounts {
		role := model.Role("")
		if acc.OwnerUserID == userID {
			role = model.RoleOwner
		} else if ms, err := members.FetchWhere(ctx, acc.ID); err == nil {
			for _, m := range ms {
				if m.UserID == userID {
					role = m.Role
				}
			}
		}
		name := acc.DisplayName
		if name == "" {
			name = acc.ID
		}
		fmt.Fprintf(b.writer, "  %-30s %-36s %s\n", name, acc.ID, role)
	}
	fmt.Fprintln(b.writer)
}

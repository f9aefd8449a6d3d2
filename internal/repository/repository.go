// Package repository gives the rest of the app typed, local-first access to
// one entity kind. Reads never leave the device; writes go through the sync
// engine so they are queued for upload in the same transaction.
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/njoerd114/unforgotten/internal/model"
	"github.com/njoerd114/unforgotten/internal/store"
	"github.com/njoerd114/unforgotten/internal/sync"
)

// CachedRepository reads rows of T from the local store and writes them
// through a [sync.Writer].
type CachedRepository[T model.Entity] struct {
	table  *store.Table[T]
	writer sync.Writer
	log    *slog.Logger
	now    func() time.Time
}

// Option configures a CachedRepository.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the clock used to stamp local edits.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New returns the repository for T's kind.
func New[T model.Entity](st *store.Store, w sync.Writer, logger *slog.Logger, opts ...Option) *CachedRepository[T] {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	t := store.NewTable[T](st)
	return &CachedRepository[T]{
		table:  t,
		writer: w,
		log:    logger.With("component", "repository", "kind", t.Kind()),
		now:    o.now,
	}
}

// Kind returns the entity kind served by the repository.
func (r *CachedRepository[T]) Kind() model.Kind { return r.table.Kind() }

// Get returns the visible rows of accountID in insertion order.
func (r *CachedRepository[T]) Get(ctx context.Context, accountID string) ([]T, error) {
	return r.table.FetchWhere(ctx, accountID)
}

// GetByID returns one visible row, or model.ErrNotFound.
func (r *CachedRepository[T]) GetByID(ctx context.Context, id string) (T, error) {
	return r.table.Get(ctx, id)
}

// Create stores v as a new pending row of accountID and queues its upload.
func (r *CachedRepository[T]) Create(ctx context.Context, accountID string, v T) (T, error) {
	if err := r.writer.CanWrite(ctx, accountID); err != nil {
		return v, err
	}
	m := v.Base()
	m.EnsureID()
	m.AccountID = accountID
	if r.Kind() == model.KindAccounts {
		m.AccountID = m.ID
	}
	m.LocallyDeleted = false
	m.RemoteVersion = 0
	m.Touch(r.now().UTC())

	if err := r.writer.Save(ctx, v, store.OpCreate); err != nil {
		return v, fmt.Errorf("creating %s: %w", r.Kind(), err)
	}
	r.log.Debug("created", "id", m.ID, "account_id", m.AccountID)
	return v, nil
}

// Update replaces an existing row with v and queues the change. Sync
// bookkeeping is carried over from the stored row, so callers only need to
// fill in content fields.
func (r *CachedRepository[T]) Update(ctx context.Context, v T) (T, error) {
	m := v.Base()
	cur, err := r.table.Get(ctx, m.ID)
	if err != nil {
		return v, err
	}
	cm := cur.Base()
	if err := r.writer.CanWrite(ctx, cm.AccountID); err != nil {
		return v, err
	}

	m.AccountID = cm.AccountID
	m.CreatedAt = cm.CreatedAt
	m.RemoteVersion = cm.RemoteVersion
	m.LastSyncedAt = cm.LastSyncedAt
	m.LocallyDeleted = false
	m.Touch(r.now().UTC())

	if err := r.writer.Save(ctx, v, store.OpUpdate); err != nil {
		return v, fmt.Errorf("updating %s %s: %w", r.Kind(), m.ID, err)
	}
	return v, nil
}

// Delete tombstones the row and queues its remote deletion. A row the
// server never saw is removed outright.
func (r *CachedRepository[T]) Delete(ctx context.Context, id string) error {
	cur, err := r.table.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := r.writer.CanWrite(ctx, cur.Base().AccountID); err != nil {
		return err
	}
	if err := r.writer.Save(ctx, cur, store.OpDelete); err != nil {
		return fmt.Errorf("deleting %s %s: %w", r.Kind(), id, err)
	}
	return nil
}

// RefreshFromRemote pulls the kind for accountID and returns the merged
// local rows. Backend failures are logged and the cached rows returned;
// local storage failures are surfaced.
func (r *CachedRepository[T]) RefreshFromRemote(ctx context.Context, accountID string) ([]T, error) {
	stats, err := r.writer.RefreshKind(ctx, r.Kind(), accountID)
	switch {
	case errors.Is(err, model.ErrLocalStorage), errors.Is(err, model.ErrNoAccount):
		return nil, err
	case err != nil:
		r.log.Warn("refresh from backend failed, serving cached rows", "account_id", accountID, "error", err)
	default:
		r.log.Debug("refreshed", "account_id", accountID, "pulled", stats.Pulled)
	}
	return r.Get(ctx, accountID)
}

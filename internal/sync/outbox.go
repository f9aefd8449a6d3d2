package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/njoerd114/unforgotten/internal/events"
	"github.com/njoerd114/unforgotten/internal/model"
	"github.com/njoerd114/unforgotten/internal/remote"
	"github.com/njoerd114/unforgotten/internal/store"
)

// Kick wakes the outbox worker. It never blocks.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// RunOutbox uploads due outbox entries until ctx is cancelled. It wakes on
// [Engine.Kick] and on a ticker so entries in backoff are retried.
func (e *Engine) RunOutbox(ctx context.Context) error {
	ticker := time.NewTicker(e.outboxInterval)
	defer ticker.Stop()

	for {
		if _, err := e.DrainOutbox(ctx, ""); err != nil && ctx.Err() == nil {
			e.log.Warn("outbox pass incomplete", "error", err)
		}

		select {
		case <-ctx.Done():
			e.log.Info("outbox worker shutting down")
			return ctx.Err()
		case <-e.kick:
		case <-ticker.C:
		}
	}
}

// DrainOutbox pushes every due entry of accountID (all accounts when
// empty) once.
func (e *Engine) DrainOutbox(ctx context.Context, accountID string) (Stats, error) {
	entries, err := e.store.Outbox(ctx, accountID, true, e.now(), defaultOutboxBatch)
	if err != nil {
		return Stats{}, err
	}
	stats, err := e.pushEntries(ctx, entries)
	e.record(ctx, stats)
	return stats, err
}

// pushKind pushes every entry of kind for accountID regardless of backoff.
func (e *Engine) pushKind(ctx context.Context, kind model.Kind, accountID string) (Stats, error) {
	all, err := e.store.Outbox(ctx, accountID, false, e.now(), 0)
	if err != nil {
		return Stats{Errors: 1}, err
	}
	var entries []store.OutboxEntry
	for _, en := range all {
		if en.Kind == kind {
			entries = append(entries, en)
		}
	}
	return e.pushEntries(ctx, entries)
}

// pushEntries continues past failures; the errors are joined.
func (e *Engine) pushEntries(ctx context.Context, entries []store.OutboxEntry) (Stats, error) {
	var (
		stats Stats
		errs  []error
	)
	for _, en := range entries {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		pushed, err := e.push(ctx, en)
		if err != nil {
			stats.Errors++
			errs = append(errs, err)
			continue
		}
		if pushed {
			stats.Pushed++
		}
	}
	return stats, errors.Join(errs...)
}

// push uploads one outbox entry and applies the acknowledgement. It
// reports false without error when there was nothing to upload or another
// goroutine is already pushing the same entity.
func (e *Engine) push(ctx context.Context, en store.OutboxEntry) (bool, error) {
	key := string(en.Kind) + "/" + en.EntityID
	if !e.claim(key) {
		return false, nil
	}
	defer e.release(key)

	local, err := e.store.Lookup(ctx, en.Kind, en.EntityID)
	if errors.Is(err, model.ErrNotFound) {
		local = nil
	} else if err != nil {
		return false, err
	}

	var ack model.Record
	switch {
	case en.Op == store.OpDelete:
		err = e.remote.Delete(ctx, en.Kind, en.EntityID)

	case local == nil:
		// Purged by a merge since it was queued.
		_, err := e.store.CompleteOutbox(ctx, en)
		return false, err

	default:
		var rec model.Record
		if rec, err = model.ToRecord(local); err != nil {
			return false, err
		}
		if en.Op == store.OpCreate {
			ack, err = e.remote.Create(ctx, rec)
			if err == nil && ack.UpdatedAt.Before(rec.UpdatedAt) {
				// The server already held an older copy from a lost ack.
				rec.Version = ack.Version
				ack, err = e.remote.Update(ctx, rec)
			}
		} else {
			ack, err = e.remote.Update(ctx, rec)
			if remote.IsStatus(err, http.StatusNotFound) && local.Base().RemoteVersion == 0 {
				ack, err = e.remote.Create(ctx, rec)
			}
		}
	}
	if err != nil {
		return false, e.pushFailed(ctx, en, local, err)
	}

	ack.Kind = en.Kind
	if err := e.acknowledge(ctx, en, ack); err != nil {
		return false, err
	}
	e.log.Debug("pushed outbox entry", "kind", en.Kind, "id", en.EntityID, "op", en.Op, "version", ack.Version)
	return true, nil
}

// acknowledge applies a successful upload. When a local write coalesced
// into the entry while the upload was in flight, the entry and the pending
// row are kept and only the remote version is recorded.
func (e *Engine) acknowledge(ctx context.Context, en store.OutboxEntry, ack model.Record) error {
	var change *events.Change

	err := e.store.WithTx(ctx, func(tx *store.Store) error {
		change = nil
		done, err := tx.CompleteOutbox(ctx, en)
		if err != nil {
			return err
		}

		if en.Op == store.OpDelete {
			if !done {
				return nil
			}
			return tx.Purge(ctx, en.Kind, en.EntityID)
		}

		local, err := tx.Lookup(ctx, en.Kind, en.EntityID)
		if errors.Is(err, model.ErrNotFound) {
			// Created remotely but deleted locally before the ack arrived.
			_, err := tx.Enqueue(ctx, en.Kind, en.EntityID, en.AccountID, store.OpDelete, e.now())
			return err
		}
		if err != nil {
			return err
		}

		if !done {
			if m := local.Base(); ack.Version > m.RemoteVersion {
				m.RemoteVersion = ack.Version
				return tx.Update(ctx, local)
			}
			return nil
		}

		synced, err := model.FromRecord(ack)
		if err != nil {
			return err
		}
		synced.Base().LastSyncedAt = e.now()
		if err := tx.Upsert(ctx, synced); err != nil {
			return err
		}
		if model.ContentHash(synced) != model.ContentHash(local) {
			change = &events.Change{Kind: en.Kind, AccountID: synced.Base().AccountID, ID: en.EntityID, Op: events.Updated}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if change != nil {
		e.publish(*change)
		e.plan(ctx, change.AccountID, change.Kind)
	}
	return nil
}

// rejected reports whether the backend refused the change itself. Auth,
// permission and throttling answers are not rejections: the credentials or
// role may change, so those entries are retried.
func rejected(err error) bool {
	for _, status := range []int{http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity} {
		if remote.IsStatus(err, status) {
			return true
		}
	}
	return false
}

// pushFailed classifies an upload failure:
//
//	404 on update        → the server deleted the row; drop it locally
//	400, 409, 422        → rejected; restore server state on the next pull
//	anything else        → keep the entry and retry after backoff
func (e *Engine) pushFailed(ctx context.Context, en store.OutboxEntry, local model.Entity, cause error) error {
	switch {
	case remote.IsStatus(cause, http.StatusNotFound) && en.Op == store.OpUpdate:
		e.log.Info("row deleted on server, dropping local copy", "kind", en.Kind, "id", en.EntityID)
		err := e.store.WithTx(ctx, func(tx *store.Store) error {
			if err := tx.Purge(ctx, en.Kind, en.EntityID); err != nil {
				return err
			}
			return tx.DropOutbox(ctx, en.Kind, en.EntityID)
		})
		if err != nil {
			return err
		}
		e.publish(events.Change{Kind: en.Kind, AccountID: en.AccountID, ID: en.EntityID, Op: events.Deleted})
		e.plan(ctx, en.AccountID, en.Kind)
		return nil

	case rejected(cause):
		e.log.Warn("backend rejected local change, discarding it", "kind", en.Kind, "id", en.EntityID, "op", en.Op, "error", cause)
		err := e.store.WithTx(ctx, func(tx *store.Store) error {
			if err := tx.DropOutbox(ctx, en.Kind, en.EntityID); err != nil {
				return err
			}
			if local == nil {
				return nil
			}
			if en.Op == store.OpCreate {
				return tx.Purge(ctx, en.Kind, en.EntityID)
			}
			m := local.Base()
			m.IsSynced = true
			m.LocallyDeleted = false
			if err := tx.Update(ctx, local); err != nil {
				return err
			}
			return tx.ResetCursor(ctx, en.AccountID, en.Kind)
		})
		if err != nil {
			return err
		}
		e.refresh(en.Kind, en.AccountID)
		return fmt.Errorf("%s %s %s rejected: %w", en.Op, en.Kind, en.EntityID, cause)

	default:
		next := e.now().Add(e.outboxBackoff.Delay(en.Attempts))
		if err := e.store.FailOutbox(ctx, en.ID, cause, next); err != nil {
			return errors.Join(cause, err)
		}
		e.log.Debug("outbox entry will be retried", "kind", en.Kind, "id", en.EntityID, "attempts", en.Attempts+1, "next_attempt_at", next)
		return fmt.Errorf("pushing %s %s %s: %w", en.Op, en.Kind, en.EntityID, cause)
	}
}

func (e *Engine) claim(key string) bool {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	if _, busy := e.inflight[key]; busy {
		return false
	}
	e.inflight[key] = struct{}{}
	return true
}

func (e *Engine) release(key string) {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	delete(e.inflight, key)
}

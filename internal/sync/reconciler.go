package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/njoerd114/unforgotten/internal/events"
	"github.com/njoerd114/unforgotten/internal/model"
	"github.com/njoerd114/unforgotten/internal/store"
)

// action describes what a merge does with one remote record.
type action int

const (
	actionNone          action = iota
	actionInsert               // no local row → store remote
	actionOverwrite            // local row is synced → take remote
	actionTakeRemote           // local edit pending, remote newer or tied → take remote
	actionKeepLocal            // local edit pending and strictly newer → keep local
	actionResurrect            // local tombstone older than remote → take remote
	actionKeepTombstone        // local tombstone not older than remote → keep it
	actionPurge                // remote deleted → drop local row
)

var actionNames = [...]string{"none", "insert", "overwrite", "take_remote", "keep_local", "resurrect", "keep_tombstone", "purge"}

func (a action) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Stats tracks what a sync pass did.
type Stats struct {
	Pulled    int
	Pushed    int
	Inserted  int
	Updated   int
	Deleted   int
	Conflicts int
	Errors    int

	// Failed lists the kinds whose pull or push failed.
	Failed []model.Kind
}

func (s *Stats) add(o Stats) {
	s.Pulled += o.Pulled
	s.Pushed += o.Pushed
	s.Inserted += o.Inserted
	s.Updated += o.Updated
	s.Deleted += o.Deleted
	s.Conflicts += o.Conflicts
	s.Errors += o.Errors
	s.Failed = append(s.Failed, o.Failed...)
}

// outcome is the result of merging one record.
type outcome struct {
	act      action
	conflict bool
	changes  []events.Change
}

func (o outcome) count(s *Stats) {
	switch o.act {
	case actionInsert, actionResurrect:
		s.Inserted++
	case actionOverwrite, actionTakeRemote:
		s.Updated++
	case actionPurge:
		if len(o.changes) > 0 {
			s.Deleted++
		}
	}
	if o.conflict {
		s.Conflicts++
	}
}

// decide determines what to do with remote given the local row with the
// same id (nil if there is none).
//
// Remote wins unless the local row carries a pending edit with a strictly
// newer UpdatedAt. A pending tombstone survives unless the remote record is
// strictly newer. A remote delete always wins.
func decide(local, remote model.Entity) action {
	rm := remote.Base()
	if local == nil {
		if rm.LocallyDeleted {
			return actionNone
		}
		return actionInsert
	}
	lm := local.Base()

	if rm.LocallyDeleted {
		return actionPurge
	}

	if !lm.Pending() {
		// Realtime events can arrive after a pull already stored a newer
		// version.
		if lm.RemoteVersion != 0 && rm.RemoteVersion != 0 && rm.RemoteVersion < lm.RemoteVersion {
			return actionNone
		}
		return actionOverwrite
	}

	// The server has not moved since the version the local edit was based
	// on: nothing to resolve.
	stale := lm.RemoteVersion != 0 && rm.RemoteVersion != 0 && rm.RemoteVersion <= lm.RemoteVersion

	if lm.LocallyDeleted {
		if !stale && rm.UpdatedAt.After(lm.UpdatedAt) {
			return actionResurrect
		}
		return actionKeepTombstone
	}
	if stale || lm.UpdatedAt.After(rm.UpdatedAt) {
		return actionKeepLocal
	}
	return actionTakeRemote
}

// merge applies one remote record inside a transaction and reports what it
// did. Decode failures are returned wrapped in model.ErrDecode.
func (e *Engine) merge(ctx context.Context, rec model.Record) (outcome, error) {
	remote, err := model.FromRecord(rec)
	if err != nil {
		return outcome{}, err
	}
	remote.Base().LastSyncedAt = e.now()

	var out outcome
	err = e.store.WithTx(ctx, func(tx *store.Store) error {
		out = outcome{}

		carried, won, err := e.resolveNaturalKey(ctx, tx, remote, &out)
		if err != nil || !won {
			return err
		}

		local, err := tx.Lookup(ctx, rec.Kind, rec.ID)
		if errors.Is(err, model.ErrNotFound) {
			local = nil
		} else if err != nil {
			return err
		}

		act := decide(local, remote)
		if err := e.execute(ctx, tx, act, local, remote); err != nil {
			return fmt.Errorf("%s %s %s: %w", act, rec.Kind, rec.ID, err)
		}
		out.act = act
		out.conflict = out.conflict || isConflict(act, local, remote)

		if carried != nil {
			if err := tx.Update(ctx, carried); err != nil {
				return err
			}
			if _, err := tx.Enqueue(ctx, rec.Kind, rec.ID, rec.AccountID, store.OpUpdate, e.now()); err != nil {
				return err
			}
		}

		if op, ok := changeOp(act, local); ok {
			out.changes = append(out.changes, events.Change{Kind: rec.Kind, AccountID: remote.Base().AccountID, ID: rec.ID, Op: op})
		}
		return nil
	})
	if err != nil {
		return outcome{}, err
	}

	if out.act != actionNone {
		e.log.Debug("merged remote record", "kind", rec.Kind, "id", rec.ID, "version", rec.Version, "action", out.act)
	}
	return out, nil
}

// execute writes the decided action to the store.
func (e *Engine) execute(ctx context.Context, tx *store.Store, act action, local, remote model.Entity) error {
	rm := remote.Base()
	kind := remote.Kind()

	switch act {
	case actionNone:
		return nil

	case actionInsert, actionOverwrite:
		mergeAccountFields(local, remote)
		return tx.Upsert(ctx, remote)

	case actionTakeRemote, actionResurrect:
		e.log.Info("conflict resolved in favour of remote",
			"kind", kind,
			"id", rm.ID,
			"local_updated", local.Base().UpdatedAt,
			"remote_updated", rm.UpdatedAt,
		)
		stillPending := mergeAccountFields(local, remote)
		if err := tx.Upsert(ctx, remote); err != nil {
			return err
		}
		if stillPending {
			return nil
		}
		return tx.DropOutbox(ctx, kind, rm.ID)

	case actionKeepLocal, actionKeepTombstone:
		lm := local.Base()
		if rm.RemoteVersion > lm.RemoteVersion {
			lm.RemoteVersion = rm.RemoteVersion
		}
		if la, ok := local.(*model.Account); ok {
			la.ComplimentaryAccess = la.ComplimentaryAccess || remote.(*model.Account).ComplimentaryAccess
		}
		return tx.Update(ctx, local)

	case actionPurge:
		if err := tx.Purge(ctx, kind, rm.ID); err != nil {
			return err
		}
		return tx.DropOutbox(ctx, kind, rm.ID)
	}

	return fmt.Errorf("unknown merge action %d", int(act))
}

// mergeAccountFields applies the field-level account rules to remote before
// it replaces local: complimentary access is never revoked by a merge, and
// a pending local feature order survives. It reports whether the merged row
// must stay pending so the local order is still uploaded.
func mergeAccountFields(local, remote model.Entity) bool {
	ra, ok := remote.(*model.Account)
	if !ok || local == nil {
		return false
	}
	la := local.(*model.Account)

	ra.ComplimentaryAccess = ra.ComplimentaryAccess || la.ComplimentaryAccess

	if la.Pending() && !la.LocallyDeleted && !slices.Equal(la.FeatureOrder, ra.FeatureOrder) {
		ra.FeatureOrder = slices.Clone(la.FeatureOrder)
		ra.IsSynced = false
		return true
	}
	return false
}

// resolveNaturalKey handles a remote record whose natural key is already
// held locally by a row with a different id, as happens when two devices
// generate the same medication log offline.
//
// A local row the server has never seen always yields to the remote one;
// its pending edits are returned as carried so they can be re-applied on
// top of the remote identity when they are newer. When both rows exist on
// the server, the earlier-created one (then the smaller id) wins on every
// device and the loser is deleted remotely. won is false when the local row
// wins and remote must not be stored.
func (e *Engine) resolveNaturalKey(ctx context.Context, tx *store.Store, remote model.Entity, out *outcome) (carried model.Entity, won bool, err error) {
	rm := remote.Base()
	key := model.NaturalKey(remote)
	if key == "" || rm.LocallyDeleted {
		return nil, true, nil
	}

	other, err := tx.LookupNaturalKey(ctx, remote.Kind(), key)
	if errors.Is(err, model.ErrNotFound) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	om := other.Base()
	if om.ID == rm.ID {
		return nil, true, nil
	}

	kind := remote.Kind()
	known := om.RemoteVersion > 0
	if known && precedes(om, rm) {
		e.log.Info("duplicate remote row, keeping local", "kind", kind, "key", key, "local_id", om.ID, "remote_id", rm.ID)
		if _, err := tx.Enqueue(ctx, kind, rm.ID, rm.AccountID, store.OpDelete, e.now()); err != nil {
			return nil, false, err
		}
		out.conflict = true
		return nil, false, nil
	}

	e.log.Info("duplicate local row, adopting remote identity", "kind", kind, "key", key, "local_id", om.ID, "remote_id", rm.ID)

	if om.Pending() && !om.LocallyDeleted && om.UpdatedAt.After(rm.UpdatedAt) {
		c, err := model.Clone(other)
		if err != nil {
			return nil, false, fmt.Errorf("%w: cloning %s %s: %v", model.ErrDecode, kind, om.ID, err)
		}
		cm := c.Base()
		cm.ID = rm.ID
		cm.AccountID = rm.AccountID
		cm.CreatedAt = rm.CreatedAt
		cm.RemoteVersion = rm.RemoteVersion
		cm.LastSyncedAt = rm.LastSyncedAt
		cm.IsSynced = false
		cm.LocallyDeleted = false
		carried = c
	}

	if err := tx.Purge(ctx, kind, om.ID); err != nil {
		return nil, false, err
	}
	if err := tx.DropOutbox(ctx, kind, om.ID); err != nil {
		return nil, false, err
	}
	if known {
		if _, err := tx.Enqueue(ctx, kind, om.ID, om.AccountID, store.OpDelete, e.now()); err != nil {
			return nil, false, err
		}
	}
	out.conflict = true
	out.changes = append(out.changes, events.Change{Kind: kind, AccountID: om.AccountID, ID: om.ID, Op: events.Deleted})
	return carried, true, nil
}

// precedes orders duplicate rows deterministically across devices.
func precedes(a, b *model.Meta) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// isConflict reports whether act resolved a genuine concurrent edit.
func isConflict(act action, local, remote model.Entity) bool {
	if local == nil || !local.Base().Pending() {
		return false
	}
	lv, rv := local.Base().RemoteVersion, remote.Base().RemoteVersion
	if lv != 0 && rv <= lv {
		return false
	}
	switch act {
	case actionTakeRemote, actionKeepLocal, actionResurrect, actionKeepTombstone:
		return true
	}
	return false
}

// changeOp maps a merge action to the event it publishes.
func changeOp(act action, local model.Entity) (events.Op, bool) {
	switch act {
	case actionInsert, actionResurrect:
		return events.Created, true
	case actionOverwrite, actionTakeRemote:
		return events.Updated, true
	case actionPurge:
		if local != nil && !local.Base().LocallyDeleted {
			return events.Deleted, true
		}
	}
	return "", false
}

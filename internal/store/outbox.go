package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/njoerd114/unforgotten/internal/model"
)

// Op is the remote mutation an outbox entry stands for.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// OutboxEntry is one pending upload. There is at most one entry per
// (kind, entity id); later writes coalesce into it.
type OutboxEntry struct {
	ID            int64
	Kind          model.Kind
	EntityID      string
	AccountID     string
	Op            Op
	Revision      int64
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	CreatedAt     time.Time
}

// Enqueue records that entity id of kind k needs op pushed to the backend.
// An existing entry for the same entity is coalesced:
//
//	create + update -> create
//	any    + delete -> delete, except a never-attempted create, which is
//	                   dropped (the server never saw the row)
//	other           -> the new op
//
// dropped reports the create+delete case; the caller should purge the row
// instead of keeping a tombstone.
func (s *Store) Enqueue(ctx context.Context, k model.Kind, id, accountID string, op Op, now time.Time) (dropped bool, err error) {
	err = s.WithTx(ctx, func(tx *Store) error {
		existing, err := tx.outboxEntry(ctx, k, id)
		if err != nil {
			return err
		}
		if existing == nil {
			const q = `
				INSERT INTO outbox (kind, entity_id, account_id, op, next_attempt_at, created_at)
				VALUES (?, ?, ?, ?, '', ?)`
			if _, err := tx.q.ExecContext(ctx, q, string(k), id, accountID, string(op), formatTime(now)); err != nil {
				return storageErr(fmt.Sprintf("enqueueing %s %s %s", op, k, id), err)
			}
			return nil
		}

		next := op
		switch {
		case existing.Op == OpCreate && op == OpUpdate:
			next = OpCreate
		case existing.Op == OpCreate && op == OpDelete && existing.Attempts == 0:
			dropped = true
			return tx.deleteOutbox(ctx, existing.ID)
		}

		const q = `
			UPDATE outbox SET op = ?, account_id = ?, revision = revision + 1,
			    attempts = 0, last_error = '', next_attempt_at = ''
			WHERE id = ?`
		if _, err := tx.q.ExecContext(ctx, q, string(next), accountID, existing.ID); err != nil {
			return storageErr(fmt.Sprintf("coalescing %s %s", k, id), err)
		}
		return nil
	})
	return dropped, err
}

// Outbox returns the entries of accountID (all accounts when empty) in
// enqueue order. With due set, only entries whose backoff has elapsed at
// now are returned. limit <= 0 means no limit.
func (s *Store) Outbox(ctx context.Context, accountID string, due bool, now time.Time, limit int) ([]OutboxEntry, error) {
	q := `
		SELECT id, kind, entity_id, account_id, op, revision, attempts, last_error, next_attempt_at, created_at
		FROM outbox
		WHERE (? = '' OR account_id = ?)`
	args := []any{accountID, accountID}
	if due {
		q += ` AND (next_attempt_at = '' OR next_attempt_at <= ?)`
		args = append(args, sortableTime(now))
	}
	q += ` ORDER BY id`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storageErr("querying outbox", err)
	}
	defer func() { _ = rows.Close() }()

	var out []OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating outbox", err)
	}
	return out, nil
}

// OutboxFor returns the entry for one entity, or nil if none is pending.
func (s *Store) OutboxFor(ctx context.Context, k model.Kind, id string) (*OutboxEntry, error) {
	return s.outboxEntry(ctx, k, id)
}

// OutboxLen returns the number of pending entries for accountID (all
// accounts when empty).
func (s *Store) OutboxLen(ctx context.Context, accountID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox WHERE (? = '' OR account_id = ?)`, accountID, accountID).Scan(&n)
	if err != nil {
		return 0, storageErr("counting outbox", err)
	}
	return n, nil
}

// CompleteOutbox removes an acknowledged entry. It reports false and keeps
// the entry when a write coalesced into it while the upload was in flight.
func (s *Store) CompleteOutbox(ctx context.Context, e OutboxEntry) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM outbox WHERE id = ? AND revision = ?`, e.ID, e.Revision)
	if err != nil {
		return false, storageErr(fmt.Sprintf("completing outbox entry %d", e.ID), err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DropOutbox removes any pending entry for the entity.
func (s *Store) DropOutbox(ctx context.Context, k model.Kind, id string) error {
	if _, err := s.q.ExecContext(ctx,
		`DELETE FROM outbox WHERE kind = ? AND entity_id = ?`, string(k), id); err != nil {
		return storageErr(fmt.Sprintf("dropping outbox entry for %s %s", k, id), err)
	}
	return nil
}

// FailOutbox records a failed attempt and schedules the next one.
func (s *Store) FailOutbox(ctx context.Context, entryID int64, cause error, next time.Time) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	const q = `
		UPDATE outbox SET attempts = attempts + 1, last_error = ?, next_attempt_at = ?
		WHERE id = ?`
	if _, err := s.q.ExecContext(ctx, q, msg, sortableTime(next), entryID); err != nil {
		return storageErr(fmt.Sprintf("recording outbox failure %d", entryID), err)
	}
	return nil
}

func (s *Store) outboxEntry(ctx context.Context, k model.Kind, id string) (*OutboxEntry, error) {
	const q = `
		SELECT id, kind, entity_id, account_id, op, revision, attempts, last_error, next_attempt_at, created_at
		FROM outbox WHERE kind = ? AND entity_id = ?`
	e, err := scanOutbox(s.q.QueryRowContext(ctx, q, string(k), id))
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	return e, err
}

func (s *Store) deleteOutbox(ctx context.Context, entryID int64) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, entryID); err != nil {
		return storageErr(fmt.Sprintf("deleting outbox entry %d", entryID), err)
	}
	return nil
}

func scanOutbox(sc scanner) (*OutboxEntry, error) {
	var (
		e               OutboxEntry
		kind, op        string
		next, createdAt string
	)
	err := sc.Scan(&e.ID, &kind, &e.EntityID, &e.AccountID, &op, &e.Revision, &e.Attempts, &e.LastError, &next, &createdAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, storageErr("scanning outbox row", err)
	}
	e.Kind = model.Kind(kind)
	e.Op = Op(op)
	if e.NextAttemptAt, err = parseTime(next); err != nil {
		return nil, storageErr(fmt.Sprintf("decoding outbox entry %d next_attempt_at", e.ID), err)
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, storageErr(fmt.Sprintf("decoding outbox entry %d created_at", e.ID), err)
	}
	return &e, nil
}

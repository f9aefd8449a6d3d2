package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/njoerd114/unforgotten/internal/model"
)

// Cursor returns the highest remote version merged for (accountID, k), or 0
// if the kind has never been pulled.
func (s *Store) Cursor(ctx context.Context, accountID string, k model.Kind) (int64, error) {
	var v int64
	err := s.q.QueryRowContext(ctx,
		`SELECT version FROM sync_cursors WHERE account_id = ? AND kind = ?`, accountID, string(k)).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, storageErr(fmt.Sprintf("reading cursor %s/%s", accountID, k), err)
	}
	return v, nil
}

// SetCursor stores the cursor for (accountID, k). Cursors never move
// backwards.
func (s *Store) SetCursor(ctx context.Context, accountID string, k model.Kind, version int64, now time.Time) error {
	const q = `
		INSERT INTO sync_cursors (account_id, kind, version, synced_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id, kind) DO UPDATE SET
		    version   = MAX(sync_cursors.version, excluded.version),
		    synced_at = excluded.synced_at`
	if _, err := s.q.ExecContext(ctx, q, accountID, string(k), version, formatTime(now)); err != nil {
		return storageErr(fmt.Sprintf("writing cursor %s/%s", accountID, k), err)
	}
	return nil
}

// ResetCursor forgets the cursor for (accountID, k) so the next pull starts
// from the beginning. Used after the backend rejected a local write.
func (s *Store) ResetCursor(ctx context.Context, accountID string, k model.Kind) error {
	if _, err := s.q.ExecContext(ctx,
		`DELETE FROM sync_cursors WHERE account_id = ? AND kind = ?`, accountID, string(k)); err != nil {
		return storageErr(fmt.Sprintf("resetting cursor %s/%s", accountID, k), err)
	}
	return nil
}

// LastSyncedAt returns the most recent cursor write for accountID across
// all kinds.
func (s *Store) LastSyncedAt(ctx context.Context, accountID string) (time.Time, error) {
	var ts sql.NullString
	err := s.q.QueryRowContext(ctx,
		`SELECT MAX(synced_at) FROM sync_cursors WHERE account_id = ?`, accountID).Scan(&ts)
	if err != nil {
		return time.Time{}, storageErr("reading last sync time", err)
	}
	t, err := parseTime(ts.String)
	if err != nil {
		return time.Time{}, storageErr("decoding last sync time", err)
	}
	return t, nil
}

// Mapping is a notification sink's record of what it created for a source
// row.
type Mapping struct {
	Sink       string
	SourceID   string
	ExternalID string
	Hash       string
}

// GetMapping returns the mapping for (sink, sourceID), or nil if none.
func (s *Store) GetMapping(ctx context.Context, sink, sourceID string) (*Mapping, error) {
	m := Mapping{Sink: sink, SourceID: sourceID}
	err := s.q.QueryRowContext(ctx,
		`SELECT external_id, hash FROM notification_mappings WHERE sink = ? AND source_id = ?`,
		sink, sourceID).Scan(&m.ExternalID, &m.Hash)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, storageErr(fmt.Sprintf("reading mapping %s/%s", sink, sourceID), err)
	}
	return &m, nil
}

// PutMapping inserts or replaces a mapping.
func (s *Store) PutMapping(ctx context.Context, m Mapping) error {
	const q = `
		INSERT INTO notification_mappings (sink, source_id, external_id, hash) VALUES (?, ?, ?, ?)
		ON CONFLICT(sink, source_id) DO UPDATE SET
		    external_id = excluded.external_id,
		    hash        = excluded.hash`
	if _, err := s.q.ExecContext(ctx, q, m.Sink, m.SourceID, m.ExternalID, m.Hash); err != nil {
		return storageErr(fmt.Sprintf("writing mapping %s/%s", m.Sink, m.SourceID), err)
	}
	return nil
}

// DeleteMapping removes a mapping. Deleting an unknown mapping is not an
// error.
func (s *Store) DeleteMapping(ctx context.Context, sink, sourceID string) error {
	if _, err := s.q.ExecContext(ctx,
		`DELETE FROM notification_mappings WHERE sink = ? AND source_id = ?`, sink, sourceID); err != nil {
		return storageErr(fmt.Sprintf("deleting mapping %s/%s", sink, sourceID), err)
	}
	return nil
}

// Mappings lists every mapping of sink.
func (s *Store) Mappings(ctx context.Context, sink string) ([]Mapping, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT source_id, external_id, hash FROM notification_mappings WHERE sink = ? ORDER BY source_id`, sink)
	if err != nil {
		return nil, storageErr("querying mappings for "+sink, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Mapping
	for rows.Next() {
		m := Mapping{Sink: sink}
		if err := rows.Scan(&m.SourceID, &m.ExternalID, &m.Hash); err != nil {
			return nil, storageErr("scanning mapping row", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating mappings", err)
	}
	return out, nil
}

// GetMeta returns the metadata value for key and whether it was set.
func (s *Store) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.q.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, storageErr("reading metadata "+key, err)
	}
	return v, true, nil
}

// SetMeta stores a metadata value.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	const q = `INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := s.q.ExecContext(ctx, q, key, value); err != nil {
		return storageErr("writing metadata "+key, err)
	}
	return nil
}

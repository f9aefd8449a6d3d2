package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/njoerd114/unforgotten/internal/model"
)

// Query selects rows of one kind. The zero value returns every visible row
// of every account.
type Query struct {
	// AccountID restricts the result to one account when non-empty.
	AccountID string

	// IncludeDeleted also returns tombstoned rows and rows whose account is
	// not cached. Used by the sync engine, never by readers.
	IncludeDeleted bool

	// OnlyPending returns rows carrying unacknowledged local changes.
	OnlyPending bool
}

const entityColumns = `id, account_id, payload, created_at, updated_at,
	last_synced_at, is_synced, locally_deleted, remote_version`

// table validates k and returns its table name.
func table(k model.Kind) (string, error) {
	if _, err := model.ParseKind(string(k)); err != nil {
		return "", storageErr("resolving table", err)
	}
	return string(k), nil
}

// Fetch returns the rows of kind k matching q in insertion order. Unless
// q.IncludeDeleted is set, tombstoned rows and rows whose account is not
// present locally are skipped.
func (s *Store) Fetch(ctx context.Context, k model.Kind, q Query) ([]model.Entity, error) {
	tbl, err := table(k)
	if err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if q.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, q.AccountID)
	}
	if !q.IncludeDeleted {
		where = append(where, "locally_deleted = 0")
		if k.AccountScoped() {
			where = append(where, "account_id IN (SELECT id FROM accounts WHERE locally_deleted = 0)")
		}
	}
	if q.OnlyPending {
		where = append(where, "(is_synced = 0 OR locally_deleted = 1)")
	}

	stmt := "SELECT " + entityColumns + " FROM " + tbl
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += " ORDER BY seq"

	rows, err := s.q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, storageErr(fmt.Sprintf("querying %s", k), err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Entity
	for rows.Next() {
		e, err := scanEntity(k, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(fmt.Sprintf("iterating %s", k), err)
	}
	return out, nil
}

// Get returns a visible row by id, or model.ErrNotFound if it is absent,
// tombstoned or orphaned.
func (s *Store) Get(ctx context.Context, k model.Kind, id string) (model.Entity, error) {
	tbl, err := table(k)
	if err != nil {
		return nil, err
	}
	stmt := "SELECT " + entityColumns + " FROM " + tbl + " WHERE id = ? AND locally_deleted = 0"
	if k.AccountScoped() {
		stmt += " AND account_id IN (SELECT id FROM accounts WHERE locally_deleted = 0)"
	}
	return s.getOne(ctx, k, stmt, id)
}

// Lookup returns a row by id regardless of tombstone or account state.
func (s *Store) Lookup(ctx context.Context, k model.Kind, id string) (model.Entity, error) {
	tbl, err := table(k)
	if err != nil {
		return nil, err
	}
	return s.getOne(ctx, k, "SELECT "+entityColumns+" FROM "+tbl+" WHERE id = ?", id)
}

// LookupNaturalKey returns the row holding natural key key, tombstoned or
// not.
func (s *Store) LookupNaturalKey(ctx context.Context, k model.Kind, key string) (model.Entity, error) {
	tbl, err := table(k)
	if err != nil {
		return nil, err
	}
	return s.getOne(ctx, k, "SELECT "+entityColumns+" FROM "+tbl+" WHERE natural_key = ? AND natural_key != ''", key)
}

func (s *Store) getOne(ctx context.Context, k model.Kind, stmt string, arg string) (model.Entity, error) {
	e, err := scanEntity(k, s.q.QueryRowContext(ctx, stmt, arg))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s %s: %w", k, arg, model.ErrNotFound)
	}
	return e, err
}

// Insert adds a new row. It fails if the id or natural key already exists.
func (s *Store) Insert(ctx context.Context, e model.Entity) error {
	tbl, err := table(e.Kind())
	if err != nil {
		return err
	}
	args, err := rowArgs(e)
	if err != nil {
		return err
	}
	stmt := `INSERT INTO ` + tbl + ` (` + entityColumns + `, natural_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.q.ExecContext(ctx, stmt, args...); err != nil {
		return storageErr(fmt.Sprintf("inserting %s %s", e.Kind(), e.Base().ID), err)
	}
	return nil
}

// Update overwrites an existing row, tombstoned or not. It returns
// model.ErrNotFound if the id is unknown.
func (s *Store) Update(ctx context.Context, e model.Entity) error {
	tbl, err := table(e.Kind())
	if err != nil {
		return err
	}
	args, err := rowArgs(e)
	if err != nil {
		return err
	}
	stmt := `UPDATE ` + tbl + ` SET
		account_id = ?2, payload = ?3, created_at = ?4, updated_at = ?5,
		last_synced_at = ?6, is_synced = ?7, locally_deleted = ?8,
		remote_version = ?9, natural_key = ?10
		WHERE id = ?1`
	res, err := s.q.ExecContext(ctx, stmt, args...)
	if err != nil {
		return storageErr(fmt.Sprintf("updating %s %s", e.Kind(), e.Base().ID), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %s: %w", e.Kind(), e.Base().ID, model.ErrNotFound)
	}
	return nil
}

// Upsert inserts e or replaces the row with the same id, keeping its
// insertion position.
func (s *Store) Upsert(ctx context.Context, e model.Entity) error {
	tbl, err := table(e.Kind())
	if err != nil {
		return err
	}
	args, err := rowArgs(e)
	if err != nil {
		return err
	}
	stmt := `INSERT INTO ` + tbl + ` (` + entityColumns + `, natural_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    account_id      = excluded.account_id,
		    payload         = excluded.payload,
		    created_at      = excluded.created_at,
		    updated_at      = excluded.updated_at,
		    last_synced_at  = excluded.last_synced_at,
		    is_synced       = excluded.is_synced,
		    locally_deleted = excluded.locally_deleted,
		    remote_version  = excluded.remote_version,
		    natural_key     = excluded.natural_key`
	if _, err := s.q.ExecContext(ctx, stmt, args...); err != nil {
		return storageErr(fmt.Sprintf("upserting %s %s", e.Kind(), e.Base().ID), err)
	}
	return nil
}

// SoftDelete tombstones a row: it disappears from reads but stays until the
// remote delete is acknowledged.
func (s *Store) SoftDelete(ctx context.Context, k model.Kind, id string, now time.Time) error {
	tbl, err := table(k)
	if err != nil {
		return err
	}
	stmt := `UPDATE ` + tbl + ` SET locally_deleted = 1, is_synced = 0, updated_at = ? WHERE id = ?`
	res, err := s.q.ExecContext(ctx, stmt, formatTime(now), id)
	if err != nil {
		return storageErr(fmt.Sprintf("tombstoning %s %s", k, id), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %s: %w", k, id, model.ErrNotFound)
	}
	return nil
}

// Purge removes a row permanently. Purging an unknown id is not an error.
func (s *Store) Purge(ctx context.Context, k model.Kind, id string) error {
	tbl, err := table(k)
	if err != nil {
		return err
	}
	if _, err := s.q.ExecContext(ctx, `DELETE FROM `+tbl+` WHERE id = ?`, id); err != nil {
		return storageErr(fmt.Sprintf("purging %s %s", k, id), err)
	}
	return nil
}

// PurgeAccount removes every row owned by accountID across all kinds,
// including the account row itself.
func (s *Store) PurgeAccount(ctx context.Context, accountID string) error {
	return s.WithTx(ctx, func(tx *Store) error {
		for _, k := range model.AllKinds() {
			col := "account_id"
			if k == model.KindAccounts {
				col = "id"
			}
			if _, err := tx.q.ExecContext(ctx, `DELETE FROM `+string(k)+` WHERE `+col+` = ?`, accountID); err != nil {
				return storageErr(fmt.Sprintf("purging %s of account %s", k, accountID), err)
			}
		}
		for _, stmt := range []string{
			`DELETE FROM outbox WHERE account_id = ?`,
			`DELETE FROM sync_cursors WHERE account_id = ?`,
		} {
			if _, err := tx.q.ExecContext(ctx, stmt, accountID); err != nil {
				return storageErr("purging sync state of account "+accountID, err)
			}
		}
		return nil
	})
}

// KindCount summarizes one table for status output.
type KindCount struct {
	Kind       model.Kind
	Rows       int
	Pending    int
	Tombstones int
}

// Counts returns row statistics for every kind, restricted to accountID when
// it is non-empty.
func (s *Store) Counts(ctx context.Context, accountID string) ([]KindCount, error) {
	out := make([]KindCount, 0, len(model.AllKinds()))
	for _, k := range model.AllKinds() {
		stmt := `SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN is_synced = 0 OR locally_deleted = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(locally_deleted), 0)
			FROM ` + string(k) + ` WHERE (? = '' OR account_id = ?)`
		c := KindCount{Kind: k}
		if err := s.q.QueryRowContext(ctx, stmt, accountID, accountID).Scan(&c.Rows, &c.Pending, &c.Tombstones); err != nil {
			return nil, storageErr(fmt.Sprintf("counting %s", k), err)
		}
		out = append(out, c)
	}
	return out, nil
}

// rowArgs returns the column values of e in entityColumns order followed by
// its natural key.
func rowArgs(e model.Entity) ([]any, error) {
	m := e.Base()
	if m.ID == "" {
		return nil, storageErr("encoding row", fmt.Errorf("%s without id", e.Kind()))
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, storageErr(fmt.Sprintf("encoding %s %s", e.Kind(), m.ID), err)
	}
	return []any{
		m.ID,
		m.AccountID,
		string(payload),
		formatTime(m.CreatedAt),
		formatTime(m.UpdatedAt),
		formatTime(m.LastSyncedAt),
		boolInt(m.IsSynced),
		boolInt(m.LocallyDeleted),
		m.RemoteVersion,
		model.NaturalKey(e),
	}, nil
}

func scanEntity(k model.Kind, sc scanner) (model.Entity, error) {
	var (
		id, accountID, payload     string
		created, updated, syncedAt string
		isSynced, deleted          int
		version                    int64
	)
	err := sc.Scan(&id, &accountID, &payload, &created, &updated, &syncedAt, &isSynced, &deleted, &version)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, storageErr(fmt.Sprintf("scanning %s row", k), err)
	}

	e, err := model.NewEntity(k)
	if err != nil {
		return nil, storageErr("decoding row", err)
	}
	if err := json.Unmarshal([]byte(payload), e); err != nil {
		return nil, storageErr(fmt.Sprintf("decoding %s %s", k, id), err)
	}

	m := e.Base()
	m.ID = id
	m.AccountID = accountID
	for _, col := range []struct {
		name string
		raw  string
		dst  *time.Time
	}{
		{"created_at", created, &m.CreatedAt},
		{"updated_at", updated, &m.UpdatedAt},
		{"last_synced_at", syncedAt, &m.LastSyncedAt},
	} {
		t, err := parseTime(col.raw)
		if err != nil {
			return nil, storageErr(fmt.Sprintf("decoding %s %s %s", k, id, col.name), err)
		}
		*col.dst = t
	}
	m.IsSynced = isSynced == 1
	m.LocallyDeleted = deleted == 1
	m.RemoteVersion = version
	return e, nil
}

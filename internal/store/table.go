package store

import (
	"context"
	"fmt"
	"time"

	"github.com/njoerd114/unforgotten/internal/model"
)

// Table is typed access to the rows of one entity kind.
type Table[T model.Entity] struct {
	s    *Store
	kind model.Kind
}

// NewTable returns the table for T's kind.
func NewTable[T model.Entity](s *Store) *Table[T] {
	var zero T
	return &Table[T]{s: s, kind: zero.Kind()}
}

// Kind returns the entity kind stored in the table.
func (t *Table[T]) Kind() model.Kind { return t.kind }

// In returns the same table bound to tx.
func (t *Table[T]) In(tx *Store) *Table[T] {
	return &Table[T]{s: tx, kind: t.kind}
}

// Fetch returns the rows matching q in insertion order.
func (t *Table[T]) Fetch(ctx context.Context, q Query) ([]T, error) {
	rows, err := t.s.Fetch(ctx, t.kind, q)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(rows))
	for _, e := range rows {
		v, err := cast[T](e)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// FetchWhere returns the visible rows of accountID.
func (t *Table[T]) FetchWhere(ctx context.Context, accountID string) ([]T, error) {
	return t.Fetch(ctx, Query{AccountID: accountID})
}

// Pending returns the rows of accountID with unacknowledged local changes,
// tombstones included.
func (t *Table[T]) Pending(ctx context.Context, accountID string) ([]T, error) {
	return t.Fetch(ctx, Query{AccountID: accountID, IncludeDeleted: true, OnlyPending: true})
}

// Tombstones returns the locally deleted rows of accountID awaiting remote
// acknowledgement.
func (t *Table[T]) Tombstones(ctx context.Context, accountID string) ([]T, error) {
	all, err := t.Fetch(ctx, Query{AccountID: accountID, IncludeDeleted: true})
	if err != nil {
		return nil, err
	}
	var out []T
	for _, v := range all {
		if v.Base().LocallyDeleted {
			out = append(out, v)
		}
	}
	return out, nil
}

// Get returns a visible row, or model.ErrNotFound.
func (t *Table[T]) Get(ctx context.Context, id string) (T, error) {
	e, err := t.s.Get(ctx, t.kind, id)
	if err != nil {
		var zero T
		return zero, err
	}
	return cast[T](e)
}

// Lookup returns a row regardless of tombstone state.
func (t *Table[T]) Lookup(ctx context.Context, id string) (T, error) {
	e, err := t.s.Lookup(ctx, t.kind, id)
	if err != nil {
		var zero T
		return zero, err
	}
	return cast[T](e)
}

func (t *Table[T]) Insert(ctx context.Context, v T) error { return t.s.Insert(ctx, v) }
func (t *Table[T]) Update(ctx context.Context, v T) error { return t.s.Update(ctx, v) }
func (t *Table[T]) Upsert(ctx context.Context, v T) error { return t.s.Upsert(ctx, v) }

func (t *Table[T]) SoftDelete(ctx context.Context, id string, now time.Time) error {
	return t.s.SoftDelete(ctx, t.kind, id, now)
}

func (t *Table[T]) Purge(ctx context.Context, id string) error {
	return t.s.Purge(ctx, t.kind, id)
}

func cast[T model.Entity](e model.Entity) (T, error) {
	v, ok := e.(T)
	if !ok {
		var zero T
		return zero, storageErr("decoding row", fmt.Errorf("row is %T, want %T", e, zero))
	}
	return v, nil
}

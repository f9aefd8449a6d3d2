package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Meta is embedded in every entity. ID, AccountID and the timestamps travel
// over the wire; the remaining fields are local sync bookkeeping and never
// leave the device.
type Meta struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// IsSynced is true once the server acknowledged this exact version.
	IsSynced bool `json:"-"`

	// LocallyDeleted is the tombstone flag. Tombstoned rows are hidden from
	// reads and purged once the remote delete is acknowledged.
	LocallyDeleted bool `json:"-"`

	// LastSyncedAt is when the row last matched the server.
	LastSyncedAt time.Time `json:"-"`

	// RemoteVersion is the server-assigned version of the last acknowledged
	// state, 0 if the server has never seen the row.
	RemoteVersion int64 `json:"-"`
}

// Base gives generic code access to the embedded metadata.
func (m *Meta) Base() *Meta { return m }

// Touch stamps a local edit.
func (m *Meta) Touch(now time.Time) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	m.IsSynced = false
}

// EnsureID assigns a client-generated UUID if the row has none yet.
func (m *Meta) EnsureID() {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
}

// Pending reports whether the row carries local changes the server has not
// acknowledged.
func (m *Meta) Pending() bool {
	return !m.IsSynced || m.LocallyDeleted
}

// Entity is implemented by every synced type (always through a pointer).
type Entity interface {
	Base() *Meta
	Kind() Kind
}

// ContentHash returns a SHA-256 digest of the entity's wire payload with
// UpdatedAt and CreatedAt zeroed, so two versions that differ only in their
// timestamps hash the same. Used to suppress no-op merges and notification
// reschedules.
func ContentHash(e Entity) string {
	m := e.Base()
	created, updated := m.CreatedAt, m.UpdatedAt
	m.CreatedAt, m.UpdatedAt = time.Time{}, time.Time{}
	b, err := json.Marshal(e)
	m.CreatedAt, m.UpdatedAt = created, updated
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Clone returns a deep copy of e via its JSON form plus the local metadata.
func Clone[T Entity](e T) (T, error) {
	var zero T
	b, err := json.Marshal(e)
	if err != nil {
		return zero, err
	}
	fresh, err := NewEntity(e.Kind())
	if err != nil {
		return zero, err
	}
	if err := json.Unmarshal(b, fresh); err != nil {
		return zero, err
	}
	out, ok := fresh.(T)
	if !ok {
		return zero, ErrDecode
	}
	*out.Base() = *e.Base()
	return out, nil
}

// NaturalKeyer is implemented by kinds that carry a uniqueness constraint
// beyond their ID. The local store rejects two live rows with the same key.
type NaturalKeyer interface {
	NaturalKey() string
}

// NaturalKey returns e's natural key, or "" if the kind has none.
func NaturalKey(e Entity) string {
	if nk, ok := e.(NaturalKeyer); ok {
		return nk.NaturalKey()
	}
	return ""
}

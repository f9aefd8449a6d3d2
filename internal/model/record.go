package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record is the wire envelope exchanged with the backend. Payload holds the
// entity's JSON form; Deleted records carry no payload.
type Record struct {
	ID        string          `json:"id"`
	AccountID string          `json:"account_id"`
	Kind      Kind            `json:"kind"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Deleted   bool            `json:"deleted"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ToRecord encodes e for upload. Local sync metadata is not part of the
// payload.
func ToRecord(e Entity) (Record, error) {
	m := e.Base()
	payload, err := json.Marshal(e)
	if err != nil {
		return Record{}, fmt.Errorf("encoding %s %s: %w", e.Kind(), m.ID, err)
	}
	return Record{
		ID:        m.ID,
		AccountID: m.AccountID,
		Kind:      e.Kind(),
		Version:   m.RemoteVersion,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
		Deleted:   m.LocallyDeleted,
		Payload:   payload,
	}, nil
}

// FromRecord decodes a server record into a synced entity. The envelope's
// identity, timestamps and version override whatever the payload says.
func FromRecord(r Record) (Entity, error) {
	e, err := NewEntity(r.Kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if len(r.Payload) > 0 && string(r.Payload) != "null" {
		if err := json.Unmarshal(r.Payload, e); err != nil {
			return nil, fmt.Errorf("%w: %s %s: %v", ErrDecode, r.Kind, r.ID, err)
		}
	}
	m := e.Base()
	m.ID = r.ID
	m.AccountID = r.AccountID
	if r.Kind == KindAccounts && m.AccountID == "" {
		m.AccountID = r.ID
	}
	if !r.CreatedAt.IsZero() {
		m.CreatedAt = r.CreatedAt
	}
	if !r.UpdatedAt.IsZero() {
		m.UpdatedAt = r.UpdatedAt
	}
	m.RemoteVersion = r.Version
	m.IsSynced = true
	m.LocallyDeleted = r.Deleted
	return e, nil
}

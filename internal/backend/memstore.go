package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/njoerd114/unforgotten/internal/model"
)

var (
	errNotFound  = errors.New("record not found")
	errForbidden = errors.New("not a member of this account")
	errInvalid   = errors.New("invalid record")
)

// Memory is a versioned in-memory record store. Every write bumps a global
// version; deleted records are kept (without payload) so that pulls with an
// older cursor observe the deletion.
type Memory struct {
	mu      sync.RWMutex
	version int64
	records map[model.Kind]map[string]model.Record
	now     func() time.Time
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[model.Kind]map[string]model.Record),
		now:     time.Now,
	}
}

// Version returns the current global version.
func (m *Memory) Version() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// List returns the records of kind changed after since in version order,
// visible to userID. An empty accountID lists every account (or membership)
// of the user and is only valid for accounts and account_members.
func (m *Memory) List(userID string, kind model.Kind, accountID string, since int64) ([]model.Record, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if accountID == "" && kind.AccountScoped() && kind != model.KindAccountMembers {
		return nil, 0, fmt.Errorf("%w: account_id is required for %s", errInvalid, kind)
	}
	if accountID != "" && !m.isMemberLocked(userID, accountID) {
		return nil, 0, errForbidden
	}

	var out []model.Record
	for _, r := range m.records[kind] {
		if r.Version <= since {
			continue
		}
		if accountID != "" && r.AccountID != accountID {
			continue
		}
		if accountID == "" && !m.visibleToLocked(userID, r) {
			continue
		}
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b model.Record) int {
		switch {
		case a.Version < b.Version:
			return -1
		case a.Version > b.Version:
			return 1
		default:
			return 0
		}
	})
	return out, m.version, nil
}

// Get returns the stored record, deleted or not.
func (m *Memory) Get(kind model.Kind, id string) (model.Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[kind][id]
	return r, ok
}

// Create stores a new record. Creating an id that already exists returns
// the stored record unchanged, so retried uploads are harmless.
func (m *Memory) Create(userID string, rec model.Record) (model.Record, bool, error) {
	if err := validate(rec); err != nil {
		return model.Record{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.records[rec.Kind][rec.ID]; ok {
		return existing, false, nil
	}
	if err := m.authorizeLocked(userID, rec); err != nil {
		return model.Record{}, false, err
	}
	if rec.Kind == model.KindAccounts {
		rec.AccountID = rec.ID
	}
	return m.writeLocked(rec), true, nil
}

// Update replaces a live record.
func (m *Memory) Update(userID string, rec model.Record) (model.Record, error) {
	if err := validate(rec); err != nil {
		return model.Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.records[rec.Kind][rec.ID]
	if !ok || existing.Deleted {
		return model.Record{}, errNotFound
	}
	rec.AccountID = existing.AccountID
	rec.CreatedAt = existing.CreatedAt
	if err := m.authorizeLocked(userID, rec); err != nil {
		return model.Record{}, err
	}
	return m.writeLocked(rec), nil
}

// Delete marks a record deleted. Deleting an already-deleted record
// succeeds without a new version.
func (m *Memory) Delete(userID string, kind model.Kind, id string) (model.Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.records[kind][id]
	if !ok {
		return model.Record{}, false, errNotFound
	}
	if existing.Deleted {
		return existing, false, nil
	}
	if err := m.authorizeLocked(userID, existing); err != nil {
		return model.Record{}, false, err
	}
	tomb := existing
	tomb.Deleted = true
	tomb.Payload = nil
	tomb.UpdatedAt = m.now().UTC()
	return m.writeLocked(tomb), true, nil
}

// IsMember reports whether userID belongs to (or owns) accountID.
func (m *Memory) IsMember(userID, accountID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isMemberLocked(userID, accountID)
}

// Seed stores rec as-is, bypassing authorization. Used to prepare fixtures.
func (m *Memory) Seed(rec model.Record) model.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.Kind == model.KindAccounts {
		rec.AccountID = rec.ID
	}
	return m.writeLocked(rec)
}

func (m *Memory) writeLocked(rec model.Record) model.Record {
	m.version++
	rec.Version = m.version
	now := m.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	byID := m.records[rec.Kind]
	if byID == nil {
		byID = make(map[string]model.Record)
		m.records[rec.Kind] = byID
	}
	byID[rec.ID] = rec
	return rec
}

// authorizeLocked allows writes by members whose role can write. An
// account's owner may always write the account row and its memberships,
// which is how a new account gets its first member.
func (m *Memory) authorizeLocked(userID string, rec model.Record) error {
	accountID := rec.AccountID
	if rec.Kind == model.KindAccounts {
		accountID = rec.ID
	}
	if m.isOwnerLocked(userID, accountID, rec) {
		return nil
	}
	role, ok := m.roleLocked(userID, accountID)
	if !ok {
		return errForbidden
	}
	if !role.CanWrite() {
		return fmt.Errorf("%w: role %s is read-only", errForbidden, role)
	}
	return nil
}

func (m *Memory) isOwnerLocked(userID, accountID string, rec model.Record) bool {
	acc, ok := m.records[model.KindAccounts][accountID]
	if !ok || acc.Deleted {
		// A brand-new account row names its owner in its own payload.
		if rec.Kind == model.KindAccounts {
			return payloadField(rec.Payload, "owner_user_id") == userID
		}
		return false
	}
	return payloadField(acc.Payload, "owner_user_id") == userID
}

func (m *Memory) isMemberLocked(userID, accountID string) bool {
	if _, ok := m.roleLocked(userID, accountID); ok {
		return true
	}
	acc, ok := m.records[model.KindAccounts][accountID]
	return ok && payloadField(acc.Payload, "owner_user_id") == userID
}

func (m *Memory) roleLocked(userID, accountID string) (model.Role, bool) {
	for _, r := range m.records[model.KindAccountMembers] {
		if r.Deleted || r.AccountID != accountID {
			continue
		}
		if payloadField(r.Payload, "user_id") == userID {
			return model.Role(payloadField(r.Payload, "role")), true
		}
	}
	return "", false
}

// visibleToLocked decides user-scoped listing of accounts and memberships.
func (m *Memory) visibleToLocked(userID string, r model.Record) bool {
	switch r.Kind {
	case model.KindAccounts:
		return m.isMemberLocked(userID, r.ID)
	case model.KindAccountMembers:
		if r.Deleted {
			return m.isMemberLocked(userID, r.AccountID)
		}
		return payloadField(r.Payload, "user_id") == userID
	default:
		return false
	}
}

func validate(rec model.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("%w: missing id", errInvalid)
	}
	if _, err := model.ParseKind(string(rec.Kind)); err != nil {
		return fmt.Errorf("%w: %v", errInvalid, err)
	}
	if rec.Kind.AccountScoped() && rec.AccountID == "" {
		return fmt.Errorf("%w: missing account_id", errInvalid)
	}
	if len(rec.Payload) > 0 && !json.Valid(rec.Payload) {
		return fmt.Errorf("%w: payload is not JSON", errInvalid)
	}
	return nil
}

func payloadField(payload json.RawMessage, key string) string {
	if len(payload) == 0 {
		return ""
	}
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return ""
	}
	s, _ := fields[key].(string)
	return s
}

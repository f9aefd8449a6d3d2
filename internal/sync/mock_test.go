package sync

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/njoerd114/unforgotten/internal/backoff"
	"github.com/njoerd114/unforgotten/internal/events"
	"github.com/njoerd114/unforgotten/internal/model"
	"github.com/njoerd114/unforgotten/internal/remote"
	"github.com/njoerd114/unforgotten/internal/store"
)

// --- Mock backend ------------------------------------------------------------

type mockRemote struct {
	mu      sync.Mutex
	version int64
	records map[model.Kind]map[string]model.Record

	listErr map[model.Kind]error
	pushErr map[string]error // "kind/id" → error

	listCalls map[model.Kind]int
	creates   int
	updates   int
	deletes   int

	// gate, when non-nil, blocks List until it is closed.
	gate chan struct{}
}

func newMockRemote() *mockRemote {
	return &mockRemote{
		records:   make(map[model.Kind]map[string]model.Record),
		listErr:   make(map[model.Kind]error),
		pushErr:   make(map[string]error),
		listCalls: make(map[model.Kind]int),
	}
}

// put stores rec as the server would, bumping the global version.
func (m *mockRemote) put(rec model.Record) model.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putLocked(rec)
}

func (m *mockRemote) putLocked(rec model.Record) model.Record {
	m.version++
	rec.Version = m.version
	if rec.Kind == model.KindAccounts {
		rec.AccountID = rec.ID
	}
	byID := m.records[rec.Kind]
	if byID == nil {
		byID = make(map[string]model.Record)
		m.records[rec.Kind] = byID
	}
	byID[rec.ID] = rec
	return rec
}

func (m *mockRemote) get(kind model.Kind, id string) (model.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[kind][id]
	return r, ok
}

func (m *mockRemote) live(kind model.Kind) []model.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Record
	for _, r := range m.records[kind] {
		if !r.Deleted {
			out = append(out, r)
		}
	}
	return out
}

func (m *mockRemote) setListErr(kind model.Kind, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.listErr, kind)
		return
	}
	m.listErr[kind] = err
}

func (m *mockRemote) setPushErr(kind model.Kind, id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := string(kind) + "/" + id
	if err == nil {
		delete(m.pushErr, key)
		return
	}
	m.pushErr[key] = err
}

func (m *mockRemote) calls(kind model.Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listCalls[kind]
}

func (m *mockRemote) counts() (creates, updates, deletes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates, m.updates, m.deletes
}

func (m *mockRemote) List(ctx context.Context, kind model.Kind, accountID string, since int64) (remote.ListResult, error) {
	m.mu.Lock()
	gate := m.gate
	m.listCalls[kind]++
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return remote.ListResult{}, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.listErr[kind]; err != nil {
		return remote.ListResult{}, err
	}
	var out []model.Record
	for _, r := range m.records[kind] {
		if r.Version <= since {
			continue
		}
		if accountID != "" && r.AccountID != accountID {
			continue
		}
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b model.Record) int { return int(a.Version - b.Version) })
	return remote.ListResult{Records: out, Version: m.version}, nil
}

func (m *mockRemote) Create(_ context.Context, rec model.Record) (model.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.pushErr[string(rec.Kind)+"/"+rec.ID]; err != nil {
		return model.Record{}, err
	}
	m.creates++
	if existing, ok := m.records[rec.Kind][rec.ID]; ok {
		return existing, nil
	}
	return m.putLocked(rec), nil
}

func (m *mockRemote) Update(_ context.Context, rec model.Record) (model.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.pushErr[string(rec.Kind)+"/"+rec.ID]; err != nil {
		return model.Record{}, err
	}
	m.updates++
	existing, ok := m.records[rec.Kind][rec.ID]
	if !ok || existing.Deleted {
		return model.Record{}, backoff.Permanent(&remote.Error{Status: http.StatusNotFound})
	}
	return m.putLocked(rec), nil
}

func (m *mockRemote) Delete(_ context.Context, kind model.Kind, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.pushErr[string(kind)+"/"+id]; err != nil {
		return err
	}
	m.deletes++
	existing, ok := m.records[kind][id]
	if !ok || existing.Deleted {
		return nil
	}
	existing.Deleted = true
	existing.Payload = nil
	m.putLocked(existing)
	return nil
}

// --- Mock planner ------------------------------------------------------------

type mockPlanner struct {
	mu    sync.Mutex
	calls []model.Kind
}

func (p *mockPlanner) Reconcile(_ context.Context, _ string, kind model.Kind) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, kind)
	return nil
}

func (p *mockPlanner) count(kind model.Kind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, k := range p.calls {
		if k == kind {
			n++
		}
	}
	return n
}

// --- Clock -------------------------------------------------------------------

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{t: t} }

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// --- Fixtures ----------------------------------------------------------------

var t0 = time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)

var fastBackoff = backoff.Policy{Base: time.Second, Max: time.Minute}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

type fixture struct {
	engine *Engine
	store  *store.Store
	remote *mockRemote
	bus    *events.Bus
	clock  *testClock
}

// newFixture returns an engine over a fresh store with account acc-1
// (owned by u-owner) cached locally and on the mock backend.
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:  openTestStore(t),
		remote: newMockRemote(),
		bus:    events.New(),
		clock:  newTestClock(t0),
	}
	base := []Option{WithClock(f.clock.now), WithOutboxBackoff(fastBackoff)}
	f.engine = NewEngine(f.store, f.remote, f.bus, discardLogger(), append(base, opts...)...)

	acc := &model.Account{DisplayName: "Smiths", OwnerUserID: "u-owner"}
	acc.ID, acc.AccountID = "acc-1", "acc-1"
	acc.CreatedAt, acc.UpdatedAt = t0, t0
	rec := f.remote.put(mustRecord(t, acc))
	if err := f.engine.ApplyRemote(context.Background(), model.KindAccounts, rec); err != nil {
		t.Fatalf("caching account: %v", err)
	}
	return f
}

func mustRecord(t *testing.T, e model.Entity) model.Record {
	t.Helper()
	rec, err := model.ToRecord(e)
	if err != nil {
		t.Fatalf("ToRecord: %v", err)
	}
	return rec
}

func contact(id, name string, updated time.Time) *model.Contact {
	c := &model.Contact{Name: name}
	c.ID, c.AccountID = id, "acc-1"
	c.CreatedAt, c.UpdatedAt = t0, updated
	return c
}

// createLocal stamps e as a fresh local edit and saves it.
func (f *fixture) createLocal(t *testing.T, e model.Entity) {
	t.Helper()
	e.Base().EnsureID()
	e.Base().Touch(f.clock.now())
	if err := f.engine.Save(context.Background(), e, store.OpCreate); err != nil {
		t.Fatalf("Save create: %v", err)
	}
}

func (f *fixture) updateLocal(t *testing.T, e model.Entity) {
	t.Helper()
	e.Base().Touch(f.clock.now())
	if err := f.engine.Save(context.Background(), e, store.OpUpdate); err != nil {
		t.Fatalf("Save update: %v", err)
	}
}

func (f *fixture) deleteLocal(t *testing.T, e model.Entity) {
	t.Helper()
	if err := f.engine.Save(context.Background(), e, store.OpDelete); err != nil {
		t.Fatalf("Save delete: %v", err)
	}
}

func (f *fixture) lookup(t *testing.T, kind model.Kind, id string) model.Entity {
	t.Helper()
	e, err := f.store.Lookup(context.Background(), kind, id)
	if err != nil {
		return nil
	}
	return e
}

func (f *fixture) outboxLen(t *testing.T) int {
	t.Helper()
	n, err := f.store.OutboxLen(context.Background(), "")
	if err != nil {
		t.Fatalf("OutboxLen: %v", err)
	}
	return n
}

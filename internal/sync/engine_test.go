package sync

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/njoerd114/unforgotten/internal/backoff"
	"github.com/njoerd114/unforgotten/internal/model"
	"github.com/njoerd114/unforgotten/internal/remote"
	"github.com/njoerd114/unforgotten/internal/store"
)

func TestPerformFullSync_PullsAndPushes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.remote.put(mustRecord(t, contact("c-remote", "Dr. Patel", t0)))

	mood := &model.Mood{ProfileID: "p-1", Date: "2026-03-14", Rating: 4}
	mood.AccountID = "acc-1"
	f.createLocal(t, mood)

	stats, err := f.engine.PerformFullSync(ctx, "acc-1")
	if err != nil {
		t.Fatalf("PerformFullSync: %v", err)
	}
	if stats.Pushed != 1 || stats.Inserted < 1 || len(stats.Failed) != 0 {
		t.Errorf("stats = %+v", stats)
	}

	if _, err := f.store.Get(ctx, model.KindContacts, "c-remote"); err != nil {
		t.Errorf("pulled contact missing: %v", err)
	}
	if _, ok := f.remote.get(model.KindMoods, mood.ID); !ok {
		t.Error("mood not uploaded")
	}
	got := f.lookup(t, model.KindMoods, mood.ID)
	if got == nil || !got.Base().IsSynced || got.Base().RemoteVersion == 0 {
		t.Errorf("mood after ack = %+v", got)
	}
	if n := f.outboxLen(t); n != 0 {
		t.Errorf("outbox len = %d, want 0", n)
	}
	if s := f.engine.State("acc-1"); s != StateIdle {
		t.Errorf("state = %s, want idle", s)
	}
}

func TestPerformFullSync_RequiresAccount(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.PerformFullSync(context.Background(), ""); !errors.Is(err, model.ErrNoAccount) {
		t.Errorf("err = %v, want ErrNoAccount", err)
	}
}

func TestPerformFullSync_FailingKindIsIsolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.remote.put(mustRecord(t, contact("c-1", "Amy", t0)))
	f.remote.setListErr(model.KindToDos, &remote.Error{Status: http.StatusServiceUnavailable})

	stats, err := f.engine.PerformFullSync(ctx, "acc-1")
	if err == nil {
		t.Fatal("expected an error for the failing kind")
	}
	if !slices.Equal(stats.Failed, []model.Kind{model.KindToDos}) {
		t.Errorf("Failed = %v, want [todos]", stats.Failed)
	}
	if _, err := f.store.Get(ctx, model.KindContacts, "c-1"); err != nil {
		t.Errorf("other kinds must still sync: %v", err)
	}

	// The failing kind's cursor did not move, so the next sync catches up.
	if v, _ := f.store.Cursor(ctx, "acc-1", model.KindToDos); v != 0 {
		t.Errorf("todos cursor = %d, want 0", v)
	}
	f.remote.setListErr(model.KindToDos, nil)
	if _, err := f.engine.PerformFullSync(ctx, "acc-1"); err != nil {
		t.Fatalf("second sync: %v", err)
	}
}

func TestPerformFullSync_AtMostOnePerAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gate := make(chan struct{})
	f.remote.mu.Lock()
	f.remote.gate = gate
	f.remote.mu.Unlock()

	var wg sync.WaitGroup
	results := make([]Stats, 3)
	errs := make([]error, 3)
	for i := range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = f.engine.PerformFullSync(ctx, "acc-1")
		}()
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.engine.State("acc-1") != StateSyncing {
		if time.Now().After(deadline) {
			t.Fatal("sync never started")
		}
		time.Sleep(time.Millisecond)
	}
	// Give the other callers time to join.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	if n := f.remote.calls(model.KindContacts); n != 1 {
		t.Errorf("contacts listed %d times, want 1", n)
	}
	if f.engine.State("acc-1") != StateIdle {
		t.Error("state did not return to idle")
	}
}

func TestTombstoneRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.remote.put(mustRecord(t, contact("c-1", "Amy", t0)))
	if _, err := f.engine.PerformFullSync(ctx, "acc-1"); err != nil {
		t.Fatalf("initial sync: %v", err)
	}

	// Delete while offline.
	f.remote.setPushErr(model.KindContacts, "c-1", errors.Join(model.ErrNetwork, errors.New("offline")))
	c := f.lookup(t, model.KindContacts, "c-1")
	f.clock.advance(time.Minute)
	f.deleteLocal(t, c)

	if _, err := f.store.Get(ctx, model.KindContacts, "c-1"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("tombstoned row still visible: %v", err)
	}
	if _, err := f.engine.DrainOutbox(ctx, ""); err == nil {
		t.Error("offline drain should fail")
	}
	if got := f.lookup(t, model.KindContacts, "c-1"); got == nil || !got.Base().LocallyDeleted {
		t.Fatalf("tombstone lost while offline: %+v", got)
	}

	// Back online.
	f.remote.setPushErr(model.KindContacts, "c-1", nil)
	if _, err := f.engine.PerformFullSync(ctx, "acc-1"); err != nil {
		t.Fatalf("sync after reconnect: %v", err)
	}

	if got := f.lookup(t, model.KindContacts, "c-1"); got != nil {
		t.Errorf("tombstone not purged: %+v", got)
	}
	if rec, _ := f.remote.get(model.KindContacts, "c-1"); !rec.Deleted {
		t.Error("row not deleted remotely")
	}
	if n := f.outboxLen(t); n != 0 {
		t.Errorf("outbox len = %d, want 0", n)
	}

	// Pulling the remote deletion again is harmless.
	if _, err := f.engine.PerformFullSync(ctx, "acc-1"); err != nil {
		t.Fatalf("third sync: %v", err)
	}
}

func TestSave_CreateThenDeleteNeverUploads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := contact("", "Typo", t0)
	f.createLocal(t, c)
	f.deleteLocal(t, c)

	if got := f.lookup(t, model.KindContacts, c.ID); got != nil {
		t.Errorf("row should be purged, got %+v", got)
	}
	if _, err := f.engine.PerformFullSync(ctx, "acc-1"); err != nil {
		t.Fatalf("PerformFullSync: %v", err)
	}
	if creates, _, deletes := f.remote.counts(); creates != 0 || deletes != 0 {
		t.Errorf("creates=%d deletes=%d, want none", creates, deletes)
	}
}

func TestOutbox_TransientFailureBacksOff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := contact("c-1", "Amy", t0)
	f.remote.setPushErr(model.KindContacts, "c-1", &remote.Error{Status: http.StatusBadGateway})
	f.createLocal(t, c)

	if _, err := f.engine.DrainOutbox(ctx, ""); err == nil {
		t.Fatal("expected push failure")
	}
	entry, err := f.store.OutboxFor(ctx, model.KindContacts, "c-1")
	if err != nil || entry == nil {
		t.Fatalf("OutboxFor = %+v, %v", entry, err)
	}
	if entry.Attempts != 1 || !entry.NextAttemptAt.After(f.clock.now()) || entry.LastError == "" {
		t.Errorf("entry after failure = %+v", entry)
	}

	// Not due yet: nothing is attempted.
	f.remote.setPushErr(model.KindContacts, "c-1", nil)
	stats, err := f.engine.DrainOutbox(ctx, "")
	if err != nil || stats.Pushed != 0 {
		t.Errorf("early drain = %+v, %v", stats, err)
	}

	f.clock.advance(fastBackoff.Max)
	stats, err = f.engine.DrainOutbox(ctx, "")
	if err != nil || stats.Pushed != 1 {
		t.Errorf("due drain = %+v, %v", stats, err)
	}
	if n := f.outboxLen(t); n != 0 {
		t.Errorf("outbox len = %d, want 0", n)
	}
}

func TestOutbox_RejectedCreateIsDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := contact("c-1", "Amy", t0)
	f.remote.setPushErr(model.KindContacts, "c-1", backoff.Permanent(&remote.Error{Status: http.StatusUnprocessableEntity}))
	f.createLocal(t, c)

	if _, err := f.engine.DrainOutbox(ctx, ""); err == nil {
		t.Fatal("expected rejection error")
	}
	if got := f.lookup(t, model.KindContacts, "c-1"); got != nil {
		t.Errorf("rejected create still cached: %+v", got)
	}
	if n := f.outboxLen(t); n != 0 {
		t.Errorf("outbox len = %d, want 0", n)
	}
}

// Scenario: the token expires while a contact created offline waits in the
// outbox. Nothing is discarded; the next sync after re-authentication
// uploads it.
func TestOutbox_AuthFailureKeepsLocalChange(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			c := contact("c-1", "Amy", t0)
			f.remote.setPushErr(model.KindContacts, "c-1", backoff.Permanent(&remote.Error{Status: status}))
			f.createLocal(t, c)

			if _, err := f.engine.PerformFullSync(ctx, "acc-1"); err == nil {
				t.Fatal("expected push failure")
			}
			got := f.lookup(t, model.KindContacts, "c-1")
			if got == nil || got.Base().IsSynced {
				t.Fatalf("local row after %d = %+v, want pending", status, got)
			}
			entry, err := f.store.OutboxFor(ctx, model.KindContacts, "c-1")
			if err != nil || entry == nil || entry.Op != store.OpCreate || entry.Attempts != 1 {
				t.Fatalf("OutboxFor = %+v, %v", entry, err)
			}

			f.remote.setPushErr(model.KindContacts, "c-1", nil)
			if _, err := f.engine.PerformFullSync(ctx, "acc-1"); err != nil {
				t.Fatalf("PerformFullSync after recovery: %v", err)
			}
			if _, ok := f.remote.get(model.KindContacts, "c-1"); !ok {
				t.Error("contact never reached the server")
			}
			got = f.lookup(t, model.KindContacts, "c-1")
			if got == nil || !got.Base().IsSynced {
				t.Errorf("local row after recovery = %+v, want synced", got)
			}
			if n := f.outboxLen(t); n != 0 {
				t.Errorf("outbox len = %d, want 0", n)
			}
		})
	}
}

func TestOutbox_RejectedUpdateRestoresServerCopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.remote.put(mustRecord(t, contact("c-1", "Amy", t0)))
	if err := f.engine.ApplyRemote(ctx, model.KindContacts, rec); err != nil {
		t.Fatalf("ApplyRemote: %v", err)
	}
	c := f.lookup(t, model.KindContacts, "c-1").(*model.Contact)
	c.Name = ""
	f.updateLocal(t, c)
	f.remote.setPushErr(model.KindContacts, "c-1", backoff.Permanent(&remote.Error{Status: http.StatusBadRequest}))

	if _, err := f.engine.DrainOutbox(ctx, ""); err == nil {
		t.Fatal("expected rejection error")
	}
	if n := f.outboxLen(t); n != 0 {
		t.Errorf("outbox len = %d, want 0", n)
	}

	f.remote.setPushErr(model.KindContacts, "c-1", nil)
	if _, err := f.engine.PerformFullSync(ctx, "acc-1"); err != nil {
		t.Fatalf("PerformFullSync: %v", err)
	}
	got := f.lookup(t, model.KindContacts, "c-1").(*model.Contact)
	if got.Name != "Amy" || !got.IsSynced {
		t.Errorf("contact after rejection = %+v, want server copy", got)
	}
}

func TestOutbox_UpdateOfServerDeletedRowPurges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.remote.put(mustRecord(t, contact("c-1", "Amy", t0)))
	if err := f.engine.ApplyRemote(ctx, model.KindContacts, rec); err != nil {
		t.Fatalf("ApplyRemote: %v", err)
	}
	// Deleted on the server, not pulled yet.
	if err := f.remote.Delete(ctx, model.KindContacts, "c-1"); err != nil {
		t.Fatalf("remote delete: %v", err)
	}

	c := f.lookup(t, model.KindContacts, "c-1").(*model.Contact)
	c.Name = "Amy B."
	f.updateLocal(t, c)

	if _, err := f.engine.DrainOutbox(ctx, ""); err != nil {
		t.Fatalf("DrainOutbox: %v", err)
	}
	if got := f.lookup(t, model.KindContacts, "c-1"); got != nil {
		t.Errorf("row deleted on server still cached: %+v", got)
	}
	if n := f.outboxLen(t); n != 0 {
		t.Errorf("outbox len = %d, want 0", n)
	}
}

func TestRunOutbox_KickUploads(t *testing.T) {
	f := newFixture(t, WithOutboxInterval(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.RunOutbox(ctx) }()

	c := contact("c-1", "Amy", t0)
	f.createLocal(t, c)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := f.remote.get(model.KindContacts, "c-1"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("kicked outbox entry was not uploaded")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("RunOutbox returned %v", err)
	}
}

func TestCanWrite(t *testing.T) {
	ctx := context.Background()

	for _, tt := range []struct {
		user string
		role model.Role
		want error
	}{
		{"u-owner", "", nil},
		{"u-helper", model.RoleHelper, nil},
		{"u-viewer", model.RoleViewer, model.ErrReadOnly},
		{"u-stranger", "", model.ErrReadOnly},
	} {
		f := newFixture(t, WithSessionUser(tt.user))
		if tt.role != "" {
			m := &model.AccountMember{UserID: tt.user, Role: tt.role}
			m.ID, m.AccountID = "mem-"+tt.user, "acc-1"
			if err := f.engine.ApplyRemote(ctx, model.KindAccountMembers, f.remote.put(mustRecord(t, m))); err != nil {
				t.Fatalf("ApplyRemote member: %v", err)
			}
		}
		err := f.engine.CanWrite(ctx, "acc-1")
		if (tt.want == nil) != (err == nil) || (tt.want != nil && !errors.Is(err, tt.want)) {
			t.Errorf("CanWrite(%s) = %v, want %v", tt.user, err, tt.want)
		}
		if err := f.engine.CanWrite(ctx, "acc-missing"); !errors.Is(err, model.ErrNoAccount) {
			t.Errorf("CanWrite(unknown account) = %v, want ErrNoAccount", err)
		}
	}
}

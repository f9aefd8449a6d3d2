package sync

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/njoerd114/unforgotten/internal/events"
	"github.com/njoerd114/unforgotten/internal/model"
)

func newBootstrapFixture(t *testing.T) (*Engine, *mockRemote) {
	t.Helper()
	rc := newMockRemote()

	own := &model.Account{DisplayName: "Smiths", OwnerUserID: "u-1"}
	own.ID = "acc-1"
	rc.put(mustRecord(t, own))

	shared := &model.Account{DisplayName: "Grandma", OwnerUserID: "u-2"}
	shared.ID = "acc-2"
	rc.put(mustRecord(t, shared))

	m := &model.AccountMember{UserID: "u-1", Role: model.RoleHelper}
	m.ID, m.AccountID = "mem-1", "acc-2"
	rc.put(mustRecord(t, m))

	e := NewEngine(openTestStore(t), rc, events.New(), discardLogger(), WithClock(newTestClock(t0).now))
	return e, rc
}

func TestBootstrap_CachesAccounts(t *testing.T) {
	e, _ := newBootstrapFixture(t)
	ctx := context.Background()
	var out bytes.Buffer

	b := NewBootstrap(e, discardLogger(), &out)
	ran, err := b.Run(ctx, "u-1", false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !ran {
		t.Fatal("expected bootstrap to run")
	}

	accounts, err := e.CachedAccounts(ctx)
	if err != nil {
		t.Fatalf("CachedAccounts: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("cached %d accounts, want 2", len(accounts))
	}

	summary := out.String()
	for _, want := range []string{"Smiths", "Grandma", "owner", "helper"} {
		if !strings.Contains(summary, want) {
			t.Errorf("summary missing %q:\n%s", want, summary)
		}
	}
}

func TestBootstrap_SkipsWhenDone(t *testing.T) {
	e, rc := newBootstrapFixture(t)
	ctx := context.Background()

	b := NewBootstrap(e, discardLogger(), nil)
	if _, err := b.Run(ctx, "u-1", false); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	calls := rc.calls(model.KindAccounts)

	ran, err := b.Run(ctx, "u-1", false)
	if err != nil || ran {
		t.Errorf("second Run = %v, %v; want skipped", ran, err)
	}
	if rc.calls(model.KindAccounts) != calls {
		t.Error("skipped bootstrap still contacted the backend")
	}

	ran, err = b.Run(ctx, "u-1", true)
	if err != nil || !ran {
		t.Errorf("forced Run = %v, %v; want executed", ran, err)
	}
}

func TestBootstrap_RequiresUser(t *testing.T) {
	e, _ := newBootstrapFixture(t)
	if _, err := NewBootstrap(e, discardLogger(), nil).Run(context.Background(), "", false); err == nil {
		t.Error("expected error for empty user id")
	}
}

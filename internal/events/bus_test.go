package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/njoerd114/unforgotten/internal/model"
)

func drain(s *Subscription) []Change {
	var out []Change
	for {
		select {
		case c := <-s.C():
			out = append(out, c)
		default:
			return out
		}
	}
}

func TestBus_FiltersByKind(t *testing.T) {
	bus := New()
	reminders := bus.Subscribe(model.KindStickyReminders)
	all := bus.Subscribe()
	defer reminders.Close()
	defer all.Close()

	bus.Publish(Change{Kind: model.KindContacts, AccountID: "acc-1", ID: "c-1", Op: Created})
	bus.Publish(Change{Kind: model.KindStickyReminders, AccountID: "acc-1", ID: "sr-1", Op: Updated})

	got := drain(reminders)
	require.Len(t, got, 1)
	assert.Equal(t, "sr-1", got[0].ID)
	assert.Len(t, drain(all), 2)
}

func receive(t *testing.T, s *Subscription) Change {
	t.Helper()
	select {
	case c := <-s.C():
		return c
	case <-time.After(time.Second):
		t.Fatal("no change delivered")
		return Change{}
	}
}

func TestBus_OverflowCollapsesToRefresh(t *testing.T) {
	bus := NewWithBuffer(2)
	sub := bus.Subscribe(model.KindMoods)
	defer sub.Close()

	for _, id := range []string{"m-1", "m-2", "m-3", "m-4"} {
		bus.Publish(Change{Kind: model.KindMoods, AccountID: "acc-1", ID: id, Op: Created})
	}
	assert.Equal(t, "m-1", receive(t, sub).ID)
	assert.Equal(t, "m-2", receive(t, sub).ID)

	// The dropped m-3/m-4 come back as one refresh without any further
	// publish.
	assert.Equal(t, Change{Kind: model.KindMoods, AccountID: "acc-1", Op: Refresh}, receive(t, sub))

	bus.Publish(Change{Kind: model.KindMoods, AccountID: "acc-1", ID: "m-5", Op: Created})
	assert.Equal(t, "m-5", receive(t, sub).ID)
	assert.Empty(t, drain(sub))
}

func TestBus_OwedRefreshPerKindAndAccount(t *testing.T) {
	bus := NewWithBuffer(1)
	sub := bus.Subscribe()
	defer sub.Close()

	bus.Publish(Change{Kind: model.KindToDos, AccountID: "acc-1", ID: "x", Op: Created})
	bus.Publish(Change{Kind: model.KindToDos, AccountID: "acc-1", ID: "y", Op: Created})
	bus.Publish(Change{Kind: model.KindMoods, AccountID: "acc-2", ID: "z", Op: Created})

	assert.Equal(t, "x", receive(t, sub).ID)
	got := []Change{receive(t, sub), receive(t, sub)}
	assert.ElementsMatch(t, []Change{
		{Kind: model.KindToDos, AccountID: "acc-1", Op: Refresh},
		{Kind: model.KindMoods, AccountID: "acc-2", Op: Refresh},
	}, got)
}

func TestSubscription_CloseWithOwedRefresh(t *testing.T) {
	bus := NewWithBuffer(1)
	sub := bus.Subscribe()
	bus.Publish(Change{Kind: model.KindToDos, ID: "x", Op: Created})
	bus.Publish(Change{Kind: model.KindToDos, ID: "y", Op: Created})

	// The flusher is blocked on a full channel; Close must not hang.
	sub.Close()
	for range sub.C() {
	}
}

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	bus := New()
	sub := bus.Subscribe()
	sub.Close()
	sub.Close()

	_, ok := <-sub.C()
	assert.False(t, ok, "channel should be closed")

	// Publishing after close must not panic.
	bus.Publish(Change{Kind: model.KindToDos, Op: Created})
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewWithBuffer(1000)
	sub := bus.Subscribe()
	defer sub.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Refresh(model.KindToDos, "acc-1")
			}
		}()
	}
	wg.Wait()
	assert.Len(t, drain(sub), 500)
}

// Package reminders delivers notifications as Apple Reminders through the
// go-eventkit library, so they show up (and alert) on every device signed
// in to the same iCloud account.
//
// The adapter accepts context.Context on every method for consistency with
// the other schedulers, even though the underlying cgo calls are
// non-cancellable.
package reminders

import (
	"context"
	"fmt"
	"log/slog"

	ekreminders "github.com/BRO3886/go-eventkit/reminders"

	"github.com/njoerd114/unforgotten/internal/notify"
	"github.com/njoerd114/unforgotten/internal/store"
)

// Sink names this adapter's rows in the notification mappings table.
const Sink = "apple_reminders"

// EventKitClient is the subset of [ekreminders.Client] methods used by the
// adapter. Defining it as an interface allows mock injection in tests.
type EventKitClient interface {
	Reminders(opts ...ekreminders.ListOption) ([]ekreminders.Reminder, error)
	CreateReminder(input ekreminders.CreateReminderInput) (*ekreminders.Reminder, error)
	UpdateReminder(id string, input ekreminders.UpdateReminderInput) (*ekreminders.Reminder, error)
	DeleteReminder(id string) error
}

// MappingStore remembers which reminder was created for which
// notification. Implemented by [store.Store].
type MappingStore interface {
	GetMapping(ctx context.Context, sink, sourceID string) (*store.Mapping, error)
	PutMapping(ctx context.Context, m store.Mapping) error
	DeleteMapping(ctx context.Context, sink, sourceID string) error
}

// Adapter is a [notify.Scheduler] writing reminders into one list. Create
// one with [NewAdapter] or [NewAdapterWithClient].
type Adapter struct {
	client   EventKitClient
	mappings MappingStore
	list     string
	log      *slog.Logger
}

var _ notify.Scheduler = (*Adapter)(nil)

// NewAdapter creates an Adapter backed by a real EventKit client.
// This triggers the macOS TCC permissions prompt on first use.
func NewAdapter(list string, mappings MappingStore, logger *slog.Logger) (*Adapter, error) {
	c, err := ekreminders.New()
	if err != nil {
		return nil, fmt.Errorf("initialising reminders client: %w", err)
	}
	return NewAdapterWithClient(c, list, mappings, logger), nil
}

// NewAdapterWithClient creates an Adapter with a caller-supplied client.
// Intended for testing with a mock [EventKitClient].
func NewAdapterWithClient(client EventKitClient, list string, mappings MappingStore, logger *slog.Logger) *Adapter {
	return &Adapter{client: client, mappings: mappings, list: list, log: logger.With("sink", Sink)}
}

// Check verifies that the list is readable, which also confirms that the
// Reminders permission was granted.
func (a *Adapter) Check(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	rems, err := a.client.Reminders(ekreminders.WithList(a.list))
	if err != nil {
		return 0, fmt.Errorf("reading reminders list %q: %w", a.list, err)
	}
	return len(rems), nil
}

// Schedule creates the reminder for n, or updates the one created earlier.
// A reminder the user deleted in the Reminders app is recreated.
func (a *Adapter) Schedule(ctx context.Context, n notify.Notification) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("schedule reminder: %w", err)
	}

	m, err := a.mappings.GetMapping(ctx, Sink, n.ID)
	if err != nil {
		return err
	}
	hash := n.Hash()
	if m != nil && m.Hash == hash {
		return nil
	}

	if m != nil {
		a.log.Debug("updating reminder", "uid", m.ExternalID, "title", n.Title)
		_, err := a.client.UpdateReminder(m.ExternalID, notificationToUpdateInput(n))
		if err == nil {
			m.Hash = hash
			return a.mappings.PutMapping(ctx, *m)
		}
		a.log.Warn("updating reminder failed, recreating", "uid", m.ExternalID, "error", err)
	}

	a.log.Debug("creating reminder", "title", n.Title, "list", a.list)
	rem, err := a.client.CreateReminder(notificationToCreateInput(n, a.list))
	if err != nil {
		return fmt.Errorf("creating reminder %q in list %q: %w", n.Title, a.list, err)
	}
	return a.mappings.PutMapping(ctx, store.Mapping{Sink: Sink, SourceID: n.ID, ExternalID: rem.ID, Hash: hash})
}

// Cancel deletes the reminder created for id, if any.
func (a *Adapter) Cancel(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("cancel reminder: %w", err)
	}
	m, err := a.mappings.GetMapping(ctx, Sink, id)
	if err != nil || m == nil {
		return err
	}

	a.log.Debug("deleting reminder", "uid", m.ExternalID)
	if err := a.client.DeleteReminder(m.ExternalID); err != nil {
		return fmt.Errorf("deleting reminder %q: %w", m.ExternalID, err)
	}
	return a.mappings.DeleteMapping(ctx, Sink, id)
}

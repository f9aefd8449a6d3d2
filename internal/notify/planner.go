package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/njoerd114/unforgotten/internal/model"
	"github.com/njoerd114/unforgotten/internal/store"
)

// plannerSink names the planner's own rows in the notification mappings
// table. Each row records one notification handed to the scheduler.
const plannerSink = "planner"

// Planner brings the scheduler in line with the cached rows of notifiable
// kinds: it schedules what should fire, cancels what should not, and skips
// notifications whose content has not changed since they were scheduled.
type Planner struct {
	store     *store.Store
	scheduler Scheduler
	log       *slog.Logger
	now       func() time.Time
	loc       *time.Location

	mu sync.Mutex
}

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// WithPlannerClock overrides the planner's clock.
func WithPlannerClock(now func() time.Time) PlannerOption {
	return func(p *Planner) { p.now = now }
}

// WithLocation sets the time zone appointment times are interpreted in.
func WithLocation(loc *time.Location) PlannerOption {
	return func(p *Planner) { p.loc = loc }
}

// NewPlanner returns a planner scheduling through s.
func NewPlanner(st *store.Store, s Scheduler, logger *slog.Logger, opts ...PlannerOption) *Planner {
	p := &Planner{
		store:     st,
		scheduler: s,
		log:       logger.With("component", "notify"),
		now:       time.Now,
		loc:       time.Local,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func mappingKey(accountID string, kind model.Kind, id string) string {
	return accountID + "/" + string(kind) + "/" + id
}

// Reconcile schedules and cancels the notifications of one kind of
// accountID. Scheduler failures do not stop the pass; they are joined into
// the returned error and the affected rows are retried on the next call.
func (p *Planner) Reconcile(ctx context.Context, accountID string, kind model.Kind) error {
	if !kind.Notifiable() {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	rows, err := p.store.Fetch(ctx, kind, store.Query{AccountID: accountID, IncludeDeleted: true})
	if err != nil {
		return fmt.Errorf("loading %s: %w", kind, err)
	}
	mappings, err := p.store.Mappings(ctx, plannerSink)
	if err != nil {
		return err
	}

	prefix := mappingKey(accountID, kind, "")
	scheduled := make(map[string]store.Mapping)
	for _, m := range mappings {
		if strings.HasPrefix(m.SourceID, prefix) {
			scheduled[m.SourceID] = m
		}
	}

	var (
		now   = p.now()
		errs  []error
		added int
	)
	for _, row := range rows {
		n, ok := build(row, p.loc, now)
		if !ok {
			continue
		}
		key := mappingKey(accountID, kind, n.ID)
		hash := n.Hash()
		prev, had := scheduled[key]
		delete(scheduled, key)
		if had && prev.Hash == hash {
			continue
		}

		if err := p.scheduler.Schedule(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("scheduling %s %s: %w", kind, n.ID, err))
			continue
		}
		if err := p.store.PutMapping(ctx, store.Mapping{Sink: plannerSink, SourceID: key, ExternalID: n.ID, Hash: hash}); err != nil {
			return errors.Join(append(errs, err)...)
		}
		added++
	}

	// Whatever is left no longer produces a notification.
	for key, m := range scheduled {
		if err := p.scheduler.Cancel(ctx, m.ExternalID); err != nil {
			errs = append(errs, fmt.Errorf("cancelling %s %s: %w", kind, m.ExternalID, err))
			continue
		}
		if err := p.store.DeleteMapping(ctx, plannerSink, key); err != nil {
			return errors.Join(append(errs, err)...)
		}
	}

	if added > 0 || len(scheduled) > 0 {
		p.log.Debug("notifications reconciled", "account_id", accountID, "kind", kind, "scheduled", added, "cancelled", len(scheduled))
	}
	return errors.Join(errs...)
}

// ReconcileAll reconciles every notifiable kind of accountID.
func (p *Planner) ReconcileAll(ctx context.Context, accountID string) error {
	var errs []error
	for _, k := range model.AllKinds() {
		if k.Notifiable() {
			if err := p.Reconcile(ctx, accountID, k); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// CancelAccount cancels every notification scheduled for accountID. Used
// when the account is purged from the device.
func (p *Planner) CancelAccount(ctx context.Context, accountID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	mappings, err := p.store.Mappings(ctx, plannerSink)
	if err != nil {
		return err
	}
	var errs []error
	for _, m := range mappings {
		if !strings.HasPrefix(m.SourceID, accountID+"/") {
			continue
		}
		if err := p.scheduler.Cancel(ctx, m.ExternalID); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := p.store.DeleteMapping(ctx, plannerSink, m.SourceID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Package app is the composition root: it builds the store, backend client,
// sync engine, repositories, notification sinks and realtime listener from
// a config, and drives them for the current account.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/njoerd114/unforgotten/internal/config"
	"github.com/njoerd114/unforgotten/internal/events"
	"github.com/njoerd114/unforgotten/internal/homeassistant"
	"github.com/njoerd114/unforgotten/internal/model"
	"github.com/njoerd114/unforgotten/internal/notify"
	"github.com/njoerd114/unforgotten/internal/realtime"
	"github.com/njoerd114/unforgotten/internal/reminders"
	"github.com/njoerd114/unforgotten/internal/remote"
	"github.com/njoerd114/unforgotten/internal/repository"
	"github.com/njoerd114/unforgotten/internal/store"
	syncp "github.com/njoerd114/unforgotten/internal/sync"
)

// Repositories is the typed data-access API, one repository per kind.
type Repositories struct {
	Accounts        *repository.CachedRepository[*model.Account]
	Members         *repository.CachedRepository[*model.AccountMember]
	Profiles        *repository.CachedRepository[*model.Profile]
	Medications     *repository.CachedRepository[*model.Medication]
	MedicationLogs  *repository.CachedRepository[*model.MedicationLog]
	Appointments    *repository.CachedRepository[*model.Appointment]
	Contacts        *repository.CachedRepository[*model.Contact]
	Moods           *repository.CachedRepository[*model.Mood]
	ToDos           *repository.CachedRepository[*model.ToDo]
	StickyReminders *repository.CachedRepository[*model.StickyReminder]
	Countdowns      *repository.CachedRepository[*model.Countdown]
	MealPlans       *repository.CachedRepository[*model.MealPlan]
}

// App owns every long-lived component. Create it with [New] and release it
// with [App.Close].
type App struct {
	cfg      *config.Config
	log      *slog.Logger
	store    *store.Store
	bus      *events.Bus
	engine   *syncp.Engine
	planner  *notify.Planner
	realtime *realtime.Service
	ha       *homeassistant.Adapter
	now      func() time.Time
	loc      *time.Location

	Repos Repositories

	mu      gosync.Mutex
	account string
}

// Option configures an App.
type Option func(*options)

type options struct {
	now        func() time.Time
	loc        *time.Location
	scheduler  notify.Scheduler
	remoteOpts []remote.Option
	engineOpts []syncp.Option
	rtOpts     []realtime.Option
}

// WithClock replaces time.Now everywhere.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLocation sets the zone that decides "today" and appointment times.
func WithLocation(loc *time.Location) Option {
	return func(o *options) { o.loc = loc }
}

// WithScheduler replaces the sinks configured under notifications.
func WithScheduler(s notify.Scheduler) Option {
	return func(o *options) { o.scheduler = s }
}

// WithRemoteOptions passes options to the backend client.
func WithRemoteOptions(opts ...remote.Option) Option {
	return func(o *options) { o.remoteOpts = append(o.remoteOpts, opts...) }
}

// WithEngineOptions passes options to the sync engine.
func WithEngineOptions(opts ...syncp.Option) Option {
	return func(o *options) { o.engineOpts = append(o.engineOpts, opts...) }
}

// WithRealtimeOptions passes options to the realtime service.
func WithRealtimeOptions(opts ...realtime.Option) Option {
	return func(o *options) { o.rtOpts = append(o.rtOpts, opts...) }
}

// New opens the local cache and wires every component from cfg.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	o := options{now: time.Now, loc: time.Local}
	for _, fn := range opts {
		fn(&o)
	}

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening local cache at %q: %w", cfg.DBPath, err)
	}
	rc, err := remote.New(cfg.BackendURL, cfg.Token, logger, o.remoteOpts...)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	a := &App{
		cfg:   cfg,
		log:   logger,
		store: st,
		bus:   events.New(),
		now:   o.now,
		loc:   o.loc,
	}

	sched := o.scheduler
	if sched == nil {
		sched = a.buildScheduler()
	}
	a.planner = notify.NewPlanner(st, sched, logger,
		notify.WithPlannerClock(o.now), notify.WithLocation(o.loc))

	engineOpts := append([]syncp.Option{
		syncp.WithPlanner(a.planner),
		syncp.WithClock(o.now),
		syncp.WithSessionUser(cfg.UserID),
		syncp.WithOutboxInterval(cfg.OutboxInterval),
	}, o.engineOpts...)
	a.engine = syncp.NewEngine(st, rc, a.bus, logger, engineOpts...)

	if cfg.RealtimeEnabled() {
		rtOpts := append([]realtime.Option{realtime.WithOnConnect(a.catchUp)}, o.rtOpts...)
		a.realtime = realtime.New(cfg.BackendURL, cfg.Token, a.engine, a.bus, logger, rtOpts...)
	}

	a.Repos = newRepositories(st, a.engine, logger, repository.WithClock(o.now))
	return a, nil
}

func newRepositories(st *store.Store, w syncp.Writer, logger *slog.Logger, opts ...repository.Option) Repositories {
	return Repositories{
		Accounts:        repository.New[*model.Account](st, w, logger, opts...),
		Members:         repository.New[*model.AccountMember](st, w, logger, opts...),
		Profiles:        repository.New[*model.Profile](st, w, logger, opts...),
		Medications:     repository.New[*model.Medication](st, w, logger, opts...),
		MedicationLogs:  repository.New[*model.MedicationLog](st, w, logger, opts...),
		Appointments:    repository.New[*model.Appointment](st, w, logger, opts...),
		Contacts:        repository.New[*model.Contact](st, w, logger, opts...),
		Moods:           repository.New[*model.Mood](st, w, logger, opts...),
		ToDos:           repository.New[*model.ToDo](st, w, logger, opts...),
		StickyReminders: repository.New[*model.StickyReminder](st, w, logger, opts...),
		Countdowns:      repository.New[*model.Countdown](st, w, logger, opts...),
		MealPlans:       repository.New[*model.MealPlan](st, w, logger, opts...),
	}
}

// buildScheduler creates the configured sinks. A sink that cannot be
// created is logged and skipped; with none left notifications are only
// logged.
func (a *App) buildScheduler() notify.Scheduler {
	var sinks notify.Fanout
	n := a.cfg.Notifications

	if n.AppleReminders != "" {
		ra, err := reminders.NewAdapter(n.AppleReminders, a.store, a.log)
		if err != nil {
			a.log.Warn("Apple Reminders unavailable, skipping", "list", n.AppleReminders, "error", err)
		} else {
			sinks = append(sinks, ra)
		}
	}
	if ha := n.HomeAssistant; ha != nil {
		hadapter, err := homeassistant.NewAdapter(ha.URL, ha.Token, ha.EntityID, a.store, a.log)
		if err != nil {
			a.log.Warn("Home Assistant unavailable, skipping", "url", ha.URL, "error", err)
		} else {
			a.ha = hadapter
			sinks = append(sinks, hadapter)
		}
	}

	if len(sinks) == 0 {
		return notify.LogScheduler{Log: a.log}
	}
	return sinks
}

// Engine returns the sync engine.
func (a *App) Engine() *syncp.Engine { return a.engine }

// Bus returns the change bus.
func (a *App) Bus() *events.Bus { return a.bus }

// Store returns the local cache.
func (a *App) Store() *store.Store { return a.store }

// Account returns the current account, or "".
func (a *App) Account() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.account
}

// Today returns the current calendar day in the app's location.
func (a *App) Today() model.Date {
	return model.DateOf(a.now().In(a.loc))
}

// Bootstrap caches the user's accounts and memberships on first run.
// Summary output goes to w, which may be nil.
func (a *App) Bootstrap(ctx context.Context, w io.Writer, force bool) (bool, error) {
	return syncp.NewBootstrap(a.engine, a.log, w).Run(ctx, a.cfg.UserID, force)
}

// ResolveAccount picks the account to work on: preferred if set, then the
// configured account_id, then the first cached account. The result must be
// in the local account cache.
func (a *App) ResolveAccount(ctx context.Context, preferred string) (string, error) {
	id := preferred
	if id == "" {
		id = a.cfg.AccountID
	}
	if id == "" {
		accounts, err := a.engine.CachedAccounts(ctx)
		if err != nil {
			return "", err
		}
		if len(accounts) == 0 {
			return "", model.ErrNoAccount
		}
		return accounts[0].ID, nil
	}
	if _, err := a.Repos.Accounts.GetByID(ctx, id); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return "", fmt.Errorf("%w: account %s is not cached for this user", model.ErrNoAccount, id)
		}
		return "", err
	}
	return id, nil
}

// SwitchAccount makes accountID current: realtime moves to it, then a full
// sync, today's medication logs and notification planning run. Sync
// failures are returned after the remaining steps have run.
func (a *App) SwitchAccount(ctx context.Context, accountID string) error {
	if accountID == "" {
		return model.ErrNoAccount
	}
	a.mu.Lock()
	prev := a.account
	a.account = accountID
	a.mu.Unlock()

	if prev != accountID {
		a.log.Info("switching account", "from", prev, "to", accountID)
	}
	if a.realtime != nil {
		if err := a.realtime.StartListening(ctx, accountID); err != nil {
			return err
		}
	}

	err := a.refreshAccount(ctx, accountID)
	if prev != "" && prev != accountID {
		a.dropIfGone(ctx, prev)
	}
	return err
}

// Foreground runs what the app does when it comes back to the front: a full
// sync of the current account and today's medication logs.
func (a *App) Foreground(ctx context.Context) error {
	acc := a.Account()
	if acc == "" {
		return model.ErrNoAccount
	}
	return a.refreshAccount(ctx, acc)
}

// GenerateLogs creates the pending medication logs of day for the current
// account.
func (a *App) GenerateLogs(ctx context.Context, day model.Date) (int, error) {
	acc := a.Account()
	if acc == "" {
		return 0, model.ErrNoAccount
	}
	n, err := a.engine.GenerateLocalMedicationLogs(ctx, acc, day)
	if err != nil {
		return n, err
	}
	if n > 0 {
		a.engine.Kick()
	}
	return n, nil
}

func (a *App) refreshAccount(ctx context.Context, accountID string) error {
	var errs []error

	stats, err := a.engine.PerformFullSync(ctx, accountID)
	if err != nil {
		// Local storage failures make everything after pointless.
		if errors.Is(err, model.ErrLocalStorage) {
			return err
		}
		a.log.Warn("full sync incomplete", "account_id", accountID, "failed", stats.Failed, "error", err)
		errs = append(errs, err)
	}

	n, err := a.engine.GenerateLocalMedicationLogs(ctx, accountID, a.Today())
	if err != nil {
		errs = append(errs, fmt.Errorf("generating medication logs: %w", err))
	} else if n > 0 {
		a.engine.Kick()
	}

	if err := a.planner.ReconcileAll(ctx, accountID); err != nil {
		a.log.Warn("notification planning incomplete", "account_id", accountID, "error", err)
	}
	return errors.Join(errs...)
}

// dropIfGone cancels the notifications of an account that left the local
// cache, e.g. after the membership was revoked.
func (a *App) dropIfGone(ctx context.Context, accountID string) {
	if _, err := a.Repos.Accounts.GetByID(ctx, accountID); !errors.Is(err, model.ErrNotFound) {
		return
	}
	if err := a.planner.CancelAccount(ctx, accountID); err != nil {
		a.log.Warn("cancelling notifications of removed account", "account_id", accountID, "error", err)
	}
}

// catchUp pulls what the realtime stream may have missed while it was
// disconnected.
func (a *App) catchUp(ctx context.Context, accountID string) {
	for _, kind := range model.AllKinds() {
		if !kind.Realtime() {
			continue
		}
		if _, err := a.engine.RefreshKind(ctx, kind, accountID); err != nil && ctx.Err() == nil {
			a.log.Warn("realtime catch-up failed", "kind", kind, "account_id", accountID, "error", err)
		}
	}
}

// Close stops the realtime listener and releases sinks and the local cache.
func (a *App) Close() error {
	if a.realtime != nil {
		a.realtime.StopListening()
	}
	var errs []error
	if a.ha != nil {
		if err := a.ha.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing Home Assistant client: %w", err))
		}
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing local cache: %w", err))
	}
	return errors.Join(errs...)
}

package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	gosync "sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/njoerd114/unforgotten/internal/backoff"
	"github.com/njoerd114/unforgotten/internal/events"
	"github.com/njoerd114/unforgotten/internal/model"
	"github.com/njoerd114/unforgotten/internal/remote"
	"github.com/njoerd114/unforgotten/internal/store"
	"github.com/njoerd114/unforgotten/internal/telemetry"
)

const (
	otelScope       = "unforgotten/sync"
	spanFullSync    = "sync.full"
	spanRefreshKind = "sync.refresh_kind"
	metricPulled    = "unforgotten.sync.records.pulled"
	metricPushed    = "unforgotten.sync.records.pushed"
	metricConflicts = "unforgotten.sync.conflicts"
	metricErrors    = "unforgotten.sync.errors"
	metricLogs      = "unforgotten.sync.medication_logs.generated"
)

const (
	defaultOutboxInterval = 15 * time.Second
	defaultOutboxBatch    = 100
	defaultConcurrency    = 4
)

// DefaultOutboxBackoff spaces retries of a failing upload.
var DefaultOutboxBackoff = backoff.Policy{Base: 5 * time.Second, Max: 10 * time.Minute}

// State is the full-sync state of one account.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
)

// Engine synchronizes the local store with the backend. Create one with
// [NewEngine]; run [Engine.RunOutbox] in the background to upload local
// writes.
type Engine struct {
	store   *store.Store
	remote  remote.Client
	bus     *events.Bus
	planner Planner
	log     *slog.Logger

	now            func() time.Time
	userID         string
	outboxInterval time.Duration
	outboxBackoff  backoff.Policy
	concurrency    int

	flight  singleflight.Group
	stateMu gosync.Mutex
	states  map[string]State

	inflightMu gosync.Mutex
	inflight   map[string]struct{}

	// logsMu serializes medication-log generation so overlapping runs
	// (daily job, foreground sync) see each other's slots.
	logsMu gosync.Mutex

	kick chan struct{}

	// OTel instruments, always non-nil (no-op when telemetry is disabled).
	tracer       trace.Tracer
	cntPulled    metric.Int64Counter
	cntPushed    metric.Int64Counter
	cntConflicts metric.Int64Counter
	cntErrors    metric.Int64Counter
	cntLogs      metric.Int64Counter
}

// Option configures an Engine.
type Option func(*Engine)

// WithPlanner sets the notification planner told about changes to
// notifiable kinds.
func WithPlanner(p Planner) Option {
	return func(e *Engine) { e.planner = p }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSessionUser sets the user whose role gates local writes. Without it
// every write is allowed.
func WithSessionUser(userID string) Option {
	return func(e *Engine) { e.userID = userID }
}

// WithOutboxInterval sets how often the outbox worker wakes up on its own.
func WithOutboxInterval(d time.Duration) Option {
	return func(e *Engine) { e.outboxInterval = d }
}

// WithOutboxBackoff sets the retry spacing for failed uploads.
func WithOutboxBackoff(p backoff.Policy) Option {
	return func(e *Engine) { e.outboxBackoff = p }
}

// WithConcurrency bounds the number of kinds synced in parallel.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// NewEngine creates an Engine over the local store and backend client.
func NewEngine(st *store.Store, rc remote.Client, bus *events.Bus, logger *slog.Logger, opts ...Option) *Engine {
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	e := &Engine{
		store:          st,
		remote:         rc,
		bus:            bus,
		log:            logger,
		now:            func() time.Time { return time.Now().UTC() },
		outboxInterval: defaultOutboxInterval,
		outboxBackoff:  DefaultOutboxBackoff,
		concurrency:    defaultConcurrency,
		states:         make(map[string]State),
		inflight:       make(map[string]struct{}),
		kick:           make(chan struct{}, 1),

		tracer:       tracer,
		cntPulled:    telemetry.Counter(meter, metricPulled, "Number of remote records merged", logger),
		cntPushed:    telemetry.Counter(meter, metricPushed, "Number of local mutations acknowledged by the backend", logger),
		cntConflicts: telemetry.Counter(meter, metricConflicts, "Number of conflict resolutions during merge", logger),
		cntErrors:    telemetry.Counter(meter, metricErrors, "Number of errors encountered during sync", logger),
		cntLogs:      telemetry.Counter(meter, metricLogs, "Number of medication logs generated locally", logger),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// State returns the full-sync state of accountID.
func (e *Engine) State(accountID string) State {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if s, ok := e.states[accountID]; ok {
		return s
	}
	return StateIdle
}

func (e *Engine) setState(accountID string, s State) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.states[accountID] = s
}

// PerformFullSync pulls and pushes every kind for accountID. At most one
// full sync per account runs at a time; concurrent callers wait for the
// running one and share its result.
//
// A kind that fails does not stop the others: it is listed in
// Stats.Failed and its error joined into the returned error.
func (e *Engine) PerformFullSync(ctx context.Context, accountID string) (Stats, error) {
	if accountID == "" {
		return Stats{}, model.ErrNoAccount
	}
	v, err, shared := e.flight.Do("full/"+accountID, func() (any, error) {
		return e.fullSync(ctx, accountID)
	})
	if shared {
		e.log.Debug("joined running full sync", "account_id", accountID)
	}
	stats, _ := v.(Stats)
	return stats, err
}

func (e *Engine) fullSync(ctx context.Context, accountID string) (Stats, error) {
	e.setState(accountID, StateSyncing)
	defer e.setState(accountID, StateIdle)

	ctx, span := e.tracer.Start(ctx, spanFullSync, trace.WithAttributes(attribute.String("account_id", accountID)))
	defer span.End()

	var (
		mu    gosync.Mutex
		stats Stats
		errs  []error
	)

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for _, kind := range model.AllKinds() {
		g.Go(func() error {
			ks, err := e.syncKind(ctx, kind, accountID)

			mu.Lock()
			defer mu.Unlock()
			stats.add(ks)
			if err != nil {
				e.log.Error("kind sync failed", "account_id", accountID, "kind", kind, "error", err)
				stats.Failed = append(stats.Failed, kind)
				errs = append(errs, fmt.Errorf("%s: %w", kind, err))
			}
			return nil
		})
	}
	_ = g.Wait()
	slices.Sort(stats.Failed)

	e.record(ctx, stats)
	span.SetAttributes(
		attribute.Int("sync.pulled", stats.Pulled),
		attribute.Int("sync.pushed", stats.Pushed),
		attribute.Int("sync.conflicts", stats.Conflicts),
		attribute.Int("sync.errors", stats.Errors),
		attribute.Int("sync.failed_kinds", len(stats.Failed)),
	)

	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
	}

	e.log.Info("full sync complete",
		"account_id", accountID,
		"pulled", stats.Pulled,
		"pushed", stats.Pushed,
		"inserted", stats.Inserted,
		"updated", stats.Updated,
		"deleted", stats.Deleted,
		"conflicts", stats.Conflicts,
		"errors", stats.Errors,
		"failed", stats.Failed,
	)
	return stats, err
}

// syncKind pulls remote changes for one kind and then pushes the kind's
// pending outbox entries.
func (e *Engine) syncKind(ctx context.Context, kind model.Kind, accountID string) (Stats, error) {
	stats, err := e.pullKind(ctx, kind, accountID)
	if err != nil {
		stats.Errors++
		return stats, err
	}
	ps, err := e.pushKind(ctx, kind, accountID)
	stats.add(ps)
	return stats, err
}

// RefreshKind pulls one kind for accountID without pushing. Concurrent
// refreshes of the same kind share one pull.
func (e *Engine) RefreshKind(ctx context.Context, kind model.Kind, accountID string) (Stats, error) {
	if accountID == "" {
		return Stats{}, model.ErrNoAccount
	}
	v, err, _ := e.flight.Do("kind/"+accountID+"/"+string(kind), func() (any, error) {
		ctx, span := e.tracer.Start(ctx, spanRefreshKind, trace.WithAttributes(
			attribute.String("account_id", accountID),
			attribute.String("kind", string(kind)),
		))
		defer span.End()

		stats, err := e.pullKind(ctx, kind, accountID)
		if err != nil {
			stats.Errors++
			span.RecordError(err)
		}
		e.record(ctx, stats)
		return stats, err
	})
	stats, _ := v.(Stats)
	return stats, err
}

// pullKind lists records changed since the stored cursor, merges them in
// the order received and advances the cursor. The cursor is not advanced
// when a local write fails, so the next pull retries the same records.
func (e *Engine) pullKind(ctx context.Context, kind model.Kind, accountID string) (Stats, error) {
	var stats Stats

	cursor, err := e.store.Cursor(ctx, accountID, kind)
	if err != nil {
		return stats, err
	}
	res, err := e.remote.List(ctx, kind, accountID, cursor)
	if err != nil {
		return stats, err
	}

	var changes []events.Change
	defer func() {
		e.publish(changes...)
		if len(changes) > 0 {
			e.plan(ctx, accountID, kind)
		}
	}()

	for _, rec := range res.Records {
		rec.Kind = kind
		out, err := e.merge(ctx, rec)
		if errors.Is(err, model.ErrDecode) {
			e.log.Warn("undecodable remote record", "kind", kind, "id", rec.ID, "error", err)
			stats.Errors++
			e.refresh(kind, accountID)
			continue
		}
		if err != nil {
			return stats, err
		}
		stats.Pulled++
		out.count(&stats)
		changes = append(changes, out.changes...)
	}

	if err := e.store.SetCursor(ctx, accountID, kind, res.Version, e.now()); err != nil {
		return stats, err
	}
	return stats, nil
}

// ApplyRemote merges one server record of kind into the local store. It is
// the merge entry point shared by pulls and the realtime listener.
func (e *Engine) ApplyRemote(ctx context.Context, kind model.Kind, rec model.Record) error {
	rec.Kind = kind
	out, err := e.merge(ctx, rec)
	if errors.Is(err, model.ErrDecode) {
		e.refresh(kind, rec.AccountID)
	}
	if err != nil {
		e.cntErrors.Add(ctx, 1)
		return err
	}

	var stats Stats
	stats.Pulled++
	out.count(&stats)
	e.record(ctx, stats)

	e.publish(out.changes...)
	if len(out.changes) > 0 {
		e.plan(ctx, rec.AccountID, kind)
	}
	return nil
}

// Save performs a local write and queues it for upload in one
// transaction, then publishes the change and wakes the outbox worker. The
// caller stamps the entity (ID, timestamps, IsSynced) beforehand.
func (e *Engine) Save(ctx context.Context, ent model.Entity, op store.Op) error {
	m := ent.Base()
	kind := ent.Kind()
	now := e.now()

	err := e.store.WithTx(ctx, func(tx *store.Store) error {
		var err error
		switch op {
		case store.OpCreate:
			err = tx.Insert(ctx, ent)
		case store.OpUpdate:
			err = tx.Update(ctx, ent)
		case store.OpDelete:
			err = tx.SoftDelete(ctx, kind, m.ID, now)
		default:
			err = fmt.Errorf("unknown outbox op %q", op)
		}
		if err != nil {
			return err
		}

		dropped, err := tx.Enqueue(ctx, kind, m.ID, m.AccountID, op, now)
		if err != nil {
			return err
		}
		if dropped {
			// The server never saw the row.
			return tx.Purge(ctx, kind, m.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	evOp := events.Updated
	switch op {
	case store.OpCreate:
		evOp = events.Created
	case store.OpDelete:
		evOp = events.Deleted
		m.LocallyDeleted = true
		m.IsSynced = false
		m.UpdatedAt = now
	}
	e.publish(events.Change{Kind: kind, AccountID: m.AccountID, ID: m.ID, Op: evOp})
	e.plan(ctx, m.AccountID, kind)
	e.Kick()
	return nil
}

// CanWrite reports whether the session user may write rows of accountID:
// the account owner always may, members only with a writing role.
func (e *Engine) CanWrite(ctx context.Context, accountID string) error {
	if e.userID == "" {
		return nil
	}
	if accountID == "" {
		return model.ErrNoAccount
	}

	acc, err := e.store.Get(ctx, model.KindAccounts, accountID)
	if errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("%w: %s", model.ErrNoAccount, accountID)
	}
	if err != nil {
		return err
	}
	if acc.(*model.Account).OwnerUserID == e.userID {
		return nil
	}

	key := (&model.AccountMember{Meta: model.Meta{AccountID: accountID}, UserID: e.userID}).NaturalKey()
	mem, err := e.store.LookupNaturalKey(ctx, model.KindAccountMembers, key)
	if errors.Is(err, model.ErrNotFound) || (err == nil && mem.Base().LocallyDeleted) {
		return fmt.Errorf("%w: %s is not a member of %s", model.ErrReadOnly, e.userID, accountID)
	}
	if err != nil {
		return err
	}
	if role := mem.(*model.AccountMember).Role; !role.CanWrite() {
		return fmt.Errorf("%w: role %s", model.ErrReadOnly, role)
	}
	return nil
}

// CachedAccounts returns the accounts present in the local store.
func (e *Engine) CachedAccounts(ctx context.Context) ([]*model.Account, error) {
	return store.NewTable[*model.Account](e.store).Fetch(ctx, store.Query{})
}

func (e *Engine) publish(changes ...events.Change) {
	if e.bus == nil {
		return
	}
	for _, c := range changes {
		e.bus.Publish(c)
	}
}

func (e *Engine) refresh(kind model.Kind, accountID string) {
	if e.bus != nil {
		e.bus.Refresh(kind, accountID)
	}
}

// plan asks the notification planner to reconcile a notifiable kind.
// Failures are logged; notifications catch up on the next change.
func (e *Engine) plan(ctx context.Context, accountID string, kind model.Kind) {
	if e.planner == nil || !kind.Notifiable() {
		return
	}
	if err := e.planner.Reconcile(ctx, accountID, kind); err != nil {
		e.log.Warn("notification planning failed", "account_id", accountID, "kind", kind, "error", err)
	}
}

// record adds stats to the OTel counters.
func (e *Engine) record(ctx context.Context, stats Stats) {
	if stats.Pulled > 0 {
		e.cntPulled.Add(ctx, int64(stats.Pulled))
	}
	if stats.Pushed > 0 {
		e.cntPushed.Add(ctx, int64(stats.Pushed))
	}
	if stats.Conflicts > 0 {
		e.cntConflicts.Add(ctx, int64(stats.Conflicts))
	}
	if stats.Errors > 0 {
		e.cntErrors.Add(ctx, int64(stats.Errors))
	}
}

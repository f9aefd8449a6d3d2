package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/njoerd114/unforgotten/internal/events"
	"github.com/njoerd114/unforgotten/internal/model"
)

// haRetryDelay spaces Home Assistant WebSocket reconnects.
const haRetryDelay = 30 * time.Second

// Run starts the daemon for accountID: outbox worker, periodic full sync,
// realtime, refresh handling, the daily medication-log job and, when
// configured, the Home Assistant completion watch. It blocks until ctx is
// cancelled.
func (a *App) Run(ctx context.Context, accountID string) error {
	if err := a.SwitchAccount(ctx, accountID); err != nil {
		if errors.Is(err, model.ErrLocalStorage) || errors.Is(err, model.ErrNoAccount) {
			return err
		}
		a.log.Warn("initial sync incomplete, continuing", "error", err)
	}

	c := cron.New(cron.WithLocation(a.loc), cron.WithLogger(cronLogger{a.log}))
	if _, err := c.AddFunc(a.cfg.CronGenerateLogs, func() { a.generateToday(ctx) }); err != nil {
		return fmt.Errorf("scheduling medication-log job %q: %w", a.cfg.CronGenerateLogs, err)
	}

	a.log.Info("daemon starting",
		"account_id", accountID,
		"poll_interval", a.cfg.PollInterval,
		"realtime", a.realtime != nil,
		"cron_generate_logs", a.cfg.CronGenerateLogs,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.engine.RunOutbox(gctx) })
	g.Go(func() error { return a.pollLoop(gctx) })
	g.Go(func() error { return a.refreshLoop(gctx) })
	g.Go(func() error {
		c.Start()
		<-gctx.Done()
		<-c.Stop().Done()
		return gctx.Err()
	})
	if a.ha != nil {
		g.Go(func() error { return a.watchHomeAssistant(gctx) })
	}

	err := g.Wait()
	if a.realtime != nil {
		a.realtime.StopListening()
	}
	if errors.Is(err, context.Canceled) {
		a.log.Info("daemon stopped")
		return nil
	}
	return err
}

// pollLoop runs a full sync of the current account every poll interval.
func (a *App) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.Foreground(ctx); err != nil && ctx.Err() == nil {
				if errors.Is(err, model.ErrLocalStorage) {
					return err
				}
				a.log.Warn("periodic sync incomplete", "error", err)
			}
		}
	}
}

// refreshLoop re-pulls a kind whenever someone asks for a refresh, e.g.
// after an undecodable realtime event.
func (a *App) refreshLoop(ctx context.Context) error {
	sub := a.bus.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ch := <-sub.C():
			if ch.Op != events.Refresh {
				continue
			}
			acc := ch.AccountID
			if acc == "" {
				acc = a.Account()
			}
			if acc == "" || (ch.Kind.AccountScoped() && acc != a.Account()) {
				continue
			}
			if _, err := a.engine.RefreshKind(ctx, ch.Kind, acc); err != nil && ctx.Err() == nil {
				a.log.Warn("refresh failed", "kind", ch.Kind, "account_id", acc, "error", err)
			}
		}
	}
}

func (a *App) generateToday(ctx context.Context) {
	day := a.Today()
	n, err := a.GenerateLogs(ctx, day)
	if err != nil {
		a.log.Error("scheduled medication-log generation failed", "date", day, "error", err)
		return
	}
	a.log.Info("medication logs generated", "date", day, "created", n)
}

// watchHomeAssistant follows the todo entity and dismisses reminders whose
// item was ticked off. The connection is retried until ctx ends.
func (a *App) watchHomeAssistant(ctx context.Context) error {
	for {
		a.dismissCompleted(ctx)
		err := a.ha.Watch(ctx, func() { a.dismissCompleted(ctx) })
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.log.Warn("Home Assistant watch stopped, retrying", "error", err, "retry_in", haRetryDelay)
		t := time.NewTimer(haRetryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// dismissCompleted marks sticky reminders dismissed and appointments
// completed when their Home Assistant item was completed.
func (a *App) dismissCompleted(ctx context.Context) {
	ids, err := a.ha.Completed(ctx)
	if err != nil {
		a.log.Warn("reading completed Home Assistant items", "error", err)
		return
	}
	for _, id := range ids {
		if err := a.complete(ctx, id); err != nil {
			a.log.Warn("completing from Home Assistant", "id", id, "error", err)
		}
	}
}

func (a *App) complete(ctx context.Context, id string) error {
	if sr, err := a.Repos.StickyReminders.GetByID(ctx, id); err == nil {
		if sr.Dismissed {
			return nil
		}
		sr.Dismissed = true
		_, err := a.Repos.StickyReminders.Update(ctx, sr)
		return err
	} else if !errors.Is(err, model.ErrNotFound) {
		return err
	}

	ap, err := a.Repos.Appointments.GetByID(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil || ap.Completed {
		return err
	}
	ap.Completed = true
	_, err = a.Repos.Appointments.Update(ctx, ap)
	return err
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

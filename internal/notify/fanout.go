package notify

import (
	"context"
	"errors"
	"log/slog"
)

// Fanout delivers every notification to all of its schedulers. A failing
// scheduler does not stop delivery to the others.
type Fanout []Scheduler

func (f Fanout) Schedule(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range f {
		if err := s.Schedule(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Cancel(ctx context.Context, id string) error {
	var errs []error
	for _, s := range f {
		if err := s.Cancel(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogScheduler only logs. It is the scheduler used when no notification
// sink is configured.
type LogScheduler struct {
	Log *slog.Logger
}

func (l LogScheduler) Schedule(_ context.Context, n Notification) error {
	l.Log.Info("notification scheduled",
		"id", n.ID, "kind", n.Kind, "title", n.Title,
		"trigger_at", n.TriggerAt, "repeat", n.Repeat)
	return nil
}

func (l LogScheduler) Cancel(_ context.Context, id string) error {
	l.Log.Info("notification cancelled", "id", id)
	return nil
}

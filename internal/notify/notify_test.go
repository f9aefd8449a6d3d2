package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/njoerd114/unforgotten/internal/model"
	"github.com/njoerd114/unforgotten/internal/store"
)

var t0 = time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)

type recordingScheduler struct {
	mu        sync.Mutex
	scheduled map[string]Notification
	calls     int
	cancels   []string
	fail      error
}

func newRecorder() *recordingScheduler {
	return &recordingScheduler{scheduled: make(map[string]Notification)}
}

func (r *recordingScheduler) Schedule(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.calls++
	r.scheduled[n.ID] = n
	return nil
}

func (r *recordingScheduler) Cancel(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.cancels = append(r.cancels, id)
	delete(r.scheduled, id)
	return nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	acc := &model.Account{DisplayName: "Smiths", OwnerUserID: "u-1"}
	acc.ID, acc.AccountID, acc.IsSynced = "acc-1", "acc-1", true
	require.NoError(t, st.Insert(context.Background(), acc))
	return st
}

func sticky(id string, at time.Time, repeat model.Repeat) *model.StickyReminder {
	s := &model.StickyReminder{Title: "Water plants", Message: "The ones by the window", TriggerAt: at, Repeat: repeat, Active: true}
	s.ID, s.AccountID = id, "acc-1"
	s.CreatedAt, s.UpdatedAt, s.IsSynced = t0, t0, true
	return s
}

func TestFromStickyReminder(t *testing.T) {
	n, ok := FromStickyReminder(sticky("sr-1", t0.Add(time.Hour), ""), t0)
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Hour), n.TriggerAt)
	assert.Equal(t, model.RepeatNone, n.Repeat)
	assert.Equal(t, "Water plants", n.Title)
	assert.Equal(t, "The ones by the window", n.Body)

	// A past daily reminder fires at its next occurrence.
	n, ok = FromStickyReminder(sticky("sr-2", t0.Add(-2*time.Hour), model.RepeatDaily), t0)
	require.True(t, ok)
	assert.Equal(t, t0.Add(22*time.Hour), n.TriggerAt)

	_, ok = FromStickyReminder(sticky("sr-3", t0.Add(-time.Minute), model.RepeatNone), t0)
	assert.False(t, ok, "past one-shot reminder")

	dismissed := sticky("sr-4", t0.Add(time.Hour), "")
	dismissed.Dismissed = true
	_, ok = FromStickyReminder(dismissed, t0)
	assert.False(t, ok, "dismissed reminder")
}

func TestFromAppointment(t *testing.T) {
	a := &model.Appointment{Title: "Dentist", Date: "2026-03-14", Time: "10:30", Location: "High St", ReminderOffsetMinutes: 60}
	a.ID, a.AccountID = "ap-1", "acc-1"

	n, ok := FromAppointment(a, time.UTC, t0)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC), n.TriggerAt)
	assert.Equal(t, "Starts at 10:30 at High St", n.Body)
	assert.Equal(t, model.KindAppointments, n.Kind)

	a.Time = ""
	n, ok = FromAppointment(a, time.UTC, t0)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC), n.TriggerAt, "defaults to 09:00 start")

	a.Time = "08:30"
	_, ok = FromAppointment(a, time.UTC, t0)
	assert.False(t, ok, "reminder time already passed")

	a.Time, a.ReminderOffsetMinutes = "10:30", 0
	_, ok = FromAppointment(a, time.UTC, t0)
	assert.False(t, ok, "no reminder requested")
}

func TestPlanner_SchedulesOnceAndCancels(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	rec := newRecorder()
	now := t0
	p := NewPlanner(st, rec, discard(), WithPlannerClock(func() time.Time { return now }), WithLocation(time.UTC))

	s := sticky("sr-1", t0.Add(time.Hour), model.RepeatNone)
	require.NoError(t, st.Insert(ctx, s))

	require.NoError(t, p.Reconcile(ctx, "acc-1", model.KindStickyReminders))
	require.Contains(t, rec.scheduled, "sr-1")
	assert.Equal(t, 1, rec.calls)

	// Unchanged content is not rescheduled.
	require.NoError(t, p.Reconcile(ctx, "acc-1", model.KindStickyReminders))
	assert.Equal(t, 1, rec.calls)

	s.Title = "Water all the plants"
	require.NoError(t, st.Update(ctx, s))
	require.NoError(t, p.Reconcile(ctx, "acc-1", model.KindStickyReminders))
	assert.Equal(t, 2, rec.calls)
	assert.Equal(t, "Water all the plants", rec.scheduled["sr-1"].Title)

	require.NoError(t, st.SoftDelete(ctx, model.KindStickyReminders, "sr-1", t0))
	require.NoError(t, p.Reconcile(ctx, "acc-1", model.KindStickyReminders))
	assert.Equal(t, []string{"sr-1"}, rec.cancels)
	assert.Empty(t, rec.scheduled)
}

func TestPlanner_PurgedRowIsCancelled(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	rec := newRecorder()
	p := NewPlanner(st, rec, discard(), WithPlannerClock(func() time.Time { return t0 }))

	require.NoError(t, st.Insert(ctx, sticky("sr-1", t0.Add(time.Hour), "")))
	require.NoError(t, p.ReconcileAll(ctx, "acc-1"))
	require.NoError(t, st.Purge(ctx, model.KindStickyReminders, "sr-1"))
	require.NoError(t, p.ReconcileAll(ctx, "acc-1"))

	assert.Equal(t, []string{"sr-1"}, rec.cancels)
}

func TestPlanner_SchedulerFailureIsRetried(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	rec := newRecorder()
	rec.fail = errors.New("sink offline")
	p := NewPlanner(st, rec, discard(), WithPlannerClock(func() time.Time { return t0 }))

	require.NoError(t, st.Insert(ctx, sticky("sr-1", t0.Add(time.Hour), "")))
	require.Error(t, p.Reconcile(ctx, "acc-1", model.KindStickyReminders))

	rec.fail = nil
	require.NoError(t, p.Reconcile(ctx, "acc-1", model.KindStickyReminders))
	assert.Contains(t, rec.scheduled, "sr-1")
}

func TestPlanner_IgnoresOtherKinds(t *testing.T) {
	st := openStore(t)
	rec := newRecorder()
	p := NewPlanner(st, rec, discard())
	require.NoError(t, p.Reconcile(context.Background(), "acc-1", model.KindContacts))
	assert.Zero(t, rec.calls)
}

func TestPlanner_CancelAccount(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	rec := newRecorder()
	p := NewPlanner(st, rec, discard(), WithPlannerClock(func() time.Time { return t0 }))

	require.NoError(t, st.Insert(ctx, sticky("sr-1", t0.Add(time.Hour), "")))
	require.NoError(t, p.ReconcileAll(ctx, "acc-1"))
	require.NoError(t, p.CancelAccount(ctx, "acc-1"))
	assert.Equal(t, []string{"sr-1"}, rec.cancels)

	m, err := st.Mappings(ctx, plannerSink)
	require.NoError(t, err)
	assert.Empty(t, m)
}

func TestFanout_DeliversToAll(t *testing.T) {
	a, b := newRecorder(), newRecorder()
	b.fail = errors.New("boom")
	f := Fanout{a, b, LogScheduler{Log: discard()}}

	err := f.Schedule(context.Background(), Notification{ID: "n-1", TriggerAt: t0})
	require.Error(t, err)
	assert.Contains(t, a.scheduled, "n-1")
}

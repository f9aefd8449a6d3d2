// Package notify turns sticky reminders and appointments into local
// notifications and keeps the scheduled set in line with the cache.
package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/njoerd114/unforgotten/internal/model"
)

// Notification is one scheduled local notification. ID is the id of the row
// it was built from, so rescheduling replaces rather than duplicates.
type Notification struct {
	ID        string
	AccountID string
	Kind      model.Kind
	Title     string
	Body      string
	TriggerAt time.Time
	Repeat    model.Repeat
}

// Hash identifies the notification's content. Sinks use it to skip
// updates that would change nothing.
func (n Notification) Hash() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%s",
		n.ID, n.Title, n.Body, n.TriggerAt.UTC().Format(time.RFC3339), n.Repeat)
	return hex.EncodeToString(h.Sum(nil))
}

// Scheduler delivers notifications. Schedule replaces any earlier
// notification with the same ID; cancelling an unknown ID is not an error.
type Scheduler interface {
	Schedule(ctx context.Context, n Notification) error
	Cancel(ctx context.Context, id string) error
}

// FromStickyReminder returns the reminder's next notification, or false if
// it is inactive, dismissed, deleted or will not fire again.
func FromStickyReminder(s *model.StickyReminder, now time.Time) (Notification, bool) {
	at, ok := s.NextTrigger(now)
	if !ok {
		return Notification{}, false
	}
	repeat := s.Repeat
	if repeat == "" {
		repeat = model.RepeatNone
	}
	return Notification{
		ID:        s.ID,
		AccountID: s.AccountID,
		Kind:      model.KindStickyReminders,
		Title:     s.Title,
		Body:      s.Message,
		TriggerAt: at,
		Repeat:    repeat,
	}, true
}

// defaultAppointmentTime is assumed for appointments without a start time.
const defaultAppointmentTime model.TimeOfDay = "09:00"

// FromAppointment returns the reminder notification for an appointment,
// firing ReminderOffsetMinutes before its start in loc. It reports false for
// completed or deleted appointments, those without a reminder and those
// whose reminder time has passed.
func FromAppointment(a *model.Appointment, loc *time.Location, now time.Time) (Notification, bool) {
	if a.Completed || a.LocallyDeleted || a.ReminderOffsetMinutes <= 0 || a.Date.IsZero() {
		return Notification{}, false
	}
	tod := a.Time
	if tod == "" {
		tod = defaultAppointmentTime
	}
	start, err := tod.On(a.Date, loc)
	if err != nil {
		return Notification{}, false
	}
	at := start.Add(-time.Duration(a.ReminderOffsetMinutes) * time.Minute)
	if at.Before(now) {
		return Notification{}, false
	}

	body := "Starts at " + start.Format("15:04")
	if loc := strings.TrimSpace(a.Location); loc != "" {
		body += " at " + loc
	}
	return Notification{
		ID:        a.ID,
		AccountID: a.AccountID,
		Kind:      model.KindAppointments,
		Title:     a.Title,
		Body:      body,
		TriggerAt: at,
		Repeat:    model.RepeatNone,
	}, true
}

// build dispatches to the builder for e's kind.
func build(e model.Entity, loc *time.Location, now time.Time) (Notification, bool) {
	switch v := e.(type) {
	case *model.StickyReminder:
		return FromStickyReminder(v, now)
	case *model.Appointment:
		return FromAppointment(v, loc, now)
	default:
		return Notification{}, false
	}
}

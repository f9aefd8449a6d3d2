package reminders

import (
	"fmt"
	"strings"

	ekreminders "github.com/BRO3886/go-eventkit/reminders"

	"github.com/njoerd114/unforgotten/internal/model"
	"github.com/njoerd114/unforgotten/internal/notify"
)

// notesFor renders the reminder notes: the notification body, followed by
// the repeat interval when there is one. EventKit recurrence rules are not
// exposed by go-eventkit, so repeating notifications are rescheduled by the
// planner after each occurrence instead.
func notesFor(n notify.Notification) string {
	var b strings.Builder
	b.WriteString(n.Body)
	if n.Repeat != "" && n.Repeat != model.RepeatNone {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "Repeats %s", n.Repeat)
	}
	return b.String()
}

// priorityFor maps a notification to an EventKit priority. Sticky
// reminders nag until dismissed, so they sort above appointments.
func priorityFor(n notify.Notification) ekreminders.Priority {
	switch n.Kind {
	case model.KindStickyReminders:
		return ekreminders.PriorityHigh
	case model.KindAppointments:
		return ekreminders.PriorityMedium
	default:
		return ekreminders.PriorityNone
	}
}

// notificationToCreateInput builds an EventKit CreateReminderInput in list.
func notificationToCreateInput(n notify.Notification, list string) ekreminders.CreateReminderInput {
	due := n.TriggerAt
	return ekreminders.CreateReminderInput{
		Title:    n.Title,
		Notes:    notesFor(n),
		ListName: list,
		Priority: priorityFor(n),
		DueDate:  &due,
	}
}

// notificationToUpdateInput builds a full-overwrite UpdateReminderInput.
func notificationToUpdateInput(n notify.Notification) ekreminders.UpdateReminderInput {
	title := n.Title
	notes := notesFor(n)
	prio := priorityFor(n)
	input := ekreminders.UpdateReminderInput{
		Title:    &title,
		Notes:    &notes,
		Priority: &prio,
	}
	if n.TriggerAt.IsZero() {
		input.ClearDueDate = true
	} else {
		due := n.TriggerAt
		input.DueDate = &due
	}
	return input
}

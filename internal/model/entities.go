package model

import (
	"slices"
	"time"
)

// Role is an account membership role.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleHelper Role = "helper"
	RoleViewer Role = "viewer"
)

// CanWrite reports whether members with this role may create, edit or
// delete rows in the account.
func (r Role) CanWrite() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleHelper:
		return true
	default:
		return false
	}
}

// Account is a family/care circle. Its AccountID equals its ID.
type Account struct {
	Meta
	DisplayName string `json:"display_name"`
	OwnerUserID string `json:"owner_user_id"`

	// ComplimentaryAccess is granted server-side and never revoked by a
	// client merge.
	ComplimentaryAccess bool `json:"complimentary_access"`

	// FeatureOrder is the user's home-screen ordering of features.
	FeatureOrder []string `json:"feature_order,omitempty"`
}

func (*Account) Kind() Kind { return KindAccounts }

// AccountMember grants a user access to an account.
type AccountMember struct {
	Meta
	UserID      string `json:"user_id"`
	Role        Role   `json:"role"`
	DisplayName string `json:"display_name,omitempty"`
}

func (*AccountMember) Kind() Kind { return KindAccountMembers }

// NaturalKey is unique per (account, user).
func (m *AccountMember) NaturalKey() string { return m.AccountID + "|" + m.UserID }

// Profile is a person cared for (or caring) within an account.
type Profile struct {
	Meta
	Name         string `json:"name"`
	Relationship string `json:"relationship,omitempty"`
	Birthday     Date   `json:"birthday,omitempty"`
	Notes        string `json:"notes,omitempty"`
	IsPrimary    bool   `json:"is_primary"`
}

func (*Profile) Kind() Kind { return KindProfiles }

// Medication is a prescribed medication with a daily schedule.
type Medication struct {
	Meta
	ProfileID    string      `json:"profile_id"`
	Name         string      `json:"name"`
	Dose         string      `json:"dose,omitempty"`
	Instructions string      `json:"instructions,omitempty"`
	Schedule     []TimeOfDay `json:"schedule"`
	StartDate    Date        `json:"start_date,omitempty"`
	EndDate      Date        `json:"end_date,omitempty"`
	Paused       bool        `json:"paused"`
}

func (*Medication) Kind() Kind { return KindMedications }

// ActiveOn reports whether logs should be generated for the medication on
// day d.
func (m *Medication) ActiveOn(d Date) bool {
	if m.Paused || m.LocallyDeleted {
		return false
	}
	if !m.StartDate.IsZero() && d.Before(m.StartDate) {
		return false
	}
	if !m.EndDate.IsZero() && m.EndDate.Before(d) {
		return false
	}
	return true
}

// ScheduledTimes returns the distinct schedule entries in ascending order.
func (m *Medication) ScheduledTimes() []TimeOfDay {
	out := slices.Clone(m.Schedule)
	slices.Sort(out)
	return slices.Compact(out)
}

// LogStatus is the state of a single scheduled medication dose.
type LogStatus string

const (
	LogScheduled LogStatus = "scheduled"
	LogTaken     LogStatus = "taken"
	LogSkipped   LogStatus = "skipped"
	LogMissed    LogStatus = "missed"
)

// MedicationLog records one expected dose of a medication on one day.
type MedicationLog struct {
	Meta
	MedicationID  string     `json:"medication_id"`
	ProfileID     string     `json:"profile_id"`
	ScheduledDate Date       `json:"scheduled_date"`
	ScheduledTime TimeOfDay  `json:"scheduled_time"`
	Status        LogStatus  `json:"status"`
	TakenAt       *time.Time `json:"taken_at,omitempty"`
}

func (*MedicationLog) Kind() Kind { return KindMedicationLogs }

func (l *MedicationLog) NaturalKey() string { return l.SlotKey() }

// SlotKey identifies the (medication, day, time) slot a log fills. At most
// one log exists per slot.
func (l *MedicationLog) SlotKey() string {
	return SlotKey(l.MedicationID, l.ScheduledDate, l.ScheduledTime)
}

// SlotKey builds the slot identity used for idempotent log generation.
func SlotKey(medicationID string, d Date, t TimeOfDay) string {
	return medicationID + "|" + string(d) + "|" + string(t)
}

// Appointment is a calendar entry for a profile.
type Appointment struct {
	Meta
	ProfileID string    `json:"profile_id,omitempty"`
	Title     string    `json:"title"`
	Date      Date      `json:"date"`
	Time      TimeOfDay `json:"time,omitempty"`
	Location  string    `json:"location,omitempty"`
	Notes     string    `json:"notes,omitempty"`

	// ReminderOffsetMinutes is how long before the start a notification
	// fires. Zero disables the reminder.
	ReminderOffsetMinutes int  `json:"reminder_offset_minutes"`
	Completed             bool `json:"completed"`
}

func (*Appointment) Kind() Kind { return KindAppointments }

// StartsAt returns the appointment start in loc. All-day appointments start
// at 09:00.
func (a *Appointment) StartsAt(loc *time.Location) (time.Time, error) {
	t := a.Time
	if t == "" {
		t = "09:00"
	}
	return t.On(a.Date, loc)
}

// Contact is an address-book entry shared within the account.
type Contact struct {
	Meta
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Email    string `json:"email,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

func (*Contact) Kind() Kind { return KindContacts }

// Mood is a daily mood rating for a profile.
type Mood struct {
	Meta
	ProfileID string `json:"profile_id"`
	Date      Date   `json:"date"`
	Rating    int    `json:"rating"`
	Note      string `json:"note,omitempty"`
}

func (*Mood) Kind() Kind { return KindMoods }

// Priority is the priority level of a to-do. Values match the EventKit
// canonical priorities.
type Priority int

const (
	PriorityNone   Priority = 0
	PriorityHigh   Priority = 1
	PriorityMedium Priority = 5
	PriorityLow    Priority = 9
)

// String returns the human-readable label for the priority.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "High"
	case PriorityMedium:
		return "Medium"
	case PriorityLow:
		return "Low"
	default:
		return "None"
	}
}

// ToDo is an item on a shared to-do list.
type ToDo struct {
	Meta
	ListName  string   `json:"list_name"`
	Title     string   `json:"title"`
	Completed bool     `json:"completed"`
	DueDate   Date     `json:"due_date,omitempty"`
	Priority  Priority `json:"priority"`
}

func (*ToDo) Kind() Kind { return KindToDos }

// Repeat is the repeat interval of a sticky reminder.
type Repeat string

const (
	RepeatNone   Repeat = "none"
	RepeatHourly Repeat = "hourly"
	RepeatDaily  Repeat = "daily"
	RepeatWeekly Repeat = "weekly"
)

// Interval returns the repeat period, or 0 for one-shot reminders.
func (r Repeat) Interval() time.Duration {
	switch r {
	case RepeatHourly:
		return time.Hour
	case RepeatDaily:
		return 24 * time.Hour
	case RepeatWeekly:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// StickyReminder is a nagging reminder that stays until dismissed.
type StickyReminder struct {
	Meta
	Title     string    `json:"title"`
	Message   string    `json:"message,omitempty"`
	TriggerAt time.Time `json:"trigger_at"`
	Repeat    Repeat    `json:"repeat_interval"`
	Active    bool      `json:"is_active"`
	Dismissed bool      `json:"is_dismissed"`
}

func (*StickyReminder) Kind() Kind { return KindStickyReminders }

// NextTrigger returns the first trigger instant at or after now, or false if
// the reminder will not fire again.
func (s *StickyReminder) NextTrigger(now time.Time) (time.Time, bool) {
	if !s.Active || s.Dismissed || s.LocallyDeleted || s.TriggerAt.IsZero() {
		return time.Time{}, false
	}
	if !s.TriggerAt.Before(now) {
		return s.TriggerAt, true
	}
	step := s.Repeat.Interval()
	if step == 0 {
		return time.Time{}, false
	}
	elapsed := now.Sub(s.TriggerAt)
	n := elapsed / step
	if elapsed%step != 0 {
		n++
	}
	return s.TriggerAt.Add(n * step), true
}

// Countdown counts down to a target date.
type Countdown struct {
	Meta
	Title         string `json:"title"`
	TargetDate    Date   `json:"target_date"`
	RecurringYear bool   `json:"recurring_yearly"`
}

func (*Countdown) Kind() Kind { return KindCountdowns }

// MealPlan is a planned meal on a day.
type MealPlan struct {
	Meta
	Date     Date   `json:"date"`
	MealType string `json:"meal_type"`
	Title    string `json:"title"`
	Notes    string `json:"notes,omitempty"`
}

func (*MealPlan) Kind() Kind { return KindMealPlans }

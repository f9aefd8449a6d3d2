// Package model defines the synced entity types shared by the local store,
// the remote client, the sync engine and the notification sinks.
//
// Every entity embeds [Meta], which carries its identity, owning account and
// the local-only sync metadata (IsSynced, LocallyDeleted, RemoteVersion).
package model

import "fmt"

// Kind names an entity type. The value doubles as the local table name and
// the remote collection path segment.
type Kind string

const (
	KindAccounts        Kind = "accounts"
	KindAccountMembers  Kind = "account_members"
	KindProfiles        Kind = "profiles"
	KindMedications     Kind = "medications"
	KindMedicationLogs  Kind = "medication_logs"
	KindAppointments    Kind = "appointments"
	KindContacts        Kind = "contacts"
	KindMoods           Kind = "moods"
	KindToDos           Kind = "todos"
	KindStickyReminders Kind = "sticky_reminders"
	KindCountdowns      Kind = "countdowns"
	KindMealPlans       Kind = "meal_plans"
)

// allKinds is ordered so that accounts and memberships are merged before the
// rows that reference them.
var allKinds = []Kind{
	KindAccounts,
	KindAccountMembers,
	KindProfiles,
	KindMedications,
	KindMedicationLogs,
	KindAppointments,
	KindContacts,
	KindMoods,
	KindToDos,
	KindStickyReminders,
	KindCountdowns,
	KindMealPlans,
}

// AllKinds returns every synced kind in dependency order.
func AllKinds() []Kind {
	out := make([]Kind, len(allKinds))
	copy(out, allKinds)
	return out
}

// ParseKind validates s against the known kinds.
func ParseKind(s string) (Kind, error) {
	for _, k := range allKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown entity kind %q", s)
}

// Realtime reports whether the backend pushes row-level change events for
// this kind.
func (k Kind) Realtime() bool {
	return k == KindAppointments || k == KindStickyReminders
}

// Notifiable reports whether rows of this kind drive local notifications.
func (k Kind) Notifiable() bool {
	return k == KindAppointments || k == KindStickyReminders
}

// AccountScoped reports whether rows of this kind hang off an account row
// that must exist locally before they are surfaced.
func (k Kind) AccountScoped() bool {
	return k != KindAccounts
}

// NewEntity returns a zero value of the entity type stored under k.
func NewEntity(k Kind) (Entity, error) {
	switch k {
	case KindAccounts:
		return &Account{}, nil
	case KindAccountMembers:
		return &AccountMember{}, nil
	case KindProfiles:
		return &Profile{}, nil
	case KindMedications:
		return &Medication{}, nil
	case KindMedicationLogs:
		return &MedicationLog{}, nil
	case KindAppointments:
		return &Appointment{}, nil
	case KindContacts:
		return &Contact{}, nil
	case KindMoods:
		return &Mood{}, nil
	case KindToDos:
		return &ToDo{}, nil
	case KindStickyReminders:
		return &StickyReminder{}, nil
	case KindCountdowns:
		return &Countdown{}, nil
	case KindMealPlans:
		return &MealPlan{}, nil
	default:
		return nil, fmt.Errorf("unknown entity kind %q", k)
	}
}

package homeassistant

import (
	"fmt"
	"time"

	"github.com/njoerd114/unforgotten/internal/model"
	"github.com/njoerd114/unforgotten/internal/notify"
)

// HA todo service constants.
const (
	domainTodo        = "todo"
	serviceGetItems   = "get_items"
	serviceAddItem    = "add_item"
	serviceUpdateItem = "update_item"
	serviceRemoveItem = "remove_item"

	statusNeedsAction = "needs_action"
	statusCompleted   = "completed"

	dateTimeLayout = "2006-01-02 15:04:05"
)

// haTodoItem is the JSON structure for a single item returned by the HA
// todo.get_items service.
type haTodoItem struct {
	UID         string `json:"uid"`
	Summary     string `json:"summary"`
	Status      string `json:"status"` // "needs_action" or "completed"
	Description string `json:"description,omitempty"`
	Due         string `json:"due,omitempty"` // "YYYY-MM-DD" or RFC 3339
}

// haItemsResponse wraps the items array inside the service response for a
// single entity.
type haItemsResponse struct {
	Items []haTodoItem `json:"items"`
}

// descriptionFor renders the item description: the notification body plus
// the repeat interval, if any.
func descriptionFor(n notify.Notification) string {
	if n.Repeat == "" || n.Repeat == model.RepeatNone {
		return n.Body
	}
	if n.Body == "" {
		return fmt.Sprintf("Repeats %s", n.Repeat)
	}
	return fmt.Sprintf("%s (repeats %s)", n.Body, n.Repeat)
}

// buildAddItemData returns the service-call payload for todo.add_item.
func buildAddItemData(entityID string, n notify.Notification) map[string]interface{} {
	data := map[string]interface{}{
		"entity_id": entityID,
		"item":      n.Title,
	}
	if desc := descriptionFor(n); desc != "" {
		data["description"] = desc
	}
	if !n.TriggerAt.IsZero() {
		data["due_datetime"] = formatDue(n.TriggerAt)
	}
	return data
}

// buildUpdateItemData returns the service-call payload for todo.update_item.
// item is the HA uid (or current title) identifying the existing item.
func buildUpdateItemData(entityID, item string, n notify.Notification) map[string]interface{} {
	data := map[string]interface{}{
		"entity_id":   entityID,
		"item":        item,
		"rename":      n.Title,
		"description": descriptionFor(n),
		"status":      statusNeedsAction,
	}
	if !n.TriggerAt.IsZero() {
		data["due_datetime"] = formatDue(n.TriggerAt)
	}
	return data
}

// buildRemoveItemData returns the service-call payload for todo.remove_item.
func buildRemoveItemData(entityID, item string) map[string]interface{} {
	return map[string]interface{}{
		"entity_id": entityID,
		"item":      item,
	}
}

// buildGetItemsData returns the service-call payload for todo.get_items.
func buildGetItemsData(entityID string) map[string]interface{} {
	return map[string]interface{}{
		"entity_id": entityID,
	}
}

// formatDue formats an instant for due_datetime. HA interprets the value in
// its own configured time zone, so the local wall-clock time is sent.
func formatDue(t time.Time) string {
	return t.Local().Format(dateTimeLayout)
}

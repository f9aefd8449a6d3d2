package backend

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/njoerd114/unforgotten/internal/model"
)

// Event is a row-level change pushed to realtime subscribers. Rows are sent
// flat (payload fields plus envelope columns) with database-style
// timestamps.
type Event struct {
	Type            string         `json:"type"`
	Table           string         `json:"table"`
	Record          map[string]any `json:"record"`
	OldRecord       map[string]any `json:"old_record"`
	CommitTimestamp string         `json:"commit_timestamp"`
}

const (
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"

	// rowTimeLayout mimics how the hosted database renders timestamps,
	// keeping full precision so a streamed row compares equal to the
	// pulled copy of the same version.
	rowTimeLayout = "2006-01-02 15:04:05.999999999"
)

// hub tracks realtime subscribers per account.
type hub struct {
	mu     sync.RWMutex
	conns  map[string]map[*websocket.Conn]struct{}
	logger *slog.Logger
}

func newHub(logger *slog.Logger) *hub {
	return &hub{conns: make(map[string]map[*websocket.Conn]struct{}), logger: logger}
}

func (h *hub) add(accountID string, c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[accountID] == nil {
		h.conns[accountID] = make(map[*websocket.Conn]struct{})
	}
	h.conns[accountID][c] = struct{}{}
}

func (h *hub) remove(accountID string, c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns[accountID], c)
	if len(h.conns[accountID]) == 0 {
		delete(h.conns, accountID)
	}
}

// subscribers returns the number of open connections for accountID.
func (h *hub) subscribers(accountID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[accountID])
}

// publish sends ev to every subscriber of accountID. Slow or broken
// connections are closed and dropped.
func (h *hub) publish(accountID string, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encoding realtime event", "error", err)
		return
	}

	// Send outside the lock so a slow client cannot block subscription changes.
	h.mu.RLock()
	targets := make([]*websocket.Conn, 0, len(h.conns[accountID]))
	for c := range h.conns[accountID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := c.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			h.logger.Warn("dropping realtime subscriber", "account_id", accountID, "error", err)
			h.remove(accountID, c)
			_ = c.Close(websocket.StatusGoingAway, "write failed")
		}
	}
}

// closeAll disconnects every subscriber.
func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for accountID, set := range h.conns {
		for c := range set {
			_ = c.Close(websocket.StatusGoingAway, "server shutting down")
		}
		delete(h.conns, accountID)
	}
}

// changeEvent builds the realtime event for a stored write. prev is the
// record before the write, if any.
func changeEvent(rec model.Record, prev *model.Record) Event {
	ev := Event{
		Table:           string(rec.Kind),
		CommitTimestamp: time.Now().UTC().Format("2006-01-02 15:04:05.999999Z07:00"),
	}
	switch {
	case rec.Deleted:
		ev.Type = EventDelete
		ev.OldRecord = flatRow(*prev)
	case prev == nil:
		ev.Type = EventInsert
		ev.Record = flatRow(rec)
	default:
		ev.Type = EventUpdate
		ev.Record = flatRow(rec)
		ev.OldRecord = flatRow(*prev)
	}
	return ev
}

func flatRow(r model.Record) map[string]any {
	row := map[string]any{}
	if len(r.Payload) > 0 {
		_ = json.Unmarshal(r.Payload, &row)
	}
	row["id"] = r.ID
	row["account_id"] = r.AccountID
	row["version"] = r.Version
	row["created_at"] = r.CreatedAt.UTC().Format(rowTimeLayout)
	row["updated_at"] = r.UpdatedAt.UTC().Format(rowTimeLayout)
	return row
}

package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/njoerd114/unforgotten/internal/model"
)

// Event types sent by the backend.
const (
	eventInsert = "INSERT"
	eventUpdate = "UPDATE"
	eventDelete = "DELETE"
)

// event is a row-level change. Rows arrive flat: the entity's fields next to
// the envelope columns, with database-style timestamps.
type event struct {
	Type            string         `json:"type"`
	Table           string         `json:"table"`
	Record          map[string]any `json:"record"`
	OldRecord       map[string]any `json:"old_record"`
	CommitTimestamp string         `json:"commit_timestamp"`
}

// timestampColumns lists, per kind, the payload fields holding instants.
// They are normalised to RFC 3339 before the payload is decoded.
var timestampColumns = map[model.Kind][]string{
	model.KindStickyReminders: {"trigger_at"},
}

// envelope columns are lifted out of the flat row.
var envelopeColumns = []string{"id", "account_id", "version", "created_at", "updated_at", "deleted"}

// decodeEvent parses one message into the kind and the record to merge.
// The kind is returned even when decoding fails later, so the caller can
// ask for a refresh of it.
func decodeEvent(data []byte) (model.Kind, model.Record, error) {
	var ev event
	if err := json.Unmarshal(data, &ev); err != nil {
		return "", model.Record{}, fmt.Errorf("%w: realtime message: %v", model.ErrDecode, err)
	}
	kind, err := model.ParseKind(unqualified(ev.Table))
	if err != nil {
		return "", model.Record{}, fmt.Errorf("%w: %v", model.ErrDecode, err)
	}

	row := ev.Record
	deleted := false
	switch ev.Type {
	case eventInsert, eventUpdate:
	case eventDelete:
		row, deleted = ev.OldRecord, true
	default:
		return kind, model.Record{}, fmt.Errorf("%w: unknown event type %q", model.ErrDecode, ev.Type)
	}
	if row == nil {
		return kind, model.Record{}, fmt.Errorf("%w: %s event without a row", model.ErrDecode, ev.Type)
	}

	rec, err := rowToRecord(kind, row)
	if err != nil {
		return kind, model.Record{}, err
	}
	if deleted {
		rec.Deleted = true
		rec.Payload = nil
		if t, err := model.ParseFlexibleTime(ev.CommitTimestamp); err == nil {
			rec.UpdatedAt = t
		}
	}
	return kind, rec, nil
}

// rowToRecord splits a flat row into the wire envelope and its payload.
func rowToRecord(kind model.Kind, row map[string]any) (model.Record, error) {
	rec := model.Record{Kind: kind}

	var ok bool
	if rec.ID, ok = row["id"].(string); !ok || rec.ID == "" {
		return rec, fmt.Errorf("%w: %s row without id", model.ErrDecode, kind)
	}
	rec.AccountID, _ = row["account_id"].(string)
	if v, ok := row["version"].(float64); ok {
		rec.Version = int64(v)
	}
	var err error
	if rec.CreatedAt, err = rowTime(row, "created_at"); err != nil {
		return rec, err
	}
	if rec.UpdatedAt, err = rowTime(row, "updated_at"); err != nil {
		return rec, err
	}

	payload := make(map[string]any, len(row))
	for k, v := range row {
		payload[k] = v
	}
	for _, k := range envelopeColumns {
		delete(payload, k)
	}
	for _, col := range timestampColumns[kind] {
		s, ok := payload[col].(string)
		if !ok || s == "" {
			continue
		}
		t, err := model.ParseFlexibleTime(s)
		if err != nil {
			return rec, fmt.Errorf("%s %s: %w", kind, col, err)
		}
		payload[col] = t.Format(time.RFC3339Nano)
	}

	if rec.Payload, err = json.Marshal(payload); err != nil {
		return rec, fmt.Errorf("%w: re-encoding %s row: %v", model.ErrDecode, kind, err)
	}
	return rec, nil
}

// unqualified strips a schema prefix such as "public.".
func unqualified(table string) string {
	if i := strings.LastIndexByte(table, '.'); i >= 0 {
		return table[i+1:]
	}
	return table
}

func rowTime(row map[string]any, col string) (time.Time, error) {
	s, _ := row[col].(string)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := model.ParseFlexibleTime(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", col, err)
	}
	return t, nil
}

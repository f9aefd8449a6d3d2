package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/njoerd114/unforgotten/internal/backend"
	"github.com/njoerd114/unforgotten/internal/backoff"
	"github.com/njoerd114/unforgotten/internal/events"
	"github.com/njoerd114/unforgotten/internal/model"
	"github.com/njoerd114/unforgotten/internal/remote"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestDecodeEvent_InsertWithNaiveTimestamps(t *testing.T) {
	msg := `{
		"type": "INSERT",
		"table": "sticky_reminders",
		"record": {
			"id": "sr-1", "account_id": "acc-1", "version": 12,
			"created_at": "2026-03-14 08:00:00.123456",
			"updated_at": "2026-03-14T08:00:00",
			"title": "Water plants", "is_active": true,
			"trigger_at": "2026-03-14 09:00:00"
		},
		"commit_timestamp": "2026-03-14 08:00:00.2Z"
	}`
	kind, rec, err := decodeEvent([]byte(msg))
	require.NoError(t, err)
	assert.Equal(t, model.KindStickyReminders, kind)
	assert.Equal(t, "sr-1", rec.ID)
	assert.Equal(t, int64(12), rec.Version)
	assert.False(t, rec.Deleted)
	assert.Equal(t, time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC), rec.UpdatedAt)

	e, err := model.FromRecord(rec)
	require.NoError(t, err)
	sr := e.(*model.StickyReminder)
	assert.Equal(t, "Water plants", sr.Title)
	assert.True(t, sr.Active)
	assert.Equal(t, time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC), sr.TriggerAt.UTC())
}

func TestDecodeEvent_DeleteUsesOldRecord(t *testing.T) {
	msg := `{"type":"DELETE","table":"appointments","record":null,
		"old_record":{"id":"ap-1","account_id":"acc-1","version":3,"title":"Dentist","date":"2026-03-20"},
		"commit_timestamp":"2026-03-14 08:05:00Z"}`
	kind, rec, err := decodeEvent([]byte(msg))
	require.NoError(t, err)
	assert.Equal(t, model.KindAppointments, kind)
	assert.Equal(t, "ap-1", rec.ID)
	assert.True(t, rec.Deleted)
	assert.Nil(t, rec.Payload)
	assert.Equal(t, time.Date(2026, 3, 14, 8, 5, 0, 0, time.UTC), rec.UpdatedAt)
}

func TestDecodeEvent_Errors(t *testing.T) {
	tests := []struct {
		name     string
		msg      string
		wantKind model.Kind
	}{
		{"not json", `{`, ""},
		{"unknown table", `{"type":"INSERT","table":"widgets","record":{"id":"w"}}`, ""},
		{"unknown type", `{"type":"TRUNCATE","table":"appointments","record":{"id":"a"}}`, model.KindAppointments},
		{"missing id", `{"type":"INSERT","table":"appointments","record":{"title":"x"}}`, model.KindAppointments},
		{"bad timestamp", `{"type":"UPDATE","table":"sticky_reminders","record":{"id":"s","trigger_at":"next tuesday"}}`, model.KindStickyReminders},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, _, err := decodeEvent([]byte(tt.msg))
			require.ErrorIs(t, err, model.ErrDecode)
			assert.Equal(t, tt.wantKind, kind)
		})
	}
}

type recordingApplier struct {
	mu   sync.Mutex
	recs []model.Record
}

func (a *recordingApplier) ApplyRemote(_ context.Context, kind model.Kind, rec model.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec.Kind = kind
	a.recs = append(a.recs, rec)
	return nil
}

func (a *recordingApplier) received() []model.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]model.Record(nil), a.recs...)
}

func TestHandle_UndecodableEventRequestsRefresh(t *testing.T) {
	bus := events.New()
	sub := bus.Subscribe(model.KindStickyReminders)
	defer sub.Close()
	app := &recordingApplier{}
	s := New("http://unused", "tok", app, bus, discard())

	s.handle(context.Background(), "acc-1", []byte(`{"type":"UPDATE","table":"sticky_reminders","record":{"id":"s","trigger_at":"soon"}}`))

	select {
	case ch := <-sub.C():
		assert.Equal(t, events.Refresh, ch.Op)
		assert.Equal(t, "acc-1", ch.AccountID)
	default:
		t.Fatal("no refresh published")
	}
	assert.Empty(t, app.received())
}

func TestHandle_BrokenEnvelopeRefreshesAllRealtimeKinds(t *testing.T) {
	for name, msg := range map[string]string{
		"truncated frame": `{"type":"UPDATE","table":"sticky_reminders","record":`,
		"unknown table":   `{"type":"INSERT","table":"widgets","record":{"id":"w"}}`,
	} {
		t.Run(name, func(t *testing.T) {
			bus := events.New()
			sub := bus.Subscribe()
			defer sub.Close()
			app := &recordingApplier{}
			s := New("http://unused", "tok", app, bus, discard())

			s.handle(context.Background(), "acc-1", []byte(msg))

			got := map[model.Kind]bool{}
			for len(got) < 2 {
				select {
				case ch := <-sub.C():
					assert.Equal(t, events.Refresh, ch.Op)
					assert.Equal(t, "acc-1", ch.AccountID)
					got[ch.Kind] = true
				case <-time.After(time.Second):
					t.Fatalf("refreshes = %v, want appointments and sticky reminders", got)
				}
			}
			assert.True(t, got[model.KindAppointments])
			assert.True(t, got[model.KindStickyReminders])
			assert.Empty(t, app.received())
		})
	}
}

func TestHandle_SchemaQualifiedTable(t *testing.T) {
	app := &recordingApplier{}
	s := New("http://unused", "tok", app, events.New(), discard())

	s.handle(context.Background(), "acc-1", []byte(`{"type":"INSERT","table":"public.appointments","record":{"id":"ap-1","account_id":"acc-1","title":"Dentist","date":"2026-03-20"}}`))

	got := app.received()
	require.Len(t, got, 1)
	assert.Equal(t, model.KindAppointments, got[0].Kind)
	assert.Equal(t, "ap-1", got[0].ID)
}

func TestHandle_IgnoresOtherAccounts(t *testing.T) {
	app := &recordingApplier{}
	s := New("http://unused", "tok", app, nil, discard())
	s.handle(context.Background(), "acc-1", []byte(`{"type":"INSERT","table":"appointments","record":{"id":"a","account_id":"acc-2"}}`))
	assert.Empty(t, app.received())
}

const secret = "realtime-secret"

func startBackend(t *testing.T) (*backend.Server, string, string) {
	t.Helper()
	mem := backend.NewMemory()
	for _, id := range []string{"acc-1", "acc-2"} {
		mem.Seed(model.Record{ID: id, Kind: model.KindAccounts, Payload: json.RawMessage(`{"display_name":"x","owner_user_id":"u-1"}`)})
	}
	srv := backend.New(mem, []byte(secret), discard())
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	tok, err := backend.GenerateToken("u-1", []byte(secret), time.Hour)
	require.NoError(t, err)
	return srv, hs.URL, tok
}

func TestService_ListensAndSwitchesAccounts(t *testing.T) {
	srv, url, tok := startBackend(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	app := &recordingApplier{}
	var connects sync.Map
	s := New(url, tok, app, events.New(), discard(),
		WithReconnectPolicy(backoff.Policy{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond}),
		WithOnConnect(func(_ context.Context, accountID string) { connects.Store(accountID, true) }))
	defer s.StopListening()

	require.NoError(t, s.StartListening(ctx, "acc-1"))
	require.Eventually(t, func() bool { return srv.Subscribers("acc-1") == 1 }, 3*time.Second, 10*time.Millisecond)
	_, ok := connects.Load("acc-1")
	assert.True(t, ok, "onConnect not called")

	// Same account again keeps the one subscription.
	require.NoError(t, s.StartListening(ctx, "acc-1"))
	assert.Equal(t, "acc-1", s.Active())

	rc, err := remote.New(url, tok, discard())
	require.NoError(t, err)
	sr := &model.StickyReminder{Title: "Water plants", Active: true, TriggerAt: time.Now().Add(time.Hour)}
	sr.ID, sr.AccountID = "sr-1", "acc-1"
	rec, err := model.ToRecord(sr)
	require.NoError(t, err)
	_, err = rc.Create(ctx, rec)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(app.received()) == 1 }, 3*time.Second, 10*time.Millisecond)
	got := app.received()[0]
	assert.Equal(t, model.KindStickyReminders, got.Kind)
	assert.Equal(t, "sr-1", got.ID)

	require.NoError(t, rc.Delete(ctx, model.KindStickyReminders, "sr-1"))
	require.Eventually(t, func() bool { return len(app.received()) == 2 }, 3*time.Second, 10*time.Millisecond)
	assert.True(t, app.received()[1].Deleted)

	require.NoError(t, s.StartListening(ctx, "acc-2"))
	require.Eventually(t, func() bool {
		return srv.Subscribers("acc-1") == 0 && srv.Subscribers("acc-2") == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "acc-2", s.Active())

	s.StopListening()
	assert.Empty(t, s.Active())
	require.Eventually(t, func() bool { return srv.Subscribers("acc-2") == 0 }, 3*time.Second, 10*time.Millisecond)

	// Idle stop is harmless.
	s.StopListening()
}

func TestService_RequiresAccount(t *testing.T) {
	s := New("http://unused", "tok", &recordingApplier{}, nil, discard())
	require.ErrorIs(t, s.StartListening(context.Background(), ""), model.ErrNoAccount)
}

package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/njoerd114/unforgotten/internal/backend"
	"github.com/njoerd114/unforgotten/internal/backoff"
	"github.com/njoerd114/unforgotten/internal/model"
)

var fastRetry = backoff.Policy{Base: time.Millisecond, Max: 2 * time.Millisecond}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newBackend(t *testing.T) (*backend.Server, *HTTPClient) {
	t.Helper()
	secret := []byte("s3cret")
	mem := backend.NewMemory()
	mem.Seed(model.Record{ID: "acc-1", Kind: model.KindAccounts, Payload: json.RawMessage(`{"owner_user_id":"u-1"}`)})
	srv := backend.New(mem, secret, discardLogger())
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	tok, err := backend.GenerateToken("u-1", secret, time.Hour)
	require.NoError(t, err)
	c, err := New(hs.URL, tok, discardLogger(), WithRetryPolicy(fastRetry))
	require.NoError(t, err)
	return srv, c
}

func moodRecord(id string, rating int) model.Record {
	m := &model.Mood{ProfileID: "p-1", Date: "2026-03-14", Rating: rating}
	m.ID, m.AccountID = id, "acc-1"
	m.UpdatedAt = time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	rec, err := model.ToRecord(m)
	if err != nil {
		panic(err)
	}
	return rec
}

func TestNew_RejectsBadURL(t *testing.T) {
	for _, u := range []string{"", "ftp://x", "not a url", "http://"} {
		_, err := New(u, "tok", discardLogger())
		assert.Error(t, err, u)
	}
}

func TestClient_CreateListUpdateDelete(t *testing.T) {
	_, c := newBackend(t)
	ctx := context.Background()

	created, err := c.Create(ctx, moodRecord("m-1", 3))
	require.NoError(t, err)
	assert.NotZero(t, created.Version)

	created.Payload = moodRecord("m-1", 5).Payload
	updated, err := c.Update(ctx, created)
	require.NoError(t, err)
	assert.Greater(t, updated.Version, created.Version)

	res, err := c.List(ctx, model.KindMoods, "acc-1", 0)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	e, err := model.FromRecord(res.Records[0])
	require.NoError(t, err)
	assert.Equal(t, 5, e.(*model.Mood).Rating)

	require.NoError(t, c.Delete(ctx, model.KindMoods, "m-1"))
	// Unknown ids count as deleted.
	require.NoError(t, c.Delete(ctx, model.KindMoods, "m-unknown"))

	res, err = c.List(ctx, model.KindMoods, "acc-1", updated.Version)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.True(t, res.Records[0].Deleted)
}

func TestClient_ClientErrorsAreNotRetried(t *testing.T) {
	_, c := newBackend(t)

	_, err := c.Update(context.Background(), moodRecord("m-ghost", 1))
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusNotFound), "err = %v", err)
	assert.True(t, backoff.IsPermanent(err))
}

func TestClient_ServerErrorsAreRetried(t *testing.T) {
	var calls atomic.Int32
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(ListResult{Version: 42})
	}))
	defer hs.Close()

	c, err := New(hs.URL, "tok", discardLogger(), WithRetryPolicy(fastRetry))
	require.NoError(t, err)

	res, err := c.List(context.Background(), model.KindContacts, "acc-1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(42), res.Version)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_NetworkErrors(t *testing.T) {
	hs := httptest.NewServer(http.NotFoundHandler())
	url := hs.URL
	hs.Close()

	c, err := New(url, "tok", discardLogger(), WithRetryPolicy(fastRetry))
	require.NoError(t, err)
	_, err = c.List(context.Background(), model.KindContacts, "acc-1", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrNetwork), "err = %v", err)
}

func TestClient_FaultInjection(t *testing.T) {
	srv, c := newBackend(t)
	srv.SetFault(model.KindToDos, http.StatusForbidden)

	_, err := c.List(context.Background(), model.KindToDos, "acc-1", 0)
	assert.True(t, IsStatus(err, http.StatusForbidden), "err = %v", err)
}

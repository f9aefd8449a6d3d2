// Package homeassistant delivers notifications as items on a Home
// Assistant todo list, so they surface on dashboards and in the companion
// app. Completing an item in Home Assistant is reported back through
// [Adapter.Completed] so the matching sticky reminder can be dismissed.
package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	haclient "github.com/mkelcik/go-ha-client/v2"

	"github.com/njoerd114/unforgotten/internal/backoff"
	"github.com/njoerd114/unforgotten/internal/notify"
	"github.com/njoerd114/unforgotten/internal/store"
)

// Sink names this adapter's rows in the notification mappings table.
const Sink = "home_assistant"

// maxAttempts bounds retries of every HA call.
const maxAttempts = 3

// RESTClient is the subset of [haclient.Client] methods used by the adapter.
// Defining it as an interface allows mock injection in tests.
type RESTClient interface {
	Ping(ctx context.Context) error
	// CallService POSTs to /api/services/<domain>/<service> without
	// return_response. Used for mutations (add, update, remove).
	CallService(ctx context.Context, domain, service string, body io.Reader) error
	// CallServiceWithResponse POSTs with ?return_response=true. Used for
	// todo.get_items which returns data.
	CallServiceWithResponse(ctx context.Context, domain, service string, body io.Reader) (haclient.ServiceCallResponse, error)
}

// MappingStore remembers which todo item was created for which
// notification. Implemented by [store.Store].
type MappingStore interface {
	GetMapping(ctx context.Context, sink, sourceID string) (*store.Mapping, error)
	PutMapping(ctx context.Context, m store.Mapping) error
	DeleteMapping(ctx context.Context, sink, sourceID string) error
	Mappings(ctx context.Context, sink string) ([]store.Mapping, error)
}

// haClientWrapper wraps [haclient.Client] and adds a plain CallService method
// that POSTs without ?return_response, which HA rejects for services that
// return nothing (todo.add_item, todo.update_item, todo.remove_item).
type haClientWrapper struct {
	client  *haclient.Client
	baseURL string
	token   string
	hc      *http.Client
}

func (w *haClientWrapper) Ping(ctx context.Context) error {
	return w.client.Ping(ctx)
}

func (w *haClientWrapper) CallService(ctx context.Context, domain, service string, body io.Reader) error {
	endpoint := fmt.Sprintf("%s/api/services/%s/%s",
		strings.TrimRight(w.baseURL, "/"),
		url.PathEscape(domain),
		url.PathEscape(service),
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("create service request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+w.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.hc.Do(req)
	if err != nil {
		return fmt.Errorf("execute service request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		var br struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&br)
		return backoff.Permanent(errors.New(br.Message))
	case resp.StatusCode == http.StatusUnauthorized:
		return backoff.Permanent(errors.New("HA returned 401 Unauthorized, check the home_assistant token"))
	case resp.StatusCode >= 300:
		return fmt.Errorf("HA returned unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (w *haClientWrapper) CallServiceWithResponse(ctx context.Context, domain, service string, body io.Reader) (haclient.ServiceCallResponse, error) {
	return w.client.CallServiceWithResponse(ctx, domain, service, body)
}

// Adapter is a [notify.Scheduler] writing items to one HA todo entity.
// Create one with [NewAdapter] or [NewAdapterWithClient].
type Adapter struct {
	rest     RESTClient
	ws       *haclient.WSClient
	entityID string
	mappings MappingStore
	logger   *slog.Logger
}

var _ notify.Scheduler = (*Adapter)(nil)

// NewAdapter creates an Adapter backed by real HA REST and WebSocket clients.
// The WebSocket is configured with unlimited auto-reconnect.
func NewAdapter(haURL, token, entityID string, mappings MappingStore, logger *slog.Logger) (*Adapter, error) {
	rest, err := haclient.NewClient(haURL,
		haclient.WithToken(token),
		haclient.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("create HA REST client: %w", err)
	}

	wrapper := &haClientWrapper{
		client:  rest,
		baseURL: haURL,
		token:   token,
		hc:      &http.Client{},
	}

	ws := rest.WS(
		haclient.WithAutoReconnect(true),
		haclient.WithMaxRetries(0), // unlimited retries
		haclient.WithOnReconnect(func() {
			logger.Info("HA WebSocket reconnected")
		}),
		haclient.WithOnReconnectError(func(err error) {
			logger.Error("HA WebSocket reconnect failed", "error", err)
		}),
	)

	a := NewAdapterWithClient(wrapper, entityID, mappings, logger)
	a.ws = ws
	return a, nil
}

// NewAdapterWithClient creates an Adapter with a caller-supplied REST client.
// Intended for testing with a mock [RESTClient]. [Adapter.Watch] is
// unavailable on adapters created this way.
func NewAdapterWithClient(rest RESTClient, entityID string, mappings MappingStore, logger *slog.Logger) *Adapter {
	return &Adapter{rest: rest, entityID: entityID, mappings: mappings, logger: logger.With("sink", Sink)}
}

// Ping validates the HA connection and token with retry.
func (a *Adapter) Ping(ctx context.Context) error {
	if err := backoff.Retry(ctx, maxAttempts, func() error { return a.rest.Ping(ctx) }); err != nil {
		return fmt.Errorf("ping HA: %w", err)
	}
	return nil
}

// Close shuts down the WebSocket connection gracefully.
func (a *Adapter) Close() error {
	if a.ws == nil {
		return nil
	}
	return a.ws.Close()
}

// Schedule adds a todo item for n, or updates the one added earlier.
func (a *Adapter) Schedule(ctx context.Context, n notify.Notification) error {
	m, err := a.mappings.GetMapping(ctx, Sink, n.ID)
	if err != nil {
		return err
	}
	hash := n.Hash()
	if m != nil && m.Hash == hash {
		return nil
	}

	if m != nil {
		err := a.call(ctx, serviceUpdateItem, buildUpdateItemData(a.entityID, m.ExternalID, n))
		if err == nil {
			m.Hash = hash
			return a.mappings.PutMapping(ctx, *m)
		}
		if !backoff.IsPermanent(err) {
			return fmt.Errorf("update item %q in %s: %w", n.Title, a.entityID, err)
		}
		// Removed in HA; add it again.
		a.logger.Warn("todo item gone, re-adding", "item", m.ExternalID, "error", err)
	}

	if err := a.call(ctx, serviceAddItem, buildAddItemData(a.entityID, n)); err != nil {
		return fmt.Errorf("add item %q to %s: %w", n.Title, a.entityID, err)
	}

	// todo.add_item returns nothing; find the uid HA assigned.
	ref := n.Title
	if items, err := a.items(ctx); err != nil {
		a.logger.Warn("could not read back added item, tracking it by title", "title", n.Title, "error", err)
	} else if uid := newestUID(items, n.Title, a.knownUIDs(ctx)); uid != "" {
		ref = uid
	}
	return a.mappings.PutMapping(ctx, store.Mapping{Sink: Sink, SourceID: n.ID, ExternalID: ref, Hash: hash})
}

// Cancel removes the todo item added for id, if any.
func (a *Adapter) Cancel(ctx context.Context, id string) error {
	m, err := a.mappings.GetMapping(ctx, Sink, id)
	if err != nil || m == nil {
		return err
	}
	err = a.call(ctx, serviceRemoveItem, buildRemoveItemData(a.entityID, m.ExternalID))
	if err != nil && !backoff.IsPermanent(err) {
		return fmt.Errorf("remove item %q from %s: %w", m.ExternalID, a.entityID, err)
	}
	return a.mappings.DeleteMapping(ctx, Sink, id)
}

// Completed returns the ids of notifications whose todo item was marked
// done in Home Assistant.
func (a *Adapter) Completed(ctx context.Context) ([]string, error) {
	items, err := a.items(ctx)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool)
	for _, it := range items {
		if it.Status == statusCompleted {
			done[it.UID] = true
			done[it.Summary] = true
		}
	}
	mappings, err := a.mappings.Mappings(ctx, Sink)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, m := range mappings {
		if done[m.ExternalID] {
			ids = append(ids, m.SourceID)
		}
	}
	return ids, nil
}

// Watch calls onChange whenever the todo entity changes state. It blocks
// until ctx is cancelled.
func (a *Adapter) Watch(ctx context.Context, onChange func()) error {
	if a.ws == nil {
		return errors.New("WebSocket client not configured")
	}
	if err := a.ws.Connect(ctx); err != nil {
		return fmt.Errorf("connect HA WebSocket: %w", err)
	}

	sub, err := a.ws.SubscribeEvents(ctx, haclient.EventTypeStateChanged)
	if err != nil {
		return fmt.Errorf("subscribe state_changed: %w", err)
	}
	defer func() { _ = sub.Unsubscribe(context.WithoutCancel(ctx)) }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return errors.New("subscription events channel closed")
			}
			data, isStateChanged, parseErr := ev.StateChanged()
			if parseErr != nil {
				a.logger.Debug("failed to parse state_changed event", "error", parseErr)
				continue
			}
			if isStateChanged && data.EntityID == a.entityID {
				onChange()
			}
		case subErr, ok := <-sub.Errors():
			if !ok {
				return errors.New("subscription errors channel closed")
			}
			// Auto-reconnect restores the subscription.
			a.logger.Error("subscription error", "error", subErr)
		}
	}
}

func (a *Adapter) call(ctx context.Context, service string, data map[string]interface{}) error {
	return backoff.Retry(ctx, maxAttempts, func() error {
		return a.rest.CallService(ctx, domainTodo, service, serviceBody(data))
	})
}

func (a *Adapter) items(ctx context.Context) ([]haTodoItem, error) {
	var resp haclient.ServiceCallResponse
	err := backoff.Retry(ctx, maxAttempts, func() error {
		var callErr error
		resp, callErr = a.rest.CallServiceWithResponse(ctx, domainTodo, serviceGetItems, serviceBody(buildGetItemsData(a.entityID)))
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("get items for %s: %w", a.entityID, err)
	}
	return parseGetItemsResponse(resp, a.entityID)
}

func (a *Adapter) knownUIDs(ctx context.Context) map[string]bool {
	known := make(map[string]bool)
	mappings, err := a.mappings.Mappings(ctx, Sink)
	if err != nil {
		return known
	}
	for _, m := range mappings {
		known[m.ExternalID] = true
	}
	return known
}

// newestUID returns the uid of the last open item titled title that is not
// already tracked. HA appends new items to the end of the list.
func newestUID(items []haTodoItem, title string, known map[string]bool) string {
	for i := len(items) - 1; i >= 0; i-- {
		it := items[i]
		if it.Summary == title && it.Status != statusCompleted && it.UID != "" && !known[it.UID] {
			return it.UID
		}
	}
	return ""
}

// serviceBody marshals data to a JSON [io.Reader] for service calls.
func serviceBody(data map[string]interface{}) io.Reader {
	b, _ := json.Marshal(data) //nolint:errcheck // map[string]interface{} always marshals
	return bytes.NewReader(b)
}

// parseGetItemsResponse extracts todo items from the service call response.
func parseGetItemsResponse(resp haclient.ServiceCallResponse, entityID string) ([]haTodoItem, error) {
	raw, ok := resp.ServiceResponse[entityID]
	if !ok {
		return nil, fmt.Errorf("no service response for entity %s", entityID)
	}
	var haResp haItemsResponse
	if err := json.Unmarshal(raw, &haResp); err != nil {
		return nil, fmt.Errorf("parse items response for %s: %w", entityID, err)
	}
	return haResp.Items, nil
}

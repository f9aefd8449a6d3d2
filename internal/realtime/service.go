// Package realtime subscribes to the backend's row-level change stream for
// one account at a time and feeds every event through the sync engine's
// merge path.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/njoerd114/unforgotten/internal/backoff"
	"github.com/njoerd114/unforgotten/internal/events"
	"github.com/njoerd114/unforgotten/internal/model"
)

// DefaultReconnect is the reconnect schedule after the stream drops.
var DefaultReconnect = backoff.Policy{Base: time.Second, Max: time.Minute}

// Applier merges one remote record into the local cache. Implemented by
// sync.Engine.
type Applier interface {
	ApplyRemote(ctx context.Context, kind model.Kind, rec model.Record) error
}

// Service holds at most one active subscription.
type Service struct {
	baseURL   string
	token     string
	applier   Applier
	bus       *events.Bus
	log       *slog.Logger
	reconnect backoff.Policy
	onConnect func(ctx context.Context, accountID string)

	mu        sync.Mutex
	accountID string
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option configures a Service.
type Option func(*Service)

// WithReconnectPolicy overrides [DefaultReconnect].
func WithReconnectPolicy(p backoff.Policy) Option {
	return func(s *Service) { s.reconnect = p }
}

// WithOnConnect registers fn to run after every successful (re)connect,
// typically to pull what was missed while disconnected.
func WithOnConnect(fn func(ctx context.Context, accountID string)) Option {
	return func(s *Service) { s.onConnect = fn }
}

// New returns an idle service for the backend at baseURL.
func New(baseURL, token string, applier Applier, bus *events.Bus, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		applier:   applier,
		bus:       bus,
		log:       logger.With("component", "realtime"),
		reconnect: DefaultReconnect,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// StartListening subscribes to accountID. Calling it again for the same
// account is a no-op; a different account replaces the current
// subscription. The listener runs until ctx is cancelled or
// [Service.StopListening] is called.
func (s *Service) StartListening(ctx context.Context, accountID string) error {
	if accountID == "" {
		return model.ErrNoAccount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil && s.accountID == accountID {
		select {
		case <-s.done:
			// Exited after its context ended; start a fresh one below.
		default:
			return nil
		}
	}
	s.stopLocked()

	lctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.accountID, s.cancel, s.done = accountID, cancel, done

	go func() {
		defer close(done)
		s.run(lctx, accountID)
	}()
	s.log.Info("realtime listener started", "account_id", accountID)
	return nil
}

// StopListening ends the active subscription and waits for the listener to
// exit. It is safe to call when idle.
func (s *Service) StopListening() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// Active returns the account currently listened to, or "".
func (s *Service) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return ""
	}
	return s.accountID
}

func (s *Service) stopLocked() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.log.Info("realtime listener stopped", "account_id", s.accountID)
	s.accountID, s.cancel, s.done = "", nil, nil
}

// run keeps a connection open, reconnecting with backoff.
func (s *Service) run(ctx context.Context, accountID string) {
	b := s.reconnect.NewBackOff()
	for {
		connected, err := s.listen(ctx, accountID)
		if ctx.Err() != nil {
			return
		}
		if connected {
			b.Reset()
		}
		delay := b.NextBackOff()
		s.log.Warn("realtime stream lost, reconnecting", "account_id", accountID, "error", err, "retry_in", delay)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// listen runs one connection until it fails. connected reports whether the
// handshake succeeded.
func (s *Service) listen(ctx context.Context, accountID string) (connected bool, err error) {
	endpoint, err := s.endpoint(accountID)
	if err != nil {
		return false, err
	}
	conn, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + s.token}},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return false, fmt.Errorf("%w: dialing realtime: %v", model.ErrNetwork, err)
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(1 << 20)

	s.log.Debug("realtime connected", "account_id", accountID)
	if s.onConnect != nil {
		s.onConnect(ctx, accountID)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "")
			}
			return true, err
		}
		s.handle(ctx, accountID, data)
	}
}

// handle decodes one message and merges it. Nothing is dropped silently:
// undecodable events turn into a refresh request for the kind.
func (s *Service) handle(ctx context.Context, accountID string, data []byte) {
	kind, rec, err := decodeEvent(data)
	if err != nil {
		s.log.Warn("undecodable realtime event", "kind", kind, "error", err)
		s.requestRefresh(kind, accountID)
		return
	}
	if rec.AccountID != "" && rec.AccountID != accountID {
		s.log.Debug("ignoring event for another account", "account_id", rec.AccountID)
		return
	}
	if rec.AccountID == "" {
		rec.AccountID = accountID
	}

	if err := s.applier.ApplyRemote(ctx, kind, rec); err != nil {
		// Decode failures were already turned into a refresh by the engine.
		if !errors.Is(err, model.ErrDecode) {
			s.log.Error("applying realtime event", "kind", kind, "id", rec.ID, "error", err)
		}
		return
	}
	s.log.Debug("realtime event applied", "kind", kind, "id", rec.ID, "deleted", rec.Deleted)
}

// requestRefresh asks for a pull of kind, or of every realtime kind when
// the envelope was too broken to tell which table changed.
func (s *Service) requestRefresh(kind model.Kind, accountID string) {
	if s.bus == nil {
		return
	}
	if kind != "" {
		s.bus.Refresh(kind, accountID)
		return
	}
	for _, k := range model.AllKinds() {
		if k.Realtime() {
			s.bus.Refresh(k, accountID)
		}
	}
}

func (s *Service) endpoint(accountID string) (string, error) {
	u, err := url.Parse(s.baseURL + "/v1/realtime")
	if err != nil {
		return "", fmt.Errorf("parsing backend url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("account_id", accountID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

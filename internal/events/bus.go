// Package events is the in-process change bus. Repositories, the sync
// engine and the realtime service publish a [Change] after every local
// mutation; UI-facing code and the notification planner subscribe by kind.
package events

import (
	"sync"

	"github.com/njoerd114/unforgotten/internal/model"
)

// Op describes what happened to a row.
type Op string

const (
	Created Op = "created"
	Updated Op = "updated"
	Deleted Op = "deleted"

	// Refresh means "re-read the whole kind": the subscriber missed events
	// or a remote payload could not be decoded.
	Refresh Op = "refresh"
)

// Change is one published event. ID is empty for Refresh.
type Change struct {
	Kind      model.Kind
	AccountID string
	ID        string
	Op        Op
}

// DefaultBuffer is the per-subscriber queue length used by New.
const DefaultBuffer = 64

// Bus fans changes out to subscribers. Publish never blocks: changes that
// do not fit a subscriber's buffer are collapsed into one Refresh per
// (kind, account), which is handed over as soon as the subscriber drains.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
}

// New returns a bus with the default per-subscriber buffer.
func New() *Bus {
	return NewWithBuffer(DefaultBuffer)
}

// NewWithBuffer returns a bus whose subscribers queue up to n changes.
func NewWithBuffer(n int) *Bus {
	if n < 1 {
		n = 1
	}
	return &Bus{subs: make(map[*Subscription]struct{}), buffer: n}
}

// Subscription receives changes for the kinds it subscribed to (all kinds
// when none were given).
type Subscription struct {
	bus   *Bus
	kinds map[model.Kind]bool
	ch    chan Change
	done  chan struct{}

	mu       sync.Mutex
	closed   bool
	overrun  map[overrunKey]struct{}
	flushing bool
	flusher  sync.WaitGroup
}

type overrunKey struct {
	kind      model.Kind
	accountID string
}

// Subscribe registers a subscriber. Close it when done.
func (b *Bus) Subscribe(kinds ...model.Kind) *Subscription {
	s := &Subscription{
		bus:     b,
		ch:      make(chan Change, b.buffer),
		done:    make(chan struct{}),
		overrun: make(map[overrunKey]struct{}),
	}
	if len(kinds) > 0 {
		s.kinds = make(map[model.Kind]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Publish delivers c to every interested subscriber without blocking.
func (b *Bus) Publish(c Change) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if s.kinds != nil && !s.kinds[c.Kind] {
			continue
		}
		s.deliver(c)
	}
}

// Refresh publishes a Refresh change for kind k of accountID.
func (b *Bus) Refresh(k model.Kind, accountID string) {
	b.Publish(Change{Kind: k, AccountID: accountID, Op: Refresh})
}

// C returns the receive channel. It is closed by Close.
func (s *Subscription) C() <-chan Change { return s.ch }

// Close unregisters the subscription and closes its channel. It is safe to
// call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	// The flusher may be blocked sending; it exits on done.
	s.flusher.Wait()
	close(s.ch)
}

func (s *Subscription) deliver(c Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	// While refreshes are owed, newer changes join them so a subscriber
	// never sees a change ahead of the refresh that covers older ones.
	if len(s.overrun) == 0 {
		select {
		case s.ch <- c:
			return
		default:
		}
	}
	s.overrun[overrunKey{c.Kind, c.AccountID}] = struct{}{}
	if !s.flushing {
		s.flushing = true
		s.flusher.Add(1)
		go s.flush()
	}
}

// flush hands owed refreshes to the subscriber, blocking until it reads
// them or the subscription closes.
func (s *Subscription) flush() {
	defer s.flusher.Done()
	for {
		s.mu.Lock()
		var (
			key   overrunKey
			owing bool
		)
		for k := range s.overrun {
			key, owing = k, true
			break
		}
		if !owing || s.closed {
			s.flushing = false
			s.mu.Unlock()
			return
		}
		delete(s.overrun, key)
		s.mu.Unlock()

		select {
		case s.ch <- Change{Kind: key.kind, AccountID: key.accountID, Op: Refresh}:
		case <-s.done:
			s.mu.Lock()
			s.flushing = false
			s.mu.Unlock()
			return
		}
	}
}

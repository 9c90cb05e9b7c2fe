package homekit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SubscriptionHandle identifies one listener registration.
type SubscriptionHandle string

// ObserveState is the native observation state of a characteristic.
type ObserveState int

const (
	// Unobserved means no listener exists and no native observation is held.
	Unobserved ObserveState = iota
	// Observing means one native observation backs one or more listeners.
	Observing
)

func (s ObserveState) String() string {
	if s == Observing {
		return "observing"
	}
	return "unobserved"
}

type subscriber struct {
	handle   SubscriptionHandle
	ref      CharacteristicRef
	listener Listener
	active   atomic.Bool
	box      *mailbox
}

// Subscriptions tracks characteristic listeners and holds exactly one
// native observation per characteristic with at least one listener.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Observe/Unobserve transitions are serialised so that a characteristic
//     is never observed twice or unobserved while a listener remains.
type Subscriptions struct {
	native  Native
	timeout time.Duration
	logger  Logger

	opMu sync.Mutex

	mu       sync.RWMutex
	byRef    map[CharacteristicRef][]*subscriber
	byHandle map[SubscriptionHandle]*subscriber
}

func newSubscriptions(native Native, timeout time.Duration, logger Logger) *Subscriptions {
	return &Subscriptions{
		native:   native,
		timeout:  timeout,
		logger:   logger,
		byRef:    make(map[CharacteristicRef][]*subscriber),
		byHandle: make(map[SubscriptionHandle]*subscriber),
	}
}

// Subscribe adds a listener for ref. The first listener of a characteristic
// starts the native observation; if that fails nothing is registered.
func (s *Subscriptions) Subscribe(ctx context.Context, ref CharacteristicRef, listener Listener) (SubscriptionHandle, error) {
	if listener == nil {
		return "", fmt.Errorf("%w: nil listener", ErrUnsupported)
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.State(ref) == Unobserved {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		err := s.native.Observe(ctx, ref)
		cancel()
		if err != nil {
			return "", fmt.Errorf("observe %s: %w", ref, asNativeError("observe", err))
		}
		s.logger.Debug("native observation started", "characteristic", ref.String())
	}

	sub := &subscriber{
		handle:   SubscriptionHandle(uuid.NewString()),
		ref:      ref,
		listener: listener,
	}
	sub.active.Store(true)
	sub.box = newMailbox(listener, &sub.active, s.logger)

	s.mu.Lock()
	s.byRef[ref] = append(s.byRef[ref], sub)
	s.byHandle[sub.handle] = sub
	s.mu.Unlock()

	return sub.handle, nil
}

// Unsubscribe removes one listener. Removing the last listener of a
// characteristic ends the native observation; a native failure there is
// logged and the listener stays removed. Unknown handles are a no-op.
//
// Once Unsubscribe returns, the dispatcher will not start another delivery
// to the removed listener.
func (s *Subscriptions) Unsubscribe(handle SubscriptionHandle) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	sub, ok := s.byHandle[handle]
	if !ok {
		s.mu.Unlock()
		return
	}
	sub.active.Store(false)
	sub.box.close()
	delete(s.byHandle, handle)

	remaining := removeSubscriber(s.byRef[sub.ref], sub)
	last := len(remaining) == 0
	if last {
		delete(s.byRef, sub.ref)
	} else {
		s.byRef[sub.ref] = remaining
	}
	s.mu.Unlock()

	if last {
		s.unobserve(sub.ref)
	}
}

// UnsubscribeAll removes every listener and ends every native observation.
func (s *Subscriptions) UnsubscribeAll() {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	refs := make([]CharacteristicRef, 0, len(s.byRef))
	for ref, subs := range s.byRef {
		for _, sub := range subs {
			sub.active.Store(false)
			sub.box.close()
		}
		refs = append(refs, ref)
	}
	s.byRef = make(map[CharacteristicRef][]*subscriber)
	s.byHandle = make(map[SubscriptionHandle]*subscriber)
	s.mu.Unlock()

	for _, ref := range refs {
		s.unobserve(ref)
	}
}

// dropMissing removes every listener of a characteristic that snap no
// longer contains and ends its native observation. It returns the dropped
// characteristics.
func (s *Subscriptions) dropMissing(snap *Snapshot) []CharacteristicRef {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	var gone []CharacteristicRef
	for ref, subs := range s.byRef {
		if _, ok := snap.Characteristic(ref); ok {
			continue
		}
		for _, sub := range subs {
			sub.active.Store(false)
			sub.box.close()
			delete(s.byHandle, sub.handle)
		}
		delete(s.byRef, ref)
		gone = append(gone, ref)
	}
	s.mu.Unlock()

	for _, ref := range gone {
		s.unobserve(ref)
	}
	return gone
}

// reobserve re-issues the native observation for every observed
// characteristic, used after the native layer reconnects and has lost them.
func (s *Subscriptions) reobserve(ctx context.Context) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	for _, ref := range s.Observed() {
		octx, cancel := context.WithTimeout(ctx, s.timeout)
		err := s.native.Observe(octx, ref)
		cancel()
		if err != nil {
			s.logger.Warn("re-observe after reconnect failed", "characteristic", ref.String(), "error", err)
		}
	}
}

func (s *Subscriptions) unobserve(ref CharacteristicRef) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.native.Unobserve(ctx, ref); err != nil {
		s.logger.Warn("native unobserve failed", "characteristic", ref.String(), "error", err)
		return
	}
	s.logger.Debug("native observation ended", "characteristic", ref.String())
}

// State returns the observation state of ref.
func (s *Subscriptions) State(ref CharacteristicRef) ObserveState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.byRef[ref]) > 0 {
		return Observing
	}
	return Unobserved
}

// Observed returns every characteristic with at least one listener.
func (s *Subscriptions) Observed() []CharacteristicRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs := make([]CharacteristicRef, 0, len(s.byRef))
	for ref := range s.byRef {
		refs = append(refs, ref)
	}
	return refs
}

// Count returns the number of registered listeners.
func (s *Subscriptions) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byHandle)
}

// listeners returns the subscribers of ref in subscription order.
func (s *Subscriptions) listeners(ref CharacteristicRef) []*subscriber {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subs := s.byRef[ref]
	out := make([]*subscriber, len(subs))
	copy(out, subs)
	return out
}

func removeSubscriber(subs []*subscriber, target *subscriber) []*subscriber {
	out := make([]*subscriber, 0, len(subs))
	for _, sub := range subs {
		if sub != target {
			out = append(out, sub)
		}
	}
	return out
}

package simulator

import (
	"fmt"
	"slices"
	"time"

	"github.com/nerrad567/gray-logic-accessory-bridge/internal/homekit"
)

// =============================================================================
// Device-side controls
// =============================================================================

// SetValue changes a characteristic as if the physical device did it.
// Observed characteristics notify the sink.
func (s *Simulator) SetValue(ref homekit.CharacteristicRef, value any) error {
	s.mu.Lock()
	gc, _, err := s.findLocked(ref)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	gc.Value = value
	sink, notify := s.sink, s.observed[ref] && s.connected && !s.closed
	s.mu.Unlock()

	if notify && sink != nil {
		sink.HandleNotification(homekit.Notification{Ref: ref, Value: value})
	}
	return nil
}

// SetReachable changes an accessory's reachability and reports it.
func (s *Simulator) SetReachable(accessoryID string, reachable bool) error {
	s.mu.Lock()
	acc := s.accessoryLocked(accessoryID)
	if acc == nil {
		s.mu.Unlock()
		return fmt.Errorf("simulator: unknown accessory %s", accessoryID)
	}
	acc.Reachable = &reachable
	sink, report := s.sink, s.connected && !s.closed
	s.mu.Unlock()

	if report && sink != nil {
		sink.HandleReachability(accessoryID, reachable)
	}
	return nil
}

// AddAccessory appends an accessory to a home. The bridge only sees it
// after its next refresh.
func (s *Simulator) AddAccessory(homeID string, acc homekit.GraphAccessory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.accessoryLocked(acc.ID) != nil {
		return fmt.Errorf("simulator: accessory %s already exists", acc.ID)
	}
	for i := range s.graph.Homes {
		if s.graph.Homes[i].ID == homeID {
			s.graph.Homes[i].Accessories = append(s.graph.Homes[i].Accessories, cloneAccessory(acc))
			return nil
		}
	}
	return fmt.Errorf("simulator: unknown home %s", homeID)
}

// RemoveAccessory deletes an accessory and drops its observations.
func (s *Simulator) RemoveAccessory(accessoryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.graph.Homes {
		home := &s.graph.Homes[i]
		idx := slices.IndexFunc(home.Accessories, func(a homekit.GraphAccessory) bool { return a.ID == accessoryID })
		if idx < 0 {
			continue
		}
		home.Accessories = slices.Delete(home.Accessories, idx, idx+1)
		for ref := range s.observed {
			if ref.AccessoryID == accessoryID {
				delete(s.observed, ref)
			}
		}
		return nil
	}
	return fmt.Errorf("simulator: unknown accessory %s", accessoryID)
}

// ReplaceGraph swaps the whole graph.
func (s *Simulator) ReplaceGraph(g *homekit.Graph) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graph = cloneGraph(g)
}

// =============================================================================
// Failure injection
// =============================================================================

// FailNext makes the next request of op fail with a native error.
// Observe, unobserve and fetch_graph fail synchronously; the others fail
// through their completion.
func (s *Simulator) FailNext(op, code, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[op] = &homekit.NativeError{Op: op, Code: code, Message: message}
}

// Drop makes the next n requests of op never complete.
func (s *Simulator) Drop(op string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drop[op] += n
}

// Disconnect makes every request fail until Reconnect.
func (s *Simulator) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
}

// Reconnect restores the connection and tells the sink about it.
// Native observations do not survive a reconnect.
func (s *Simulator) Reconnect() {
	s.mu.Lock()
	s.connected = true
	clear(s.observed)
	sink := s.sink
	s.mu.Unlock()

	if sink != nil {
		sink.HandleReconnect()
	}
}

// Fail reports an unrecoverable failure to the sink.
func (s *Simulator) Fail(err error) {
	s.mu.Lock()
	clear(s.observed)
	sink := s.sink
	s.mu.Unlock()

	if sink != nil {
		sink.HandleFatal(err)
	}
}

// =============================================================================
// Introspection
// =============================================================================

// Value returns the simulator's own copy of a characteristic value.
func (s *Simulator) Value(ref homekit.CharacteristicRef) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gc, _, err := s.findLocked(ref)
	if err != nil {
		return nil, false
	}
	return gc.Value, true
}

// IsObserved reports whether ref is currently observed.
func (s *Simulator) IsObserved(ref homekit.CharacteristicRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observed[ref]
}

// ObserveCalls returns how many times Observe was called for ref.
func (s *Simulator) ObserveCalls(ref homekit.CharacteristicRef) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observeCalls[ref]
}

// UnobserveCalls returns how many times Unobserve was called for ref.
func (s *Simulator) UnobserveCalls(ref homekit.CharacteristicRef) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unobserveCalls[ref]
}

// MaxConcurrentWrites returns the highest number of writes to ref that
// were in flight at the same time.
func (s *Simulator) MaxConcurrentWrites(ref homekit.CharacteristicRef) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxOverlap[ref]
}

// Writes returns every write received, in arrival order.
func (s *Simulator) Writes() []WriteRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.writes)
}

// Identified returns the accessories that completed an identify.
func (s *Simulator) Identified() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.identified)
}

// FetchCount returns how many times FetchGraph was called.
func (s *Simulator) FetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetchCount
}

// Latency returns the configured completion delay.
func (s *Simulator) Latency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latency
}

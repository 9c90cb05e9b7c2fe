package simulator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-accessory-bridge/internal/homekit"
)

// Operation names accepted by FailNext and Drop.
const (
	OpFetchGraph = "fetch_graph"
	OpRead       = "read"
	OpWrite      = "write"
	OpIdentify   = "identify"
	OpObserve    = "observe"
	OpUnobserve  = "unobserve"
)

// WriteRecord is one write received by the simulator.
type WriteRecord struct {
	Ref       homekit.CharacteristicRef
	Value     any
	WriteType homekit.WriteType
	At        time.Time
}

// Simulator is an in-memory homekit.Native.
//
// It behaves like a real platform layer: reads, writes and identifies
// complete asynchronously after the configured latency, observed
// characteristics emit notifications when SetValue is called, and the
// layer can be disconnected, failed or told to drop requests. It also
// records what it was asked to do so tests can assert on it.
type Simulator struct {
	mu        sync.Mutex
	graph     *homekit.Graph
	sink      homekit.Sink
	latency   time.Duration
	available bool
	connected bool
	closed    bool
	logger    homekit.Logger

	failNext map[string]error
	drop     map[string]int

	observed       map[homekit.CharacteristicRef]bool
	observeCalls   map[homekit.CharacteristicRef]int
	unobserveCalls map[homekit.CharacteristicRef]int

	inflightWrites map[homekit.CharacteristicRef]int
	maxOverlap     map[homekit.CharacteristicRef]int
	writes         []WriteRecord
	identified     []string
	fetchCount     int

	timers sync.WaitGroup
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithGraph sets the initial accessory graph.
func WithGraph(g *homekit.Graph) Option {
	return func(s *Simulator) { s.graph = cloneGraph(g) }
}

// WithLatency delays every asynchronous completion.
func WithLatency(d time.Duration) Option {
	return func(s *Simulator) { s.latency = d }
}

// WithLogger sets the logger.
func WithLogger(l homekit.Logger) Option {
	return func(s *Simulator) { s.logger = l }
}

// Unavailable makes the simulator report the framework as missing.
func Unavailable() Option {
	return func(s *Simulator) { s.available = false }
}

// New creates a connected, available simulator.
func New(opts ...Option) *Simulator {
	s := &Simulator{
		graph:          &homekit.Graph{},
		available:      true,
		connected:      true,
		logger:         nopLogger{},
		failNext:       make(map[string]error),
		drop:           make(map[string]int),
		observed:       make(map[homekit.CharacteristicRef]bool),
		observeCalls:   make(map[homekit.CharacteristicRef]int),
		unobserveCalls: make(map[homekit.CharacteristicRef]int),
		inflightWrites: make(map[homekit.CharacteristicRef]int),
		maxOverlap:     make(map[homekit.CharacteristicRef]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// =============================================================================
// homekit.Native
// =============================================================================

// Available reports whether the simulated framework exists.
func (s *Simulator) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

// Start registers the sink.
func (s *Simulator) Start(sink homekit.Sink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("simulator: closed")
	}
	s.sink = sink
	return nil
}

// FetchGraph returns a copy of the current graph.
func (s *Simulator) FetchGraph(ctx context.Context) (*homekit.Graph, error) {
	s.mu.Lock()
	s.fetchCount++
	if err := s.precheckLocked(OpFetchGraph); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	dropped := s.takeDropLocked(OpFetchGraph)
	g := cloneGraph(s.graph)
	latency := s.latency
	s.mu.Unlock()

	if dropped {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g, nil
}

// Read completes with the characteristic's current value.
func (s *Simulator) Read(_ context.Context, token string, ref homekit.CharacteristicRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.precheckLocked(OpRead); err != nil {
		return err
	}
	if s.takeDropLocked(OpRead) {
		return nil
	}
	if err := s.takeFailureLocked(OpRead); err != nil {
		s.completeLocked(homekit.Completion{Token: token, Err: err}, nil)
		return nil
	}

	s.completeLocked(homekit.Completion{Token: token}, func(c *homekit.Completion) {
		gc, acc, err := s.findLocked(ref)
		switch {
		case err != nil:
			c.Err = err
		case !acc.IsReachable():
			c.Err = &homekit.NativeError{Op: OpRead, Code: homekit.CodeUnreachable, Message: acc.ID + " is not responding"}
		default:
			c.Value = gc.Value
		}
	})
	return nil
}

// Write stores the value and completes. Concurrent writes to one
// characteristic are recorded as overlap.
func (s *Simulator) Write(_ context.Context, token string, ref homekit.CharacteristicRef, value any, writeType homekit.WriteType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.precheckLocked(OpWrite); err != nil {
		return err
	}

	s.writes = append(s.writes, WriteRecord{Ref: ref, Value: value, WriteType: writeType, At: time.Now()})
	s.inflightWrites[ref]++
	if n := s.inflightWrites[ref]; n > s.maxOverlap[ref] {
		s.maxOverlap[ref] = n
	}

	if s.takeDropLocked(OpWrite) {
		return nil
	}
	failure := s.takeFailureLocked(OpWrite)

	s.completeLocked(homekit.Completion{Token: token}, func(c *homekit.Completion) {
		s.inflightWrites[ref]--
		if failure != nil {
			c.Err = failure
			return
		}
		gc, acc, err := s.findLocked(ref)
		switch {
		case err != nil:
			c.Err = err
		case !acc.IsReachable():
			c.Err = &homekit.NativeError{Op: OpWrite, Code: homekit.CodeUnreachable, Message: acc.ID + " is not responding"}
		default:
			gc.Value = value
			if writeType == homekit.WriteTypeWithResponse {
				c.Value = value
			}
		}
	})
	return nil
}

// Identify records the request and completes.
func (s *Simulator) Identify(_ context.Context, token string, accessoryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.precheckLocked(OpIdentify); err != nil {
		return err
	}
	if s.takeDropLocked(OpIdentify) {
		return nil
	}
	failure := s.takeFailureLocked(OpIdentify)

	s.completeLocked(homekit.Completion{Token: token}, func(c *homekit.Completion) {
		if failure != nil {
			c.Err = failure
			return
		}
		if s.accessoryLocked(accessoryID) == nil {
			c.Err = &homekit.NativeError{Op: OpIdentify, Code: homekit.CodeNotFound, Message: accessoryID}
			return
		}
		s.identified = append(s.identified, accessoryID)
	})
	return nil
}

// Observe starts notifications for ref.
func (s *Simulator) Observe(_ context.Context, ref homekit.CharacteristicRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.observeCalls[ref]++
	if err := s.precheckLocked(OpObserve); err != nil {
		return err
	}
	if err := s.takeFailureLocked(OpObserve); err != nil {
		return err
	}
	if _, _, err := s.findLocked(ref); err != nil {
		return err
	}
	s.observed[ref] = true
	return nil
}

// Unobserve stops notifications for ref.
func (s *Simulator) Unobserve(_ context.Context, ref homekit.CharacteristicRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.unobserveCalls[ref]++
	delete(s.observed, ref)
	if err := s.precheckLocked(OpUnobserve); err != nil {
		return err
	}
	return s.takeFailureLocked(OpUnobserve)
}

// Close stops delivering completions and waits for scheduled ones.
func (s *Simulator) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.timers.Wait()
	return nil
}

// =============================================================================
// Internals
// =============================================================================

func (s *Simulator) precheckLocked(op string) error {
	if s.closed {
		return &homekit.NativeError{Op: op, Code: homekit.CodeInternal, Message: "simulator closed"}
	}
	if !s.connected {
		return &homekit.NativeError{Op: op, Code: homekit.CodeInternal, Message: "native host disconnected"}
	}
	if op == OpFetchGraph {
		return s.takeFailureLocked(op)
	}
	return nil
}

func (s *Simulator) takeFailureLocked(op string) error {
	err, ok := s.failNext[op]
	if !ok {
		return nil
	}
	delete(s.failNext, op)
	return err
}

func (s *Simulator) takeDropLocked(op string) bool {
	if s.drop[op] == 0 {
		return false
	}
	s.drop[op]--
	return true
}

// completeLocked schedules a completion after the latency. fill runs under
// the simulator lock just before delivery; the sink is called without it.
func (s *Simulator) completeLocked(c homekit.Completion, fill func(*homekit.Completion)) {
	s.timers.Add(1)
	time.AfterFunc(s.latency, func() {
		defer s.timers.Done()

		s.mu.Lock()
		if fill != nil {
			fill(&c)
		}
		sink, closed := s.sink, s.closed
		s.mu.Unlock()

		if sink == nil || closed {
			return
		}
		sink.HandleCompletion(c)
	})
}

func (s *Simulator) findLocked(ref homekit.CharacteristicRef) (*homekit.GraphCharacteristic, *homekit.GraphAccessory, error) {
	acc := s.accessoryLocked(ref.AccessoryID)
	if acc == nil {
		return nil, nil, &homekit.NativeError{Op: "lookup", Code: homekit.CodeNotFound, Message: "accessory " + ref.AccessoryID}
	}
	for i := range acc.Services {
		svc := &acc.Services[i]
		if svc.ID != ref.ServiceID {
			continue
		}
		for j := range svc.Characteristics {
			if svc.Characteristics[j].ID == ref.CharacteristicID {
				return &svc.Characteristics[j], acc, nil
			}
		}
	}
	return nil, acc, &homekit.NativeError{Op: "lookup", Code: homekit.CodeNotFound, Message: "characteristic " + ref.String()}
}

func (s *Simulator) accessoryLocked(id string) *homekit.GraphAccessory {
	for i := range s.graph.Homes {
		home := &s.graph.Homes[i]
		for j := range home.Accessories {
			if home.Accessories[j].ID == id {
				return &home.Accessories[j]
			}
		}
	}
	return nil
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

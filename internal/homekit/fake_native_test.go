package homekit

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeRequest is one Read, Write or Identify received by fakeNative.
type fakeRequest struct {
	token     string
	kind      RequestKind
	ref       CharacteristicRef
	value     any
	writeType WriteType
}

// fakeNative is a hand-driven Native. Requests are queued on a channel and
// only complete when the test says so.
type fakeNative struct {
	mu           sync.Mutex
	graph        *Graph
	fetchErr     error
	fetchGate    chan struct{}
	fetches      int
	sendErr      error
	observeErr   error
	unobserveErr error
	observes     map[CharacteristicRef]int
	unobserves   map[CharacteristicRef]int
	sink         Sink

	requests chan fakeRequest
}

func newFakeNative(g *Graph) *fakeNative {
	return &fakeNative{
		graph:      g,
		observes:   make(map[CharacteristicRef]int),
		unobserves: make(map[CharacteristicRef]int),
		requests:   make(chan fakeRequest, 64),
	}
}

func (f *fakeNative) Available() bool { return true }

func (f *fakeNative) Start(sink Sink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = sink
	return nil
}

func (f *fakeNative) FetchGraph(ctx context.Context) (*Graph, error) {
	f.mu.Lock()
	f.fetches++
	gate, g, err := f.fetchGate, f.graph, f.fetchErr
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g, err
}

func (f *fakeNative) Read(_ context.Context, token string, ref CharacteristicRef) error {
	return f.send(fakeRequest{token: token, kind: RequestRead, ref: ref})
}

func (f *fakeNative) Write(_ context.Context, token string, ref CharacteristicRef, value any, wt WriteType) error {
	return f.send(fakeRequest{token: token, kind: RequestWrite, ref: ref, value: value, writeType: wt})
}

func (f *fakeNative) Identify(_ context.Context, token string, accessoryID string) error {
	return f.send(fakeRequest{token: token, kind: RequestIdentify, ref: CharacteristicRef{AccessoryID: accessoryID}})
}

func (f *fakeNative) Observe(_ context.Context, ref CharacteristicRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observes[ref]++
	return f.observeErr
}

func (f *fakeNative) Unobserve(_ context.Context, ref CharacteristicRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unobserves[ref]++
	return f.unobserveErr
}

func (f *fakeNative) send(r fakeRequest) error {
	f.mu.Lock()
	err := f.sendErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.requests <- r
	return nil
}

func (f *fakeNative) setGraph(g *Graph) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.graph = g
}

func (f *fakeNative) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *fakeNative) observeCount(ref CharacteristicRef) (observes, unobserves int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.observes[ref], f.unobserves[ref]
}

// nextRequest waits for the next dispatched request.
func (f *fakeNative) nextRequest(t *testing.T) fakeRequest {
	t.Helper()
	select {
	case r := <-f.requests:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for native request")
		return fakeRequest{}
	}
}

// noRequest asserts nothing is dispatched within d.
func (f *fakeNative) noRequest(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case r := <-f.requests:
		t.Fatalf("unexpected native request %s %s", r.kind, r.ref)
	case <-time.After(d):
	}
}

// =============================================================================
// Fixtures
// =============================================================================

var (
	refLampOn         = CharacteristicRef{AccessoryID: "A1", ServiceID: "S1", CharacteristicID: "C1"}
	refLampBrightness = CharacteristicRef{AccessoryID: "A1", ServiceID: "S1", CharacteristicID: "C2"}
	refSensorTemp     = CharacteristicRef{AccessoryID: "A2", ServiceID: "S1", CharacteristicID: "C1"}
	refGarageLamp     = CharacteristicRef{AccessoryID: "A3", ServiceID: "S1", CharacteristicID: "C1"}
)

func ptr[T any](v T) *T { return &v }

// testGraph returns two homes. A1 "Lamp" has a writable bool and a bounded
// int, A2 has a read-only float, and A3 in the second home is an
// unreachable accessory that is also named "Lamp".
func testGraph() *Graph {
	return &Graph{Homes: []GraphHome{
		{
			ID:   "H1",
			Name: "Home",
			Accessories: []GraphAccessory{
				{
					ID:   "A1",
					Name: "Lamp",
					Services: []GraphService{{
						ID:   "S1",
						Type: "43",
						Characteristics: []GraphCharacteristic{
							{ID: "C1", Type: "25", Format: FormatBool, Value: false, Permissions: []string{"pr", "pw", "ev"}},
							{ID: "C2", Type: "8", Format: FormatInt, Value: 50, Permissions: []string{"pr", "pw", "ev"},
								MinValue: ptr(0.0), MaxValue: ptr(100.0)},
						},
					}},
				},
				{
					ID:   "A2",
					Name: "Sensor",
					Services: []GraphService{{
						ID:   "S1",
						Type: "8A",
						Characteristics: []GraphCharacteristic{
							{ID: "C1", Type: "11", Format: FormatFloat, Value: 20.5, Permissions: []string{"pr", "ev"}},
						},
					}},
				},
			},
		},
		{
			ID:   "H2",
			Name: "Garage",
			Accessories: []GraphAccessory{
				{
					ID:        "A3",
					Name:      "Lamp",
					Reachable: ptr(false),
					Services: []GraphService{{
						ID:   "S1",
						Type: "43",
						Characteristics: []GraphCharacteristic{
							{ID: "C1", Type: "25", Format: FormatBool, Value: true, Permissions: []string{"pr", "pw", "ev"}},
						},
					}},
				},
			},
		},
	}}
}

func mustSnapshot(t *testing.T, g *Graph) *Snapshot {
	t.Helper()
	s, err := buildSnapshot(g)
	if err != nil {
		t.Fatalf("buildSnapshot() error = %v", err)
	}
	return s
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// eventRecorder is a Listener that stores what it receives.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) listen(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

package homekit

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func newPopulatedCache(t *testing.T) *Cache {
	t.Helper()
	c := NewCache()
	c.applyDiff(computeDiff(c.Snapshot(), mustSnapshot(t, testGraph())))
	return c
}

func TestNewCache_Unpopulated(t *testing.T) {
	c := NewCache()

	if c.Snapshot().Populated() {
		t.Error("new cache should not be populated")
	}
	if got := c.Homes(); len(got) != 0 {
		t.Errorf("Homes() = %v, want empty", got)
	}
	if _, err := c.Accessory("A1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Accessory() error = %v, want ErrNotFound", err)
	}
}

func TestCache_Queries(t *testing.T) {
	c := newPopulatedCache(t)

	homes := c.Homes()
	if len(homes) != 2 || homes[0].ID != "H1" || homes[1].ID != "H2" {
		t.Fatalf("Homes() = %+v, want [H1 H2]", homes)
	}

	h, err := c.Home("H1")
	if err != nil {
		t.Fatalf("Home() error = %v", err)
	}
	if len(h.AccessoryIDs) != 2 {
		t.Errorf("Home(H1).AccessoryIDs = %v", h.AccessoryIDs)
	}
	if _, err := c.Home("H9"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Home(H9) error = %v, want ErrNotFound", err)
	}

	accs := c.Accessories()
	var ids []string
	for _, a := range accs {
		ids = append(ids, a.ID)
	}
	if len(ids) != 3 || ids[0] != "A1" || ids[1] != "A2" || ids[2] != "A3" {
		t.Errorf("Accessories() ids = %v, want [A1 A2 A3]", ids)
	}

	view, err := c.Accessory("A1")
	if err != nil {
		t.Fatalf("Accessory() error = %v", err)
	}
	if view.HomeID != "H1" || len(view.Services) != 1 || len(view.Services[0].Characteristics) != 2 {
		t.Errorf("Accessory(A1) = %+v", view)
	}
	if ch, ok := view.Characteristic("S1", "C2"); !ok || ch.Format != FormatInt {
		t.Errorf("view.Characteristic(S1, C2) = %+v, %v", ch, ok)
	}

	if _, err := c.Characteristic(CharacteristicRef{AccessoryID: "A1", ServiceID: "S1", CharacteristicID: "C9"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Characteristic(C9) error = %v, want ErrNotFound", err)
	}
}

func TestCache_FindAccessoryByName(t *testing.T) {
	c := newPopulatedCache(t)

	// A1 in H1 and A3 in H2 are both named "Lamp"; home order decides.
	for i := 0; i < 20; i++ {
		v, err := c.FindAccessoryByName("Lamp")
		if err != nil {
			t.Fatalf("FindAccessoryByName() error = %v", err)
		}
		if v.ID != "A1" {
			t.Fatalf("FindAccessoryByName(Lamp) = %s, want A1", v.ID)
		}
	}

	if _, err := c.FindAccessoryByName("lamp"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindAccessoryByName is case-insensitive: error = %v", err)
	}
}

func TestCache_QueriesReturnCopies(t *testing.T) {
	c := newPopulatedCache(t)

	h, _ := c.Home("H1")
	h.AccessoryIDs[0] = "mutated"

	again, _ := c.Home("H1")
	if again.AccessoryIDs[0] != "A1" {
		t.Error("Home() exposes the snapshot's slice")
	}
}

func TestCache_ApplyPatch(t *testing.T) {
	c := newPopulatedCache(t)
	before := c.Snapshot().Version()

	events := c.applyDiff(valueDiff(refLampOn, true, SourceNotification))
	if len(events) != 1 || events[0].Kind != EventCharacteristicChanged || events[0].Value != true {
		t.Fatalf("applyDiff() events = %+v", events)
	}
	if c.Snapshot().Version() != before+1 {
		t.Errorf("Version() = %d, want %d", c.Snapshot().Version(), before+1)
	}
	if ch, _ := c.Characteristic(refLampOn); ch.Value != true {
		t.Errorf("value after patch = %v, want true", ch.Value)
	}
}

func TestCache_ApplyPatch_SameValueStillEmits(t *testing.T) {
	c := newPopulatedCache(t)

	for i := 0; i < 2; i++ {
		if events := c.applyDiff(valueDiff(refLampOn, false, SourceNotification)); len(events) != 1 {
			t.Errorf("apply %d: events = %d, want 1", i, len(events))
		}
	}
}

func TestCache_ApplyPatch_UnknownRefDropped(t *testing.T) {
	c := newPopulatedCache(t)
	before := c.Snapshot()

	gone := CharacteristicRef{AccessoryID: "A9", ServiceID: "S1", CharacteristicID: "C1"}
	if events := c.applyDiff(valueDiff(gone, true, SourceNotification)); len(events) != 0 {
		t.Errorf("events = %+v, want none", events)
	}
	if c.Snapshot() != before {
		t.Error("a patch that applies nothing should not publish a snapshot")
	}
}

func TestCache_ApplyReachability(t *testing.T) {
	c := newPopulatedCache(t)

	if events := c.applyDiff(reachabilityDiff("A1", true)); len(events) != 0 {
		t.Errorf("unchanged reachability produced events: %+v", events)
	}

	events := c.applyDiff(reachabilityDiff("A1", false))
	if len(events) != 1 || events[0].Kind != EventReachabilityChanged {
		t.Fatalf("events = %+v", events)
	}
	if v, _ := c.Accessory("A1"); v.Reachable {
		t.Error("A1 still reachable after patch")
	}
	if c.Stats().Unreachable != 2 {
		t.Errorf("Stats().Unreachable = %d, want 2", c.Stats().Unreachable)
	}
}

func TestCache_StaleRebuildIsRecomputed(t *testing.T) {
	c := newPopulatedCache(t)

	// Diff computed against the current snapshot...
	next := testGraph()
	next.Homes[0].Accessories[0].Services[0].Characteristics[0].Value = true
	stale := computeDiff(c.Snapshot(), mustSnapshot(t, next))

	// ...but a notification lands first and already sets the same value.
	c.applyDiff(valueDiff(refLampOn, true, SourceNotification))

	if events := c.applyDiff(stale); len(events) != 0 {
		t.Errorf("stale rebuild replayed events: %+v", events)
	}
}

func TestCache_Reset(t *testing.T) {
	c := newPopulatedCache(t)

	events := c.reset()
	if c.Snapshot().Populated() {
		t.Error("reset cache should be unpopulated")
	}
	var removedAccessories, removedHomes int
	for _, e := range events {
		switch e.Kind {
		case EventAccessoryRemoved:
			removedAccessories++
		case EventHomeRemoved:
			removedHomes++
		}
	}
	if removedAccessories != 3 || removedHomes != 2 {
		t.Errorf("reset removed %d accessories, %d homes; want 3, 2", removedAccessories, removedHomes)
	}
}

// Readers must see either all of a diff or none of it.
func TestCache_AtomicSnapshots(t *testing.T) {
	c := newPopulatedCache(t)

	var stop atomic.Bool
	var torn atomic.Int64
	var wg sync.WaitGroup

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				s := c.Snapshot()
				on, _ := s.Characteristic(refLampOn)
				level, _ := s.Characteristic(refLampBrightness)
				// The writer always sets on=true together with brightness=100.
				if (on.Value == true) != (level.Value == int64(100)) {
					torn.Add(1)
				}
			}
		}()
	}

	for i := 0; i < 500; i++ {
		on := i%2 == 0
		level := int64(0)
		if on {
			level = 100
		}
		c.applyDiff(Diff{Values: []ValueChange{
			{Ref: refLampOn, Value: on, Source: SourceRefresh},
			{Ref: refLampBrightness, Value: level, Source: SourceRefresh},
		}})
	}
	stop.Store(true)
	wg.Wait()

	if n := torn.Load(); n > 0 {
		t.Errorf("readers observed %d partially applied snapshots", n)
	}
}

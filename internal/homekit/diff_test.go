package homekit

import (
	"errors"
	"slices"
	"testing"
	"time"
)

func TestBuildSnapshot(t *testing.T) {
	s := mustSnapshot(t, testGraph())

	if !s.Populated() {
		t.Error("Populated() = false, want true")
	}
	stats := s.Stats()
	want := Stats{Homes: 2, Accessories: 3, Services: 3, Characteristics: 4, Unreachable: 1}
	if stats != want {
		t.Errorf("Stats() = %+v, want %+v", stats, want)
	}

	ch, ok := s.Characteristic(refLampBrightness)
	if !ok {
		t.Fatal("Characteristic(A1/S1/C2) not found")
	}
	if ch.Value != int64(50) {
		t.Errorf("brightness value = %#v, want int64(50)", ch.Value)
	}
}

func TestBuildSnapshot_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(g *Graph)
	}{
		{"duplicate home", func(g *Graph) { g.Homes[1].ID = "H1" }},
		{"duplicate accessory across homes", func(g *Graph) { g.Homes[1].Accessories[0].ID = "A1" }},
		{"empty accessory id", func(g *Graph) { g.Homes[0].Accessories[0].ID = "" }},
		{"duplicate service", func(g *Graph) {
			a := &g.Homes[0].Accessories[0]
			a.Services = append(a.Services, a.Services[0])
		}},
		{"duplicate characteristic", func(g *Graph) {
			s := &g.Homes[0].Accessories[0].Services[0]
			s.Characteristics[1].ID = "C1"
		}},
		{"unknown format", func(g *Graph) {
			g.Homes[0].Accessories[0].Services[0].Characteristics[0].Format = "complex"
		}},
		{"value does not fit format", func(g *Graph) {
			g.Homes[0].Accessories[0].Services[0].Characteristics[0].Value = "on"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := testGraph()
			tt.mutate(g)
			if _, err := buildSnapshot(g); !errors.Is(err, ErrInvalidGraph) {
				t.Errorf("buildSnapshot() error = %v, want ErrInvalidGraph", err)
			}
		})
	}
}

func TestBuildSnapshot_SameServiceIDOnDifferentAccessories(t *testing.T) {
	// A1, A2 and A3 all use service id S1.
	if _, err := buildSnapshot(testGraph()); err != nil {
		t.Errorf("buildSnapshot() error = %v", err)
	}
}

func TestComputeDiff_Identical(t *testing.T) {
	d := computeDiff(mustSnapshot(t, testGraph()), mustSnapshot(t, testGraph()))
	if !d.Empty() {
		t.Errorf("computeDiff() of identical graphs = %+v, want empty", d)
	}
}

func TestComputeDiff_FromEmpty(t *testing.T) {
	d := computeDiff(newEmptySnapshot(), mustSnapshot(t, testGraph()))

	if !slices.Equal(d.HomesAdded, []string{"H1", "H2"}) {
		t.Errorf("HomesAdded = %v", d.HomesAdded)
	}
	if !slices.Equal(d.AccessoriesAdded, []string{"A1", "A2", "A3"}) {
		t.Errorf("AccessoriesAdded = %v", d.AccessoriesAdded)
	}
	if len(d.Values) != 0 || len(d.Reachability) != 0 {
		t.Errorf("new accessories should not produce value or reachability changes: %+v", d)
	}
}

func TestComputeDiff_Changes(t *testing.T) {
	next := testGraph()
	next.Homes[0].Accessories[0].Services[0].Characteristics[0].Value = true
	next.Homes[0].Accessories = append(next.Homes[0].Accessories, GraphAccessory{ID: "A4", Name: "Fan"})
	next.Homes = next.Homes[:1]
	next.Homes[0].Accessories = slices.DeleteFunc(next.Homes[0].Accessories, func(a GraphAccessory) bool {
		return a.ID == "A2"
	})

	d := computeDiff(mustSnapshot(t, testGraph()), mustSnapshot(t, next))

	if !slices.Equal(d.HomesRemoved, []string{"H2"}) {
		t.Errorf("HomesRemoved = %v, want [H2]", d.HomesRemoved)
	}
	if !slices.Equal(d.AccessoriesRemoved, []string{"A2", "A3"}) {
		t.Errorf("AccessoriesRemoved = %v, want [A2 A3]", d.AccessoriesRemoved)
	}
	if !slices.Equal(d.AccessoriesAdded, []string{"A4"}) {
		t.Errorf("AccessoriesAdded = %v, want [A4]", d.AccessoriesAdded)
	}
	if !slices.Equal(d.HomesChanged, []string{"H1"}) {
		t.Errorf("HomesChanged = %v, want [H1]", d.HomesChanged)
	}
	if len(d.Values) != 1 || d.Values[0].Ref != refLampOn || d.Values[0].Value != true {
		t.Errorf("Values = %+v, want A1/S1/C1 = true", d.Values)
	}
	if d.Values[0].Source != SourceRefresh {
		t.Errorf("Source = %q, want %q", d.Values[0].Source, SourceRefresh)
	}
}

func TestComputeDiff_ReachabilityAndStructure(t *testing.T) {
	next := testGraph()
	next.Homes[1].Accessories[0].Reachable = nil
	next.Homes[0].Accessories[1].Services[0].Characteristics[0].Unit = "celsius"

	d := computeDiff(mustSnapshot(t, testGraph()), mustSnapshot(t, next))

	if len(d.Reachability) != 1 || d.Reachability[0] != (ReachabilityChange{AccessoryID: "A3", Reachable: true}) {
		t.Errorf("Reachability = %+v", d.Reachability)
	}
	if !slices.Equal(d.AccessoriesChanged, []string{"A2"}) {
		t.Errorf("AccessoriesChanged = %v, want [A2]", d.AccessoriesChanged)
	}
}

func TestDiffEvents_Order(t *testing.T) {
	old := mustSnapshot(t, testGraph())
	next := testGraph()
	next.Homes[0].Accessories[0].Services[0].Characteristics[0].Value = true
	next.Homes[1].Accessories[0].Reachable = ptr(true)
	next.Homes[0].Accessories = next.Homes[0].Accessories[:1]
	ns := mustSnapshot(t, next)

	at := time.Unix(100, 0)
	events := computeDiff(old, ns).events(old, ns, at)

	var kinds []EventKind
	for _, e := range events {
		kinds = append(kinds, e.Kind)
		if !e.Time.Equal(at) {
			t.Errorf("event %s time = %v, want %v", e.Kind, e.Time, at)
		}
	}
	want := []EventKind{EventAccessoryRemoved, EventHomeChanged, EventReachabilityChanged, EventCharacteristicChanged}
	if !slices.Equal(kinds, want) {
		t.Errorf("event kinds = %v, want %v", kinds, want)
	}
	if events[0].HomeID != "H1" {
		t.Errorf("removed accessory HomeID = %q, want H1", events[0].HomeID)
	}
	if r := events[2].Reachable; r == nil || !*r {
		t.Errorf("reachability event Reachable = %v, want true", r)
	}
}

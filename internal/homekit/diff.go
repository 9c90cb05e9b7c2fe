package homekit

import (
	"slices"
	"time"
)

// ValueChange sets one characteristic value.
type ValueChange struct {
	Ref    CharacteristicRef
	Value  any
	Source ChangeSource
}

// ReachabilityChange sets one accessory's reachable flag.
type ReachabilityChange struct {
	AccessoryID string
	Reachable   bool
}

// Diff is the unit of change applied to the cache.
//
// A rebuild diff (from Initialize or Refresh) carries the replacement
// snapshot and the structural and value differences against the snapshot it
// was computed from. A patch diff (from a completion or notification) only
// carries Values and Reachability.
type Diff struct {
	base *Snapshot
	next *Snapshot

	HomesAdded         []string
	HomesRemoved       []string
	HomesChanged       []string
	AccessoriesAdded   []string
	AccessoriesRemoved []string
	AccessoriesChanged []string
	Reachability       []ReachabilityChange
	Values             []ValueChange
}

// Empty reports whether applying d would change nothing observable.
func (d Diff) Empty() bool {
	return d.Size() == 0
}

// Size is the number of individual changes in d.
func (d Diff) Size() int {
	return len(d.HomesAdded) + len(d.HomesRemoved) + len(d.HomesChanged) +
		len(d.AccessoriesAdded) + len(d.AccessoriesRemoved) + len(d.AccessoriesChanged) +
		len(d.Reachability) + len(d.Values)
}

// valueDiff is the patch for a single value change.
func valueDiff(ref CharacteristicRef, value any, source ChangeSource) Diff {
	return Diff{Values: []ValueChange{{Ref: ref, Value: value, Source: source}}}
}

func reachabilityDiff(accessoryID string, reachable bool) Diff {
	return Diff{Reachability: []ReachabilityChange{{AccessoryID: accessoryID, Reachable: reachable}}}
}

// computeDiff compares old with next and returns a rebuild diff that
// replaces old with next. Values are compared only for characteristics that
// exist in both snapshots with the same format; new characteristics are
// covered by the structural event of their accessory.
func computeDiff(old, next *Snapshot) Diff {
	d := Diff{base: old, next: next}

	for _, id := range old.homeOrder {
		if _, ok := next.homes[id]; !ok {
			d.HomesRemoved = append(d.HomesRemoved, id)
		}
	}
	old.eachAccessory(func(a Accessory) bool {
		if _, ok := next.accessories[a.ID]; !ok {
			d.AccessoriesRemoved = append(d.AccessoriesRemoved, a.ID)
		}
		return true
	})

	for _, id := range next.homeOrder {
		oh, ok := old.homes[id]
		switch {
		case !ok:
			d.HomesAdded = append(d.HomesAdded, id)
		case !homeEqual(oh, next.homes[id]):
			d.HomesChanged = append(d.HomesChanged, id)
		}
	}

	next.eachAccessory(func(na Accessory) bool {
		oa, ok := old.accessories[na.ID]
		if !ok {
			d.AccessoriesAdded = append(d.AccessoriesAdded, na.ID)
			return true
		}
		if !accessoryStructureEqual(old, next, oa, na) {
			d.AccessoriesChanged = append(d.AccessoriesChanged, na.ID)
		}
		if oa.Reachable != na.Reachable {
			d.Reachability = append(d.Reachability, ReachabilityChange{AccessoryID: na.ID, Reachable: na.Reachable})
		}
		d.Values = append(d.Values, valueChanges(old, next, na)...)
		return true
	})

	return d
}

func valueChanges(old, next *Snapshot, a Accessory) []ValueChange {
	var changes []ValueChange
	for _, sid := range a.ServiceIDs {
		svc := next.services[serviceKey{accessoryID: a.ID, serviceID: sid}]
		for _, cid := range svc.CharacteristicIDs {
			ref := CharacteristicRef{AccessoryID: a.ID, ServiceID: sid, CharacteristicID: cid}
			oc, ok := old.characteristics[ref]
			if !ok {
				continue
			}
			nc := next.characteristics[ref]
			if oc.Format == nc.Format && !ValuesEqual(oc.Value, nc.Value) {
				changes = append(changes, ValueChange{Ref: ref, Value: nc.Value, Source: SourceRefresh})
			}
		}
	}
	return changes
}

func homeEqual(a, b Home) bool {
	return a.Name == b.Name && a.Primary == b.Primary && slices.Equal(a.AccessoryIDs, b.AccessoryIDs)
}

// accessoryStructureEqual ignores reachability and values, which have
// their own events.
func accessoryStructureEqual(old, next *Snapshot, oa, na Accessory) bool {
	if oa.Name != na.Name || oa.Category != na.Category || oa.HomeID != na.HomeID ||
		!slices.Equal(oa.ServiceIDs, na.ServiceIDs) {
		return false
	}
	for _, sid := range na.ServiceIDs {
		key := serviceKey{accessoryID: na.ID, serviceID: sid}
		prev, cur := old.services[key], next.services[key]
		if prev.Type != cur.Type || prev.Name != cur.Name || !slices.Equal(prev.CharacteristicIDs, cur.CharacteristicIDs) {
			return false
		}
		for _, cid := range cur.CharacteristicIDs {
			ref := CharacteristicRef{AccessoryID: na.ID, ServiceID: sid, CharacteristicID: cid}
			if !characteristicMetaEqual(old.characteristics[ref], next.characteristics[ref]) {
				return false
			}
		}
	}
	return true
}

func characteristicMetaEqual(a, b Characteristic) bool {
	return a.Type == b.Type && a.Format == b.Format && a.Unit == b.Unit &&
		slices.Equal(a.Permissions, b.Permissions) &&
		floatPtrEqual(a.MinValue, b.MinValue) && floatPtrEqual(a.MaxValue, b.MaxValue)
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// events renders the diff as events. Removed entities are described from
// old, everything else from next.
func (d Diff) events(old, next *Snapshot, at time.Time) []Event {
	events := make([]Event, 0, d.Size())

	for _, id := range d.AccessoriesRemoved {
		events = append(events, Event{Kind: EventAccessoryRemoved, Time: at, AccessoryID: id, HomeID: old.accessories[id].HomeID})
	}
	for _, id := range d.HomesRemoved {
		events = append(events, Event{Kind: EventHomeRemoved, Time: at, HomeID: id})
	}
	for _, id := range d.HomesAdded {
		events = append(events, Event{Kind: EventHomeAdded, Time: at, HomeID: id})
	}
	for _, id := range d.HomesChanged {
		events = append(events, Event{Kind: EventHomeChanged, Time: at, HomeID: id})
	}
	for _, id := range d.AccessoriesAdded {
		events = append(events, Event{Kind: EventAccessoryAdded, Time: at, AccessoryID: id, HomeID: next.accessories[id].HomeID})
	}
	for _, id := range d.AccessoriesChanged {
		events = append(events, Event{Kind: EventAccessoryChanged, Time: at, AccessoryID: id, HomeID: next.accessories[id].HomeID})
	}
	for _, rc := range d.Reachability {
		reachable := rc.Reachable
		events = append(events, Event{
			Kind:        EventReachabilityChanged,
			Time:        at,
			AccessoryID: rc.AccessoryID,
			HomeID:      next.accessories[rc.AccessoryID].HomeID,
			Reachable:   &reachable,
		})
	}
	for _, vc := range d.Values {
		events = append(events, characteristicEvent(vc.Ref, vc.Value, vc.Source, at))
	}

	return events
}

package homekit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Cache holds the current accessory graph snapshot.
//
// Readers load the published *Snapshot once per query and never block.
// applyDiff is the only write path; it builds a new snapshot and publishes
// it with a single atomic store, so a query observes either the whole diff
// or none of it.
//
// Thread Safety:
//   - All methods are safe for concurrent use. In the bridge, applyDiff is
//     only called from the mutation loop.
type Cache struct {
	current atomic.Pointer[Snapshot]
	writeMu sync.Mutex
	now     func() time.Time
}

// NewCache returns an empty, unpopulated cache.
func NewCache() *Cache {
	c := &Cache{now: time.Now}
	c.current.Store(newEmptySnapshot())
	return c
}

// Snapshot returns the currently published snapshot.
func (c *Cache) Snapshot() *Snapshot {
	return c.current.Load()
}

// Homes returns all homes in native order.
func (c *Cache) Homes() []Home {
	return c.Snapshot().Homes()
}

// Home returns a home by id.
func (c *Cache) Home(id string) (Home, error) {
	h, ok := c.Snapshot().Home(id)
	if !ok {
		return Home{}, fmt.Errorf("%w: home %s", ErrNotFound, id)
	}
	return h, nil
}

// Accessories returns every accessory in home order, then accessory order.
func (c *Cache) Accessories() []Accessory {
	return c.Snapshot().Accessories()
}

// Accessory returns an accessory with its services and characteristics.
func (c *Cache) Accessory(id string) (AccessoryView, error) {
	v, ok := c.Snapshot().Accessory(id)
	if !ok {
		return AccessoryView{}, fmt.Errorf("%w: accessory %s", ErrNotFound, id)
	}
	return v, nil
}

// FindAccessoryByName returns the first exact, case-sensitive name match.
func (c *Cache) FindAccessoryByName(name string) (AccessoryView, error) {
	v, ok := c.Snapshot().FindAccessoryByName(name)
	if !ok {
		return AccessoryView{}, fmt.Errorf("%w: accessory named %q", ErrNotFound, name)
	}
	return v, nil
}

// Characteristic returns a single characteristic.
func (c *Cache) Characteristic(ref CharacteristicRef) (Characteristic, error) {
	ch, ok := c.Snapshot().Characteristic(ref)
	if !ok {
		return Characteristic{}, fmt.Errorf("%w: characteristic %s", ErrNotFound, ref)
	}
	return ch, nil
}

// Stats summarises the current snapshot.
func (c *Cache) Stats() Stats {
	return c.Snapshot().Stats()
}

// applyDiff publishes the result of applying d and returns the events it
// produced, in application order.
//
// Patch entries that no longer resolve (the characteristic or accessory was
// removed by an earlier rebuild) are dropped without an event. A diff that
// applies nothing publishes nothing.
func (c *Cache) applyDiff(d Diff) []Event {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	old := c.current.Load()

	var next *Snapshot
	if d.next != nil {
		if d.base != old {
			d = computeDiff(old, d.next)
		}
		replacement := *d.next
		next = &replacement
	} else {
		next = old.patch()
		d = applyPatch(next, d)
		if d.Empty() {
			return nil
		}
	}

	next.version = old.version + 1
	c.current.Store(next)

	return d.events(old, next, c.now())
}

// applyPatch writes d's values and reachability into s, which must be a
// fresh patch copy, and returns the entries that applied.
func applyPatch(s *Snapshot, d Diff) Diff {
	var applied Diff

	for _, rc := range d.Reachability {
		a, ok := s.accessories[rc.AccessoryID]
		if !ok || a.Reachable == rc.Reachable {
			continue
		}
		a.Reachable = rc.Reachable
		s.accessories[rc.AccessoryID] = a
		applied.Reachability = append(applied.Reachability, rc)
	}

	// Values are applied even when unchanged: notifications are delivered
	// at least once and never de-duplicated.
	for _, vc := range d.Values {
		ch, ok := s.characteristics[vc.Ref]
		if !ok {
			continue
		}
		ch.Value = vc.Value
		s.characteristics[vc.Ref] = ch
		applied.Values = append(applied.Values, vc)
	}

	return applied
}

// reset replaces the graph with an empty, unpopulated snapshot through
// applyDiff and returns the removal events.
func (c *Cache) reset() []Event {
	return c.applyDiff(computeDiff(c.Snapshot(), newEmptySnapshot()))
}

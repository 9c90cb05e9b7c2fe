package homekit

import (
	"bytes"
	"maps"
	"slices"
)

// Snapshot is an immutable view of the accessory graph.
//
// A published snapshot is never modified. Patches clone the maps they touch
// and publish a new snapshot, so a reader holding a *Snapshot sees one
// consistent graph for as long as it keeps the pointer.
type Snapshot struct {
	version   uint64
	populated bool

	homeOrder       []string
	homes           map[string]Home
	accessories     map[string]Accessory
	services        map[serviceKey]Service
	characteristics map[CharacteristicRef]Characteristic
}

func newEmptySnapshot() *Snapshot {
	return &Snapshot{
		homes:           make(map[string]Home),
		accessories:     make(map[string]Accessory),
		services:        make(map[serviceKey]Service),
		characteristics: make(map[CharacteristicRef]Characteristic),
	}
}

// Version increases by one for every published snapshot.
func (s *Snapshot) Version() uint64 { return s.version }

// Populated reports whether the snapshot came from a native graph fetch.
// The snapshot present before Initialize, and after Shutdown, is not.
func (s *Snapshot) Populated() bool { return s.populated }

// Homes returns all homes in native order.
func (s *Snapshot) Homes() []Home {
	out := make([]Home, 0, len(s.homeOrder))
	for _, id := range s.homeOrder {
		out = append(out, copyHome(s.homes[id]))
	}
	return out
}

// Home returns a single home.
func (s *Snapshot) Home(id string) (Home, bool) {
	h, ok := s.homes[id]
	if !ok {
		return Home{}, false
	}
	return copyHome(h), true
}

// Accessories returns every accessory in home order, then accessory order.
func (s *Snapshot) Accessories() []Accessory {
	out := make([]Accessory, 0, len(s.accessories))
	s.eachAccessory(func(a Accessory) bool {
		out = append(out, copyAccessory(a))
		return true
	})
	return out
}

// Accessory returns an accessory with its services and characteristics.
func (s *Snapshot) Accessory(id string) (AccessoryView, bool) {
	a, ok := s.accessories[id]
	if !ok {
		return AccessoryView{}, false
	}
	return s.view(a), true
}

// FindAccessoryByName returns the first accessory, in home then accessory
// order, whose name matches exactly.
func (s *Snapshot) FindAccessoryByName(name string) (AccessoryView, bool) {
	var (
		found Accessory
		ok    bool
	)
	s.eachAccessory(func(a Accessory) bool {
		if a.Name == name {
			found, ok = a, true
			return false
		}
		return true
	})
	if !ok {
		return AccessoryView{}, false
	}
	return s.view(found), true
}

// Characteristic returns one characteristic.
func (s *Snapshot) Characteristic(ref CharacteristicRef) (Characteristic, bool) {
	c, ok := s.characteristics[ref]
	if !ok {
		return Characteristic{}, false
	}
	return copyCharacteristic(c), true
}

// Stats counts the entities in the snapshot.
func (s *Snapshot) Stats() Stats {
	st := Stats{
		Version:         s.version,
		Homes:           len(s.homes),
		Accessories:     len(s.accessories),
		Services:        len(s.services),
		Characteristics: len(s.characteristics),
	}
	for _, a := range s.accessories {
		if !a.Reachable {
			st.Unreachable++
		}
	}
	return st
}

func (s *Snapshot) eachAccessory(fn func(Accessory) bool) {
	for _, hid := range s.homeOrder {
		for _, aid := range s.homes[hid].AccessoryIDs {
			if !fn(s.accessories[aid]) {
				return
			}
		}
	}
}

func (s *Snapshot) view(a Accessory) AccessoryView {
	v := AccessoryView{Accessory: copyAccessory(a)}
	for _, sid := range a.ServiceIDs {
		svc := s.services[serviceKey{accessoryID: a.ID, serviceID: sid}]
		sv := ServiceView{Service: copyService(svc)}
		for _, cid := range svc.CharacteristicIDs {
			ref := CharacteristicRef{AccessoryID: a.ID, ServiceID: sid, CharacteristicID: cid}
			sv.Characteristics = append(sv.Characteristics, copyCharacteristic(s.characteristics[ref]))
		}
		v.Services = append(v.Services, sv)
	}
	return v
}

// patch returns a copy sharing the structural maps with s and owning fresh
// copies of the accessory and characteristic maps, which are the only maps
// incremental diffs touch.
func (s *Snapshot) patch() *Snapshot {
	return &Snapshot{
		version:         s.version,
		populated:       s.populated,
		homeOrder:       s.homeOrder,
		homes:           s.homes,
		services:        s.services,
		accessories:     maps.Clone(s.accessories),
		characteristics: maps.Clone(s.characteristics),
	}
}

func copyHome(h Home) Home {
	h.AccessoryIDs = slices.Clone(h.AccessoryIDs)
	return h
}

func copyAccessory(a Accessory) Accessory {
	a.ServiceIDs = slices.Clone(a.ServiceIDs)
	return a
}

func copyService(s Service) Service {
	s.CharacteristicIDs = slices.Clone(s.CharacteristicIDs)
	return s
}

func copyCharacteristic(c Characteristic) Characteristic {
	c.Permissions = slices.Clone(c.Permissions)
	if b, ok := c.Value.([]byte); ok {
		c.Value = bytes.Clone(b)
	}
	return c
}

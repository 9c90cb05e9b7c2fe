package homekit

import "fmt"

// Graph is the full accessory tree as reported by the native layer.
//
// It is the wire and fixture shape: owner ids are implied by nesting and
// filled in when the graph is turned into a Snapshot.
type Graph struct {
	Homes []GraphHome `json:"homes" yaml:"homes"`
}

// GraphHome is a home node in a Graph.
type GraphHome struct {
	ID          string           `json:"id" yaml:"id"`
	Name        string           `json:"name" yaml:"name"`
	Primary     bool             `json:"primary,omitempty" yaml:"primary,omitempty"`
	Accessories []GraphAccessory `json:"accessories" yaml:"accessories"`
}

// GraphAccessory is an accessory node in a Graph.
// A missing reachable flag means reachable.
type GraphAccessory struct {
	ID        string         `json:"id" yaml:"id"`
	Name      string         `json:"name" yaml:"name"`
	Category  string         `json:"category,omitempty" yaml:"category,omitempty"`
	Reachable *bool          `json:"reachable,omitempty" yaml:"reachable,omitempty"`
	Services  []GraphService `json:"services" yaml:"services"`
}

// GraphService is a service node in a Graph.
type GraphService struct {
	ID              string                `json:"id" yaml:"id"`
	Type            string                `json:"type" yaml:"type"`
	Name            string                `json:"name,omitempty" yaml:"name,omitempty"`
	Characteristics []GraphCharacteristic `json:"characteristics" yaml:"characteristics"`
}

// GraphCharacteristic is a characteristic leaf in a Graph.
type GraphCharacteristic struct {
	ID          string   `json:"id" yaml:"id"`
	Type        string   `json:"type" yaml:"type"`
	Format      Format   `json:"format" yaml:"format"`
	Value       any      `json:"value,omitempty" yaml:"value,omitempty"`
	Permissions []string `json:"permissions" yaml:"permissions"`
	Unit        string   `json:"unit,omitempty" yaml:"unit,omitempty"`
	MinValue    *float64 `json:"min_value,omitempty" yaml:"min_value,omitempty"`
	MaxValue    *float64 `json:"max_value,omitempty" yaml:"max_value,omitempty"`
}

// IsReachable resolves the optional reachable flag.
func (a GraphAccessory) IsReachable() bool {
	return a.Reachable == nil || *a.Reachable
}

// buildSnapshot turns a Graph into an immutable Snapshot.
//
// It rejects duplicate ids and unknown formats, and normalizes every value
// to its format. The returned snapshot has version 0; the cache assigns the
// version when it is published.
func buildSnapshot(g *Graph) (*Snapshot, error) {
	s := newEmptySnapshot()
	s.populated = true
	if g == nil {
		return s, nil
	}

	for _, gh := range g.Homes {
		if gh.ID == "" {
			return nil, fmt.Errorf("%w: home without id", ErrInvalidGraph)
		}
		if _, dup := s.homes[gh.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate home %s", ErrInvalidGraph, gh.ID)
		}

		home := Home{ID: gh.ID, Name: gh.Name, Primary: gh.Primary}
		for _, ga := range gh.Accessories {
			if err := s.addGraphAccessory(gh.ID, ga); err != nil {
				return nil, err
			}
			home.AccessoryIDs = append(home.AccessoryIDs, ga.ID)
		}

		s.homes[home.ID] = home
		s.homeOrder = append(s.homeOrder, home.ID)
	}

	return s, nil
}

func (s *Snapshot) addGraphAccessory(homeID string, ga GraphAccessory) error {
	if ga.ID == "" {
		return fmt.Errorf("%w: accessory without id in home %s", ErrInvalidGraph, homeID)
	}
	if _, dup := s.accessories[ga.ID]; dup {
		return fmt.Errorf("%w: duplicate accessory %s", ErrInvalidGraph, ga.ID)
	}

	acc := Accessory{
		ID:        ga.ID,
		HomeID:    homeID,
		Name:      ga.Name,
		Category:  ga.Category,
		Reachable: ga.IsReachable(),
	}

	for _, gs := range ga.Services {
		key := serviceKey{accessoryID: ga.ID, serviceID: gs.ID}
		if gs.ID == "" {
			return fmt.Errorf("%w: service without id on accessory %s", ErrInvalidGraph, ga.ID)
		}
		if _, dup := s.services[key]; dup {
			return fmt.Errorf("%w: duplicate service %s on accessory %s", ErrInvalidGraph, gs.ID, ga.ID)
		}

		svc := Service{ID: gs.ID, AccessoryID: ga.ID, Type: gs.Type, Name: gs.Name}
		for _, gc := range gs.Characteristics {
			ch, err := characteristicFromGraph(ga.ID, gs.ID, gc)
			if err != nil {
				return err
			}
			ref := ch.Ref()
			if _, dup := s.characteristics[ref]; dup {
				return fmt.Errorf("%w: duplicate characteristic %s", ErrInvalidGraph, ref)
			}
			s.characteristics[ref] = ch
			svc.CharacteristicIDs = append(svc.CharacteristicIDs, ch.ID)
		}

		s.services[key] = svc
		acc.ServiceIDs = append(acc.ServiceIDs, svc.ID)
	}

	s.accessories[acc.ID] = acc
	return nil
}

func characteristicFromGraph(accessoryID, serviceID string, gc GraphCharacteristic) (Characteristic, error) {
	if gc.ID == "" {
		return Characteristic{}, fmt.Errorf("%w: characteristic without id on %s/%s", ErrInvalidGraph, accessoryID, serviceID)
	}
	if !gc.Format.Valid() {
		return Characteristic{}, fmt.Errorf("%w: characteristic %s/%s/%s has unknown format %q",
			ErrInvalidGraph, accessoryID, serviceID, gc.ID, gc.Format)
	}

	value, err := NormalizeValue(gc.Format, gc.Value)
	if err != nil {
		return Characteristic{}, fmt.Errorf("%w: characteristic %s/%s/%s: %w", ErrInvalidGraph, accessoryID, serviceID, gc.ID, err)
	}

	return Characteristic{
		ID:          gc.ID,
		AccessoryID: accessoryID,
		ServiceID:   serviceID,
		Type:        gc.Type,
		Format:      gc.Format,
		Value:       value,
		Permissions: gc.Permissions,
		Unit:        gc.Unit,
		MinValue:    gc.MinValue,
		MaxValue:    gc.MaxValue,
	}, nil
}

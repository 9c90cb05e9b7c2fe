package simulator

import (
	"bytes"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/gray-logic-accessory-bridge/internal/homekit"
)

// LoadFixture reads an accessory graph from a YAML file.
//
// Example:
//
//	homes:
//	  - id: H1
//	    name: Home
//	    accessories:
//	      - id: A1
//	        name: Lamp
//	        services:
//	          - id: S1
//	            type: "43"
//	            characteristics:
//	              - id: C1
//	                type: "25"
//	                format: bool
//	                value: false
//	                permissions: [pr, pw, ev]
func LoadFixture(path string) (*homekit.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fixture: %w", err)
	}
	return ParseFixture(data)
}

// ParseFixture decodes a YAML accessory graph.
func ParseFixture(data []byte) (*homekit.Graph, error) {
	var g homekit.Graph
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&g); err != nil {
		return nil, fmt.Errorf("parsing fixture: %w", err)
	}
	return &g, nil
}

// cloneGraph deep-copies g so the simulator never shares state with callers.
func cloneGraph(g *homekit.Graph) *homekit.Graph {
	if g == nil {
		return &homekit.Graph{}
	}
	out := &homekit.Graph{Homes: make([]homekit.GraphHome, len(g.Homes))}
	for i, h := range g.Homes {
		h.Accessories = cloneAccessories(h.Accessories)
		out.Homes[i] = h
	}
	return out
}

func cloneAccessories(in []homekit.GraphAccessory) []homekit.GraphAccessory {
	out := make([]homekit.GraphAccessory, len(in))
	for i, a := range in {
		out[i] = cloneAccessory(a)
	}
	return out
}

func cloneAccessory(a homekit.GraphAccessory) homekit.GraphAccessory {
	if a.Reachable != nil {
		r := *a.Reachable
		a.Reachable = &r
	}
	services := make([]homekit.GraphService, len(a.Services))
	for j, s := range a.Services {
		chars := make([]homekit.GraphCharacteristic, len(s.Characteristics))
		for k, c := range s.Characteristics {
			c.Permissions = slices.Clone(c.Permissions)
			if b, ok := c.Value.([]byte); ok {
				c.Value = bytes.Clone(b)
			}
			chars[k] = c
		}
		s.Characteristics = chars
		services[j] = s
	}
	a.Services = services
	return a
}

// Package model defines the wire-level shapes shared by the twin and
// identity subsystems: twins, collections, metadata, and service
// identities.
package model

import (
	"encoding/json"
	"time"
)

// Metadata mirrors the structure of a Collection, carrying
// last-update provenance for each leaf.
type Metadata struct {
	LastUpdated        time.Time `json:"$lastUpdated"`
	LastUpdatedVersion int64     `json:"$lastUpdatedVersion"`
}

// Collection is one side of a twin: desired or reported properties.
// Version is monotonically increasing; Properties holds arbitrary
// JSON-compatible values (primitives, nested maps, or nil for a
// removed leaf); Metadata mirrors Properties' shape one leaf at a
// time.
type Collection struct {
	Version    int64                  `json:"version"`
	Properties map[string]interface{} `json:"properties"`
	Metadata   map[string]interface{} `json:"$metadata,omitempty"`
}

// NewCollection returns an empty collection at version 0.
func NewCollection() Collection {
	return Collection{
		Properties: map[string]interface{}{},
		Metadata:   map[string]interface{}{},
	}
}

// Clone returns a deep copy so callers can mutate without aliasing
// stored state.
func (c Collection) Clone() Collection {
	return Collection{
		Version:    c.Version,
		Properties: deepCopyMap(c.Properties),
		Metadata:   deepCopyMap(c.Metadata),
	}
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(t)
	default:
		return v
	}
}

// Twin is the durable shadow document for a device or module.
type Twin struct {
	ID       string     `json:"id"`
	Desired  Collection `json:"desired"`
	Reported Collection `json:"reported"`
}

// NewTwin returns an empty twin for id, with both sides at version 0.
func NewTwin(id string) Twin {
	return Twin{ID: id, Desired: NewCollection(), Reported: NewCollection()}
}

// Clone returns a deep copy of the twin.
func (t Twin) Clone() Twin {
	return Twin{ID: t.ID, Desired: t.Desired.Clone(), Reported: t.Reported.Clone()}
}

// WireTwin is the upstream on-the-wire schema from spec §6: a
// top-level object with properties.desired/properties.reported, each
// carrying $version and $metadata.
type WireTwin struct {
	ID         string `json:"id"`
	Properties struct {
		Desired  WireCollection `json:"desired"`
		Reported WireCollection `json:"reported"`
	} `json:"properties"`
}

// WireCollection is the on-the-wire encoding of a Collection: the
// properties are flattened as sibling keys of $version/$metadata,
// matching the upstream twin schema rather than nesting them under a
// separate "properties" field.
type WireCollection struct {
	Version    int64
	Metadata   map[string]interface{}
	Properties map[string]interface{}
}

// MarshalJSON flattens Version/Metadata/Properties into one object.
func (w WireCollection) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(w.Properties)+2)
	for k, v := range w.Properties {
		out[k] = v
	}
	out["$version"] = w.Version
	if len(w.Metadata) > 0 {
		out["$metadata"] = w.Metadata
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits a flattened object back into
// Version/Metadata/Properties.
func (w *WireCollection) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	w.Properties = make(map[string]interface{}, len(raw))
	for k, v := range raw {
		switch k {
		case "$version":
			if f, ok := v.(float64); ok {
				w.Version = int64(f)
			}
		case "$metadata":
			if m, ok := v.(map[string]interface{}); ok {
				w.Metadata = m
			}
		default:
			w.Properties[k] = v
		}
	}
	return nil
}

// ToWire converts a Twin to its upstream wire encoding.
func ToWire(t Twin) WireTwin {
	var w WireTwin
	w.ID = t.ID
	w.Properties.Desired = toWireCollection(t.Desired)
	w.Properties.Reported = toWireCollection(t.Reported)
	return w
}

func toWireCollection(c Collection) WireCollection {
	return WireCollection{
		Version:    c.Version,
		Metadata:   c.Metadata,
		Properties: c.Properties,
	}
}

// FromWire converts an upstream wire-encoded twin into the internal
// representation.
func FromWire(w WireTwin) Twin {
	t := NewTwin(w.ID)
	t.Desired = fromWireCollection(w.Properties.Desired)
	t.Reported = fromWireCollection(w.Properties.Reported)
	return t
}

func fromWireCollection(w WireCollection) Collection {
	c := NewCollection()
	c.Version = w.Version
	if w.Metadata != nil {
		c.Metadata = w.Metadata
	}
	if w.Properties != nil {
		c.Properties = w.Properties
	}
	return c
}

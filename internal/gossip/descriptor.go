// Package gossip maintains a bounded random view of the network and the
// heavy/light connection weighting used to admit bulk transfers.
package gossip

import (
	"encoding/json"
)

// Descriptor describes one node as gossiped through the overlay.
// Extensions patch arbitrary paths into it, so it stays an open record
// rather than a closed struct.
type Descriptor map[string]any

func NewDescriptor(id string) Descriptor {
	return Descriptor{"id": id, "age": float64(0)}
}

func (d Descriptor) ID() string {
	id, _ := d["id"].(string)
	return id
}

func (d Descriptor) Age() float64 {
	switch v := d["age"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

func (d Descriptor) SetAge(age float64) { d["age"] = age }

// Bandwidth returns media.bandwidth, or 0 when the node does not
// advertise one.
func (d Descriptor) Bandwidth() float64 {
	media, ok := d["media"].(map[string]any)
	if !ok {
		return 0
	}
	switch v := media["bandwidth"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

// Set applies a path-addressed patch, creating intermediate maps.
func (d Descriptor) Set(path []string, value any) {
	if len(path) == 0 {
		return
	}
	cur := map[string]any(d)
	for _, key := range path[:len(path)-1] {
		next, ok := cur[key].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[key] = next
		}
		cur = next
	}
	cur[path[len(path)-1]] = value
}

// Clone deep-copies the descriptor through its JSON form.
func (d Descriptor) Clone() Descriptor {
	data, err := json.Marshal(d)
	if err != nil {
		out := make(Descriptor, len(d))
		for k, v := range d {
			out[k] = v
		}
		return out
	}
	var out Descriptor
	_ = json.Unmarshal(data, &out)
	return out
}

// ViewSlice is the payload of the view exchange messages.
type ViewSlice struct {
	View []Descriptor `json:"view"`
}

// FirstView is the rendezvous bootstrap payload as the engine reads it.
type FirstView struct {
	ID   string       `json:"id"`
	View []Descriptor `json:"view"`
}

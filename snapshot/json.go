// ABOUTME: JSON serialization of snapshots for offline analysis
// ABOUTME: Objects sorted by ID so exports are deterministic

package snapshot

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

type jsonSnapshot struct {
	Objects []jsonObject `json:"objects"`
	Roots   []ObjectID   `json:"roots"`
}

type jsonObject struct {
	ID   ObjectID   `json:"id"`
	Type string     `json:"type"`
	Size uint64     `json:"size"`
	Refs []ObjectID `json:"refs,omitempty"`
}

// Export writes the snapshot as JSON.
func Export(w io.Writer, s *Snapshot) error {
	dump := jsonSnapshot{Roots: s.Roots().IDs}
	if dump.Roots == nil {
		dump.Roots = []ObjectID{}
	}
	s.ForEachObject(func(obj *Object) {
		dump.Objects = append(dump.Objects, jsonObject{
			ID:   obj.ID,
			Type: obj.Type,
			Size: obj.Size,
			Refs: obj.Refs,
		})
	})
	sort.Slice(dump.Objects, func(i, j int) bool {
		return dump.Objects[i].ID < dump.Objects[j].ID
	})

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(&dump)
}

// Import reads a snapshot previously written by Export.
func Import(r io.Reader) (*Snapshot, error) {
	var dump jsonSnapshot
	if err := json.NewDecoder(r).Decode(&dump); err != nil {
		return nil, fmt.Errorf("snapshot: decode: %w", err)
	}

	s := New()
	for i, obj := range dump.Objects {
		if obj.ID == 0 {
			return nil, fmt.Errorf("snapshot: object at index %d has reserved ID 0", i)
		}
		refs := obj.Refs
		if refs == nil {
			refs = []ObjectID{}
		}
		s.Add(&Object{ID: obj.ID, Type: obj.Type, Size: obj.Size, Refs: refs})
	}
	roots := Roots{IDs: dump.Roots}
	if roots.IDs == nil {
		roots.IDs = []ObjectID{}
	}
	s.SetRoots(roots)
	return s, nil
}

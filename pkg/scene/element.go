package scene

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
)

const (
	fieldID      = "id"
	fieldVersion = "version"
	fieldDeleted = "isDeleted"
)

// Element is one graphical object on the board. The sync engine only reads and writes ID,
// Version and Deleted; everything else is carried untouched in Fields.
type Element struct {
	ID      string
	Version int64
	Deleted bool
	Fields  map[string]json.RawMessage
}

// Clone returns a copy that shares no maps with e.
func (e Element) Clone() Element {
	e.Fields = maps.Clone(e.Fields)
	return e
}

// Bump returns a copy of e with its version incremented.
func (e Element) Bump() Element {
	c := e.Clone()
	c.Version++
	return c
}

// Tombstone returns the soft-deleted successor of e.
func (e Element) Tombstone() Element {
	c := e.Bump()
	c.Deleted = true
	return c
}

func (e Element) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+3)
	for k, v := range e.Fields {
		out[k] = v
	}
	out[fieldID] = e.ID
	out[fieldVersion] = e.Version
	out[fieldDeleted] = e.Deleted
	return json.Marshal(out)
}

func (e *Element) UnmarshalJSON(raw []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	if fields == nil {
		return fmt.Errorf("element must be an object")
	}
	var out Element
	if v, ok := fields[fieldID]; ok {
		if err := json.Unmarshal(v, &out.ID); err != nil {
			return fmt.Errorf("failed to decode element id: %w", err)
		}
	}
	if v, ok := fields[fieldVersion]; ok {
		if err := json.Unmarshal(v, &out.Version); err != nil {
			return fmt.Errorf("failed to decode element version: %w", err)
		}
	}
	if v, ok := fields[fieldDeleted]; ok && !bytes.Equal(v, []byte("null")) {
		if err := json.Unmarshal(v, &out.Deleted); err != nil {
			return fmt.Errorf("failed to decode element isDeleted: %w", err)
		}
	}
	delete(fields, fieldID)
	delete(fields, fieldVersion)
	delete(fields, fieldDeleted)
	if len(fields) > 0 {
		out.Fields = fields
	}
	*e = out
	return nil
}

// Equal reports whether two elements carry the same triple and the same payload bytes.
func (e Element) Equal(o Element) bool {
	if e.ID != o.ID || e.Version != o.Version || e.Deleted != o.Deleted || len(e.Fields) != len(o.Fields) {
		return false
	}
	for k, v := range e.Fields {
		ov, ok := o.Fields[k]
		if !ok || !bytes.Equal(v, ov) {
			return false
		}
	}
	return true
}

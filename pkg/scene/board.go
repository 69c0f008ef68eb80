package scene

import (
	"encoding/json"
	"fmt"
	"sync"
)

// ApplyOptions controls how a replacement element set is applied to a document.
type ApplyOptions struct {
	// CommitToHistory records the change as an undoable step. Remote merges never do.
	CommitToHistory bool
}

// Board is an in-memory document engine. It is safe for concurrent use and notifies change
// listeners after its lock is released, so listeners may call back into the board.
type Board struct {
	mu        sync.Mutex
	elements  []Element
	index     map[string]int
	history   int
	listeners map[int]func()
	nextID    int
}

func NewBoard(initial ...Element) *Board {
	b := &Board{index: make(map[string]int), listeners: make(map[int]func())}
	b.replace(Restore(initial))
	return b
}

func (b *Board) replace(elements []Element) {
	b.elements = elements
	b.index = make(map[string]int, len(elements))
	for i, e := range elements {
		b.index[e.ID] = i
	}
}

// Elements returns the live elements in board order.
func (b *Board) Elements() []Element {
	return Live(b.ElementsIncludingDeleted())
}

// ElementsIncludingDeleted returns every element, tombstones included.
func (b *Board) ElementsIncludingDeleted() []Element {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Element, len(b.elements))
	for i, e := range b.elements {
		out[i] = e.Clone()
	}
	return out
}

// Get returns the element with the given id, tombstones included.
func (b *Board) Get(id string) (Element, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i, ok := b.index[id]
	if !ok {
		return Element{}, false
	}
	return b.elements[i].Clone(), true
}

// HistoryLen is the number of undoable steps recorded so far.
func (b *Board) HistoryLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.history
}

// ApplyElements merges elements into the board. An element only replaces the board's copy
// when its version is higher, so an edit made after the set was computed is kept.
func (b *Board) ApplyElements(elements []Element, opts ApplyOptions) {
	b.mu.Lock()
	merged, _ := Reconcile(b.elements, elements)
	b.replace(merged)
	if opts.CommitToHistory {
		b.history++
	}
	b.mu.Unlock()
	b.notify()
}

// Upsert creates the element at version 1 or bumps the version of an existing one, merging
// the given payload fields into it. Upserting a deleted element restores it.
func (b *Board) Upsert(id string, fields map[string]any) (Element, error) {
	encoded := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		switch k {
		case fieldID, fieldVersion, fieldDeleted:
			return Element{}, fmt.Errorf("field %q is managed by the board", k)
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return Element{}, fmt.Errorf("failed to encode field %q: %w", k, err)
		}
		encoded[k] = raw
	}

	b.mu.Lock()
	var out Element
	if i, ok := b.index[id]; ok {
		out = b.elements[i].Bump()
		out.Deleted = false
		if out.Fields == nil {
			out.Fields = make(map[string]json.RawMessage, len(encoded))
		}
		for k, v := range encoded {
			out.Fields[k] = v
		}
		b.elements[i] = out
	} else {
		out = Element{ID: id, Version: 1, Fields: encoded}
		b.index[id] = len(b.elements)
		b.elements = append(b.elements, out)
	}
	b.history++
	b.mu.Unlock()
	b.notify()
	return out.Clone(), nil
}

// Delete soft-deletes the element, leaving a tombstone with an incremented version.
func (b *Board) Delete(id string) (Element, bool) {
	b.mu.Lock()
	i, ok := b.index[id]
	if !ok || b.elements[i].Deleted {
		b.mu.Unlock()
		return Element{}, false
	}
	out := b.elements[i].Tombstone()
	b.elements[i] = out
	b.history++
	b.mu.Unlock()
	b.notify()
	return out.Clone(), true
}

// OnChange registers fn to be called after every mutation. The returned func removes it.
func (b *Board) OnChange(fn func()) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners, id)
	}
}

func (b *Board) notify() {
	b.mu.Lock()
	fns := make([]func(), 0, len(b.listeners))
	for i := 0; i < b.nextID; i++ {
		if fn, ok := b.listeners[i]; ok {
			fns = append(fns, fn)
		}
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

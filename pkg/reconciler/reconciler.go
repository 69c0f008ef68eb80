// Package reconciler decides which local changes must be broadcast and merges remote
// element deltas, keeping the watermarks that stop a change from echoing between peers.
package reconciler

import (
	"github.com/astromechza/boardsync/pkg/protocol"
	"github.com/astromechza/boardsync/pkg/scene"
)

// Uninitialized is the watermark value before the first observation of a document.
const Uninitialized int64 = -1

type Decision int

const (
	// Unchanged means the local state is not newer than what was last applied from a peer,
	// typically the change notification caused by applying a remote merge.
	Unchanged Decision = iota
	// Initialize is the first observation of the document.
	Initialize
	// Broadcast carries a genuinely new local state.
	Broadcast
	// SuppressAmbiguous is a state newer than the last remote merge but not newer than the
	// last broadcast, such as an undo back to something already sent. It is not sent and
	// the periodic full resync corrects any drift.
	SuppressAmbiguous
	// FullResync re-sends every element and resets the per-element watermarks.
	FullResync
)

func (d Decision) String() string {
	switch d {
	case Unchanged:
		return "unchanged"
	case Initialize:
		return "initialize"
	case Broadcast:
		return "broadcast"
	case SuppressAmbiguous:
		return "suppress_ambiguous"
	case FullResync:
		return "full_resync"
	default:
		return "unknown"
	}
}

// Plan is the outcome of a local decision. Elements is what should be sent, possibly
// nothing. The watermarks only move once the plan is committed after a successful send.
type Plan struct {
	Decision Decision
	Version  int64
	Subtype  protocol.SceneSubtype
	Elements []scene.Element
}

// ShouldSend reports whether the plan carries anything for peers.
func (p Plan) ShouldSend() bool {
	return len(p.Elements) > 0
}

// Reconciler holds the watermarks of one document. It is not safe for concurrent use; the
// session serializes access.
type Reconciler struct {
	lastBroadcast int64
	lastProcessed int64
	sent          map[string]int64
}

func New() *Reconciler {
	r := &Reconciler{}
	r.Reset()
	return r
}

// Reset forgets everything, as when another document becomes active.
func (r *Reconciler) Reset() {
	r.lastBroadcast = Uninitialized
	r.lastProcessed = Uninitialized
	r.sent = make(map[string]int64)
}

func (r *Reconciler) Initialized() bool {
	return r.lastBroadcast != Uninitialized || r.lastProcessed != Uninitialized
}

// Watermarks returns the last broadcast and last processed document versions.
func (r *Reconciler) Watermarks() (broadcast, processed int64) {
	return r.lastBroadcast, r.lastProcessed
}

// SentVersion returns the version last confirmed sent or received for id.
func (r *Reconciler) SentVersion(id string) (int64, bool) {
	v, ok := r.sent[id]
	return v, ok
}

// PlanLocal decides what to do about the current local element set, deleted elements
// included. fresh marks a brand-new document whose first observation must not be sent.
func (r *Reconciler) PlanLocal(elements []scene.Element, fresh bool) Plan {
	version := scene.DocumentVersion(elements)

	if !r.Initialized() {
		p := Plan{Decision: Initialize, Version: version, Subtype: protocol.SceneInit}
		if !fresh && len(elements) > 0 {
			p.Elements = cloneAll(elements)
		}
		return p
	}

	switch {
	case version > r.lastBroadcast && version > r.lastProcessed:
		return Plan{Decision: Broadcast, Version: version, Subtype: protocol.SceneUpdate, Elements: r.delta(elements)}
	case version > r.lastProcessed:
		return Plan{Decision: SuppressAmbiguous, Version: version}
	default:
		return Plan{Decision: Unchanged, Version: version}
	}
}

// PlanFullResync sends every element, tombstones included, regardless of the watermarks.
func (r *Reconciler) PlanFullResync(elements []scene.Element) Plan {
	return Plan{
		Decision: FullResync,
		Version:  scene.DocumentVersion(elements),
		Subtype:  protocol.SceneInit,
		Elements: cloneAll(elements),
	}
}

func (r *Reconciler) delta(elements []scene.Element) []scene.Element {
	var out []scene.Element
	for _, e := range elements {
		if v, ok := r.sent[e.ID]; ok && e.Version <= v {
			continue
		}
		out = append(out, e.Clone())
	}
	return out
}

// Commit records a plan as sent. An initial plan that carries nothing is committed right
// away; one carrying a loaded scene stays pending until it is sent.
func (r *Reconciler) Commit(p Plan) {
	switch p.Decision {
	case FullResync:
		r.sent = make(map[string]int64, len(p.Elements))
		r.lastBroadcast = p.Version
		if r.lastProcessed == Uninitialized {
			r.lastProcessed = p.Version
		}
	case Broadcast:
		r.lastBroadcast = p.Version
	case Initialize:
		r.lastBroadcast = p.Version
		r.lastProcessed = p.Version
	default:
		return
	}
	for _, e := range p.Elements {
		if v, ok := r.sent[e.ID]; !ok || e.Version > v {
			r.sent[e.ID] = e.Version
		}
	}
}

// Merge is the result of merging a remote delta.
type Merge struct {
	Elements []scene.Element
	Accepted []scene.Element
	Version  int64
}

// Changed reports whether any incoming element won.
func (m Merge) Changed() bool {
	return len(m.Accepted) > 0
}

// MergeRemote normalizes incoming and merges it into local by per-element version. The
// processed watermark moves to the merged version, and elements accepted from the peer are
// recorded as already known so they are not broadcast back.
func (r *Reconciler) MergeRemote(local, incoming []scene.Element) Merge {
	merged, accepted := scene.Reconcile(local, scene.Restore(incoming))
	version := scene.DocumentVersion(merged)
	r.lastProcessed = version
	if r.lastBroadcast == Uninitialized {
		r.lastBroadcast = version
	}
	for _, e := range accepted {
		r.sent[e.ID] = e.Version
	}
	return Merge{Elements: merged, Accepted: accepted, Version: version}
}

func cloneAll(elements []scene.Element) []scene.Element {
	out := make([]scene.Element, len(elements))
	for i, e := range elements {
		out[i] = e.Clone()
	}
	return out
}

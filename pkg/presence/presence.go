// Package presence tracks the ephemeral state of remote participants in a room.
package presence

import (
	"hash/fnv"
	"slices"
	"strings"
	"time"

	"github.com/astromechza/boardsync/pkg/protocol"
)

const (
	DefaultIdleAfter = time.Minute
	DefaultAwayAfter = 5 * time.Minute
)

// Palette holds the collaborator colors.
var Palette = []string{
	"#e03131", "#2f9e44", "#1971c2", "#f08c00", "#9c36b5",
	"#0c8599", "#e8590c", "#6741d9", "#c2255c", "#5c940d",
}

type Activity int

const (
	Active Activity = iota
	Idle
	Away
)

func (a Activity) String() string {
	switch a {
	case Active:
		return "active"
	case Idle:
		return "idle"
	case Away:
		return "away"
	default:
		return "unknown"
	}
}

type Collaborator struct {
	ID        string
	Username  string
	AvatarURL string
	Color     string

	Pointer    protocol.Pointer
	HasPointer bool
	Button     protocol.Button

	// Viewport is the last bounds the participant published, if any.
	Viewport *protocol.Bounds

	LastSeen time.Time
	Activity Activity
}

type Options struct {
	LocalID   string
	IdleAfter time.Duration
	AwayAfter time.Duration
}

// Tracker is the collaborator set of one session. It is not safe for concurrent use.
type Tracker struct {
	localID   string
	idleAfter time.Duration
	awayAfter time.Duration
	byID      map[string]*Collaborator
}

func New(opts Options) *Tracker {
	if opts.IdleAfter <= 0 {
		opts.IdleAfter = DefaultIdleAfter
	}
	if opts.AwayAfter <= opts.IdleAfter {
		opts.AwayAfter = max(DefaultAwayAfter, opts.IdleAfter)
	}
	return &Tracker{
		localID:   opts.LocalID,
		idleAfter: opts.IdleAfter,
		awayAfter: opts.AwayAfter,
		byID:      make(map[string]*Collaborator),
	}
}

// SetLocal changes the local participant id and forgets any entry for it.
func (t *Tracker) SetLocal(id string) {
	t.localID = id
	delete(t.byID, id)
}

func (t *Tracker) ignored(id string) bool {
	return strings.TrimSpace(id) == "" || id == t.localID
}

// Join adds a collaborator unless it is already known or is the local participant. It
// reports whether the set changed.
func (t *Tracker) Join(id, username string, now time.Time) bool {
	if t.ignored(id) {
		return false
	}
	if c, ok := t.byID[id]; ok {
		c.LastSeen = now
		if username != "" && c.Username != username {
			c.Username = username
			return true
		}
		return false
	}
	t.byID[id] = &Collaborator{ID: id, Username: username, Color: t.pickColor(id), LastSeen: now}
	return true
}

// Leave removes a collaborator and reports whether it was present.
func (t *Tracker) Leave(id string) bool {
	if _, ok := t.byID[id]; !ok {
		return false
	}
	delete(t.byID, id)
	return true
}

// Pointer records a pointer position, creating the collaborator when its join was missed.
func (t *Tracker) Pointer(id string, p protocol.Pointer, button protocol.Button, now time.Time) bool {
	c := t.upsert(id, now)
	if c == nil {
		return false
	}
	c.Pointer = p
	c.HasPointer = true
	if button != "" {
		c.Button = button
	}
	return true
}

// Viewport records the bounds a collaborator published.
func (t *Tracker) Viewport(id string, bounds protocol.Bounds, now time.Time) bool {
	c := t.upsert(id, now)
	if c == nil {
		return false
	}
	c.Viewport = &bounds
	return true
}

func (t *Tracker) upsert(id string, now time.Time) *Collaborator {
	if t.ignored(id) {
		return nil
	}
	c, ok := t.byID[id]
	if !ok {
		c = &Collaborator{ID: id, Color: t.pickColor(id)}
		t.byID[id] = c
	}
	c.LastSeen = now
	return c
}

// Replace swaps the whole set for a roster sent by the server. Entries for the local
// participant are dropped. Known collaborators keep their color and pointer.
func (t *Tracker) Replace(roster []protocol.Participant, now time.Time) {
	old := t.byID
	t.byID = make(map[string]*Collaborator, len(roster))
	for _, p := range roster {
		if t.ignored(p.ID) {
			continue
		}
		if c, ok := old[p.ID]; ok {
			c.Username = p.Username
			c.AvatarURL = p.AvatarURL
			c.LastSeen = now
			t.byID[p.ID] = c
			continue
		}
		t.byID[p.ID] = &Collaborator{ID: p.ID, Username: p.Username, AvatarURL: p.AvatarURL, LastSeen: now}
	}
	for _, id := range t.sortedIDs() {
		if c := t.byID[id]; c.Color == "" {
			c.Color = t.pickColor(id)
		}
	}
}

// Clear forgets every collaborator and reports whether any were present.
func (t *Tracker) Clear() bool {
	n := len(t.byID)
	t.byID = make(map[string]*Collaborator)
	return n > 0
}

func (t *Tracker) Len() int {
	return len(t.byID)
}

func (t *Tracker) Get(id string) (Collaborator, bool) {
	c, ok := t.byID[id]
	if !ok {
		return Collaborator{}, false
	}
	return copyOf(c), true
}

// Snapshot returns the collaborators ordered by id with their activity evaluated at now.
func (t *Tracker) Snapshot(now time.Time) []Collaborator {
	out := make([]Collaborator, 0, len(t.byID))
	for _, id := range t.sortedIDs() {
		c := copyOf(t.byID[id])
		c.Activity = t.activity(c.LastSeen, now)
		out = append(out, c)
	}
	return out
}

func (t *Tracker) activity(lastSeen, now time.Time) Activity {
	quiet := now.Sub(lastSeen)
	switch {
	case quiet >= t.awayAfter:
		return Away
	case quiet >= t.idleAfter:
		return Idle
	default:
		return Active
	}
}

func (t *Tracker) sortedIDs() []string {
	ids := make([]string, 0, len(t.byID))
	for id := range t.byID {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// pickColor starts at a palette slot derived from the id and takes the first color no
// other collaborator uses. When the palette is exhausted the derived slot is reused.
func (t *Tracker) pickColor(id string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	start := int(h.Sum32() % uint32(len(Palette)))

	used := make(map[string]bool, len(t.byID))
	for other, c := range t.byID {
		if other != id && c.Color != "" {
			used[c.Color] = true
		}
	}
	for i := range Palette {
		color := Palette[(start+i)%len(Palette)]
		if !used[color] {
			return color
		}
	}
	return Palette[start]
}

func copyOf(c *Collaborator) Collaborator {
	out := *c
	if c.Viewport != nil {
		v := *c.Viewport
		out.Viewport = &v
	}
	return out
}

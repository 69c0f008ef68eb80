package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/astromechza/boardsync/pkg/metrics"
	"github.com/astromechza/boardsync/pkg/protocol"
	"github.com/astromechza/boardsync/pkg/scene"
)

// client is one websocket connection to a room.
type client struct {
	id          string
	participant string
	username    string
	room        string
	send        chan []byte
	closeConn   func()
}

type hubRoom struct {
	clients map[string]*client
	cancel  func()
}

// Hub tracks the connections of every room served by this relay and routes frames between
// them through the broker.
type Hub struct {
	store   *Store
	broker  Broker
	metrics *metrics.Relay
	log     *slog.Logger

	mu     sync.Mutex
	rooms  map[string]*hubRoom
	closed bool
	wg     sync.WaitGroup
}

func NewHub(store *Store, broker Broker, m *metrics.Relay, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{store: store, broker: broker, metrics: m, log: log, rooms: make(map[string]*hubRoom)}
}

func (h *Hub) frame(room string, sender string, p protocol.Payload) ([]byte, error) {
	msg := protocol.New(room, p, time.Now())
	msg.SenderID = sender
	return protocol.Encode(msg)
}

// join registers c and queues the roster and stored scene for it before any relayed frame
// can reach it. The other participants are then told about the newcomer.
func (h *Hub) join(ctx context.Context, c *client) error {
	r, err := h.store.Room(c.room)
	if err != nil {
		return fmt.Errorf("failed to open room: %w", err)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return fmt.Errorf("relay is shutting down")
	}
	hr, ok := h.rooms[c.room]
	if !ok {
		ch, cancel, err := h.broker.Subscribe(ctx, c.room)
		if err != nil {
			h.mu.Unlock()
			return fmt.Errorf("failed to subscribe to room: %w", err)
		}
		hr = &hubRoom{clients: make(map[string]*client), cancel: cancel}
		h.rooms[c.room] = hr
		h.wg.Add(1)
		go h.forward(c.room, hr, ch)
	}

	roster := rosterOf(hr, c.participant)
	hr.clients[c.id] = c
	h.metrics.SetRooms(len(h.rooms))

	if raw, err := h.frame(c.room, "", protocol.ConnectedPayload{Collaborators: roster}); err != nil {
		h.log.Error("failed to encode roster", "room", c.room, "err", err)
	} else {
		c.send <- raw
	}
	if elements := r.Elements(); len(elements) > 0 {
		if raw, err := h.frame(c.room, "", protocol.SceneUpdatePayload{Subtype: protocol.SceneInit, Elements: elements}); err != nil {
			h.log.Error("failed to encode stored scene", "room", c.room, "err", err)
		} else {
			c.send <- raw
		}
	}
	h.mu.Unlock()

	h.log.Info("joined", "room", c.room, "conn", c.id, "participant", c.participant)
	h.announce(ctx, c, protocol.UserJoinedPayload{Username: c.username})
	return nil
}

// rosterOf lists the participants already in the room, excluding self.
func rosterOf(hr *hubRoom, self string) []protocol.Participant {
	seen := make(map[string]bool)
	out := make([]protocol.Participant, 0, len(hr.clients))
	for _, other := range hr.clients {
		if other.participant == self || seen[other.participant] {
			continue
		}
		seen[other.participant] = true
		out = append(out, protocol.Participant{ID: other.participant, Username: other.username})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// leave unregisters c and closes its send queue. The room's subscription is released when the
// last local connection leaves.
func (h *Hub) leave(ctx context.Context, c *client) {
	h.mu.Lock()
	hr, ok := h.rooms[c.room]
	if !ok || hr.clients[c.id] != c {
		h.mu.Unlock()
		return
	}
	delete(hr.clients, c.id)
	close(c.send)
	stillPresent := false
	for _, other := range hr.clients {
		if other.participant == c.participant {
			stillPresent = true
		}
	}
	var cancel func()
	if len(hr.clients) == 0 {
		delete(h.rooms, c.room)
		cancel = hr.cancel
	}
	h.metrics.SetRooms(len(h.rooms))
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	h.log.Info("left", "room", c.room, "conn", c.id, "participant", c.participant)
	if !stillPresent {
		h.announce(ctx, c, protocol.UserLeftPayload{})
	}
}

func (h *Hub) announce(ctx context.Context, c *client, p protocol.Payload) {
	raw, err := h.frame(c.room, c.participant, p)
	if err != nil {
		h.log.Error("failed to encode announcement", "room", c.room, "type", p.MessageType(), "err", err)
		return
	}
	if err := h.broker.Publish(ctx, Envelope{Room: c.room, Origin: c.id, Frame: raw}); err != nil {
		h.log.Error("failed to publish announcement", "room", c.room, "type", p.MessageType(), "err", err)
		return
	}
	h.metrics.Frame(string(p.MessageType()), "relayed")
}

// handle validates a frame from c, stamps it with the sender and room, merges scene deltas
// into the store and publishes it to the room.
func (h *Hub) handle(ctx context.Context, c *client, raw []byte) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		h.log.Warn("dropping invalid frame", "room", c.room, "conn", c.id, "err", err, "raw", string(raw))
		h.metrics.Frame("unknown", "invalid")
		return
	}
	if msg.DocumentID != nil && *msg.DocumentID != c.room {
		h.log.Warn("dropping frame for another room", "room", c.room, "conn", c.id, "message_doc", *msg.DocumentID)
		h.metrics.Frame(string(msg.Type), "wrong_document")
		return
	}

	switch p := msg.Payload.(type) {
	case protocol.ConnectedPayload, protocol.UserJoinedPayload, protocol.UserLeftPayload:
		h.log.Warn("dropping relay-only frame from client", "room", c.room, "conn", c.id, "type", msg.Type)
		h.metrics.Frame(string(msg.Type), "forbidden")
		return
	case protocol.SceneUpdatePayload:
		if err := h.merge(c, p.Elements); err != nil {
			h.log.Error("failed to store scene update", "room", c.room, "err", err)
		}
	}

	room := c.room
	msg.DocumentID = &room
	msg.SenderID = c.participant
	out, err := protocol.Encode(msg)
	if err != nil {
		h.log.Warn("dropping frame that failed to re-encode", "room", c.room, "type", msg.Type, "err", err)
		h.metrics.Frame(string(msg.Type), "invalid")
		return
	}
	if err := h.broker.Publish(ctx, Envelope{Room: c.room, Origin: c.id, Frame: out}); err != nil {
		h.log.Error("failed to publish", "room", c.room, "type", msg.Type, "err", err)
		h.metrics.Frame(string(msg.Type), "error")
		return
	}
	h.metrics.Frame(string(msg.Type), "relayed")
}

func (h *Hub) merge(c *client, elements []scene.Element) error {
	r, err := h.store.Room(c.room)
	if err != nil {
		return err
	}
	accepted, err := r.Merge(elements, c.participant)
	if len(accepted) > 0 {
		h.log.Debug("stored scene update", "room", c.room, "accepted", len(accepted), "version", scene.DocumentVersion(r.Elements()))
	}
	return err
}

func (h *Hub) forward(room string, hr *hubRoom, ch <-chan Envelope) {
	defer h.wg.Done()
	for env := range ch {
		h.fanout(room, hr, env)
	}
}

// fanout queues env for every local connection in the room except the one it came from. A
// connection whose queue is full misses the frame.
func (h *Hub) fanout(room string, hr *hubRoom, env Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room] != hr {
		return
	}
	for id, c := range hr.clients {
		if id == env.Origin {
			continue
		}
		select {
		case c.send <- env.Frame:
		default:
			h.log.Warn("dropping frame for slow connection", "room", room, "conn", id)
			h.metrics.Frame("unknown", "dropped")
		}
	}
}

// Rooms returns the number of rooms with local connections.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Close disconnects every connection and waits for the room forwarders to stop.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var conns []func()
	for _, hr := range h.rooms {
		for _, c := range hr.clients {
			conns = append(conns, c.closeConn)
		}
	}
	h.mu.Unlock()
	for _, closeConn := range conns {
		closeConn()
	}
	h.wg.Wait()
}

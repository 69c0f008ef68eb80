package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/boardsync/pkg/protocol"
	"github.com/astromechza/boardsync/pkg/reconciler"
	"github.com/astromechza/boardsync/pkg/scene"
	"github.com/astromechza/boardsync/pkg/transport"
)

func sceneOf(t *testing.T, msg protocol.Message) protocol.SceneUpdatePayload {
	t.Helper()
	require.Equal(t, protocol.TypeSceneUpdate, msg.Type)
	p, ok := msg.Payload.(protocol.SceneUpdatePayload)
	require.True(t, ok)
	return p
}

func versions(elements []scene.Element) map[string]int64 {
	return scene.Versions(elements)
}

func TestSession_connects_only_when_ready(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.s.SetDocument(DocumentRef{ID: "doc-1"}))
	assert.Equal(t, transport.Closed, h.s.Status().State)
	assert.Empty(t, h.room.dials())

	h.s.SetAuth(AuthState{UserID: "alice", Authenticated: true, Loading: true})
	assert.Empty(t, h.room.dials(), "auth still loading")

	h.s.SetAuth(alice())
	c := h.nextConn()
	h.waitState(transport.Open)
	assert.Equal(t, []string{"ws://relay.test/rooms/doc-1"}, h.room.dials())
	hdr := h.room.lastHeader()
	assert.Equal(t, "alice", hdr.Get(protocol.HeaderParticipant))
	assert.Equal(t, "Alice", hdr.Get(protocol.HeaderUsername))
	assert.Equal(t, "Bearer secret", hdr.Get("Authorization"))

	h.s.SetAuth(AuthState{})
	assert.Equal(t, transport.Closed, h.s.Status().State)
	select {
	case <-c.closed:
	case <-time.After(waitFor):
		t.Fatal("connection left open after sign out")
	}
}

func TestSession_sign_out_closes_socket_outside_the_lock(t *testing.T) {
	h := newHarness(t)
	c := h.open("doc-1")
	observed := make(chan Status, 1)
	c.onControl = func() {
		observed <- h.s.Status()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.s.SetAuth(AuthState{})
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("sign out blocked on the socket")
	}
	assert.Equal(t, transport.Open, (<-observed).State, "the session stays readable while the socket closes")
	assert.Equal(t, transport.Closed, h.s.Status().State)
}

func TestSession_placeholder_document_stays_idle(t *testing.T) {
	h := newHarness(t)
	h.s.SetAuth(alice())
	require.NoError(t, h.s.SetDocument(DocumentRef{ID: transport.PlaceholderDocumentID}))
	assert.Equal(t, transport.Idle, h.s.Status().State)
	assert.Empty(t, h.room.dials())
}

func TestSession_local_changes_are_debounced(t *testing.T) {
	h := newHarness(t)
	c := h.open("doc-1")

	_, err := h.board.Upsert("e1", map[string]any{"x": 1})
	require.NoError(t, err)
	_, err = h.board.Upsert("e1", map[string]any{"x": 2})
	require.NoError(t, err)
	_, err = h.board.Upsert("e2", map[string]any{"x": 3})
	require.NoError(t, err)

	h.clock.Advance(299 * time.Millisecond)
	h.sentNothing(c)
	h.clock.Advance(time.Millisecond)

	msg := h.sent(c)
	assert.Equal(t, "alice", msg.SenderID)
	assert.Equal(t, "doc-1", msg.Document())
	p := sceneOf(t, msg)
	assert.Equal(t, protocol.SceneUpdate, p.Subtype)
	assert.Equal(t, map[string]int64{"e1": 2, "e2": 1}, versions(p.Elements))

	h.clock.Advance(time.Second)
	h.sentNothing(c)

	b, _ := h.s.Watermarks()
	assert.Equal(t, int64(3), b)
}

func TestSession_deletion_is_sent_as_tombstone(t *testing.T) {
	h := newHarness(t)
	c := h.open("doc-1")

	_, _ = h.board.Upsert("e1", map[string]any{"x": 1})
	h.clock.Advance(300 * time.Millisecond)
	h.sent(c)

	_, ok := h.board.Delete("e1")
	require.True(t, ok)
	h.clock.Advance(300 * time.Millisecond)
	p := sceneOf(t, h.sent(c))
	require.Len(t, p.Elements, 1)
	assert.True(t, p.Elements[0].Deleted)
	assert.Equal(t, int64(2), p.Elements[0].Version)
}

func TestSession_fresh_document_baseline_is_not_sent(t *testing.T) {
	h := newHarness(t)
	h.board.ApplyElements([]scene.Element{el("template", 1)}, scene.ApplyOptions{})
	h.s.SetAuth(alice())
	require.NoError(t, h.s.SetDocument(DocumentRef{ID: "doc-1", Fresh: true}))
	c := h.nextConn()
	h.waitState(transport.Open)

	h.clock.Advance(time.Second)
	h.sentNothing(c)
}

func TestSession_loaded_scene_is_sent_once_connected(t *testing.T) {
	h := newHarness(t)
	h.board.ApplyElements([]scene.Element{el("local", 3)}, scene.ApplyOptions{})
	require.NoError(t, h.s.SetDocument(DocumentRef{ID: "doc-1"}))
	b, p := h.s.Watermarks()
	assert.Equal(t, reconciler.Uninitialized, b, "nothing is recorded before the scene is sent")
	assert.Equal(t, reconciler.Uninitialized, p)

	h.s.SetAuth(alice())
	c := h.nextConn()
	h.waitState(transport.Open)

	msg := sceneOf(t, h.sent(c))
	assert.Equal(t, protocol.SceneInit, msg.Subtype)
	assert.Equal(t, map[string]int64{"local": 3}, versions(msg.Elements))
	b, p = h.s.Watermarks()
	assert.Equal(t, int64(3), b)
	assert.Equal(t, int64(3), p)

	h.clock.Advance(time.Second)
	h.sentNothing(c)
}

func TestSession_drops_self_echo_and_other_documents(t *testing.T) {
	h := newHarness(t)
	c := h.open("doc-1")

	h.deliver(c, "doc-1", "alice", protocol.SceneUpdatePayload{Subtype: protocol.SceneUpdate, Elements: []scene.Element{el("echo", 1)}})
	h.deliver(c, "doc-2", "bob", protocol.SceneUpdatePayload{Subtype: protocol.SceneUpdate, Elements: []scene.Element{el("foreign", 1)}})
	h.deliver(c, "doc-1", "alice", protocol.UserJoinedPayload{Username: "Alice"})
	h.barrier(c, "doc-1", 1)

	assert.Empty(t, h.board.ElementsIncludingDeleted())
	snap := h.s.Collaborators()
	require.Len(t, snap, 1)
	assert.Equal(t, "marker", snap[0].ID)
}

func TestSession_remote_merge_is_not_broadcast_back(t *testing.T) {
	h := newHarness(t)
	c := h.open("doc-1")

	h.deliver(c, "doc-1", "bob", protocol.SceneUpdatePayload{Subtype: protocol.SceneInit, Elements: []scene.Element{el("e1", 1), el("e2", 3)}})
	h.barrier(c, "doc-1", 1)

	assert.Equal(t, map[string]int64{"e1": 1, "e2": 3}, versions(h.board.ElementsIncludingDeleted()))
	assert.Equal(t, 0, h.board.HistoryLen(), "remote merges are not undoable steps")

	h.clock.Advance(time.Second)
	h.sentNothing(c)
	b, p := h.s.Watermarks()
	assert.Equal(t, int64(0), b, "the empty baseline was the last broadcast")
	assert.Equal(t, int64(4), p)

	// a local edit after the merge only carries the edited element
	_, _ = h.board.Upsert("e1", map[string]any{"x": 1})
	h.clock.Advance(300 * time.Millisecond)
	assert.Equal(t, map[string]int64{"e1": 2}, versions(sceneOf(t, h.sent(c)).Elements))
}

func TestSession_fresh_join(t *testing.T) {
	a := newHarness(t)
	ac := a.open("doc-1")
	_, _ = a.board.Upsert("e1", nil)
	a.clock.Advance(300 * time.Millisecond)
	broadcast := sceneOf(t, a.sent(ac))
	require.Equal(t, map[string]int64{"e1": 1}, versions(broadcast.Elements))

	b := newHarness(t)
	bc := b.openAs("doc-1", AuthState{UserID: "bob", Authenticated: true})
	b.deliver(bc, "doc-1", "", protocol.ConnectedPayload{Collaborators: []protocol.Participant{}})
	b.deliver(bc, "doc-1", "alice", broadcast)
	b.barrier(bc, "doc-1", 1)

	assert.Equal(t, map[string]int64{"e1": 1}, versions(b.board.ElementsIncludingDeleted()))
}

func TestSession_concurrent_edit_keeps_first_applied(t *testing.T) {
	h := newHarness(t)
	c := h.open("doc-1")
	h.deliver(c, "doc-1", "bob", protocol.SceneUpdatePayload{Subtype: protocol.SceneInit, Elements: []scene.Element{el("e1", 1)}})
	h.barrier(c, "doc-1", 1)

	_, _ = h.board.Upsert("e1", map[string]any{"by": "alice"})

	theirs := el("e1", 2)
	theirs.Fields = map[string]json.RawMessage{"by": json.RawMessage(`"bob"`)}
	h.deliver(c, "doc-1", "bob", protocol.SceneUpdatePayload{Subtype: protocol.SceneUpdate, Elements: []scene.Element{theirs}})

	// the pending local edit is sent before the remote delta is merged
	mine := sceneOf(t, h.sent(c))
	require.Len(t, mine.Elements, 1)
	assert.JSONEq(t, `"alice"`, string(mine.Elements[0].Fields["by"]))
	h.barrier(c, "doc-1", 1)

	got, _ := h.board.Get("e1")
	assert.Equal(t, int64(2), got.Version)
	assert.JSONEq(t, `"alice"`, string(got.Fields["by"]), "equal versions keep the first applied")

	tieBreak := el("e1", 3)
	tieBreak.Fields = map[string]json.RawMessage{"by": json.RawMessage(`"bob"`)}
	h.deliver(c, "doc-1", "bob", protocol.SceneUpdatePayload{Subtype: protocol.SceneUpdate, Elements: []scene.Element{tieBreak}})
	h.barrier(c, "doc-1", 1)
	got, _ = h.board.Get("e1")
	assert.JSONEq(t, `"bob"`, string(got.Fields["by"]))

	h.clock.Advance(time.Second)
	h.sentNothing(c)
}

// editDuringApply makes a local edit after a merge was computed and before it is applied.
type editDuringApply struct {
	*scene.Board
	edit func()
}

func (d *editDuringApply) ApplyElements(elements []scene.Element, opts scene.ApplyOptions) {
	if edit := d.edit; edit != nil {
		d.edit = nil
		edit()
	}
	d.Board.ApplyElements(elements, opts)
}

func TestSession_local_edit_survives_merge_apply(t *testing.T) {
	doc := &editDuringApply{}
	h := newHarness(t, func(o *Options) {
		doc.Board = o.Document.(*scene.Board)
		o.Document = doc
	})
	c := h.open("doc-1")
	h.deliver(c, "doc-1", "bob", protocol.SceneUpdatePayload{Subtype: protocol.SceneInit, Elements: []scene.Element{el("el-1", 1)}})
	h.barrier(c, "doc-1", 1)

	doc.edit = func() {
		_, _ = h.board.Upsert("el-1", map[string]any{"by": "alice"})
	}
	h.deliver(c, "doc-1", "bob", protocol.SceneUpdatePayload{Subtype: protocol.SceneUpdate, Elements: []scene.Element{el("el-2", 1)}})
	h.barrier(c, "doc-1", 1)

	got, _ := h.board.Get("el-1")
	assert.Equal(t, int64(2), got.Version)
	assert.JSONEq(t, `"alice"`, string(got.Fields["by"]))
	assert.Equal(t, map[string]int64{"el-1": 2, "el-2": 1}, versions(h.board.ElementsIncludingDeleted()))

	h.clock.Advance(300 * time.Millisecond)
	assert.Equal(t, map[string]int64{"el-1": 2}, versions(sceneOf(t, h.sent(c)).Elements))
}

func TestSession_reconnect_preserves_watermarks(t *testing.T) {
	h := newHarness(t)
	c := h.open("doc-1")
	for i := 0; i < 7; i++ {
		_, _ = h.board.Upsert("e1", map[string]any{"i": i})
	}
	h.clock.Advance(300 * time.Millisecond)
	h.sent(c)
	h.deliver(c, "doc-1", "bob", protocol.UserJoinedPayload{Username: "Bob"})
	assert.Equal(t, protocol.SceneInit, sceneOf(t, h.sent(c)).Subtype)
	h.waitPresence(1)
	before, processed := h.s.Watermarks()
	require.Equal(t, int64(7), before)

	c.hangUp(websocket.CloseAbnormalClosure)
	st := h.waitState(transport.Reconnecting)
	assert.Equal(t, 1, st.Attempts)
	assert.Empty(t, h.s.Collaborators(), "presence is cleared while offline")

	h.clock.Advance(time.Second)
	c2 := h.nextConn()
	h.waitState(transport.Open)
	h.clock.Advance(time.Second)
	h.sentNothing(c2)

	b, p := h.s.Watermarks()
	assert.Equal(t, before, b)
	assert.Equal(t, processed, p)
}

func TestSession_offline_edits_are_sent_on_reconnect(t *testing.T) {
	h := newHarness(t)
	c := h.open("doc-1")
	_, _ = h.board.Upsert("e1", nil)
	h.clock.Advance(300 * time.Millisecond)
	h.sent(c)

	c.hangUp(websocket.CloseAbnormalClosure)
	h.waitState(transport.Reconnecting)
	_, _ = h.board.Upsert("e2", nil)
	h.clock.Advance(300 * time.Millisecond)

	h.clock.Advance(700 * time.Millisecond)
	c2 := h.nextConn()
	h.waitState(transport.Open)
	assert.Equal(t, map[string]int64{"e2": 1}, versions(sceneOf(t, h.sent(c2)).Elements))
}

func TestSession_document_switch_resets_state(t *testing.T) {
	h := newHarness(t)
	c := h.open("doc-1")
	h.deliver(c, "doc-1", "bob", protocol.UserJoinedPayload{Username: "Bob"})
	h.waitPresence(1)
	require.NoError(t, h.s.Follow("bob"))
	assert.Equal(t, protocol.TypeFollowRequest, h.sent(c).Type)
	_, _ = h.board.Upsert("e1", nil)

	require.NoError(t, h.s.SetDocument(DocumentRef{ID: "doc-2"}))
	assert.Empty(t, h.s.Collaborators())
	assert.Empty(t, h.s.Following())
	assert.Equal(t, "doc-2", h.s.Status().DocumentID)
	select {
	case <-c.closed:
	case <-time.After(waitFor):
		t.Fatal("old connection left open")
	}

	// doc-2 gets the loaded scene once; the pending debounce of doc-1 never fires against it
	c2 := h.nextConn()
	h.waitState(transport.Open)
	initial := sceneOf(t, h.sent(c2))
	assert.Equal(t, protocol.SceneInit, initial.Subtype)
	assert.Equal(t, map[string]int64{"e1": 1}, versions(initial.Elements))
	assert.Equal(t, "doc-2", h.s.Status().DocumentID)
	h.clock.Advance(time.Second)
	h.sentNothing(c2)
	assert.Equal(t, []string{"ws://relay.test/rooms/doc-1", "ws://relay.test/rooms/doc-2"}, h.room.dials())

	b, p := h.s.Watermarks()
	assert.Equal(t, scene.DocumentVersion(h.board.ElementsIncludingDeleted()), b)
	assert.Equal(t, b, p)
}

func TestSession_pointer_is_throttled(t *testing.T) {
	h := newHarness(t)
	c := h.open("doc-1")

	h.s.PointerMove(protocol.Pointer{X: 1, Y: 1, Tool: "pointer"}, protocol.ButtonUp)
	h.s.PointerMove(protocol.Pointer{X: 2, Y: 2, Tool: "pointer"}, protocol.ButtonUp)
	h.s.PointerMove(protocol.Pointer{X: 3, Y: 3, Tool: "pointer"}, protocol.ButtonDown)

	first := h.sent(c)
	require.Equal(t, protocol.TypePointerUpdate, first.Type)
	assert.Equal(t, 1.0, first.Payload.(protocol.PointerUpdatePayload).Pointer.X)
	h.sentNothing(c)

	h.clock.Advance(33 * time.Millisecond)
	latest := h.sent(c).Payload.(protocol.PointerUpdatePayload)
	assert.Equal(t, 3.0, latest.Pointer.X)
	assert.Equal(t, protocol.ButtonDown, latest.Button)
	h.sentNothing(c)
}

func TestSession_view_state_and_follow(t *testing.T) {
	h := newHarness(t)
	c := h.open("doc-1")

	h.s.SetViewState(protocol.Bounds{0, 0, 10, 10})
	h.s.SetViewState(protocol.Bounds{5, 5, 20, 20})
	h.clock.Advance(300 * time.Millisecond)
	msg := h.sent(c)
	require.Equal(t, protocol.TypeViewportUpdate, msg.Type)
	assert.Equal(t, protocol.Bounds{5, 5, 20, 20}, msg.Payload.(protocol.ViewportUpdatePayload).Bounds)

	require.NoError(t, h.s.Follow("bob"))
	assert.Equal(t, protocol.FollowRequestPayload{UserToFollowID: "bob"}, h.sent(c).Payload)

	h.deliver(c, "doc-1", "carol", protocol.ViewportUpdatePayload{Bounds: protocol.Bounds{0, 0, 1, 1}})
	h.deliver(c, "doc-1", "bob", protocol.ViewportUpdatePayload{Bounds: protocol.Bounds{1, 2, 3, 4}})
	select {
	case b := <-h.follows:
		assert.Equal(t, protocol.Bounds{1, 2, 3, 4}, b)
	case <-time.After(waitFor):
		t.Fatal("followed viewport not surfaced")
	}

	require.NoError(t, h.s.Unfollow())
	assert.Equal(t, protocol.UnfollowRequestPayload{UserToFollowID: "bob"}, h.sent(c).Payload)
	assert.NoError(t, h.s.Unfollow())
	h.sentNothing(c)
}

func TestSession_follow_requires_connection(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.SetDocument(DocumentRef{ID: "doc-1"}))
	assert.ErrorIs(t, h.s.Follow("bob"), transport.ErrNotOpen)
}

func TestSession_presence_lifecycle(t *testing.T) {
	h := newHarness(t)
	c := h.open("doc-1")

	h.deliver(c, "doc-1", "", protocol.ConnectedPayload{Collaborators: []protocol.Participant{
		{ID: "alice", Username: "Alice"},
		{ID: "bob", Username: "Bob"},
	}})
	snap := h.waitPresence(1)
	assert.Equal(t, "bob", snap[0].ID)

	h.deliver(c, "doc-1", "carol", protocol.PointerUpdatePayload{Pointer: protocol.Pointer{X: 4, Y: 5, Tool: "laser"}})
	snap = h.waitPresence(2)
	assert.Equal(t, "carol", snap[1].ID)
	assert.True(t, snap[1].HasPointer)

	h.deliver(c, "doc-1", "bob", protocol.UserLeftPayload{})
	snap = h.waitPresence(1)
	assert.Equal(t, "carol", snap[0].ID)

	h.s.SetAuth(AuthState{})
	h.waitPresence(0)
}

func TestSession_newcomer_gets_full_scene(t *testing.T) {
	h := newHarness(t)
	c := h.open("doc-1")

	h.deliver(c, "doc-1", "bob", protocol.UserJoinedPayload{Username: "Bob"})
	h.waitPresence(1)
	h.sentNothing(c)

	_, _ = h.board.Upsert("e1", nil)
	_, _ = h.board.Upsert("e2", nil)
	h.board.Delete("e2")
	h.clock.Advance(300 * time.Millisecond)
	h.sent(c)

	h.deliver(c, "doc-1", "carol", protocol.UserJoinedPayload{Username: "Carol"})
	p := sceneOf(t, h.sent(c))
	assert.Equal(t, protocol.SceneInit, p.Subtype)
	assert.Equal(t, map[string]int64{"e1": 1, "e2": 2}, versions(p.Elements))
}

func TestSession_periodic_full_resync(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.FullResyncInterval = time.Minute
	})
	c := h.open("doc-1")
	_, _ = h.board.Upsert("e1", nil)
	h.clock.Advance(300 * time.Millisecond)
	h.sent(c)

	h.clock.Advance(time.Minute)
	p := sceneOf(t, h.sent(c))
	assert.Equal(t, protocol.SceneInit, p.Subtype)
	assert.Len(t, p.Elements, 1)

	h.clock.Advance(time.Minute)
	assert.Equal(t, protocol.SceneInit, sceneOf(t, h.sent(c)).Subtype)
}

func TestSession_gives_up_and_recovers_on_auth_change(t *testing.T) {
	h := newHarness(t)
	c := h.open("doc-1")
	h.room.setRefuse(true)

	c.hangUp(websocket.CloseAbnormalClosure)
	h.waitState(transport.Reconnecting)
	for i := 0; i < 5; i++ {
		h.clock.Advance(time.Second << i)
	}
	st := h.waitState(transport.Failed)
	assert.True(t, st.Failed)
	assert.Len(t, h.room.dials(), 6)

	h.clock.Advance(time.Hour)
	assert.Len(t, h.room.dials(), 6, "no retries after giving up")

	h.room.setRefuse(false)
	refreshed := alice()
	refreshed.Token = "refreshed"
	h.s.SetAuth(refreshed)
	h.nextConn()
	st = h.waitState(transport.Open)
	assert.False(t, st.Failed)
	assert.Equal(t, "Bearer refreshed", h.room.lastHeader().Get("Authorization"))
}

func TestSession_close_cancels_everything(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.FullResyncInterval = time.Minute
	})
	c := h.open("doc-1")
	_, _ = h.board.Upsert("e1", nil)
	h.s.SetViewState(protocol.Bounds{0, 0, 1, 1})
	require.Positive(t, h.clock.Pending())

	h.s.Close()
	assert.Equal(t, 0, h.clock.Pending())
	select {
	case <-c.closed:
	case <-time.After(waitFor):
		t.Fatal("connection left open after close")
	}

	_, _ = h.board.Upsert("e1", nil)
	h.clock.Advance(time.Hour)
	assert.Equal(t, 0, h.clock.Pending())
	assert.ErrorIs(t, h.s.SetDocument(DocumentRef{ID: "doc-2"}), ErrClosed)
	h.s.Close()
}

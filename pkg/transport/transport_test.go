package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/astromechza/boardsync/pkg/protocol"
	"github.com/astromechza/boardsync/pkg/schedule"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeConn struct {
	drop      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{drop: make(chan struct{}), closed: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case <-f.drop:
		return 0, nil, io.ErrUnexpectedEOF
	case <-f.closed:
		return 0, nil, net.ErrClosed
	}
}

func (f *fakeConn) WriteMessage(int, []byte) error { return nil }

func (f *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []Conn
	dials int
}

func (d *fakeDialer) Dial(context.Context, string, http.Header) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.conns) > 0 {
		c := d.conns[0]
		d.conns = d.conns[1:]
		return c, nil
	}
	return nil, errors.New("connection refused")
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func statusRecorder() (chan Status, func(Status)) {
	ch := make(chan Status, 64)
	return ch, func(s Status) { ch <- s }
}

func waitState(t *testing.T, ch <-chan Status, want State) Status {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case s := <-ch:
			if s.State == want {
				return s
			}
		case <-timeout:
			t.Fatalf("timed out waiting for state %s", want)
			return Status{}
		}
	}
}

func TestTransport_backoff_is_bounded(t *testing.T) {
	const d = 100 * time.Millisecond
	m := schedule.NewManual(epoch)
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []Conn{conn}}
	states, onState := statusRecorder()

	tr, err := New(Options{
		ServerURL:     "http://relay.test/rooms",
		DocumentID:    "doc-1",
		Dialer:        dialer,
		Scheduler:     m,
		InitialDelay:  d,
		OnStateChange: onState,
	})
	require.NoError(t, err)
	defer tr.Close()

	assert.Equal(t, Connecting, tr.Connect())
	waitState(t, states, Open)

	close(conn.drop)
	require.True(t, m.WaitPending(1, 5*time.Second))
	st := waitState(t, states, Reconnecting)
	assert.Equal(t, 1, st.Attempts)
	assert.Equal(t, websocket.CloseAbnormalClosure, st.CloseCode)

	for i := 0; i < 5; i++ {
		m.Advance(d << i)
	}
	st = waitState(t, states, Failed)
	assert.True(t, st.Failed)

	assert.Equal(t, []time.Duration{d, 2 * d, 4 * d, 8 * d, 16 * d}, m.Delays())
	assert.Equal(t, 6, dialer.Dials())
	assert.Equal(t, 0, m.Pending())

	m.Advance(time.Hour)
	assert.Equal(t, Failed, tr.Connect())
	assert.Equal(t, 6, dialer.Dials())

	tr.ResetFailure()
	assert.Equal(t, Closed, tr.Status().State)
	assert.Equal(t, Connecting, tr.Connect())
	waitState(t, states, Reconnecting)
	assert.Equal(t, 7, dialer.Dials())
	assert.Equal(t, d, m.Delays()[5], "backoff restarts after a reset")
}

func TestTransport_preconditions(t *testing.T) {
	dialer := &fakeDialer{}
	ready := false

	tr, err := New(Options{ServerURL: "http://relay.test", DocumentID: PlaceholderDocumentID, Dialer: dialer})
	require.NoError(t, err)
	assert.Equal(t, Idle, tr.Status().State)
	assert.Equal(t, Closed, tr.Connect())
	tr.Close()

	tr, err = New(Options{ServerURL: "http://relay.test", DocumentID: "doc", Dialer: dialer, Ready: func() bool { return ready }})
	require.NoError(t, err)
	assert.Equal(t, Closed, tr.Connect())
	tr.Close()
	assert.Equal(t, 0, dialer.Dials())

	_, err = New(Options{ServerURL: "ftp://relay.test", DocumentID: "doc"})
	assert.Error(t, err)
}

func TestTransport_default_dialer_uses_handshake_timeout(t *testing.T) {
	tr, err := New(Options{ServerURL: "http://relay.test", DocumentID: "doc", HandshakeTimeout: 3 * time.Second})
	require.NoError(t, err)
	defer tr.Close()
	d, ok := tr.opts.Dialer.(WebsocketDialer)
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, d.Dialer.HandshakeTimeout)
}

func TestTransport_send_requires_open(t *testing.T) {
	tr, err := New(Options{ServerURL: "http://relay.test", DocumentID: "doc", Dialer: &fakeDialer{}})
	require.NoError(t, err)
	defer tr.Close()

	err = tr.Send(protocol.New("doc", protocol.UserLeftPayload{}, epoch))
	assert.ErrorIs(t, err, ErrNotOpen)

	err = tr.Send(protocol.New("doc", protocol.FollowRequestPayload{}, epoch))
	assert.ErrorIs(t, err, protocol.ErrInvalidMessage)
}

func TestRoomURL(t *testing.T) {
	u, err := RoomURL("https://example.com/rooms", "abc")
	require.NoError(t, err)
	assert.Equal(t, "wss://example.com/rooms/abc", u)

	u, err = RoomURL("http://localhost:8080/rooms/", "abc")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/rooms/abc", u)

	_, err = RoomURL("/rooms", "abc")
	assert.Error(t, err)
}

type roomServer struct {
	*httptest.Server
	received chan []byte
	closes   chan int
	conns    chan *websocket.Conn
}

func newRoomServer(t *testing.T, onConnect func(*websocket.Conn)) *roomServer {
	rs := &roomServer{received: make(chan []byte, 16), closes: make(chan int, 4), conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if onConnect != nil {
			onConnect(conn)
		}
		for {
			_, p, err := conn.ReadMessage()
			if err != nil {
				rs.closes <- closeCode(err)
				return
			}
			rs.received <- p
		}
	}))
	t.Cleanup(rs.Close)
	return rs
}

func TestTransport_exchanges_messages(t *testing.T) {
	valid, err := protocol.Encode(protocol.Message{
		Type:      protocol.TypeUserJoined,
		Timestamp: epoch,
		SenderID:  "bob",
		Payload:   protocol.UserJoinedPayload{Username: "Bob"},
	})
	require.NoError(t, err)

	rs := newRoomServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"scene_update","garbage":true}`))
		_ = conn.WriteMessage(websocket.TextMessage, valid)
	})

	states, onState := statusRecorder()
	messages := make(chan protocol.Message, 4)
	var gotHeader string
	tr, err := New(Options{
		ServerURL:     rs.URL + "/rooms",
		DocumentID:    "doc-1",
		OnStateChange: onState,
		OnMessage:     func(m protocol.Message) { messages <- m },
		Header: func() http.Header {
			gotHeader = "called"
			return http.Header{"Authorization": []string{"Bearer token"}}
		},
	})
	require.NoError(t, err)
	defer tr.Close()

	tr.Connect()
	waitState(t, states, Open)
	assert.Equal(t, "called", gotHeader)

	select {
	case m := <-messages:
		assert.Equal(t, protocol.TypeUserJoined, m.Type)
		assert.Equal(t, "bob", m.SenderID)
	case <-time.After(5 * time.Second):
		t.Fatal("no message delivered")
	}

	require.NoError(t, tr.Send(protocol.Message{Type: protocol.TypeUserLeft, Payload: protocol.UserLeftPayload{}}))
	select {
	case p := <-rs.received:
		m, err := protocol.Decode(p)
		require.NoError(t, err)
		assert.Equal(t, "doc-1", m.Document())
	case <-time.After(5 * time.Second):
		t.Fatal("server received nothing")
	}

	assert.Equal(t, Closed, tr.Disconnect())
	select {
	case code := <-rs.closes:
		assert.Equal(t, websocket.CloseNormalClosure, code)
	case <-time.After(5 * time.Second):
		t.Fatal("server saw no close")
	}
	assert.Equal(t, Closed, tr.Status().State)
	assert.Empty(t, messages)
}

func TestTransport_normal_close_does_not_reconnect(t *testing.T) {
	rs := newRoomServer(t, func(conn *websocket.Conn) {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	})
	m := schedule.NewManual(epoch)
	states, onState := statusRecorder()
	tr, err := New(Options{
		ServerURL:     strings.Replace(rs.URL, "http://", "ws://", 1),
		DocumentID:    "doc-1",
		Scheduler:     m,
		OnStateChange: onState,
	})
	require.NoError(t, err)
	defer tr.Close()

	tr.Connect()
	waitState(t, states, Open)
	st := waitState(t, states, Closed)
	assert.Equal(t, websocket.CloseGoingAway, st.CloseCode)
	assert.Equal(t, 0, m.Pending())
}

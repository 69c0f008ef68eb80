// Package transport keeps one websocket to a document's room open, reconnecting with a
// bounded exponential backoff, and delivers validated messages in both directions.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/astromechza/boardsync/pkg/metrics"
	"github.com/astromechza/boardsync/pkg/protocol"
	"github.com/astromechza/boardsync/pkg/schedule"
)

// PlaceholderDocumentID is the id of a document that has not been saved yet and so has no
// room to join.
const PlaceholderDocumentID = "new"

const (
	DefaultInitialDelay     = time.Second
	DefaultMaxAttempts      = 5
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultSendBuffer       = 256
)

var (
	ErrNotOpen    = errors.New("transport is not open")
	ErrBufferFull = errors.New("transport send buffer is full")
)

type Options struct {
	// ServerURL is the base url rooms hang off, e.g. https://host/rooms.
	ServerURL  string
	DocumentID string

	Dialer    Dialer
	Scheduler schedule.Scheduler

	InitialDelay     time.Duration
	MaxAttempts      int
	HandshakeTimeout time.Duration
	SendBuffer       int

	// Ready reports whether the session holder may connect right now: authenticated and
	// not still loading. Nil means always ready.
	Ready func() bool
	// Header supplies headers for each dial, e.g. a bearer token.
	Header func() http.Header

	// OnMessage receives every validated inbound message of the live connection.
	OnMessage func(protocol.Message)
	// OnStateChange receives transitions the transport makes on its own: dial results,
	// drops, reconnect scheduling and permanent failure. Transitions caused directly by
	// Connect or Disconnect are returned to the caller instead.
	OnStateChange func(Status)

	Logger  *slog.Logger
	Metrics *metrics.Sync
}

type event struct {
	epoch   uint64
	status  *Status
	message *protocol.Message
}

// Transport owns at most one live connection for one document id. Inbound messages and
// state changes are delivered in order on a single goroutine, and only while they belong
// to the current connection.
type Transport struct {
	opts Options
	url  string
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan event
	wg     sync.WaitGroup

	mu        sync.Mutex
	state     State
	attempts  int
	failed    bool
	closeCode int
	epoch     uint64
	conn      Conn
	send      chan []byte
	retry     schedule.Timer
	backoff   backoff.BackOff
	closed    bool
}

func New(opts Options) (*Transport, error) {
	if opts.Scheduler == nil {
		opts.Scheduler = schedule.System()
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = DefaultInitialDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		}}
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	t := &Transport{
		opts:   opts,
		log:    opts.Logger.With("doc", opts.DocumentID),
		events: make(chan event, opts.SendBuffer),
	}
	if !IsPlaceholder(opts.DocumentID) {
		u, err := RoomURL(opts.ServerURL, opts.DocumentID)
		if err != nil {
			return nil, err
		}
		t.url = u
		t.state = Closed
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.InitialDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = opts.InitialDelay << opts.MaxAttempts
	b.MaxElapsedTime = 0
	b.Clock = opts.Scheduler
	b.Reset()
	// #nosec G115 -- MaxAttempts is positive here
	t.backoff = backoff.WithMaxRetries(b, uint64(opts.MaxAttempts))

	t.ctx, t.cancel = context.WithCancel(context.Background())
	go t.dispatch()
	return t, nil
}

// IsPlaceholder reports whether id names no joinable room.
func IsPlaceholder(id string) bool {
	id = strings.TrimSpace(id)
	return id == "" || id == PlaceholderDocumentID
}

func (t *Transport) DocumentID() string {
	return t.opts.DocumentID
}

func (t *Transport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusLocked()
}

func (t *Transport) statusLocked() Status {
	return Status{State: t.state, Attempts: t.attempts, Failed: t.failed, CloseCode: t.closeCode}
}

func (t *Transport) readyLocked() bool {
	if t.closed || t.failed || IsPlaceholder(t.opts.DocumentID) {
		return false
	}
	return t.opts.Ready == nil || t.opts.Ready()
}

// Connect starts a connection attempt in the background. It is a no-op while a connection
// is open or being dialled. When the preconditions do not hold it settles in Closed, or
// Failed if the transport already gave up, without dialling.
func (t *Transport) Connect() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Open || t.state == Connecting {
		return t.state
	}
	t.cancelRetryLocked()
	if !t.readyLocked() {
		if t.failed {
			t.state = Failed
		} else {
			t.state = Closed
		}
		return t.state
	}
	t.epoch++
	epoch := t.epoch
	t.state = Connecting
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.dial(epoch)
	}()
	return t.state
}

func (t *Transport) dial(epoch uint64) {
	var header http.Header
	if t.opts.Header != nil {
		header = t.opts.Header()
	}
	ctx, cancel := context.WithTimeout(t.ctx, t.opts.HandshakeTimeout)
	defer cancel()
	conn, err := t.opts.Dialer.Dial(ctx, t.url, header)

	t.mu.Lock()
	if epoch != t.epoch || t.closed {
		t.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		t.log.Warn("failed to connect", "err", err, "attempt", t.attempts)
		st := t.dropLocked(websocket.CloseAbnormalClosure)
		t.mu.Unlock()
		t.emit(event{epoch: epoch, status: &st})
		return
	}
	t.conn = conn
	t.state = Open
	t.attempts = 0
	t.closeCode = 0
	t.backoff.Reset()
	t.cancelRetryLocked()
	send := make(chan []byte, t.opts.SendBuffer)
	t.send = send
	st := t.statusLocked()
	t.wg.Add(2)
	t.mu.Unlock()

	t.log.Info("connected", "url", t.url)
	t.emit(event{epoch: epoch, status: &st})
	go t.readPump(epoch, conn)
	go t.writePump(conn, send)
}

// dropLocked moves a lost or failed connection to Closed, Reconnecting or Failed.
func (t *Transport) dropLocked(code int) Status {
	t.conn = nil
	if t.send != nil {
		close(t.send)
		t.send = nil
	}
	t.closeCode = code
	if code == websocket.CloseNormalClosure || code == websocket.CloseGoingAway || !t.readyLocked() {
		t.state = Closed
		return t.statusLocked()
	}
	t.attempts++
	delay := t.backoff.NextBackOff()
	if t.attempts > t.opts.MaxAttempts || delay == backoff.Stop {
		t.log.Error("giving up reconnecting", "attempts", t.attempts-1)
		t.failed = true
		t.state = Failed
		t.opts.Metrics.ConnectionFailed()
		return t.statusLocked()
	}
	t.log.Info("scheduling reconnect", "attempt", t.attempts, "delay", delay, "code", code)
	t.opts.Metrics.ReconnectScheduled()
	t.state = Reconnecting
	epoch := t.epoch
	t.retry = t.opts.Scheduler.AfterFunc(delay, func() {
		t.reconnect(epoch)
	})
	return t.statusLocked()
}

func (t *Transport) reconnect(epoch uint64) {
	t.mu.Lock()
	if epoch != t.epoch || t.state != Reconnecting {
		t.mu.Unlock()
		return
	}
	t.retry = nil
	if !t.readyLocked() {
		t.state = Closed
		st := t.statusLocked()
		t.mu.Unlock()
		t.emit(event{epoch: epoch, status: &st})
		return
	}
	t.epoch++
	next := t.epoch
	t.state = Connecting
	st := t.statusLocked()
	t.mu.Unlock()

	t.emit(event{epoch: next, status: &st})
	t.dial(next)
}

func (t *Transport) cancelRetryLocked() {
	if t.retry != nil {
		t.retry.Stop()
		t.retry = nil
	}
}

// Send validates and queues a message. It never blocks; messages are dropped with a
// warning when the transport is not open or the queue is full.
func (t *Transport) Send(msg protocol.Message) error {
	if msg.DocumentID == nil {
		id := t.opts.DocumentID
		msg.DocumentID = &id
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = t.opts.Scheduler.Now()
	}
	raw, err := protocol.Encode(msg)
	if err != nil {
		t.log.Warn("refusing to send invalid message", "type", msg.Type, "err", err)
		t.opts.Metrics.Dropped("invalid_outbound")
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Open || t.send == nil {
		t.log.Warn("dropping message, transport not open", "type", msg.Type, "state", t.state)
		t.opts.Metrics.Dropped("not_open")
		return ErrNotOpen
	}
	select {
	case t.send <- raw:
		t.opts.Metrics.Sent(string(msg.Type))
		return nil
	default:
		t.log.Warn("dropping message, send buffer full", "type", msg.Type)
		t.opts.Metrics.Dropped("buffer_full")
		return ErrBufferFull
	}
}

// Disconnect closes the connection on purpose. Pumps and timers of the old connection are
// detached before the socket closes so its close cannot trigger a reconnect.
func (t *Transport) Disconnect() State {
	t.mu.Lock()
	t.epoch++
	epoch := t.epoch
	t.cancelRetryLocked()
	conn := t.conn
	t.conn = nil
	if t.send != nil {
		close(t.send)
		t.send = nil
	}
	if conn != nil {
		t.state = Closing
	}
	t.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
			t.log.Debug("failed to write close frame", "err", err)
		}
		_ = conn.Close()
		t.log.Info("disconnected")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.epoch == epoch {
		t.state = Closed
	}
	return t.state
}

// ResetFailure clears the permanent failure flag and the attempt counter so preconditions
// are evaluated afresh.
func (t *Transport) ResetFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failed = false
	t.attempts = 0
	t.backoff.Reset()
	if t.state == Failed {
		t.state = Closed
	}
}

// Close disconnects and stops delivering events. The transport cannot be reused.
func (t *Transport) Close() {
	t.Disconnect()
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.cancel()
	t.wg.Wait()
}

func (t *Transport) emit(ev event) {
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
	}
}

func (t *Transport) current(epoch uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return epoch == t.epoch && !t.closed
}

func (t *Transport) dispatch() {
	for {
		select {
		case <-t.ctx.Done():
			return
		case ev := <-t.events:
			if !t.current(ev.epoch) {
				continue
			}
			switch {
			case ev.status != nil && t.opts.OnStateChange != nil:
				t.opts.OnStateChange(*ev.status)
			case ev.message != nil && t.opts.OnMessage != nil:
				t.opts.OnMessage(*ev.message)
			}
		}
	}
}

func (t *Transport) String() string {
	return fmt.Sprintf("transport(%s)", t.opts.DocumentID)
}

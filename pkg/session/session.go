// Package session wires a transport, a reconciler and a presence tracker to one active
// document and keeps them in step with document and authentication changes.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/astromechza/boardsync/pkg/metrics"
	"github.com/astromechza/boardsync/pkg/presence"
	"github.com/astromechza/boardsync/pkg/protocol"
	"github.com/astromechza/boardsync/pkg/reconciler"
	"github.com/astromechza/boardsync/pkg/scene"
	"github.com/astromechza/boardsync/pkg/schedule"
	"github.com/astromechza/boardsync/pkg/transport"
)

const (
	DefaultSceneDebounce   = 300 * time.Millisecond
	DefaultViewDebounce    = 300 * time.Millisecond
	DefaultPointerInterval = 33 * time.Millisecond
)

var ErrClosed = errors.New("session is closed")

// Document is the document engine the session synchronizes.
type Document interface {
	Elements() []scene.Element
	ElementsIncludingDeleted() []scene.Element
	ApplyElements(elements []scene.Element, opts scene.ApplyOptions)
	OnChange(fn func()) (cancel func())
}

// AuthState is what the session needs to know about the signed in user.
type AuthState struct {
	UserID        string
	Username      string
	Token         string
	Authenticated bool
	Loading       bool
}

func (a AuthState) ready() bool {
	return a.Authenticated && !a.Loading
}

// DocumentRef names the active document. Fresh marks a document that was just created,
// whose initial empty scene must not be broadcast.
type DocumentRef struct {
	ID    string
	Fresh bool
}

type Status struct {
	DocumentID string
	State      transport.State
	Attempts   int
	Failed     bool
}

type Options struct {
	ServerURL string
	Document  Document

	Dialer    transport.Dialer
	Scheduler schedule.Scheduler

	InitialDelay     time.Duration
	MaxAttempts      int
	HandshakeTimeout time.Duration
	SendBuffer       int

	SceneDebounce      time.Duration
	ViewDebounce       time.Duration
	PointerInterval    time.Duration
	FullResyncInterval time.Duration

	IdleAfter time.Duration
	AwayAfter time.Duration

	OnStatus           func(Status)
	OnPresence         func([]presence.Collaborator)
	OnFollowedViewport func(participantID string, bounds protocol.Bounds)

	Logger  *slog.Logger
	Metrics *metrics.Sync
}

// Session is safe for concurrent use. Callbacks are never invoked while its lock is held,
// so they may call back into the session.
type Session struct {
	opts   Options
	log    *slog.Logger
	sched  schedule.Scheduler
	anonID string

	auth         atomic.Pointer[AuthState]
	cancelChange func()

	mu        sync.Mutex
	closed    bool
	after     []func()
	doc       DocumentRef
	tr        *transport.Transport
	status    Status
	rec       *reconciler.Reconciler
	pres      *presence.Tracker
	following string

	scene   *schedule.Debouncer
	view    *schedule.Debouncer
	viewNow protocol.Bounds
	pointer *schedule.Throttler[protocol.PointerUpdatePayload]
	resync  *schedule.Periodic
}

func New(opts Options) (*Session, error) {
	if opts.Document == nil {
		return nil, fmt.Errorf("a document is required")
	}
	if opts.Scheduler == nil {
		opts.Scheduler = schedule.System()
	}
	if opts.SceneDebounce <= 0 {
		opts.SceneDebounce = DefaultSceneDebounce
	}
	if opts.ViewDebounce <= 0 {
		opts.ViewDebounce = DefaultViewDebounce
	}
	if opts.PointerInterval <= 0 {
		opts.PointerInterval = DefaultPointerInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Session{
		opts:   opts,
		log:    opts.Logger,
		anonID: uuid.NewString(),
		rec:    reconciler.New(),
		doc:    DocumentRef{ID: transport.PlaceholderDocumentID},
	}
	s.auth.Store(&AuthState{})
	s.pres = presence.New(presence.Options{LocalID: s.anonID, IdleAfter: opts.IdleAfter, AwayAfter: opts.AwayAfter})
	s.status = Status{DocumentID: s.doc.ID, State: transport.Idle}

	s.sched = schedule.Guarded(opts.Scheduler, s.exec)
	s.scene = schedule.NewDebouncer(s.sched, opts.SceneDebounce, s.broadcastSceneLocked)
	s.view = schedule.NewDebouncer(s.sched, opts.ViewDebounce, s.sendViewLocked)
	s.pointer = schedule.NewThrottler(s.sched, opts.PointerInterval, s.sendPointerLocked)
	s.resync = schedule.NewPeriodic(s.sched, opts.FullResyncInterval, s.fullResyncLocked)

	s.cancelChange = opts.Document.OnChange(s.onDocumentChange)
	return s, nil
}

// exec runs a timer callback under the session lock.
func (s *Session) exec(f func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	f()
	s.unlock()
}

// later queues f to run once the lock is released.
func (s *Session) later(f func()) {
	s.after = append(s.after, f)
}

func (s *Session) unlock() {
	fns := s.after
	s.after = nil
	s.mu.Unlock()
	for _, f := range fns {
		f()
	}
}

func (s *Session) localIDLocked() string {
	if id := s.auth.Load().UserID; id != "" {
		return id
	}
	return s.anonID
}

// SetDocument makes ref the active document. Switching to a different id cancels pending
// broadcasts, resets the watermarks and presence, and rebuilds the transport.
func (s *Session) SetDocument(ref DocumentRef) error {
	s.mu.Lock()
	defer s.unlock()
	if s.closed {
		return ErrClosed
	}
	if ref.ID == "" {
		ref.ID = transport.PlaceholderDocumentID
	}
	if ref.ID == s.doc.ID && s.tr != nil {
		s.doc.Fresh = ref.Fresh
		return nil
	}

	s.log.Info("switching document", "from", s.doc.ID, "to", ref.ID)
	s.teardownLocked()
	s.doc = ref

	tr, err := s.newTransport(ref.ID)
	if err != nil {
		s.setStatusLocked(transport.Status{State: transport.Failed, Failed: true})
		return fmt.Errorf("failed to create transport for %s: %w", ref.ID, err)
	}
	s.tr = tr
	s.setStatusLocked(tr.Status())
	// a fresh or empty scene becomes the baseline now; a loaded one waits for the connection
	s.broadcastSceneLocked()
	s.connectLocked()
	return nil
}

func (s *Session) newTransport(docID string) (*transport.Transport, error) {
	var tr *transport.Transport
	var err error
	tr, err = transport.New(transport.Options{
		ServerURL:        s.opts.ServerURL,
		DocumentID:       docID,
		Dialer:           s.opts.Dialer,
		Scheduler:        s.opts.Scheduler,
		InitialDelay:     s.opts.InitialDelay,
		MaxAttempts:      s.opts.MaxAttempts,
		HandshakeTimeout: s.opts.HandshakeTimeout,
		SendBuffer:       s.opts.SendBuffer,
		Ready: func() bool {
			return s.auth.Load().ready()
		},
		Header: s.header,
		OnMessage: func(msg protocol.Message) {
			s.onMessage(tr, msg)
		},
		OnStateChange: func(st transport.Status) {
			s.onTransportStatus(tr, st)
		},
		Logger:  s.log,
		Metrics: s.opts.Metrics,
	})
	return tr, err
}

func (s *Session) header() http.Header {
	a := s.auth.Load()
	h := http.Header{}
	id := a.UserID
	if id == "" {
		id = s.anonID
	}
	h.Set(protocol.HeaderParticipant, id)
	if a.Username != "" {
		h.Set(protocol.HeaderUsername, a.Username)
	}
	if a.Token != "" {
		h.Set("Authorization", "Bearer "+a.Token)
	}
	return h
}

// teardownLocked cancels every timer, forgets all per-document state and closes the
// current transport once the lock is released.
func (s *Session) teardownLocked() {
	s.scene.Cancel()
	s.view.Cancel()
	s.pointer.Cancel()
	s.resync.Stop()
	s.rec.Reset()
	s.following = ""
	s.clearPresenceLocked()
	if old := s.tr; old != nil {
		s.tr = nil
		s.later(old.Close)
	}
}

func (s *Session) connectLocked() {
	if s.tr == nil || !s.auth.Load().ready() || transport.IsPlaceholder(s.doc.ID) {
		return
	}
	if s.tr.Status().Failed {
		s.tr.ResetFailure()
	}
	s.tr.Connect()
	s.setStatusLocked(s.tr.Status())
}

// SetAuth updates the signed in user. Becoming ready clears any permanent failure and
// connects; becoming unready disconnects.
func (s *Session) SetAuth(a AuthState) {
	s.mu.Lock()
	defer s.unlock()
	if s.closed {
		return
	}
	prev := *s.auth.Load()
	if prev == a {
		return
	}
	s.auth.Store(&a)
	if a.UserID != prev.UserID {
		s.pres.SetLocal(s.localIDLocked())
	}
	if s.tr == nil {
		return
	}
	if a.ready() {
		s.connectLocked()
		return
	}
	if prev.ready() {
		s.log.Info("auth no longer valid, disconnecting", "doc", s.doc.ID)
	}
	s.disconnectLater(s.tr)
}

// disconnectLater closes tr once the lock is released, then settles the session against
// whatever auth state holds by then.
func (s *Session) disconnectLater(tr *transport.Transport) {
	s.later(func() {
		tr.Disconnect()
		s.mu.Lock()
		defer s.unlock()
		if s.closed || s.tr != tr {
			return
		}
		s.setStatusLocked(tr.Status())
		s.connectLocked()
	})
}

// Status returns the connection status of the active document.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Collaborators returns the remote participants of the active document.
func (s *Session) Collaborators() []presence.Collaborator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pres.Snapshot(s.opts.Scheduler.Now())
}

// Watermarks exposes the reconciler state of the active document.
func (s *Session) Watermarks() (broadcast, processed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Watermarks()
}

func (s *Session) setStatusLocked(st transport.Status) {
	next := Status{DocumentID: s.doc.ID, State: st.State, Attempts: st.Attempts, Failed: st.Failed}
	prevOpen := s.status.State == transport.Open
	if next == s.status {
		return
	}
	s.status = next

	if next.State == transport.Open {
		s.resync.Start()
		// a pending loaded scene and edits made while offline go out now
		if !prevOpen {
			s.scene.Cancel()
			s.broadcastSceneLocked()
		}
	} else {
		s.resync.Stop()
		s.pointer.Cancel()
		s.clearPresenceLocked()
	}
	if cb := s.opts.OnStatus; cb != nil {
		s.later(func() { cb(next) })
	}
}

func (s *Session) onTransportStatus(tr *transport.Transport, st transport.Status) {
	s.mu.Lock()
	defer s.unlock()
	if s.closed || s.tr != tr {
		return
	}
	switch st.State {
	case transport.Failed:
		s.log.Error("gave up connecting", "doc", s.doc.ID, "attempts", st.Attempts)
	case transport.Reconnecting:
		s.log.Warn("connection lost, reconnecting", "doc", s.doc.ID, "attempt", st.Attempts)
	}
	// events can be overtaken by calls made under the lock, so the transport's current
	// status wins over the one carried by the event
	s.setStatusLocked(tr.Status())
}

func (s *Session) onDocumentChange() {
	s.mu.Lock()
	defer s.unlock()
	if s.closed || s.tr == nil {
		return
	}
	s.scene.Trigger()
}

func (s *Session) broadcastSceneLocked() {
	if s.tr == nil {
		return
	}
	plan := s.rec.PlanLocal(s.opts.Document.ElementsIncludingDeleted(), s.doc.Fresh)
	s.opts.Metrics.Decision(plan.Decision.String())
	switch plan.Decision {
	case reconciler.SuppressAmbiguous:
		s.log.Debug("suppressing ambiguous scene broadcast", "doc", s.doc.ID, "version", plan.Version)
		return
	case reconciler.Unchanged:
		return
	}
	if !plan.ShouldSend() {
		s.rec.Commit(plan)
		return
	}
	if s.status.State != transport.Open {
		return
	}
	if s.sendLocked(protocol.SceneUpdatePayload{Subtype: plan.Subtype, Elements: plan.Elements}) {
		s.rec.Commit(plan)
	}
}

func (s *Session) fullResyncLocked() {
	if s.tr == nil || s.status.State != transport.Open {
		return
	}
	plan := s.rec.PlanFullResync(s.opts.Document.ElementsIncludingDeleted())
	if !plan.ShouldSend() {
		return
	}
	s.opts.Metrics.Decision(plan.Decision.String())
	if s.sendLocked(protocol.SceneUpdatePayload{Subtype: plan.Subtype, Elements: plan.Elements}) {
		s.rec.Commit(plan)
	}
}

func (s *Session) sendLocked(p protocol.Payload) bool {
	msg := protocol.New(s.doc.ID, p, s.opts.Scheduler.Now())
	msg.SenderID = s.localIDLocked()
	if err := s.tr.Send(msg); err != nil {
		s.log.Debug("failed to send", "type", msg.Type, "err", err)
		return false
	}
	return true
}

// PointerMove reports the local pointer. Updates are throttled and only the latest
// position of each window is sent.
func (s *Session) PointerMove(p protocol.Pointer, button protocol.Button) {
	s.mu.Lock()
	defer s.unlock()
	if s.closed || s.tr == nil || s.status.State != transport.Open {
		return
	}
	s.pointer.Push(protocol.PointerUpdatePayload{Pointer: p, Button: button})
}

func (s *Session) sendPointerLocked(p protocol.PointerUpdatePayload) {
	if s.tr == nil || s.status.State != transport.Open {
		return
	}
	s.sendLocked(p)
}

// SetViewState records the local viewport. It is sent once the view settles.
func (s *Session) SetViewState(bounds protocol.Bounds) {
	s.mu.Lock()
	defer s.unlock()
	if s.closed || s.tr == nil {
		return
	}
	s.viewNow = bounds
	s.view.Trigger()
}

func (s *Session) sendViewLocked() {
	if s.tr == nil || s.status.State != transport.Open {
		return
	}
	s.sendLocked(protocol.ViewportUpdatePayload{Bounds: s.viewNow})
}

// Follow asks to follow another participant's viewport.
func (s *Session) Follow(participantID string) error {
	s.mu.Lock()
	defer s.unlock()
	if err := s.requireOpenLocked(); err != nil {
		return err
	}
	msg := protocol.New(s.doc.ID, protocol.FollowRequestPayload{UserToFollowID: participantID}, s.opts.Scheduler.Now())
	msg.SenderID = s.localIDLocked()
	if err := s.tr.Send(msg); err != nil {
		return err
	}
	s.following = participantID
	return nil
}

// Unfollow stops following. It is a no-op when nobody is followed.
func (s *Session) Unfollow() error {
	s.mu.Lock()
	defer s.unlock()
	if s.following == "" {
		return nil
	}
	if err := s.requireOpenLocked(); err != nil {
		return err
	}
	msg := protocol.New(s.doc.ID, protocol.UnfollowRequestPayload{UserToFollowID: s.following}, s.opts.Scheduler.Now())
	msg.SenderID = s.localIDLocked()
	if err := s.tr.Send(msg); err != nil {
		return err
	}
	s.following = ""
	return nil
}

func (s *Session) Following() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.following
}

func (s *Session) requireOpenLocked() error {
	if s.closed {
		return ErrClosed
	}
	if s.tr == nil || s.status.State != transport.Open {
		return transport.ErrNotOpen
	}
	return nil
}

// Close disconnects, cancels every timer and releases all callbacks. The session cannot be
// reused.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.teardownLocked()
	s.status.State = transport.Closed
	s.unlock()
	s.cancelChange()
}

// Package relay is a development room server: it fans frames out between the connections of
// a room, keeps the latest scene of every room and backs it up to sqlite.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/astromechza/boardsync/pkg/metrics"
	"github.com/astromechza/boardsync/pkg/protocol"
	"github.com/astromechza/boardsync/pkg/scene"
)

const (
	DefaultPathPrefix = "/rooms"
	sendBuffer        = 256
	writeWait         = 10 * time.Second
)

type Options struct {
	Store  *Store
	Broker Broker
	// PathPrefix is where rooms are served, defaulting to DefaultPathPrefix.
	PathPrefix string
	// Gatherer serves /metrics when set.
	Gatherer prometheus.Gatherer
	Metrics  *metrics.Relay
	Logger   *slog.Logger
}

type Server struct {
	opts     Options
	hub      *Hub
	router   *mux.Router
	upgrader websocket.Upgrader
	log      *slog.Logger
	conns    sync.WaitGroup
}

func NewServer(opts Options) *Server {
	if opts.PathPrefix == "" {
		opts.PathPrefix = DefaultPathPrefix
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		opts: opts,
		hub:  NewHub(opts.Store, opts.Broker, opts.Metrics, opts.Logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// a development relay accepts any origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: opts.Logger,
	}

	r := mux.NewRouter()
	r.Use(s.logRequests)
	r.Methods(http.MethodGet).Path(opts.PathPrefix + "/{room}/latest").HandlerFunc(s.getLatest)
	r.Methods(http.MethodGet).Path(opts.PathPrefix + "/{room}/history").HandlerFunc(s.getHistory)
	r.Methods(http.MethodGet).Path(opts.PathPrefix + "/{room}").HandlerFunc(s.serveRoom)
	if opts.Gatherer != nil {
		r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Hub() *Hub {
	return s.hub
}

// Close disconnects every room connection and waits for their handlers to return.
func (s *Server) Close() {
	s.hub.Close()
	s.conns.Wait()
}

func (s *Server) logRequests(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		m := httpsnoop.CaptureMetrics(handler, writer, request)
		s.log.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
	})
}

type latestResponse struct {
	Room     string          `json:"room"`
	Version  int64           `json:"version"`
	Elements []scene.Element `json:"elements"`
}

func (s *Server) getLatest(writer http.ResponseWriter, request *http.Request) {
	room, err := s.opts.Store.Lookup(mux.Vars(request)["room"])
	if err != nil {
		writeLookupError(writer, err)
		return
	}
	elements := room.Elements()
	writer.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(latestResponse{
		Room:     room.ID(),
		Version:  scene.DocumentVersion(elements),
		Elements: elements,
	}); err != nil {
		s.log.Error("failed to write out", "err", err)
	}
}

func (s *Server) getHistory(writer http.ResponseWriter, request *http.Request) {
	room, err := s.opts.Store.Lookup(mux.Vars(request)["room"])
	if err != nil {
		writeLookupError(writer, err)
		return
	}
	fork, err := room.History()
	if err != nil {
		s.log.Error("failed to fork", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writer.Header().Add("Content-Type", "application/octet-stream")
	if _, err := writer.Write(fork.Save()); err != nil {
		s.log.Error("failed to write out", "err", err)
	}
}

func writeLookupError(writer http.ResponseWriter, err error) {
	if errors.Is(err, ErrRoomNotFound) {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	writer.WriteHeader(http.StatusInternalServerError)
}

// participantOf identifies the connecting participant by header, then query, then a fresh id.
func participantOf(request *http.Request) (string, string) {
	id := request.Header.Get(protocol.HeaderParticipant)
	if id == "" {
		id = request.URL.Query().Get("participant")
	}
	if id == "" {
		id = uuid.NewString()
	}
	username := request.Header.Get(protocol.HeaderUsername)
	if username == "" {
		username = request.URL.Query().Get("username")
	}
	return id, username
}

func (s *Server) serveRoom(writer http.ResponseWriter, request *http.Request) {
	participant, username := participantOf(request)
	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.log.Error("failed to upgrade", "err", err)
		return
	}
	s.conns.Add(1)
	defer s.conns.Done()
	defer conn.Close()
	s.opts.Metrics.ConnectionOpened()
	defer s.opts.Metrics.ConnectionClosed()

	var closeOnce sync.Once
	c := &client{
		id:          uuid.NewString(),
		participant: participant,
		username:    username,
		room:        mux.Vars(request)["room"],
		send:        make(chan []byte, sendBuffer),
		closeConn: func() {
			closeOnce.Do(func() {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"),
					time.Now().Add(writeWait))
				_ = conn.Close()
			})
		},
	}
	// the request context ends once the handler returns, which the hub outlives
	ctx := context.WithoutCancel(request.Context())
	if err := s.hub.join(ctx, c); err != nil {
		s.log.Error("failed to join", "room", c.room, "err", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "room unavailable"),
			time.Now().Add(writeWait))
		return
	}

	written := make(chan struct{})
	go func() {
		defer close(written)
		s.writePump(conn, c)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("connection ended", "room", c.room, "conn", c.id, "err", err)
			}
			break
		}
		s.hub.handle(ctx, c, raw)
	}
	s.hub.leave(ctx, c)
	<-written
}

// writePump writes queued frames until the hub closes the queue.
func (s *Server) writePump(conn *websocket.Conn, c *client) {
	failed := false
	for raw := range c.send {
		if failed {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			s.log.Warn("failed to write", "room", c.room, "conn", c.id, "err", err)
			failed = true
			_ = conn.Close()
		}
	}
	if !failed {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
	}
}

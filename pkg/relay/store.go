package relay

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/boardsync/pkg/metrics"
	"github.com/astromechza/boardsync/pkg/scene"
)

var ErrRoomNotFound = errors.New("room not found")

// HistoryKey is the root map of a room's history document. It holds one entry per element id
// with the element's version, deleted flag and encoded payload.
const HistoryKey = "elements"

// Room is the persisted scene of one document. Every merge that changes the scene is also
// committed to an automerge document so the room keeps a replayable history.
type Room struct {
	id string

	mu       sync.Mutex
	elements []scene.Element
	history  *automerge.Doc

	// generation counts changes; saved is the generation last written to the database
	generation uint64
	saved      uint64
}

func newRoom(id string) (*Room, error) {
	doc := automerge.New()
	if err := doc.Path(HistoryKey).Set(map[string]interface{}{}); err != nil {
		return nil, fmt.Errorf("failed to seed history: %w", err)
	}
	if _, err := doc.Commit("created "+id, automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return nil, fmt.Errorf("failed to commit history: %w", err)
	}
	return &Room{id: id, history: doc, generation: 1}, nil
}

func (r *Room) ID() string {
	return r.id
}

// Merge applies incoming with the same per-element rule the clients use and returns the
// elements that won.
func (r *Room) Merge(incoming []scene.Element, actor string) ([]scene.Element, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	merged, accepted := scene.Reconcile(r.elements, scene.Restore(incoming))
	if len(accepted) == 0 {
		return nil, nil
	}
	r.elements = merged
	r.generation++
	for _, e := range accepted {
		payload, err := json.Marshal(e)
		if err != nil {
			return accepted, fmt.Errorf("failed to encode %s: %w", e.ID, err)
		}
		if err := r.history.Path(HistoryKey, e.ID).Set(map[string]interface{}{
			"version": e.Version,
			"deleted": e.Deleted,
			"payload": string(payload),
		}); err != nil {
			return accepted, fmt.Errorf("failed to record %s: %w", e.ID, err)
		}
	}
	if _, err := r.history.Commit(fmt.Sprintf("%s merged %d", actor, len(accepted)), automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return accepted, fmt.Errorf("failed to commit history: %w", err)
	}
	return accepted, nil
}

// Elements returns the stored scene, tombstones included.
func (r *Room) Elements() []scene.Element {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]scene.Element, len(r.elements))
	for i, e := range r.elements {
		out[i] = e.Clone()
	}
	return out
}

// History returns a copy of the history document.
func (r *Room) History() (*automerge.Doc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.history.Fork()
}

// snapshot returns the encoded scene and history with their generation when the room
// changed since it was last saved.
func (r *Room) snapshot() (content string, history string, generation uint64, ok bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.generation == r.saved {
		return "", "", 0, false, nil
	}
	raw, err := json.Marshal(r.elements)
	if err != nil {
		return "", "", 0, false, fmt.Errorf("failed to encode scene: %w", err)
	}
	if r.elements == nil {
		raw = []byte("[]")
	}
	return string(raw), base64.StdEncoding.EncodeToString(r.history.Save()), r.generation, true, nil
}

// markSaved records that the snapshot of generation reached the database. Merges made since
// keep the room dirty.
func (r *Room) markSaved(generation uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if generation > r.saved {
		r.saved = generation
	}
}

// Store keeps every room in memory and backs them up to sqlite.
type Store struct {
	database *sql.DB
	metrics  *metrics.Relay

	mu    sync.Mutex
	rooms map[string]*Room
}

// OpenStore opens or creates the sqlite database at path and loads every stored room.
func OpenStore(ctx context.Context, path string, m *metrics.Relay) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)
	s := &Store{database: db, metrics: m, rooms: make(map[string]*Room)}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	if _, err := s.database.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS rooms (
		id text not null primary key,
		scene text not null,
		history text not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	rows, err := s.database.QueryContext(ctx, `SELECT id, scene, history FROM rooms`)
	if err != nil {
		return fmt.Errorf("failed to query: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			slog.Error("failed to close rows", "err", err)
		}
	}(rows)
	for rows.Next() {
		var id, content, rawHistory string
		if err := rows.Scan(&id, &content, &rawHistory); err != nil {
			return fmt.Errorf("failed to scan: %w", err)
		}
		var elements []scene.Element
		if err := json.Unmarshal([]byte(content), &elements); err != nil {
			return fmt.Errorf("failed to decode scene of %s: %w", id, err)
		}
		raw, err := base64.StdEncoding.DecodeString(rawHistory)
		if err != nil {
			return fmt.Errorf("failed to decode history of %s: %w", id, err)
		}
		doc, err := automerge.Load(raw)
		if err != nil {
			return fmt.Errorf("failed to load history of %s: %w", id, err)
		}
		s.rooms[id] = &Room{id: id, elements: scene.Restore(elements), history: doc}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read rooms: %w", err)
	}
	slog.Info("loaded rooms", "count", len(s.rooms))
	return nil
}

// Room returns the room for id, creating it when it does not exist yet.
func (s *Store) Room(id string) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[id]; ok {
		return r, nil
	}
	r, err := newRoom(id)
	if err != nil {
		return nil, err
	}
	s.rooms[id] = r
	return r, nil
}

// Lookup returns an existing room or ErrRoomNotFound.
func (s *Store) Lookup(id string) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, id)
	}
	return r, nil
}

// IDs lists the known rooms in order.
func (s *Store) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Backup writes every room that changed since the last backup and returns how many were
// written.
func (s *Store) Backup(ctx context.Context) (int, error) {
	written := 0
	var errs []error
	for _, id := range s.IDs() {
		r, err := s.Lookup(id)
		if err != nil {
			continue
		}
		content, history, generation, ok, err := r.snapshot()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		if _, err := s.database.ExecContext(ctx,
			`INSERT INTO rooms (id, scene, history) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET scene = excluded.scene, history = excluded.history`,
			id, content, history,
		); err != nil {
			s.metrics.Backup("error")
			errs = append(errs, fmt.Errorf("failed to back up %s: %w", id, err))
			continue
		}
		r.markSaved(generation)
		s.metrics.Backup("ok")
		written++
	}
	return written, errors.Join(errs...)
}

// RunBackups backs up on every tick until ctx is done.
func (s *Store) RunBackups(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if n, err := s.Backup(ctx); err != nil {
				slog.Error("failed to back up rooms", "err", err)
			} else if n > 0 {
				slog.Info("backed up", "rooms", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Store) Close() error {
	return s.database.Close()
}

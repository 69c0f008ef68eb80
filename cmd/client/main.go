package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/astromechza/boardsync/pkg/config"
	"github.com/astromechza/boardsync/pkg/metrics"
	"github.com/astromechza/boardsync/pkg/presence"
	"github.com/astromechza/boardsync/pkg/protocol"
	"github.com/astromechza/boardsync/pkg/scene"
	"github.com/astromechza/boardsync/pkg/session"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	configVar := flag.String("config", "", "an optional yaml config file")
	docVar := flag.String("doc", "default", "the document to join")
	elementsVar := flag.Int("elements", 8, "how many distinct elements to edit")
	metricsVar := flag.String("metrics", "", "serve sync metrics on this address, e.g. :9091")
	flag.Parse()

	cfg, err := config.Load(*configVar)
	if err != nil {
		return err
	}
	username := cfg.Identity.Username
	if username == "" {
		username = fmt.Sprintf("client-%d", os.Getpid())
	}

	board := scene.NewBoard()
	reg := prometheus.NewRegistry()
	s, err := session.New(session.Options{
		ServerURL:          cfg.Server.RoomsURL(),
		Document:           board,
		InitialDelay:       cfg.Transport.InitialDelay,
		MaxAttempts:        cfg.Transport.MaxAttempts,
		HandshakeTimeout:   cfg.Transport.HandshakeTimeout,
		SendBuffer:         cfg.Transport.SendBuffer,
		SceneDebounce:      cfg.Sync.SceneDebounce,
		ViewDebounce:       cfg.Sync.ViewDebounce,
		PointerInterval:    cfg.Sync.PointerInterval,
		FullResyncInterval: cfg.Sync.FullResyncInterval,
		IdleAfter:          cfg.Presence.IdleAfter,
		AwayAfter:          cfg.Presence.AwayAfter,
		OnStatus: func(st session.Status) {
			slog.Info("status", "doc", st.DocumentID, "state", st.State, "attempts", st.Attempts, "failed", st.Failed)
		},
		OnPresence: func(c []presence.Collaborator) {
			names := make([]string, 0, len(c))
			for _, collaborator := range c {
				names = append(names, fmt.Sprintf("%s(%s)", collaborator.Username, collaborator.Activity))
			}
			slog.Info("collaborators", "count", len(c), "who", names)
		},
		Metrics: metrics.NewSync(reg),
	})
	if err != nil {
		return err
	}
	defer s.Close()

	s.SetAuth(session.AuthState{UserID: cfg.Identity.UserID, Username: username, Authenticated: true})
	if err := s.SetDocument(session.DocumentRef{ID: *docVar}); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		editRandomlyContinuously(ctx, board, *elementsVar)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		movePointerContinuously(ctx, s)
	}()

	var metricsServer *http.Server
	if *metricsVar != "" {
		metricsServer = &http.Server{Addr: *metricsVar, Handler: metricsHandler(reg)}
		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("serving metrics", "addr", *metricsVar)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics listen failed", "err", err)
			}
		}()
	}

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()
	if metricsServer != nil {
		_ = metricsServer.Close()
	}

	wg.Wait()

	raw, err := json.MarshalIndent(board.ElementsIncludingDeleted(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode scene: %w", err)
	}
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("boardsync-%s-%d.json", *docVar, os.Getpid()))
	if err := os.WriteFile(tf, raw, 0o644); err != nil {
		return fmt.Errorf("failed to dump scene: %w", err)
	}
	live := len(board.Elements())
	slog.Info("dumped", "dump", tf, "live", live, "version", scene.DocumentVersion(board.ElementsIncludingDeleted()))
	return nil
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	r := mux.NewRouter()
	r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return r
}

// editRandomlyContinuously upserts or deletes a random element every one to five seconds.
func editRandomlyContinuously(ctx context.Context, board *scene.Board, elements int) {
	for {
		t := time.NewTimer(time.Second + time.Second*time.Duration(rand.Intn(5)))
		select {
		case <-t.C:
			id := fmt.Sprintf("el-%d", rand.Intn(elements))
			if rand.Intn(4) == 0 {
				if e, ok := board.Delete(id); ok {
					slog.Info("deleted", "id", id, "version", e.Version)
				}
				continue
			}
			e, err := board.Upsert(id, map[string]any{
				"type": "rectangle",
				"x":    rand.Intn(1000),
				"y":    rand.Intn(1000),
			})
			if err != nil {
				slog.Error("failed to upsert", "id", id, "err", err)
				continue
			}
			slog.Info("upserted", "id", id, "version", e.Version)
		case <-ctx.Done():
			t.Stop()
			slog.Info("stopping scheduled edits")
			return
		}
	}
}

// movePointerContinuously wanders the pointer around so peers see presence traffic.
func movePointerContinuously(ctx context.Context, s *session.Session) {
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	x, y := 500.0, 500.0
	for {
		select {
		case <-t.C:
			x += rand.Float64()*20 - 10
			y += rand.Float64()*20 - 10
			s.PointerMove(protocol.Pointer{X: x, Y: y, Tool: "pointer"}, protocol.ButtonUp)
			s.SetViewState(protocol.Bounds{x - 400, y - 300, x + 400, y + 300})
		case <-ctx.Done():
			slog.Info("stopping pointer")
			return
		}
	}
}

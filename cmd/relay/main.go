package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/astromechza/boardsync/pkg/config"
	"github.com/astromechza/boardsync/pkg/metrics"
	"github.com/astromechza/boardsync/pkg/relay"
	"github.com/astromechza/boardsync/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	configVar := flag.String("config", "", "an optional yaml config file")
	addrVar := flag.String("addr", "", "the address to listen on, overrides relay.addr")
	renderVar := flag.Bool("render", false, "render every room's history to svg on exit")
	flag.Parse()

	cfg, err := config.Load(*configVar)
	if err != nil {
		return err
	}
	if *addrVar != "" {
		cfg.Relay.Addr = *addrVar
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewRelay(reg)

	slog.Info("Opening database", "path", cfg.Relay.Database)
	store, err := relay.OpenStore(ctx, cfg.Relay.Database, m)
	if err != nil {
		return err
	}
	defer store.Close()

	var broker relay.Broker = relay.NewMemoryBroker()
	if cfg.Relay.RedisAddr != "" {
		rb, err := relay.NewRedisBroker(ctx, cfg.Relay.RedisAddr)
		if err != nil {
			return err
		}
		slog.Info("fanning out through redis", "addr", cfg.Relay.RedisAddr)
		broker = rb
	}
	defer broker.Close()

	server := relay.NewServer(relay.Options{
		Store:      store,
		Broker:     broker,
		PathPrefix: "/" + strings.Trim(cfg.Server.PathPrefix, "/"),
		Gatherer:   reg,
		Metrics:    m,
	})

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		store.RunBackups(ctx, cfg.Relay.BackupInterval)
	}()

	httpServer := &http.Server{Addr: cfg.Relay.Addr, Handler: server.Handler()}

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("listening", "addr", cfg.Relay.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()
	_ = httpServer.Close()
	server.Close()

	wg.Wait()

	if n, err := store.Backup(context.Background()); err != nil {
		slog.Error("failed final backup", "err", err)
	} else {
		slog.Info("final backup", "rooms", n)
	}

	for _, id := range store.IDs() {
		if err := dumpRoom(store, id, *renderVar); err != nil {
			slog.Error("failed to dump", "room", id, "err", err)
		}
	}
	return nil
}

// dumpRoom writes the room's history next to the other temp files and optionally renders it.
func dumpRoom(store *relay.Store, id string, render bool) error {
	room, err := store.Lookup(id)
	if err != nil {
		return err
	}
	doc, err := room.History()
	if err != nil {
		return fmt.Errorf("failed to fork history: %w", err)
	}
	tf := filepath.Join(os.TempDir(), "boardsync-"+id+".automerge")
	if err := os.WriteFile(tf, doc.Save(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tf, err)
	}
	slog.Info("dumped", "room", id, "path", tf)
	if !render {
		return nil
	}
	svgPath, err := viz.RenderToTemp(doc, relay.HistoryKey)
	if err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	slog.Info("rendered", "room", id, "path", "file://"+svgPath)
	return nil
}

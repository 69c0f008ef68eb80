package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/automerge/automerge-go"

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
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	dbVar := flag.String("db", "", "read the room from this relay database instead of a file")
	roomVar := flag.String("room", "", "the room to read from -db")
	svgVar := flag.String("svg", "", "also render the history to this svg file")
	flag.Parse()

	doc, err := loadHistory(*dbVar, *roomVar)
	if err != nil {
		return err
	}
	slog.Info("loaded doc", "contents", doc.RootMap().GoString())
	slog.Info("loaded heads", "heads", doc.Heads())

	slog.Info("changes:")

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}
	for i, change := range changes {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", change.Hash(), "actor", change.ActorID(), "message", change.Message(), "dep", change.Dependencies())
	}

	fmt.Println(`digraph "log" {`)
	for _, change := range changes {
		docAt, err := doc.Fork(change.Hash())
		if err != nil {
			return fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
		}
		counts, err := viz.CountElements(docAt, relay.HistoryKey)
		if err != nil {
			return err
		}
		fmt.Printf("    \"%s\" [label=%q]\n", change.Hash(), viz.Label(change, counts))
		for _, hash := range change.Dependencies() {
			fmt.Printf("    \"%s\" -> \"%s\"\n", hash, change.Hash())
		}
	}
	fmt.Println("}")

	if *svgVar != "" {
		if err := viz.RenderDocToSvg(doc, relay.HistoryKey, *svgVar); err != nil {
			return err
		}
		slog.Info("rendered", "path", "file://"+*svgVar)
	}
	return nil
}

// loadHistory reads a room's history from a relay database, a relay url or a dumped file.
func loadHistory(db, room string) (*automerge.Doc, error) {
	if db != "" {
		if room == "" {
			return nil, fmt.Errorf("-room is required with -db")
		}
		store, err := relay.OpenStore(context.Background(), db, nil)
		if err != nil {
			return nil, err
		}
		defer store.Close()
		r, err := store.Lookup(room)
		if err != nil {
			return nil, err
		}
		return r.History()
	}

	if flag.NArg() != 1 {
		return nil, fmt.Errorf("expected one position argument: the file or history url to read")
	}
	raw, err := readSource(flag.Arg(0))
	if err != nil {
		return nil, err
	}
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load doc: %w", err)
	}
	return doc, nil
}

func readSource(source string) ([]byte, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		resp, err := http.DefaultClient.Get(source)
		if err != nil {
			return nil, fmt.Errorf("failed to get: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read body from get: %w", err)
		}
		return raw, nil
	}
	f, err := os.Open(source)
	if err != nil {
		return nil, fmt.Errorf("failed to open input file: %w", err)
	}
	defer f.Close()
	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read input file: %w", err)
	}
	return raw, nil
}

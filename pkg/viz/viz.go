// Package viz renders the change graph of a room's history document.
package viz

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// Counts summarises the element map of a history document at one point in time.
type Counts struct {
	Live    int
	Deleted int
}

// CountElements reads the element map found under key. A missing map counts as empty.
func CountElements(doc *automerge.Doc, key string) (Counts, error) {
	var c Counts
	keys, err := doc.Path(key).Map().Keys()
	if err != nil {
		return c, nil
	}
	for _, id := range keys {
		v, err := doc.Path(key, id, "deleted").Get()
		if err != nil {
			return c, fmt.Errorf("failed to read %s: %w", id, err)
		}
		if deleted, _ := v.Interface().(bool); deleted {
			c.Deleted++
		} else {
			c.Live++
		}
	}
	return c, nil
}

// Label describes a change for a graph node.
func Label(change *automerge.Change, c Counts) string {
	return fmt.Sprintf("%s %s@%d %q live=%d deleted=%d",
		change.Hash().String()[:8], change.ActorID(), change.ActorSeq(), change.Message(), c.Live, c.Deleted)
}

// RenderDocToSvg draws one node per change, labelled with the element counts after it, and
// one edge per dependency.
func RenderDocToSvg(doc *automerge.Doc, key string, outputPath string) error {
	g := graphviz.New()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}

	nodeMap := make(map[string]*cgraph.Node)
	var edgeCounter uint64
	for _, change := range changes {
		docAt, err := doc.Fork(change.Hash())
		if err != nil {
			return fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
		}
		counts, err := CountElements(docAt, key)
		if err != nil {
			return fmt.Errorf("failed to count elements at %s: %w", change.Hash(), err)
		}

		n, err := graph.CreateNode(change.Hash().String())
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(Label(change, counts))
		nodeMap[n.Name()] = n

		for _, hash := range change.Dependencies() {
			_, err := graph.CreateEdge(strconv.Itoa(int(atomic.AddUint64(&edgeCounter, 1))), nodeMap[hash.String()], n)
			if err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}

	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return nil
}

func RenderToTemp(doc *automerge.Doc, key string) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d%d.svg", time.Now().UnixNano(), rand.Int()))
	if err := RenderDocToSvg(doc, key, tf); err != nil {
		return "", err
	}
	return tf, nil
}

package viz

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/automerge-notebook/pkg/notebook"
)

// Render draws the change graph of a notebook history, each node labelled with its hash prefix, author and the
// number of cells after the change.
func Render(history []notebook.HistoryEntry, format graphviz.Format, w io.Writer) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	nodeMap := make(map[string]*cgraph.Node)
	edgeCounter := 0
	for _, entry := range history {
		n, err := graph.CreateNode(entry.Hash)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(fmt.Sprintf("%s %s@%d cells=%d", entry.Hash[:8], entry.ActorID, entry.Seq, entry.Cells))
		nodeMap[entry.Hash] = n

		for _, hash := range entry.Dependencies {
			dep, ok := nodeMap[hash]
			if !ok {
				continue
			}
			edgeCounter++
			if _, err := graph.CreateEdge(strconv.Itoa(edgeCounter), dep, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	if err := g.Render(graph, format, w); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}

func RenderToSvg(history []notebook.HistoryEntry, outputPath string) error {
	var buff bytes.Buffer
	if err := Render(history, graphviz.SVG, &buff); err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", outputPath, err)
	}
	return nil
}

func RenderToTemp(history []notebook.HistoryEntry) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d%d.svg", time.Now().UnixNano(), rand.Int()))
	if err := RenderToSvg(history, tf); err != nil {
		return "", err
	}
	return tf, nil
}

package viz

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/goccy/go-graphviz"
	"github.com/go-playground/assert/v2"

	"github.com/astromechza/automerge-notebook/pkg/notebook"
)

func history(t *testing.T) []notebook.HistoryEntry {
	r := notebook.NewReplica(notebook.WithActorID("0f01"))
	r.MarkReady()
	assert.Equal(t, r.EnsureSchema(), nil)
	_, err := r.AppendCell(notebook.CellCode, "x = 1")
	assert.Equal(t, err, nil)
	h, err := r.History()
	assert.Equal(t, err, nil)
	return h
}

func TestRenderDot(t *testing.T) {
	var buff bytes.Buffer
	assert.Equal(t, Render(history(t), graphviz.XDOT, &buff), nil)
	out := buff.String()
	assert.Equal(t, strings.Contains(out, "0f01@1 cells=0"), true)
	assert.Equal(t, strings.Contains(out, "0f01@2 cells=1"), true)
}

func TestRenderToTemp(t *testing.T) {
	path, err := RenderToTemp(history(t))
	assert.Equal(t, err, nil)
	defer os.Remove(path)
	raw, err := os.ReadFile(path)
	assert.Equal(t, err, nil)
	assert.Equal(t, strings.Contains(string(raw), "<svg"), true)
}

package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"

	"github.com/goccy/go-graphviz"

	"github.com/astromechza/automerge-notebook/pkg/notebook"
	"github.com/astromechza/automerge-notebook/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	serverVar := flag.String("server", "", "fetch the room snapshot from this relay instead of reading a file")
	tokenVar := flag.String("token", "", "token for the relay")
	svgVar := flag.String("svg", "", "also render the change graph to this svg file")
	flag.Parse()
	if flag.NArg() != 1 {
		return fmt.Errorf("expected one position argument: the file to read, or the room when -server is set")
	}

	var buff []byte
	var err error
	if *serverVar != "" {
		buff, err = fetchSnapshot(*serverVar, flag.Arg(0), *tokenVar)
	} else {
		buff, err = os.ReadFile(flag.Arg(0))
	}
	if err != nil {
		return err
	}
	r, err := notebook.LoadReplica(buff)
	if err != nil {
		return fmt.Errorf("failed to load doc: %w", err)
	}
	defer r.Close()
	buff = nil

	cells, err := r.Cells()
	if err != nil {
		return err
	}
	for i, c := range cells {
		slog.Info("cell", "i", i, "id", c.ID, "type", c.Type, "outputs", len(c.Outputs), "source", c.Source)
	}
	slog.Info("loaded heads", "heads", r.Heads())

	history, err := r.History()
	if err != nil {
		return err
	}
	slog.Info("changes:")
	for i, e := range history {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", e.Hash, "actor", e.ActorID, "dep", e.Dependencies)
	}

	if err := viz.Render(history, graphviz.XDOT, os.Stdout); err != nil {
		return err
	}
	if *svgVar != "" {
		if err := viz.RenderToSvg(history, *svgVar); err != nil {
			return err
		}
		slog.Info("rendered", "path", *svgVar)
	}
	return nil
}

func fetchSnapshot(server, room, token string) ([]byte, error) {
	u, err := url.JoinPath(server, "api", "collaboration", "snapshot", room)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch snapshot: %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

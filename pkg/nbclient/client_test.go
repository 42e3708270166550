package nbclient

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/astromechza/automerge-notebook/pkg/endpoint"
	"github.com/astromechza/automerge-notebook/pkg/kernel"
	"github.com/astromechza/automerge-notebook/pkg/notebook"
	"github.com/astromechza/automerge-notebook/pkg/relay"
	"github.com/astromechza/automerge-notebook/pkg/transport"
	"github.com/go-playground/assert/v2"
)

func startRelay(t *testing.T) (*relay.Server, *httptest.Server) {
	r := relay.NewServer(nil)
	srv := httptest.NewServer(r.Handler())
	t.Cleanup(srv.Close)
	return r, srv
}

func testSettings() *Settings {
	s := DefaultSettings()
	s.Timeout = 5 * time.Second
	s.Session.Channel.ReconnectBaseDelay = 10 * time.Millisecond
	s.Session.Channel.ReconnectMaxDelay = 50 * time.Millisecond
	s.Session.Channel.MaxRetries = 0
	return s
}

func startClient(t *testing.T, srv *httptest.Server, room string) *Client {
	ep, err := endpoint.HostedRoom(srv.URL, room, "")
	assert.Equal(t, err, nil)
	c := New(ep, testSettings())
	assert.Equal(t, c.Start(context.Background()), nil)
	t.Cleanup(func() { _ = c.Stop() })
	return c
}

func eventually(t *testing.T, what string, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestClientsShareCells(t *testing.T) {
	_, srv := startRelay(t)
	a := startClient(t, srv, "shared")
	b := startClient(t, srv, "shared")
	assert.Equal(t, a.Synced(), true)
	assert.Equal(t, a.Connected(), true)

	index, err := a.AddCodeCell("x=1")
	assert.Equal(t, err, nil)
	assert.Equal(t, index, 0)
	_, err = a.AddMarkdownCell("# notes")
	assert.Equal(t, err, nil)

	eventually(t, "cells at the other client", func() bool {
		n, err := b.Len()
		return err == nil && n == 2
	})
	c, err := b.Cell(0)
	assert.Equal(t, err, nil)
	assert.Equal(t, c.Source, "x=1")
	assert.Equal(t, c.Type, notebook.CellCode)
	assert.Equal(t, c.ExecutionCount == nil, true)

	assert.Equal(t, b.SetSource(0, "x = 2"), nil)
	eventually(t, "source edit back at the first client", func() bool {
		c, err := a.Cell(0)
		return err == nil && c.Source == "x = 2"
	})
}

func TestStartUnreachable(t *testing.T) {
	srv := httptest.NewServer(nil)
	url := srv.URL
	srv.Close()

	ep, err := endpoint.HostedRoom(url, "nowhere", "")
	assert.Equal(t, err, nil)
	settings := testSettings()
	settings.Timeout = 200 * time.Millisecond
	c := New(ep, settings)

	err = c.Start(context.Background())
	assert.Equal(t, errors.Is(err, ErrConnectionTimeout), true)

	_, err = c.AddCodeCell("x=1")
	assert.Equal(t, errors.Is(err, ErrStopped), true)
	assert.Equal(t, c.Stop(), nil)
	assert.Equal(t, c.Stop(), nil)
	assert.Equal(t, errors.Is(c.Start(context.Background()), ErrStopped), true)
}

func TestMutationBeforeStart(t *testing.T) {
	_, srv := startRelay(t)
	ep, err := endpoint.HostedRoom(srv.URL, "early", "")
	assert.Equal(t, err, nil)
	c := New(ep, testSettings())
	_, err = c.AddCodeCell("x=1")
	assert.Equal(t, errors.Is(err, notebook.ErrDocumentNotReady), true)
	assert.Equal(t, c.Stop(), nil)
}

// gate refuses new links while closed.
type gate struct {
	inner  transport.Dialer
	closed atomic.Bool
}

func (g *gate) Dial(ctx context.Context) (transport.Conn, error) {
	if g.closed.Load() {
		return nil, errors.New("gate closed")
	}
	return g.inner.Dial(ctx)
}

func TestReconnectPreservesOfflineEdits(t *testing.T) {
	rl, srv := startRelay(t)
	ep, err := endpoint.HostedRoom(srv.URL, "flaky", "")
	assert.Equal(t, err, nil)
	settings := testSettings()
	g := &gate{inner: ep.Channel(settings.Session.Channel)}
	a := NewWithDialer(g, settings)
	assert.Equal(t, a.Start(context.Background()), nil)
	defer a.Stop()
	b := startClient(t, srv, "flaky")

	g.closed.Store(true)
	rl.DropConnections()
	eventually(t, "client to notice the drop", func() bool {
		return !a.Synced()
	})

	_, err = a.AddCodeCell("offline")
	assert.Equal(t, err, nil)
	n, err := b.Len()
	assert.Equal(t, err, nil)
	assert.Equal(t, n, 0)

	g.closed.Store(false)
	eventually(t, "offline edit at the other client", func() bool {
		cells, err := b.Cells()
		return err == nil && len(cells) == 1 && cells[0].Source == "offline"
	})
	assert.Equal(t, a.Synced(), true)
}

func TestUse(t *testing.T) {
	_, srv := startRelay(t)
	ep, err := endpoint.HostedRoom(srv.URL, "scoped", "")
	assert.Equal(t, err, nil)
	c := New(ep, testSettings())

	boom := errors.New("boom")
	err = c.Use(context.Background(), func(c *Client) error {
		_, err := c.AddRawCell("raw")
		assert.Equal(t, err, nil)
		return boom
	})
	assert.Equal(t, err, boom)
	_, err = c.Len()
	assert.Equal(t, errors.Is(err, ErrStopped), true)
}

func TestPresence(t *testing.T) {
	_, srv := startRelay(t)
	a := startClient(t, srv, "presence")
	b := startClient(t, srv, "presence")

	assert.Equal(t, a.SetUser("alice"), nil)
	assert.Equal(t, a.SetCursor("cell-1", 4), nil)
	eventually(t, "presence at the other client", func() bool {
		peers, err := b.Peers()
		if err != nil || len(peers) != 1 {
			return false
		}
		for _, p := range peers {
			user, _ := p["user"].(map[string]any)
			cursor, _ := p["cursor"].(map[string]any)
			return user["name"] == "alice" && cursor["cellId"] == "cell-1"
		}
		return false
	})

	assert.Equal(t, a.Stop(), nil)
	eventually(t, "the other client to forget", func() bool {
		peers, err := b.Peers()
		return err == nil && len(peers) == 0
	})
}

type scriptedKernel struct {
	events chan kernel.Event
}

func (k *scriptedKernel) Send(ctx context.Context, code string, token string) error {
	go func() {
		for _, e := range []kernel.Event{
			{MsgType: "status", Status: kernel.StatusBusy},
			{MsgType: "execute_input", Content: map[string]any{"code": code, "execution_count": float64(3)}},
			{MsgType: "execute_result", Content: map[string]any{"data": map[string]any{"text/plain": "2"}, "execution_count": float64(3)}},
			{MsgType: "status", Status: kernel.StatusIdle},
		} {
			e.Token = token
			k.events <- e
		}
	}()
	return nil
}

func (k *scriptedKernel) Events() <-chan kernel.Event {
	return k.events
}

func TestExecuteCellReachesCollaborators(t *testing.T) {
	_, srv := startRelay(t)
	a := startClient(t, srv, "exec")
	b := startClient(t, srv, "exec")

	index, err := a.AddCodeCell("1+1")
	assert.Equal(t, err, nil)
	k := &scriptedKernel{events: make(chan kernel.Event, 16)}
	result, err := a.ExecuteCell(context.Background(), index, k)
	assert.Equal(t, err, nil)
	assert.Equal(t, string(result.Status), "ok")
	assert.Equal(t, result.Outputs[0].OutputType, notebook.OutputExecuteResult)

	eventually(t, "outputs at the other client", func() bool {
		c, err := b.Cell(index)
		return err == nil && len(c.Outputs) == 1 && c.ExecutionCount != nil && *c.ExecutionCount == 3
	})
}

func TestJupyterStyleRoom(t *testing.T) {
	_, srv := startRelay(t)
	ep, err := endpoint.JupyterRoom(context.Background(), srv.Client(), srv.URL, "work/demo.ipynb", "")
	assert.Equal(t, err, nil)
	c := New(ep, testSettings())
	assert.Equal(t, c.Start(context.Background()), nil)
	defer c.Stop()
	d, err := c.AsDict()
	assert.Equal(t, err, nil)
	assert.Equal(t, d["nbformat"], 4)
}

func TestDefaultSettingsTimeout(t *testing.T) {
	t.Setenv("REQUEST_TIMEOUT", "2.5")
	assert.Equal(t, DefaultSettings().Timeout, 2500*time.Millisecond)
	t.Setenv("REQUEST_TIMEOUT", "nope")
	assert.Equal(t, DefaultSettings().Timeout, DefaultTimeout)
}

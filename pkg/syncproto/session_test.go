package syncproto

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/astromechza/automerge-notebook/pkg/notebook"
	"github.com/astromechza/automerge-notebook/pkg/transport"
	"github.com/go-playground/assert/v2"
	"google.golang.org/protobuf/encoding/protowire"
)

type memConn struct {
	in     <-chan []byte
	out    chan<- []byte
	closed chan struct{}
	once   *sync.Once
}

func memPipe() (*memConn, *memConn) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	closed := make(chan struct{})
	once := new(sync.Once)
	return &memConn{in: ba, out: ab, closed: closed, once: once}, &memConn{in: ab, out: ba, closed: closed, once: once}
}

func (c *memConn) Send(ctx context.Context, message []byte) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case c.out <- append([]byte(nil), message...):
		return nil
	}
}

func (c *memConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-c.closed:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case m := <-c.in:
		return m, nil
	}
}

func (c *memConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// pipeDialer connects the dialling side to whoever accepts from the other side.
type pipeDialer struct {
	mu      sync.Mutex
	current *memConn
	blocked bool
	pending chan *memConn
}

type dialFunc func(ctx context.Context) (transport.Conn, error)

func (f dialFunc) Dial(ctx context.Context) (transport.Conn, error) {
	return f(ctx)
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{pending: make(chan *memConn, 1)}
}

func (p *pipeDialer) Dial(ctx context.Context) (transport.Conn, error) {
	a, b := memPipe()
	p.mu.Lock()
	if p.blocked {
		p.mu.Unlock()
		return nil, errors.New("unavailable")
	}
	p.current = a
	p.mu.Unlock()
	select {
	case p.pending <- b:
		return a, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeDialer) Accept() transport.Dialer {
	return dialFunc(func(ctx context.Context) (transport.Conn, error) {
		select {
		case b := <-p.pending:
			return b, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

// Drop closes the current link and refuses new ones until the returned func is called.
func (p *pipeDialer) Drop() func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blocked = true
	if p.current != nil {
		_ = p.current.Close()
	}
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.blocked = false
	}
}

func waitForState(t *testing.T, s *Session, want State) func() {
	reached := make(chan struct{})
	var once sync.Once
	sub := s.OnStateChange(func(st State) {
		if st == want {
			once.Do(func() { close(reached) })
		}
	})
	return func() {
		defer sub.Cancel()
		select {
		case <-reached:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %v", want)
		}
	}
}

func testSettings() *SessionSettings {
	s := DefaultSessionSettings()
	s.Channel.ReconnectBaseDelay = 5 * time.Millisecond
	s.Channel.ReconnectMaxDelay = 20 * time.Millisecond
	s.Channel.MaxRetries = 0
	return s
}

func seededReplica(t *testing.T, actor string) *notebook.Replica {
	seed := notebook.NewReplica(notebook.WithActorID("00"))
	seed.MarkReady()
	assert.Equal(t, seed.EnsureSchema(), nil)
	snap, err := seed.Snapshot()
	assert.Equal(t, err, nil)
	r, err := notebook.LoadReplica(snap, notebook.WithActorID(actor))
	assert.Equal(t, err, nil)
	return r
}

func eventually(t *testing.T, what string, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func cellCount(r *notebook.Replica) int {
	n, err := r.Len()
	if err != nil {
		return -1
	}
	return n
}

type pair struct {
	dialer   *pipeDialer
	client   *Session
	peer     *Session
	clientNb *notebook.Replica
	peerNb   *notebook.Replica
}

func startPair(t *testing.T, ctx context.Context) *pair {
	p := &pair{
		dialer:   newPipeDialer(),
		clientNb: notebook.NewReplica(notebook.WithActorID("0c01")),
		peerNb:   seededReplica(t, "0d01"),
	}
	p.client = NewSession(p.clientNb, p.dialer, testSettings())
	p.peer = NewSession(p.peerNb, p.dialer.Accept(), testSettings())
	go func() { _ = p.client.Run(ctx) }()
	go func() { _ = p.peer.Run(ctx) }()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	assert.Equal(t, p.client.WaitSynced(waitCtx), nil)
	assert.Equal(t, p.peer.WaitSynced(waitCtx), nil)
	return p
}

func TestSessionsConverge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := startPair(t, ctx)

	assert.Equal(t, p.clientNb.Ready(), true)
	_, err := p.clientNb.AppendCell(notebook.CellCode, "x = 1")
	assert.Equal(t, err, nil)
	_, err = p.peerNb.AppendCell(notebook.CellMarkdown, "# title")
	assert.Equal(t, err, nil)

	eventually(t, "both cells on both sides", func() bool {
		return cellCount(p.clientNb) == 2 && cellCount(p.peerNb) == 2
	})
	a, err := p.clientNb.AsDict()
	assert.Equal(t, err, nil)
	b, err := p.peerNb.AsDict()
	assert.Equal(t, err, nil)
	assert.Equal(t, a, b)
}

func TestSessionStateTransitions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := newPipeDialer()
	s := NewSession(notebook.NewReplica(), dialer, testSettings())
	var mu sync.Mutex
	var states []State
	sub := s.OnStateChange(func(st State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, st)
	})
	defer sub.Cancel()
	assert.Equal(t, s.State(), Disconnected)

	peer := NewSession(seededReplica(t, "0d01"), dialer.Accept(), testSettings())
	go func() { _ = s.Run(ctx) }()
	go func() { _ = peer.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	assert.Equal(t, s.WaitSynced(waitCtx), nil)

	eventually(t, "synced notification", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) >= 3
	})
	mu.Lock()
	assert.Equal(t, states[:3], []State{Connecting, Syncing, Synced})
	mu.Unlock()
}

func TestOfflineEditsSurviveReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := startPair(t, ctx)

	disconnected := waitForState(t, p.client, Disconnected)
	restore := p.dialer.Drop()
	disconnected()
	// the replica keeps accepting edits while the link is down
	_, err := p.clientNb.AppendCell(notebook.CellCode, "offline")
	assert.Equal(t, err, nil)
	assert.Equal(t, cellCount(p.peerNb), 0)
	restore()

	eventually(t, "offline edit at the peer", func() bool {
		c, err := p.peerNb.Cells()
		return err == nil && len(c) == 1 && c[0].Source == "offline"
	})
}

func TestSessionAwareness(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := startPair(t, ctx)

	p.client.Awareness().SetLocalField("user", "alice")
	id := p.client.Awareness().ClientID()
	eventually(t, "peer sees the user", func() bool {
		s, ok := p.peer.Awareness().States()[id]
		return ok && s["user"] == "alice"
	})

	restore := p.dialer.Drop()
	defer restore()
	eventually(t, "peer forgets the user", func() bool {
		_, ok := p.peer.Awareness().States()[id]
		return !ok
	})
}

func TestSessionCustomMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := startPair(t, ctx)

	got := make(chan string, 1)
	sub := p.peer.OnCustom(func(b []byte) { got <- string(b) })
	defer sub.Cancel()
	assert.Equal(t, p.client.SendCustom(ctx, []byte("ping")), nil)
	select {
	case s := <-got:
		assert.Equal(t, s, "ping")
	case <-time.After(5 * time.Second):
		t.Fatal("custom message not delivered")
	}
}

func TestSessionGivesUp(t *testing.T) {
	settings := testSettings()
	settings.Channel.ReconnectBaseDelay = time.Millisecond
	settings.Channel.MaxRetries = 2
	attempts := 0
	refused := errors.New("refused")
	s := NewSession(notebook.NewReplica(), dialFunc(func(ctx context.Context) (transport.Conn, error) {
		attempts++
		return nil, refused
	}), settings)

	err := s.Run(context.Background())
	assert.Equal(t, errors.Is(err, ErrConnectionLost), true)
	assert.Equal(t, errors.Is(err, refused), true)
	assert.Equal(t, attempts, 3)
	assert.Equal(t, s.State(), Disconnected)
	assert.Equal(t, errors.Is(s.WaitSynced(context.Background()), ErrConnectionLost), true)
	assert.Equal(t, errors.Is(s.SendCustom(context.Background(), nil), ErrNotConnected), true)
}

// hugeStateVector claims 2^59 heads with no bytes behind the count.
func hugeStateVector() []byte {
	return protowire.AppendVarint(nil, 1<<59)
}

func receiveStep(t *testing.T, conn transport.Conn, step SyncStep) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		raw, err := conn.Receive(ctx)
		if err != nil {
			t.Fatalf("waiting for %v: %v", step, err)
		}
		m, err := Decode(raw)
		assert.Equal(t, err, nil)
		if m.Type == MessageSync && m.Step == step {
			return m
		}
	}
}

func TestSessionSurvivesOversizedStateVector(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dialer := newPipeDialer()
	s := NewSession(seededReplica(t, "0c01"), dialer, testSettings())
	go func() { _ = s.Run(ctx) }()

	peer, err := dialer.Accept().Dial(ctx)
	assert.Equal(t, err, nil)
	receiveStep(t, peer, SyncStep1)

	assert.Equal(t, peer.Send(ctx, EncodeSync(SyncStep1, hugeStateVector())), nil)
	assert.Equal(t, peer.Send(ctx, EncodeSync(SyncStep1, notebook.EncodeStateVector(nil))), nil)
	m := receiveStep(t, peer, SyncStep2)
	assert.NotEqual(t, len(m.Payload), 0)
	assert.Equal(t, s.State(), Syncing)
}

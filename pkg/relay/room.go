package relay

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/astromechza/automerge-notebook/pkg/notebook"
	"github.com/astromechza/automerge-notebook/pkg/syncproto"
	"github.com/astromechza/automerge-notebook/pkg/transport"
)

// room is one shared notebook and the links of everyone editing it. The relay keeps its own replica so that
// joiners can be brought up to date, but it never edits it after seeding.
type room struct {
	id        string
	replica   *notebook.Replica
	awareness *syncproto.Awareness
	metrics   *metrics
	log       *slog.Logger

	mu    sync.Mutex
	peers map[*peer]struct{}
}

type peer struct {
	conn transport.Conn

	mu      sync.Mutex
	clients map[uint64]struct{}
}

func (p *peer) track(c syncproto.AwarenessChange) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range append(c.Added, c.Updated...) {
		p.clients[id] = struct{}{}
	}
	for _, id := range c.Removed {
		delete(p.clients, id)
	}
}

func (p *peer) trackedClients() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint64, 0, len(p.clients))
	for id := range p.clients {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// newRoom seeds an empty notebook, or restores a saved one.
func newRoom(id string, saved []byte, m *metrics, log *slog.Logger) (*room, error) {
	log = log.With("room", id)
	var replica *notebook.Replica
	if saved != nil {
		r, err := notebook.LoadReplica(saved, notebook.WithLogger(log))
		if err != nil {
			return nil, err
		}
		replica = r
	} else {
		replica = notebook.NewReplica(notebook.WithLogger(log))
		replica.MarkReady()
		if err := replica.EnsureSchema(); err != nil {
			return nil, err
		}
	}
	return &room{
		id:        id,
		replica:   replica,
		awareness: syncproto.NewAwareness(0, syncproto.DefaultAwarenessTimeout),
		metrics:   m,
		log:       log,
		peers:     map[*peer]struct{}{},
	}, nil
}

func (rm *room) join(p *peer) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.peers[p] = struct{}{}
	rm.metrics.connections.Inc()
	rm.log.Info("peer joined", "peers", len(rm.peers))
}

func (rm *room) leave(ctx context.Context, p *peer) {
	rm.mu.Lock()
	delete(rm.peers, p)
	remaining := len(rm.peers)
	rm.mu.Unlock()
	rm.metrics.connections.Dec()
	rm.log.Info("peer left", "peers", remaining)

	if clients := p.trackedClients(); len(clients) > 0 {
		if update := rm.awareness.Remove(clients...); update != nil {
			rm.broadcast(ctx, p, syncproto.EncodeAwareness(update))
		}
	}
}

func (rm *room) broadcast(ctx context.Context, from *peer, message []byte) {
	rm.mu.Lock()
	targets := make([]*peer, 0, len(rm.peers))
	for p := range rm.peers {
		if p != from {
			targets = append(targets, p)
		}
	}
	rm.mu.Unlock()
	for _, p := range targets {
		if err := p.conn.Send(ctx, message); err != nil {
			rm.log.Warn("failed to forward message", "err", err)
		}
	}
}

func (rm *room) dropAll() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for p := range rm.peers {
		_ = p.conn.Close()
	}
}

// serve runs the relay side of the protocol for one link until it fails.
func (rm *room) serve(ctx context.Context, p *peer) error {
	sv, err := rm.replica.StateVector()
	if err != nil {
		return err
	}
	if err := p.conn.Send(ctx, syncproto.EncodeSync(syncproto.SyncStep1, sv)); err != nil {
		return err
	}
	if len(rm.awareness.States()) > 0 {
		if err := p.conn.Send(ctx, syncproto.EncodeAwareness(rm.awareness.Encode())); err != nil {
			return err
		}
	}

	for {
		raw, err := p.conn.Receive(ctx)
		if err != nil {
			return err
		}
		m, err := syncproto.Decode(raw)
		if err != nil {
			rm.metrics.messages.WithLabelValues("malformed").Inc()
			rm.log.Warn("dropping message", "err", err)
			continue
		}
		rm.metrics.messages.WithLabelValues(m.Type.String()).Inc()

		switch m.Type {
		case syncproto.MessageSync:
			switch m.Step {
			case syncproto.SyncStep1:
				delta, err := rm.replica.DiffSince(m.Payload)
				if err != nil {
					rm.log.Warn("dropping step1", "err", err)
					continue
				}
				if err := p.conn.Send(ctx, syncproto.EncodeSync(syncproto.SyncStep2, delta)); err != nil {
					return err
				}
			case syncproto.SyncStep2, syncproto.SyncUpdate:
				if len(m.Payload) == 0 {
					continue
				}
				if err := rm.replica.ApplyRemote(m.Payload); err != nil {
					rm.log.Warn("dropping delta", "step", m.Step, "err", err)
					continue
				}
				rm.broadcast(ctx, p, syncproto.EncodeSync(syncproto.SyncUpdate, m.Payload))
			}
		case syncproto.MessageAwareness:
			change, err := rm.awareness.Apply(m.Payload)
			if err != nil {
				rm.log.Warn("dropping awareness update", "err", err)
				continue
			}
			p.track(change)
			rm.broadcast(ctx, p, raw)
		case syncproto.MessageCustom:
			rm.broadcast(ctx, p, raw)
		}
	}
}

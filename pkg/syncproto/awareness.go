package syncproto

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/astromechza/automerge-notebook/pkg/notebook"
	"google.golang.org/protobuf/encoding/protowire"
)

const DefaultAwarenessTimeout = 30 * time.Second

// AwarenessChange lists the client ids whose presence changed. Local is set when the change came from this
// client's own state and needs broadcasting.
type AwarenessChange struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
	Local   bool
}

func (c AwarenessChange) empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

type clientMeta struct {
	clock       uint64
	lastUpdated time.Time
}

// Awareness holds the ephemeral presence state (cursors, user names) of every client in a room. It is never part
// of the document.
type Awareness struct {
	clientID uint64
	timeout  time.Duration
	now      func() time.Time

	mu     sync.Mutex
	states map[uint64]map[string]any
	meta   map[uint64]*clientMeta

	listenersMu  sync.Mutex
	nextListener uint64
	listeners    map[uint64]func(AwarenessChange)
}

// NewAwareness creates the presence set of one client. A zero clientID picks a random one.
func NewAwareness(clientID uint64, timeout time.Duration) *Awareness {
	for clientID == 0 {
		clientID = uint64(rand.Uint32())
	}
	if timeout <= 0 {
		timeout = DefaultAwarenessTimeout
	}
	return &Awareness{
		clientID:  clientID,
		timeout:   timeout,
		now:       time.Now,
		states:    map[uint64]map[string]any{},
		meta:      map[uint64]*clientMeta{},
		listeners: map[uint64]func(AwarenessChange){},
	}
}

func (a *Awareness) ClientID() uint64 {
	return a.clientID
}

func (a *Awareness) Timeout() time.Duration {
	return a.timeout
}

func (a *Awareness) OnChange(fn func(AwarenessChange)) *notebook.Subscription {
	a.listenersMu.Lock()
	defer a.listenersMu.Unlock()
	a.nextListener++
	id := a.nextListener
	a.listeners[id] = fn
	return notebook.NewSubscription(func() {
		a.listenersMu.Lock()
		defer a.listenersMu.Unlock()
		delete(a.listeners, id)
	})
}

func (a *Awareness) emit(c AwarenessChange) {
	if c.empty() {
		return
	}
	a.listenersMu.Lock()
	ids := make([]uint64, 0, len(a.listeners))
	for id := range a.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(AwarenessChange), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, a.listeners[id])
	}
	a.listenersMu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

func (a *Awareness) LocalState() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return copyState(a.states[a.clientID])
}

// SetLocalState replaces this client's state, nil marks the client as gone.
func (a *Awareness) SetLocalState(state map[string]any) {
	a.mu.Lock()
	prev, had := a.states[a.clientID]
	m := a.metaLocked(a.clientID)
	m.clock++
	m.lastUpdated = a.now()
	change := AwarenessChange{Local: true}
	switch {
	case state == nil:
		delete(a.states, a.clientID)
		if had {
			change.Removed = []uint64{a.clientID}
		}
	case !had:
		a.states[a.clientID] = copyState(state)
		change.Added = []uint64{a.clientID}
	default:
		a.states[a.clientID] = copyState(state)
		if !reflect.DeepEqual(prev, state) {
			change.Updated = []uint64{a.clientID}
		}
	}
	a.mu.Unlock()
	if change.empty() && state != nil {
		// a renewal still needs broadcasting
		change.Updated = []uint64{a.clientID}
	}
	a.emit(change)
}

func (a *Awareness) SetLocalField(key string, value any) {
	state := a.LocalState()
	if state == nil {
		state = map[string]any{}
	}
	state[key] = value
	a.SetLocalState(state)
}

// Renew re-announces the local state when it is older than half the timeout. It reports whether it did.
func (a *Awareness) Renew() bool {
	a.mu.Lock()
	state, ok := a.states[a.clientID]
	due := ok && a.now().Sub(a.metaLocked(a.clientID).lastUpdated) >= a.timeout/2
	a.mu.Unlock()
	if due {
		a.SetLocalState(state)
	}
	return due
}

func (a *Awareness) metaLocked(clientID uint64) *clientMeta {
	m, ok := a.meta[clientID]
	if !ok {
		m = &clientMeta{}
		a.meta[clientID] = m
	}
	return m
}

// States returns a copy of every known client state keyed by client id, the local client included.
func (a *Awareness) States() map[uint64]map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[uint64]map[string]any, len(a.states))
	for id, s := range a.states {
		out[id] = copyState(s)
	}
	return out
}

// Encode builds an update for the given clients, or for every known client when none are given.
func (a *Awareness) Encode(clients ...uint64) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(clients) == 0 {
		for id := range a.meta {
			clients = append(clients, id)
		}
		sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	}
	entries := make([]entry, 0, len(clients))
	for _, id := range clients {
		m, ok := a.meta[id]
		if !ok {
			continue
		}
		entries = append(entries, entry{clientID: id, clock: m.clock, state: a.states[id]})
	}
	return encodeEntries(entries)
}

// Apply merges an update from a peer. Entries with an older clock are ignored.
func (a *Awareness) Apply(update []byte) (AwarenessChange, error) {
	entries, err := decodeEntries(update)
	if err != nil {
		return AwarenessChange{}, err
	}
	var change AwarenessChange
	a.mu.Lock()
	now := a.now()
	for _, e := range entries {
		m, known := a.meta[e.clientID]
		var clock uint64
		if known {
			clock = m.clock
		}
		prev, had := a.states[e.clientID]
		if !(clock < e.clock || (clock == e.clock && e.state == nil && had)) {
			continue
		}
		m = a.metaLocked(e.clientID)
		m.clock = e.clock
		m.lastUpdated = now
		if e.state == nil {
			if e.clientID == a.clientID && had {
				// a peer thinks we left, announce ourselves again
				m.clock++
				change.Local = true
				change.Updated = append(change.Updated, e.clientID)
				continue
			}
			delete(a.states, e.clientID)
			if had {
				change.Removed = append(change.Removed, e.clientID)
			}
			continue
		}
		a.states[e.clientID] = e.state
		switch {
		case !had:
			change.Added = append(change.Added, e.clientID)
		case !reflect.DeepEqual(prev, e.state):
			change.Updated = append(change.Updated, e.clientID)
		}
	}
	a.mu.Unlock()
	a.emit(change)
	return change, nil
}

// Remove drops the given remote clients and returns the update that tells other peers they left.
func (a *Awareness) Remove(clients ...uint64) []byte {
	var change AwarenessChange
	entries := make([]entry, 0, len(clients))
	a.mu.Lock()
	for _, id := range clients {
		if id == a.clientID {
			continue
		}
		m, ok := a.meta[id]
		if !ok {
			continue
		}
		if _, had := a.states[id]; had {
			delete(a.states, id)
			change.Removed = append(change.Removed, id)
		}
		m.clock++
		entries = append(entries, entry{clientID: id, clock: m.clock})
	}
	a.mu.Unlock()
	a.emit(change)
	if len(entries) == 0 {
		return nil
	}
	return encodeEntries(entries)
}

// RemoveRemote forgets every other client, used when the link to the room is lost.
func (a *Awareness) RemoveRemote() []uint64 {
	a.mu.Lock()
	var removed []uint64
	for id := range a.states {
		if id != a.clientID {
			removed = append(removed, id)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	for _, id := range removed {
		delete(a.states, id)
	}
	a.mu.Unlock()
	a.emit(AwarenessChange{Removed: removed})
	return removed
}

// Prune removes remote clients that have not renewed their state within the timeout.
func (a *Awareness) Prune() []uint64 {
	a.mu.Lock()
	now := a.now()
	var removed []uint64
	for id := range a.states {
		if id == a.clientID {
			continue
		}
		if m := a.meta[id]; m != nil && now.Sub(m.lastUpdated) >= a.timeout {
			removed = append(removed, id)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	for _, id := range removed {
		delete(a.states, id)
	}
	a.mu.Unlock()
	a.emit(AwarenessChange{Removed: removed})
	return removed
}

type entry struct {
	clientID uint64
	clock    uint64
	state    map[string]any
}

func encodeEntries(entries []entry) []byte {
	out := protowire.AppendVarint(nil, uint64(len(entries)))
	for _, e := range entries {
		out = protowire.AppendVarint(out, e.clientID)
		out = protowire.AppendVarint(out, e.clock)
		raw := []byte("null")
		if e.state != nil {
			if b, err := json.Marshal(e.state); err == nil {
				raw = b
			}
		}
		out = protowire.AppendBytes(out, raw)
	}
	return out
}

func decodeEntries(raw []byte) ([]entry, error) {
	count, n := protowire.ConsumeVarint(raw)
	if n < 0 {
		return nil, fmt.Errorf("%w: awareness count: %v", ErrMalformedMessage, protowire.ParseError(n))
	}
	raw = raw[n:]
	var entries []entry
	for i := uint64(0); i < count; i++ {
		var e entry
		if e.clientID, n = protowire.ConsumeVarint(raw); n < 0 {
			return nil, fmt.Errorf("%w: awareness client id: %v", ErrMalformedMessage, protowire.ParseError(n))
		}
		raw = raw[n:]
		if e.clock, n = protowire.ConsumeVarint(raw); n < 0 {
			return nil, fmt.Errorf("%w: awareness clock: %v", ErrMalformedMessage, protowire.ParseError(n))
		}
		raw = raw[n:]
		state, n := protowire.ConsumeBytes(raw)
		if n < 0 {
			return nil, fmt.Errorf("%w: awareness state: %v", ErrMalformedMessage, protowire.ParseError(n))
		}
		raw = raw[n:]
		if err := json.Unmarshal(state, &e.state); err != nil {
			return nil, fmt.Errorf("%w: awareness state of %d: %v", ErrMalformedMessage, e.clientID, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func copyState(s map[string]any) map[string]any {
	if s == nil {
		return nil
	}
	out := make(map[string]any, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

package notebook

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/automerge/automerge-go"
)

var (
	ErrDocumentNotReady = errors.New("document not ready")
	ErrClosed           = errors.New("document replica closed")
	ErrSchema           = errors.New("unexpected document shape")
	ErrMalformedDelta   = errors.New("malformed delta")
	ErrIndexOutOfRange  = errors.New("cell index out of range")
	ErrCellNotFound     = errors.New("cell not found")
)

// Replica is the local copy of a shared notebook. Every read and write goes through its mutex, the underlying
// automerge document is never handed out.
//
// Observers and local update listeners are called synchronously after the change has been applied, in the order
// the changes were made. They must not mutate the replica from inside the callback.
type Replica struct {
	mu       sync.Mutex
	doc      *automerge.Doc
	ready    bool
	closed   bool
	captured []automerge.ChangeHash
	log      *slog.Logger

	// notifications are delivered in ticket order, tickets are taken under mu
	nextTicket uint64
	notifyMu   sync.Mutex
	notifyCond *sync.Cond
	serving    uint64

	listenersMu    sync.Mutex
	nextListener   uint64
	observers      []observer
	localListeners []localListener
}

type observer struct {
	id uint64
	fn func(ChangeEvent)
}

type localListener struct {
	id uint64
	fn func()
}

type Option func(*replicaOptions)

type replicaOptions struct {
	actorID string
	log     *slog.Logger
}

// WithActorID sets the hex encoded automerge actor of this replica.
func WithActorID(actorID string) Option {
	return func(o *replicaOptions) {
		o.actorID = actorID
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(o *replicaOptions) {
		o.log = log
	}
}

func NewReplica(opts ...Option) *Replica {
	r, _ := newReplica(automerge.New(), opts)
	return r
}

// LoadReplica builds a ready replica from a saved document.
func LoadReplica(raw []byte, opts ...Option) (*Replica, error) {
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load doc: %w", err)
	}
	r, err := newReplica(doc, opts)
	if err != nil {
		return nil, err
	}
	r.ready = true
	r.captured = doc.Heads()
	return r, nil
}

func newReplica(doc *automerge.Doc, opts []Option) (*Replica, error) {
	o := &replicaOptions{log: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	if o.actorID != "" {
		if err := doc.SetActorID(o.actorID); err != nil {
			return nil, fmt.Errorf("failed to set actor id: %w", err)
		}
	}
	r := &Replica{doc: doc, log: o.log.With("actor", doc.ActorID())}
	r.notifyCond = sync.NewCond(&r.notifyMu)
	return r, nil
}

func (r *Replica) ActorID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ""
	}
	return r.doc.ActorID()
}

// MarkReady allows mutations. It is called once the initial snapshot from the peer has been merged.
func (r *Replica) MarkReady() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ready = true
}

func (r *Replica) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready && !r.closed
}

// Close releases the document. Every later call returns ErrClosed.
func (r *Replica) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.doc = nil
	r.listenersMu.Lock()
	r.observers = nil
	r.localListeners = nil
	r.listenersMu.Unlock()
}

// Observe registers fn for every structural and content change, local or remote.
func (r *Replica) Observe(fn func(ChangeEvent)) *Subscription {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.nextListener++
	id := r.nextListener
	r.observers = append(r.observers, observer{id: id, fn: fn})
	return NewSubscription(func() {
		r.listenersMu.Lock()
		defer r.listenersMu.Unlock()
		for i, o := range r.observers {
			if o.id == id {
				r.observers = append(r.observers[:i:i], r.observers[i+1:]...)
				return
			}
		}
	})
}

// OnLocalUpdate registers fn to be told that a local change is waiting to be captured.
func (r *Replica) OnLocalUpdate(fn func()) *Subscription {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.nextListener++
	id := r.nextListener
	r.localListeners = append(r.localListeners, localListener{id: id, fn: fn})
	return NewSubscription(func() {
		r.listenersMu.Lock()
		defer r.listenersMu.Unlock()
		for i, l := range r.localListeners {
			if l.id == id {
				r.localListeners = append(r.localListeners[:i:i], r.localListeners[i+1:]...)
				return
			}
		}
	})
}

func (r *Replica) hasObservers() bool {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	return len(r.observers) > 0
}

// release unlocks r.mu and delivers notifications in the order of the changes that produced them. Callbacks may
// read the replica while another change waits for its turn.
func (r *Replica) release(events []ChangeEvent, local bool) {
	ticket := r.nextTicket
	r.nextTicket++
	r.mu.Unlock()

	r.notifyMu.Lock()
	for r.serving != ticket {
		r.notifyCond.Wait()
	}
	r.notifyMu.Unlock()
	defer func() {
		r.notifyMu.Lock()
		r.serving++
		r.notifyCond.Broadcast()
		r.notifyMu.Unlock()
	}()

	r.listenersMu.Lock()
	observers := append([]observer(nil), r.observers...)
	listeners := append([]localListener(nil), r.localListeners...)
	r.listenersMu.Unlock()

	if local {
		for _, l := range listeners {
			l.fn()
		}
	}
	for _, e := range events {
		for _, o := range observers {
			o.fn(e)
		}
	}
}

func (r *Replica) observeLocked() *observed {
	if !r.hasObservers() {
		return nil
	}
	cells, err := r.cellsLocked()
	if err != nil {
		r.log.Warn("failed to snapshot cells for observers", "err", err)
		return nil
	}
	md, err := r.metadataLocked()
	if err != nil {
		r.log.Warn("failed to snapshot metadata for observers", "err", err)
		return nil
	}
	return &observed{cells: cells, metadata: md}
}

// mutate runs fn as a single local change. fn reports whether it changed anything.
func (r *Replica) mutate(message string, fn func(root *automerge.Map) (bool, error)) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if !r.ready {
		r.mu.Unlock()
		return ErrDocumentNotReady
	}
	before := r.observeLocked()
	heads := r.doc.Heads()
	changed, err := fn(r.doc.RootMap())
	if err != nil {
		r.rollbackLocked(heads)
		r.mu.Unlock()
		return err
	}
	if !changed {
		r.mu.Unlock()
		return nil
	}
	if _, err := r.doc.Commit(message); err != nil {
		r.rollbackLocked(heads)
		r.mu.Unlock()
		return fmt.Errorf("failed to commit %s: %w", message, err)
	}
	var events []ChangeEvent
	if before != nil {
		events = diff(before, r.observeLocked(), OriginLocal)
	}
	r.release(events, true)
	return nil
}

// rollbackLocked drops the uncommitted operations of a failed mutation by replacing the document with a fork at
// the heads it had before. automerge has no way to discard pending operations in place.
func (r *Replica) rollbackLocked(heads []automerge.ChangeHash) {
	actor := r.doc.ActorID()
	var doc *automerge.Doc
	var err error
	if len(heads) == 0 {
		doc = automerge.New()
	} else {
		doc, err = r.doc.Fork(heads...)
	}
	if err == nil {
		err = doc.SetActorID(actor)
	}
	if err != nil {
		r.log.Error("failed to roll back partial change", "err", err)
		return
	}
	r.doc = doc
}

// ApplyRemote merges a delta produced by another replica. Applying the same delta again is a no-op.
func (r *Replica) ApplyRemote(delta []byte) error {
	if len(delta) == 0 {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	before := r.observeLocked()
	if err := r.doc.LoadIncremental(delta); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrMalformedDelta, err)
	}
	var events []ChangeEvent
	if before != nil {
		events = diff(before, r.observeLocked(), OriginRemote)
	}
	r.release(events, false)
	return nil
}

// CaptureLocalChanges returns the changes made by this replica since the previous capture.
func (r *Replica) CaptureLocalChanges() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	changes, err := r.doc.Changes(r.captured...)
	if err != nil {
		return nil, fmt.Errorf("failed to generate changes: %w", err)
	}
	actor := r.doc.ActorID()
	local := changes[:0]
	for _, c := range changes {
		if c.ActorID() == actor {
			local = append(local, c)
		}
	}
	r.captured = r.doc.Heads()
	return encodeChanges(local), nil
}

// StateVector summarises which changes this replica already has.
func (r *Replica) StateVector() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	return EncodeStateVector(r.doc.Heads()), nil
}

// DiffSince returns the changes a peer with the given state vector is missing. When the peer knows heads this
// replica has never seen, the whole history is returned and the peer drops what it already has.
func (r *Replica) DiffSince(stateVector []byte) ([]byte, error) {
	heads, err := DecodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	changes, err := r.doc.Changes(heads...)
	if err != nil {
		r.log.Debug("peer has unknown heads, sending full history", "err", err)
		if changes, err = r.doc.Changes(); err != nil {
			return nil, fmt.Errorf("failed to generate changes: %w", err)
		}
	}
	return encodeChanges(changes), nil
}

func (r *Replica) Heads() []automerge.ChangeHash {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	return r.doc.Heads()
}

// Snapshot saves the whole document.
func (r *Replica) Snapshot() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	return r.doc.Save(), nil
}

// EnsureSchema creates the cell list and notebook metadata when the document does not have them yet.
func (r *Replica) EnsureSchema() error {
	return r.mutate("initialize notebook", func(root *automerge.Map) (bool, error) {
		changed := false
		if v, err := root.Get(keyCells); err != nil {
			return false, err
		} else if v.Kind() == automerge.KindVoid {
			if err := root.Set(keyCells, automerge.NewList()); err != nil {
				return false, fmt.Errorf("failed to create cells: %w", err)
			}
			changed = true
		}
		if v, err := root.Get(keyMeta); err != nil {
			return false, err
		} else if v.Kind() == automerge.KindVoid {
			if err := root.Set(keyMeta, automerge.NewMap()); err != nil {
				return false, fmt.Errorf("failed to create meta: %w", err)
			}
			meta, err := getMap(root, keyMeta)
			if err != nil {
				return false, err
			}
			if err := meta.Set(keyNbformat, DefaultNbformat); err != nil {
				return false, err
			}
			if err := meta.Set(keyNbformatMinor, DefaultNbformatMinor); err != nil {
				return false, err
			}
			if err := meta.Set(keyMetadata, automerge.NewMap()); err != nil {
				return false, err
			}
			changed = true
		}
		return changed, nil
	})
}

func (r *Replica) cellListLocked() (*automerge.List, error) {
	v, err := r.doc.RootMap().Get(keyCells)
	if err != nil {
		return nil, err
	}
	if v.Kind() == automerge.KindVoid {
		return nil, nil
	}
	if v.Kind() != automerge.KindList {
		return nil, fmt.Errorf("%w: cells is %v, expected list", ErrSchema, v.Kind())
	}
	return v.List(), nil
}

func (r *Replica) cellsLocked() ([]Cell, error) {
	l, err := r.cellListLocked()
	if err != nil || l == nil {
		return []Cell{}, err
	}
	cells := make([]Cell, 0, l.Len())
	for i := 0; i < l.Len(); i++ {
		v, err := l.Get(i)
		if err != nil {
			return nil, err
		}
		c, err := readCell(v)
		if err != nil {
			return nil, fmt.Errorf("cell %d: %w", i, err)
		}
		cells = append(cells, c)
	}
	return cells, nil
}

func (r *Replica) metadataLocked() (map[string]any, error) {
	v, err := r.doc.RootMap().Get(keyMeta)
	if err != nil {
		return nil, err
	}
	switch v.Kind() {
	case automerge.KindVoid:
		return map[string]any{}, nil
	case automerge.KindMap:
		return getOptionalMap(v.Map(), keyMetadata)
	}
	return nil, fmt.Errorf("%w: meta is %v, expected map", ErrSchema, v.Kind())
}

func (r *Replica) readLocked() error {
	if r.closed {
		return ErrClosed
	}
	return nil
}

func (r *Replica) Len() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.readLocked(); err != nil {
		return 0, err
	}
	l, err := r.cellListLocked()
	if err != nil || l == nil {
		return 0, err
	}
	return l.Len(), nil
}

func (r *Replica) Cells() ([]Cell, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.readLocked(); err != nil {
		return nil, err
	}
	return r.cellsLocked()
}

func (r *Replica) Cell(index int) (Cell, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.readLocked(); err != nil {
		return Cell{}, err
	}
	l, err := r.cellListLocked()
	if err != nil {
		return Cell{}, err
	}
	if err := checkIndex(l, index, false); err != nil {
		return Cell{}, err
	}
	v, err := l.Get(index)
	if err != nil {
		return Cell{}, err
	}
	return readCell(v)
}

// IndexOf scans the current cell list for the cell with the given id.
func (r *Replica) IndexOf(cellID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.readLocked(); err != nil {
		return -1, err
	}
	return r.indexOfLocked(cellID)
}

func (r *Replica) indexOfLocked(cellID string) (int, error) {
	l, err := r.cellListLocked()
	if err != nil {
		return -1, err
	}
	if l != nil {
		for i := 0; i < l.Len(); i++ {
			v, err := l.Get(i)
			if err != nil {
				return -1, err
			}
			if v.Kind() != automerge.KindMap {
				continue
			}
			if id, err := getString(v.Map(), keyID); err == nil && id == cellID {
				return i, nil
			}
		}
	}
	return -1, fmt.Errorf("%w: %s", ErrCellNotFound, cellID)
}

func (r *Replica) Outputs(index int) ([]Output, error) {
	c, err := r.Cell(index)
	if err != nil {
		return nil, err
	}
	return c.Outputs, nil
}

func (r *Replica) CellMetadata(index int) (map[string]any, error) {
	c, err := r.Cell(index)
	if err != nil {
		return nil, err
	}
	return c.Metadata, nil
}

// Metadata returns the notebook level metadata.
func (r *Replica) Metadata() (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.readLocked(); err != nil {
		return nil, err
	}
	return r.metadataLocked()
}

// Format returns the nbformat major and minor versions, zero when unset.
func (r *Replica) Format() (int, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.readLocked(); err != nil {
		return 0, 0, err
	}
	return r.formatLocked()
}

func (r *Replica) formatLocked() (int, int, error) {
	v, err := r.doc.RootMap().Get(keyMeta)
	if err != nil || v.Kind() != automerge.KindMap {
		return 0, 0, err
	}
	major, err := getOptionalInt(v.Map(), keyNbformat)
	if err != nil {
		return 0, 0, err
	}
	minor, err := getOptionalInt(v.Map(), keyNbformatMinor)
	if err != nil {
		return 0, 0, err
	}
	var ma, mi int
	if major != nil {
		ma = int(*major)
	}
	if minor != nil {
		mi = int(*minor)
	}
	return ma, mi, nil
}

// AsDict exports the notebook in nbformat shape.
func (r *Replica) AsDict() (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.readLocked(); err != nil {
		return nil, err
	}
	cells, err := r.cellsLocked()
	if err != nil {
		return nil, err
	}
	md, err := r.metadataLocked()
	if err != nil {
		return nil, err
	}
	major, minor, err := r.formatLocked()
	if err != nil {
		return nil, err
	}
	rawCells := make([]any, 0, len(cells))
	for _, c := range cells {
		rawCells = append(rawCells, c.Dict())
	}
	return map[string]any{
		"cells":          rawCells,
		"metadata":       md,
		"nbformat":       major,
		"nbformat_minor": minor,
	}, nil
}

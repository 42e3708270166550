package syncproto

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/astromechza/automerge-notebook/pkg/notebook"
	"github.com/astromechza/automerge-notebook/pkg/transport"
	"github.com/cenkalti/backoff"
)

var (
	ErrConnectionLost = errors.New("connection lost")
	ErrNotConnected   = errors.New("not connected")
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Syncing
	Synced
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Syncing:
		return "syncing"
	case Synced:
		return "synced"
	}
	return "unknown"
}

type SessionSettings struct {
	Channel          *transport.ChannelSettings
	AwarenessTimeout time.Duration
	// ClientID is the awareness client id, zero picks a random one.
	ClientID uint64
	Logger   *slog.Logger
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		Channel:          transport.DefaultChannelSettings(),
		AwarenessTimeout: DefaultAwarenessTimeout,
	}
}

// Session keeps one replica in sync with a room over successive links. It owns the connection lifecycle, the
// replica is only touched through its public methods.
type Session struct {
	replica   *notebook.Replica
	dialer    transport.Dialer
	settings  *SessionSettings
	awareness *Awareness
	log       *slog.Logger

	mu      sync.Mutex
	state   State
	changed chan struct{}
	conn    transport.Conn
	running bool
	result  error

	dirty          chan struct{}
	awarenessDirty chan struct{}

	listenersMu   sync.Mutex
	nextListener  uint64
	stateHandlers map[uint64]func(State)
	customHandler map[uint64]func([]byte)
}

func NewSession(replica *notebook.Replica, dialer transport.Dialer, settings *SessionSettings) *Session {
	if settings == nil {
		settings = DefaultSessionSettings()
	}
	if settings.Channel == nil {
		settings.Channel = transport.DefaultChannelSettings()
	}
	log := settings.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		replica:        replica,
		dialer:         dialer,
		settings:       settings,
		awareness:      NewAwareness(settings.ClientID, settings.AwarenessTimeout),
		log:            log.With("component", "session"),
		changed:        make(chan struct{}),
		dirty:          make(chan struct{}, 1),
		awarenessDirty: make(chan struct{}, 1),
		stateHandlers:  map[uint64]func(State){},
		customHandler:  map[uint64]func([]byte){},
	}
}

func (s *Session) Awareness() *Awareness {
	return s.awareness
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = state
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()

	s.log.Debug("session state changed", "from", prev, "to", state)
	s.listenersMu.Lock()
	handlers := make([]func(State), 0, len(s.stateHandlers))
	for _, fn := range s.stateHandlers {
		handlers = append(handlers, fn)
	}
	s.listenersMu.Unlock()
	for _, fn := range handlers {
		fn(state)
	}
}

// OnStateChange registers fn for every state transition. It runs on the session goroutine.
func (s *Session) OnStateChange(fn func(State)) *notebook.Subscription {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.nextListener++
	id := s.nextListener
	s.stateHandlers[id] = fn
	return notebook.NewSubscription(func() {
		s.listenersMu.Lock()
		defer s.listenersMu.Unlock()
		delete(s.stateHandlers, id)
	})
}

// OnCustom registers fn for application defined messages from the room.
func (s *Session) OnCustom(fn func([]byte)) *notebook.Subscription {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.nextListener++
	id := s.nextListener
	s.customHandler[id] = fn
	return notebook.NewSubscription(func() {
		s.listenersMu.Lock()
		defer s.listenersMu.Unlock()
		delete(s.customHandler, id)
	})
}

// WaitSynced blocks until the session reaches Synced, Run gives up, or ctx is done.
func (s *Session) WaitSynced(ctx context.Context) error {
	for {
		s.mu.Lock()
		state, changed, running, result := s.state, s.changed, s.running, s.result
		s.mu.Unlock()
		if state == Synced {
			return nil
		}
		if !running && result != nil {
			return result
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// SendCustom sends an application defined message on the current link.
func (s *Session) SendCustom(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(ctx, EncodeCustom(payload))
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Run connects and keeps the replica synchronized until ctx is done or the reconnect attempts are exhausted.
func (s *Session) Run(ctx context.Context) (err error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("session already running")
	}
	s.running = true
	s.result = nil
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.result = err
		close(s.changed)
		s.changed = make(chan struct{})
		s.mu.Unlock()
	}()

	localSub := s.replica.OnLocalUpdate(func() { signal(s.dirty) })
	defer localSub.Cancel()
	awarenessSub := s.awareness.OnChange(func(c AwarenessChange) {
		if c.Local {
			signal(s.awarenessDirty)
		}
	})
	defer awarenessSub.Cancel()

	bo := s.settings.Channel.NewBackoff(ctx)
	for {
		s.setState(Connecting)
		var synced bool
		conn, err := s.dialer.Dial(ctx)
		if err == nil {
			synced, err = s.serve(ctx, conn)
			_ = conn.Close()
			s.awareness.RemoveRemote()
		}
		s.setState(Disconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if synced {
			bo.Reset()
		}
		next := bo.NextBackOff()
		if next == backoff.Stop {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Error("giving up on connection", "err", err)
			return fmt.Errorf("%w: %w", ErrConnectionLost, err)
		}
		s.log.Warn("connection failed, retrying", "err", err, "delay", next)
		if err := transport.Sleep(ctx, next); err != nil {
			return err
		}
	}
}

// serve runs the handshake and the steady state on one link. It reports whether the link ever reached Synced.
func (s *Session) serve(ctx context.Context, conn transport.Conn) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()

	if err := s.sendStep1(ctx, conn); err != nil {
		return false, err
	}
	s.setState(Syncing)
	if s.awareness.LocalState() != nil {
		if err := conn.Send(ctx, EncodeAwareness(s.awareness.Encode(s.awareness.ClientID()))); err != nil {
			return false, err
		}
	}

	incoming := make(chan Message)
	failed := make(chan error, 1)
	go func() {
		for {
			raw, err := conn.Receive(ctx)
			if err != nil {
				failed <- err
				return
			}
			m, err := Decode(raw)
			if err != nil {
				s.log.Warn("dropping message", "err", err)
				continue
			}
			select {
			case incoming <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	renew := time.NewTicker(s.awareness.Timeout() / 2)
	defer renew.Stop()

	synced := false
	peerStep1 := false
	for {
		select {
		case <-ctx.Done():
			return synced, ctx.Err()
		case err := <-failed:
			return synced, err
		case m := <-incoming:
			if err := s.handle(ctx, conn, m, &synced, &peerStep1); err != nil {
				return synced, err
			}
		case <-s.dirty:
			if s.State() == Synced {
				if err := s.flush(ctx, conn); err != nil {
					return synced, err
				}
			}
		case <-s.awarenessDirty:
			if err := conn.Send(ctx, EncodeAwareness(s.awareness.Encode(s.awareness.ClientID()))); err != nil {
				return synced, err
			}
		case <-renew.C:
			s.awareness.Renew()
			if removed := s.awareness.Prune(); len(removed) > 0 {
				s.log.Debug("pruned stale peers", "clients", removed)
			}
		}
	}
}

func (s *Session) sendStep1(ctx context.Context, conn transport.Conn) error {
	sv, err := s.replica.StateVector()
	if err != nil {
		return fmt.Errorf("failed to build state vector: %w", err)
	}
	return conn.Send(ctx, EncodeSync(SyncStep1, sv))
}

func (s *Session) handle(ctx context.Context, conn transport.Conn, m Message, synced, peerStep1 *bool) error {
	switch m.Type {
	case MessageSync:
		switch m.Step {
		case SyncStep1:
			if *peerStep1 && s.State() == Synced {
				s.log.Info("peer requested resync")
				s.setState(Syncing)
				if err := s.sendStep1(ctx, conn); err != nil {
					return err
				}
			}
			*peerStep1 = true
			delta, err := s.replica.DiffSince(m.Payload)
			if err != nil {
				if errors.Is(err, notebook.ErrClosed) {
					return err
				}
				s.log.Warn("dropping step1", "err", err)
				return nil
			}
			return conn.Send(ctx, EncodeSync(SyncStep2, delta))
		case SyncStep2:
			if err := s.replica.ApplyRemote(m.Payload); err != nil {
				if errors.Is(err, notebook.ErrClosed) {
					return err
				}
				s.log.Warn("dropping step2", "err", err)
				return nil
			}
			if s.State() == Synced {
				return nil
			}
			s.replica.MarkReady()
			if err := s.replica.EnsureSchema(); err != nil {
				s.log.Warn("failed to initialize notebook schema", "err", err)
			}
			*synced = true
			s.setState(Synced)
			return s.flush(ctx, conn)
		case SyncUpdate:
			if err := s.replica.ApplyRemote(m.Payload); err != nil {
				if errors.Is(err, notebook.ErrClosed) {
					return err
				}
				s.log.Warn("dropping update", "err", err)
			}
		}
	case MessageAwareness:
		if _, err := s.awareness.Apply(m.Payload); err != nil {
			s.log.Warn("dropping awareness update", "err", err)
		}
	case MessageCustom:
		s.listenersMu.Lock()
		handlers := make([]func([]byte), 0, len(s.customHandler))
		for _, fn := range s.customHandler {
			handlers = append(handlers, fn)
		}
		s.listenersMu.Unlock()
		for _, fn := range handlers {
			fn(m.Payload)
		}
	}
	return nil
}

func (s *Session) flush(ctx context.Context, conn transport.Conn) error {
	delta, err := s.replica.CaptureLocalChanges()
	if err != nil {
		return fmt.Errorf("failed to capture local changes: %w", err)
	}
	if len(delta) == 0 {
		return nil
	}
	s.log.Debug("sending update", "bytes", len(delta))
	return conn.Send(ctx, EncodeSync(SyncUpdate, delta))
}

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
)

const UserAgent = "automerge-notebook client"

var (
	ErrTransport = errors.New("transport error")
	ErrClosed    = errors.New("link closed")
)

type ChannelSettings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingTimeout      time.Duration
	ReceiveBuffer    int
	// TextFrames switches the link to text frames, for peers that speak JSON.
	TextFrames bool

	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	// ReconnectJitter is the randomization factor applied to every delay, 0.5 means +/- 50%.
	ReconnectJitter float64
	// MaxRetries is the number of consecutive failed connection attempts before giving up, 0 retries forever.
	MaxRetries int
}

func DefaultChannelSettings() *ChannelSettings {
	return &ChannelSettings{
		HandshakeTimeout:   5 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        90 * time.Second,
		PingTimeout:        30 * time.Second,
		ReceiveBuffer:      16,
		ReconnectBaseDelay: 500 * time.Millisecond,
		ReconnectMaxDelay:  30 * time.Second,
		ReconnectJitter:    0.5,
		MaxRetries:         10,
	}
}

// NewBackoff returns the reconnect schedule: exponential from the base delay, capped, jittered, limited to
// MaxRetries attempts and stopped when ctx is done.
func (s *ChannelSettings) NewBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.ReconnectBaseDelay
	b.MaxInterval = s.ReconnectMaxDelay
	b.RandomizationFactor = s.ReconnectJitter
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	var bo backoff.BackOff = b
	if s.MaxRetries > 0 {
		bo = backoff.WithMaxRetries(bo, uint64(s.MaxRetries))
	}
	return backoff.WithContext(bo, ctx)
}

// Conn is one established bidirectional message link.
type Conn interface {
	Send(ctx context.Context, message []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Channel dials websocket links to a single synchronization endpoint.
type Channel struct {
	url      string
	header   http.Header
	settings *ChannelSettings
	dialer   *websocket.Dialer
	log      *slog.Logger
}

func NewChannel(url string, header http.Header, settings *ChannelSettings) *Channel {
	if settings == nil {
		settings = DefaultChannelSettings()
	}
	h := http.Header{}
	for k, v := range header {
		h[k] = append([]string(nil), v...)
	}
	if h.Get("User-Agent") == "" {
		h.Set("User-Agent", UserAgent)
	}
	return &Channel{
		url:      url,
		header:   h,
		settings: settings,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: settings.HandshakeTimeout,
		},
		log: slog.Default().With("component", "transport"),
	}
}

func (c *Channel) Settings() *ChannelSettings {
	return c.settings
}

func (c *Channel) Dial(ctx context.Context) (Conn, error) {
	ws, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: failed to dial %s: %v (status %d)", ErrTransport, c.url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: failed to dial %s: %v", ErrTransport, c.url, err)
	}
	c.log.Debug("websocket connection opened", "url", c.url)
	return NewLink(ws, c.settings, c.log), nil
}

type received struct {
	message []byte
	err     error
}

// Link wraps one websocket connection. A single goroutine reads frames into a buffer and another sends pings,
// writes are serialized.
type Link struct {
	ws       *websocket.Conn
	settings *ChannelSettings
	log      *slog.Logger

	writeMu  sync.Mutex
	incoming chan received
	done     chan struct{}
	once     sync.Once
}

func NewLink(ws *websocket.Conn, settings *ChannelSettings, log *slog.Logger) *Link {
	l := &Link{
		ws:       ws,
		settings: settings,
		log:      log,
		incoming: make(chan received, settings.ReceiveBuffer),
		done:     make(chan struct{}),
	}
	_ = ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
	})
	go l.readLoop()
	go l.pingLoop()
	return l
}

func (l *Link) readLoop() {
	defer close(l.incoming)
	for {
		messageType, message, err := l.ws.ReadMessage()
		if err != nil {
			select {
			case <-l.done:
			case l.incoming <- received{err: fmt.Errorf("%w: failed to read message: %v", ErrTransport, err)}:
			}
			return
		}
		_ = l.ws.SetReadDeadline(time.Now().Add(l.settings.ReadTimeout))
		if messageType == l.messageType() {
			if len(message) == 0 {
				// keep alive
				continue
			}
			select {
			case <-l.done:
				return
			case l.incoming <- received{message: message}:
			}
			continue
		}
		l.log.Debug("ignoring message", "type", messageType)
	}
}

func (l *Link) messageType() int {
	if l.settings.TextFrames {
		return websocket.TextMessage
	}
	return websocket.BinaryMessage
}

func (l *Link) pingLoop() {
	t := time.NewTicker(l.settings.PingTimeout)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			deadline := time.Now().Add(l.settings.WriteTimeout)
			if err := l.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				l.log.Debug("failed to ping", "err", err)
				_ = l.Close()
				return
			}
		case <-l.done:
			return
		}
	}
}

func (l *Link) Send(ctx context.Context, message []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	deadline := time.Now().Add(l.settings.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = l.ws.SetWriteDeadline(deadline)
	if err := l.ws.WriteMessage(l.messageType(), message); err != nil {
		// a websocket write deadline cannot be recovered from
		_ = l.Close()
		return fmt.Errorf("%w: failed to write message: %v", ErrTransport, err)
	}
	return nil
}

func (l *Link) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, ErrClosed
	case r, ok := <-l.incoming:
		if !ok {
			return nil, ErrClosed
		}
		return r.message, r.err
	}
}

func (l *Link) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		deadline := time.Now().Add(l.settings.WriteTimeout)
		_ = l.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = l.ws.Close()
	})
	return err
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

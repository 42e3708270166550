package nbclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/astromechza/automerge-notebook/pkg/endpoint"
	"github.com/astromechza/automerge-notebook/pkg/execution"
	"github.com/astromechza/automerge-notebook/pkg/kernel"
	"github.com/astromechza/automerge-notebook/pkg/notebook"
	"github.com/astromechza/automerge-notebook/pkg/syncproto"
	"github.com/astromechza/automerge-notebook/pkg/transport"
)

var (
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrStopped           = errors.New("client stopped")
	ErrAlreadyStarted    = errors.New("client already started")
)

const DefaultTimeout = 10 * time.Second

type Settings struct {
	// Timeout bounds the initial synchronization in Start.
	Timeout   time.Duration
	ActorID   string
	Session   *syncproto.SessionSettings
	Execution *execution.Settings
	Logger    *slog.Logger
}

// DefaultSettings reads the start timeout in seconds from REQUEST_TIMEOUT.
func DefaultSettings() *Settings {
	timeout := DefaultTimeout
	if raw := os.Getenv("REQUEST_TIMEOUT"); raw != "" {
		if n, err := strconv.ParseFloat(raw, 64); err == nil && n > 0 {
			timeout = time.Duration(n * float64(time.Second))
		} else {
			slog.Warn("ignoring invalid REQUEST_TIMEOUT", "value", raw)
		}
	}
	return &Settings{
		Timeout:   timeout,
		Session:   syncproto.DefaultSessionSettings(),
		Execution: execution.DefaultSettings(),
	}
}

// Client is a live, collaboratively edited notebook. Every call goes through the local replica, changes reach the
// room in the background.
type Client struct {
	target   string
	dialer   transport.Dialer
	settings *Settings
	log      *slog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	replica *notebook.Replica
	session *syncproto.Session
	cancel  context.CancelFunc
	runDone chan struct{}
	bridges map[kernel.Channel]*execution.Bridge
}

func New(ep endpoint.Endpoint, settings *Settings) *Client {
	if settings == nil {
		settings = DefaultSettings()
	}
	if settings.Session == nil {
		settings.Session = syncproto.DefaultSessionSettings()
	}
	c := NewWithDialer(ep.Channel(settings.Session.Channel), settings)
	c.target = ep.URL
	return c
}

// NewWithDialer builds a client on any link provider.
func NewWithDialer(dialer transport.Dialer, settings *Settings) *Client {
	if settings == nil {
		settings = DefaultSettings()
	}
	if settings.Session == nil {
		settings.Session = syncproto.DefaultSessionSettings()
	}
	if settings.Timeout <= 0 {
		settings.Timeout = DefaultTimeout
	}
	log := settings.Logger
	if log == nil {
		log = slog.Default()
	}
	if settings.Session.Logger == nil {
		settings.Session.Logger = log
	}
	return &Client{
		target:   "room",
		dialer:   dialer,
		settings: settings,
		log:      log.With("component", "nbclient"),
		bridges:  map[kernel.Channel]*execution.Bridge{},
	}
}

// Start connects and blocks until the notebook has been synchronized once. When that does not happen within the
// timeout the client is stopped and ErrConnectionTimeout is returned.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	opts := []notebook.Option{notebook.WithLogger(c.log)}
	if c.settings.ActorID != "" {
		opts = append(opts, notebook.WithActorID(c.settings.ActorID))
	}
	c.replica = notebook.NewReplica(opts...)
	c.session = syncproto.NewSession(c.replica, c.dialer, c.settings.Session)
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.runDone = make(chan struct{})
	session, runDone := c.session, c.runDone
	c.mu.Unlock()

	go func() {
		defer close(runDone)
		if err := session.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Error("synchronization stopped", "err", err)
		}
	}()

	c.log.Debug("waiting for initial sync", "target", c.target, "timeout", c.settings.Timeout)
	waitCtx, waitCancel := context.WithTimeout(ctx, c.settings.Timeout)
	defer waitCancel()
	if err := session.WaitSynced(waitCtx); err != nil {
		_ = c.Stop()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: unable to sync with %s within %s: %w", ErrConnectionTimeout, c.target, c.settings.Timeout, err)
	}
	c.log.Info("notebook synced", "target", c.target)
	return nil
}

// Stop disconnects and releases the replica. Calling it again does nothing.
func (c *Client) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	bridges := c.bridges
	c.bridges = map[kernel.Channel]*execution.Bridge{}
	cancel, runDone, replica := c.cancel, c.runDone, c.replica
	c.mu.Unlock()

	for _, b := range bridges {
		b.Close()
	}
	if cancel != nil {
		cancel()
		<-runDone
	}
	if replica != nil {
		replica.Close()
	}
	c.log.Debug("client stopped")
	return nil
}

// Use starts the client, runs fn and always stops the client afterwards.
func (c *Client) Use(ctx context.Context, fn func(*Client) error) (err error) {
	if err := c.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if stopErr := c.Stop(); err == nil {
			err = stopErr
		}
	}()
	return fn(c)
}

func (c *Client) live() (*notebook.Replica, *syncproto.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil, nil, ErrStopped
	}
	if c.replica == nil {
		return nil, nil, notebook.ErrDocumentNotReady
	}
	return c.replica, c.session, nil
}

func (c *Client) doc() (*notebook.Replica, error) {
	r, _, err := c.live()
	return r, err
}

func (c *Client) State() syncproto.State {
	_, s, err := c.live()
	if err != nil {
		return syncproto.Disconnected
	}
	return s.State()
}

func (c *Client) Connected() bool {
	st := c.State()
	return st == syncproto.Syncing || st == syncproto.Synced
}

func (c *Client) Synced() bool {
	return c.State() == syncproto.Synced
}

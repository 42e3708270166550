package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/astromechza/automerge-notebook/pkg/endpoint"
	"github.com/astromechza/automerge-notebook/pkg/transport"
	"github.com/google/uuid"
)

var ErrClosed = errors.New("kernel channel closed")

type Status string

const (
	StatusBusy     Status = "busy"
	StatusIdle     Status = "idle"
	StatusStarting Status = "starting"
	StatusError    Status = "error"
)

// Event is one message from the kernel. Token is the token of the execution request it answers, Status is only
// set on status messages.
type Event struct {
	Token   string
	MsgType string
	Status  Status
	Content map[string]any
}

// Channel is anything that can run code and report what happened. Events for every request share one stream and
// are told apart by Token.
type Channel interface {
	Send(ctx context.Context, code string, token string) error
	Events() <-chan Event
}

const protocolVersion = "5.3"

type header struct {
	MsgID    string `json:"msg_id"`
	Username string `json:"username"`
	Session  string `json:"session"`
	Date     string `json:"date"`
	MsgType  string `json:"msg_type"`
	Version  string `json:"version"`
}

type message struct {
	Header       header         `json:"header"`
	ParentHeader map[string]any `json:"parent_header"`
	Metadata     map[string]any `json:"metadata"`
	Content      map[string]any `json:"content"`
	Channel      string         `json:"channel"`
	Buffers      []any          `json:"buffers"`
}

// Client talks to a Jupyter kernel over its websocket channels endpoint.
type Client struct {
	conn     transport.Conn
	session  string
	username string
	log      *slog.Logger

	events chan Event
	done   chan struct{}
	once   sync.Once
}

func Dial(ctx context.Context, ep endpoint.Endpoint, settings *transport.ChannelSettings) (*Client, error) {
	if settings == nil {
		settings = transport.DefaultChannelSettings()
	}
	s := *settings
	s.TextFrames = true
	conn, err := ep.Channel(&s).Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to kernel: %w", err)
	}
	return NewClient(conn, nil), nil
}

func NewClient(conn transport.Conn, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		conn:     conn,
		session:  uuid.NewString(),
		username: "automerge-notebook",
		log:      log.With("component", "kernel"),
		events:   make(chan Event, 64),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) Events() <-chan Event {
	return c.events
}

// Send submits code as an execute request whose message id is token.
func (c *Client) Send(ctx context.Context, code string, token string) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	raw, err := json.Marshal(message{
		Header: header{
			MsgID:    token,
			Username: c.username,
			Session:  c.session,
			Date:     time.Now().UTC().Format(time.RFC3339Nano),
			MsgType:  "execute_request",
			Version:  protocolVersion,
		},
		ParentHeader: map[string]any{},
		Metadata:     map[string]any{},
		Content: map[string]any{
			"code":             code,
			"silent":           false,
			"store_history":    true,
			"user_expressions": map[string]any{},
			"allow_stdin":      false,
			"stop_on_error":    true,
		},
		Channel: "shell",
		Buffers: []any{},
	})
	if err != nil {
		return fmt.Errorf("failed to encode execute request: %w", err)
	}
	if err := c.conn.Send(ctx, raw); err != nil {
		return fmt.Errorf("failed to send execute request: %w", err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.events)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	for {
		raw, err := c.conn.Receive(ctx)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.log.Warn("kernel connection closed", "err", err)
			}
			return
		}
		var m message
		if err := json.Unmarshal(raw, &m); err != nil {
			c.log.Warn("dropping malformed kernel message", "err", err)
			continue
		}
		e := Event{MsgType: m.Header.MsgType, Content: m.Content}
		if id, ok := m.ParentHeader["msg_id"].(string); ok {
			e.Token = id
		}
		if e.MsgType == "status" {
			if s, ok := m.Content["execution_state"].(string); ok {
				e.Status = Status(s)
			}
		}
		select {
		case c.events <- e:
		case <-c.done:
			return
		}
	}
}

func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

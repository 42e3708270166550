package endpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/astromechza/automerge-notebook/pkg/transport"
)

var (
	ErrInvalidURL = errors.New("invalid server url")
	ErrSession    = errors.New("failed to open collaboration session")
)

// Endpoint is a websocket url plus the headers to present when dialling it.
type Endpoint struct {
	URL    string
	Header http.Header
}

func (e Endpoint) Channel(settings *transport.ChannelSettings) *transport.Channel {
	return transport.NewChannel(e.URL, e.Header, settings)
}

// WebsocketURL rewrites an http(s) base url to ws(s) and joins the given path elements onto it.
func WebsocketURL(serverURL string, elem ...string) (*url.URL, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidURL, serverURL)
	}
	joinPath(u, elem...)
	return u, nil
}

// joinPath keeps the escaped form of every element so room ids containing ':' or '/' survive.
func joinPath(u *url.URL, elem ...string) {
	raw := strings.TrimSuffix(u.EscapedPath(), "/")
	plain := strings.TrimSuffix(u.Path, "/")
	for _, e := range elem {
		for _, seg := range strings.Split(strings.Trim(e, "/"), "/") {
			if seg == "" {
				continue
			}
			raw += "/" + url.PathEscape(seg)
			plain += "/" + seg
		}
	}
	u.Path = plain
	u.RawPath = raw
}

type sessionRequest struct {
	Format string `json:"format"`
	Type   string `json:"type"`
}

type sessionResponse struct {
	Format    string `json:"format"`
	Type      string `json:"type"`
	FileID    string `json:"fileId"`
	SessionID string `json:"sessionId"`
}

// JupyterRoom asks a Jupyter server for the collaboration session of the notebook at docPath and returns the
// websocket endpoint of its room.
func JupyterRoom(ctx context.Context, client *http.Client, serverURL, docPath, token string) (Endpoint, error) {
	if client == nil {
		client = http.DefaultClient
	}
	base, err := url.Parse(serverURL)
	if err != nil || base.Host == "" {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrInvalidURL, serverURL)
	}
	sessionURL := *base
	joinPath(&sessionURL, "api/collaboration/session", docPath)

	body, _ := json.Marshal(sessionRequest{Format: "json", Type: "notebook"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionURL.String(), bytes.NewReader(body))
	if err != nil {
		return Endpoint{}, fmt.Errorf("failed to build session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", transport.UserAgent)
	if token != "" {
		req.Header.Set("Authorization", "token "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrSession, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Endpoint{}, fmt.Errorf("%w: status %d: %s", ErrSession, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var session sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return Endpoint{}, fmt.Errorf("%w: failed to decode response: %v", ErrSession, err)
	}
	if session.FileID == "" || session.SessionID == "" {
		return Endpoint{}, fmt.Errorf("%w: response is missing fileId or sessionId", ErrSession)
	}

	roomID := fmt.Sprintf("%s:%s:%s", session.Format, session.Type, session.FileID)
	u, err := WebsocketURL(serverURL, "api/collaboration/room", roomID)
	if err != nil {
		return Endpoint{}, err
	}
	q := url.Values{"sessionId": {session.SessionID}}
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return Endpoint{URL: u.String(), Header: http.Header{}}, nil
}

// HostedRoom returns the endpoint of a room on a hosted document service.
func HostedRoom(serverURL, roomID, token string) (Endpoint, error) {
	if roomID == "" {
		return Endpoint{}, fmt.Errorf("%w: empty room id", ErrInvalidURL)
	}
	u, err := WebsocketURL(serverURL, "api/spacer/v1/documents", roomID)
	if err != nil {
		return Endpoint{}, err
	}
	h := http.Header{}
	if token != "" {
		u.RawQuery = url.Values{"token": {token}}.Encode()
		h.Set("Authorization", "Bearer "+token)
	}
	return Endpoint{URL: u.String(), Header: h}, nil
}

// KernelChannels returns the endpoint of a Jupyter kernel websocket.
func KernelChannels(serverURL, kernelID, sessionID, token string) (Endpoint, error) {
	if kernelID == "" {
		return Endpoint{}, fmt.Errorf("%w: empty kernel id", ErrInvalidURL)
	}
	u, err := WebsocketURL(serverURL, "api/kernels", kernelID, "channels")
	if err != nil {
		return Endpoint{}, err
	}
	q := url.Values{}
	if sessionID != "" {
		q.Set("session_id", sessionID)
	}
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return Endpoint{URL: u.String(), Header: http.Header{}}, nil
}

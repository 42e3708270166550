package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestWebsocketURL(t *testing.T) {
	u, err := WebsocketURL("https://example.com/base/", "api/kernels", "k1", "channels")
	assert.Equal(t, err, nil)
	assert.Equal(t, u.String(), "wss://example.com/base/api/kernels/k1/channels")

	u, err = WebsocketURL("http://localhost:8888", "api/collaboration/room", "json:notebook:abc")
	assert.Equal(t, err, nil)
	assert.Equal(t, u.String(), "ws://localhost:8888/api/collaboration/room/json:notebook:abc")

	_, err = WebsocketURL("ftp://example.com")
	assert.Equal(t, errors.Is(err, ErrInvalidURL), true)
	_, err = WebsocketURL("localhost")
	assert.Equal(t, errors.Is(err, ErrInvalidURL), true)
}

func TestJupyterRoom(t *testing.T) {
	var gotPath, gotAuth, gotMethod string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.EscapedPath()
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"format":    "json",
			"type":      "notebook",
			"fileId":    "f-1",
			"sessionId": "s-1",
		})
	}))
	defer srv.Close()

	ep, err := JupyterRoom(context.Background(), srv.Client(), srv.URL, "work/my notebook.ipynb", "secret")
	assert.Equal(t, err, nil)
	assert.Equal(t, gotMethod, http.MethodPut)
	assert.Equal(t, gotPath, "/api/collaboration/session/work/my%20notebook.ipynb")
	assert.Equal(t, gotAuth, "token secret")
	assert.Equal(t, gotBody, map[string]string{"format": "json", "type": "notebook"})

	wsBase := "ws" + strings.TrimPrefix(srv.URL, "http")
	assert.Equal(t, ep.URL, wsBase+"/api/collaboration/room/json:notebook:f-1?sessionId=s-1&token=secret")
}

func TestJupyterRoomErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "missing.ipynb") {
			http.Error(w, "no such file", http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"format":"json"}`))
	}))
	defer srv.Close()

	_, err := JupyterRoom(context.Background(), srv.Client(), srv.URL, "missing.ipynb", "")
	assert.Equal(t, errors.Is(err, ErrSession), true)
	assert.Equal(t, strings.Contains(err.Error(), "404"), true)

	_, err = JupyterRoom(context.Background(), srv.Client(), srv.URL, "partial.ipynb", "")
	assert.Equal(t, errors.Is(err, ErrSession), true)

	_, err = JupyterRoom(context.Background(), nil, "not a url", "a.ipynb", "")
	assert.Equal(t, errors.Is(err, ErrInvalidURL), true)
}

func TestHostedRoom(t *testing.T) {
	ep, err := HostedRoom("https://hosted.example.com", "room-1", "tok")
	assert.Equal(t, err, nil)
	assert.Equal(t, ep.URL, "wss://hosted.example.com/api/spacer/v1/documents/room-1?token=tok")
	assert.Equal(t, ep.Header.Get("Authorization"), "Bearer tok")

	ep, err = HostedRoom("http://localhost:1234", "room-1", "")
	assert.Equal(t, err, nil)
	assert.Equal(t, ep.URL, "ws://localhost:1234/api/spacer/v1/documents/room-1")
	assert.Equal(t, ep.Header.Get("Authorization"), "")

	_, err = HostedRoom("http://localhost:1234", "", "")
	assert.Equal(t, errors.Is(err, ErrInvalidURL), true)
}

func TestKernelChannels(t *testing.T) {
	ep, err := KernelChannels("http://localhost:8888", "k-1", "s-1", "tok")
	assert.Equal(t, err, nil)
	assert.Equal(t, ep.URL, "ws://localhost:8888/api/kernels/k-1/channels?session_id=s-1&token=tok")
}

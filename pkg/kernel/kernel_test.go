package kernel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/astromechza/automerge-notebook/pkg/endpoint"
	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

// fakeKernel answers every execute request with the usual iopub sequence for "1+1".
func fakeKernel(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("failed to upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			var req message
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			parent := map[string]any{"msg_id": req.Header.MsgID, "msg_type": req.Header.MsgType}
			reply := func(channel, msgType string, content map[string]any) {
				_ = conn.WriteJSON(message{
					Header:       header{MsgID: msgType + "-1", MsgType: msgType, Session: "kernel", Version: protocolVersion},
					ParentHeader: parent,
					Content:      content,
					Channel:      channel,
				})
			}
			reply("iopub", "status", map[string]any{"execution_state": "busy"})
			reply("iopub", "execute_input", map[string]any{"code": req.Content["code"], "execution_count": 1})
			reply("iopub", "execute_result", map[string]any{
				"data":            map[string]any{"text/plain": "2"},
				"metadata":        map[string]any{},
				"execution_count": 1,
			})
			reply("shell", "execute_reply", map[string]any{"status": "ok", "execution_count": 1})
			reply("iopub", "status", map[string]any{"execution_state": "idle"})
		}
	}))
}

func TestClientExecute(t *testing.T) {
	srv := fakeKernel(t)
	defer srv.Close()

	ep, err := endpoint.KernelChannels(srv.URL, "k-1", "", "")
	assert.Equal(t, err, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, ep, nil)
	assert.Equal(t, err, nil)
	defer c.Close()

	assert.Equal(t, c.Send(ctx, "1+1", "token-1"), nil)

	var types []string
	for e := range c.Events() {
		assert.Equal(t, e.Token, "token-1")
		types = append(types, e.MsgType)
		if e.MsgType == "execute_result" {
			assert.Equal(t, e.Content["data"], map[string]any{"text/plain": "2"})
		}
		if e.Status == StatusIdle {
			break
		}
	}
	assert.Equal(t, types, []string{"status", "execute_input", "execute_result", "execute_reply", "status"})
}

func TestClientClose(t *testing.T) {
	srv := fakeKernel(t)
	defer srv.Close()

	ep, err := endpoint.KernelChannels(srv.URL, "k-1", "", "")
	assert.Equal(t, err, nil)
	c, err := Dial(context.Background(), ep, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, c.Close(), nil)
	assert.Equal(t, c.Close(), nil)
	assert.Equal(t, c.Send(context.Background(), "1", "t"), ErrClosed)

	select {
	case _, ok := <-c.Events():
		assert.Equal(t, ok, false)
	case <-time.After(5 * time.Second):
		t.Fatal("events not closed")
	}
}

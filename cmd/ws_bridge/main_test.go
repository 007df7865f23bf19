package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m4xw311/murmur/config"
	"github.com/m4xw311/murmur/logging"
	"github.com/m4xw311/murmur/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, command ...string) (*supervisor.Supervisor, string) {
	t.Helper()
	sup := supervisor.New(logging.Discard(), config.Shutdown{GraceSeconds: 0.5, FinalSeconds: 0.5, TimeoutSeconds: 3})
	srv := httptest.NewServer(newBridge(sup, command, logging.Discard()).routes())
	t.Cleanup(func() {
		srv.Close()
		_ = sup.Shutdown(context.Background())
	})
	return sup, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func TestRelaysLinesBothWays(t *testing.T) {
	sup, url := serve(t, "cat")
	conn := dial(t, url)

	msg := `{"jsonrpc":"2.0","id":1,"method":"initialize"}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))

	var got frame
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, frame{Type: "stdout", Data: msg}, got)
	assert.Len(t, sup.Handles(), 1)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.Eventually(t, func() bool { return len(sup.Handles()) == 0 }, 5*time.Second, 20*time.Millisecond)
}

func TestClosesWhenAgentExits(t *testing.T) {
	_, url := serve(t, "sh", "-c", `echo 'say "hi"'; printf tail`)
	conn := dial(t, url)

	var got frame
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, `say "hi"`, got.Data)
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "tail", got.Data)

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "%v", err)
}

func TestLaunchFailureIsReported(t *testing.T) {
	_, url := serve(t, "/does/not/exist")
	conn := dial(t, url)

	var got frame
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "error", got.Type)
}

func TestRunNeedsCommand(t *testing.T) {
	var stderr bytes.Buffer
	assert.Equal(t, 2, run(nil, &stderr))
	assert.Contains(t, stderr.String(), "usage: ws_bridge")
}

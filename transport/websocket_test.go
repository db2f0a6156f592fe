package transport

import (
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-sockjs/session"
)

func dial(t *testing.T, env *testEnv, id string) *websocket.Conn {
	t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial(env.wsURL(id), nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	typ, b, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, typ)
	return string(b)
}

func requireClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestWebsocket_Echo(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	conn := dial(t, env, "s1")

	assert.Equal(t, "o", readText(t, conn))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`["a","b"]`)))
	assert.Equal(t, `a["a"]`, readText(t, conn))
	assert.Equal(t, `a["b"]`, readText(t, conn))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`"solo"`)))
	assert.Equal(t, `a["solo"]`, readText(t, conn))
}

func TestWebsocket_EmptyMessageIgnored(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	conn := dial(t, env, "s1")
	require.Equal(t, "o", readText(t, conn))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, nil))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`["after"]`)))
	assert.Equal(t, `a["after"]`, readText(t, conn))
}

func TestWebsocket_BrokenJSONClosesSession(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	conn := dial(t, env, "s1")
	require.Equal(t, "o", readText(t, conn))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
	assert.Equal(t, `c[1002,"Broken JSON encoding"]`, readText(t, conn))
	requireClosed(t, conn)

	assert.Eventually(t, func() bool {
		closed, err := env.reg.IsClosed(t.Context(), "s1")
		return err == nil && closed
	}, time.Second, 5*time.Millisecond)
}

func TestWebsocket_SecondConnectionRejected(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	first := dial(t, env, "s1")
	require.Equal(t, "o", readText(t, first))

	second := dial(t, env, "s1")
	assert.Equal(t, `c[2010,"Another connection still open"]`, readText(t, second))
	requireClosed(t, second)

	require.NoError(t, env.session(t, "s1").Send("for first"))
	assert.Equal(t, `a["for first"]`, readText(t, first))
}

func TestWebsocket_ClosedSessionGoesAway(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	_, body := env.post(t, "s1", "xhr", "")
	require.Equal(t, "o\n", body)
	env.session(t, "s1").Close(3000, "Go away!")

	conn := dial(t, env, "s1")
	assert.Equal(t, `c[3000,"Go away!"]`, readText(t, conn))
	requireClosed(t, conn)
}

func TestWebsocket_ApplicationClose(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	conn := dial(t, env, "s1")
	require.Equal(t, "o", readText(t, conn))

	env.session(t, "s1").Close(3001, "done")
	assert.Equal(t, `c[3001,"done"]`, readText(t, conn))
	requireClosed(t, conn)
}

func TestWebsocket_ClientCloseOnlyDetaches(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	conn := dial(t, env, "s1")
	require.Equal(t, "o", readText(t, conn))
	s := env.session(t, "s1")

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	require.NoError(t, conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	assert.Eventually(t, func() bool { return !s.Attached() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, session.StateOpen, s.State())
}

func TestWebsocket_RequiresUpgrade(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	resp, err := http.Get(env.url("s1", "websocket"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_, ok := env.reg.Lookup("s1")
	assert.False(t, ok, "no session created for a failed upgrade")
}

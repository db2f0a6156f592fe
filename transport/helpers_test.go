package transport

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-sockjs/logger"
	"github.com/cyberinferno/go-sockjs/session"
	"github.com/cyberinferno/go-sockjs/tombstone"
)

type envOptions struct {
	Polling   PollingOptions
	Streaming StreamingOptions
	Websocket WebsocketOptions
	App       session.Application
}

type testEnv struct {
	reg *session.Registry
	srv *httptest.Server
}

func echoApp() session.Application {
	return session.Callbacks{
		Message: func(s *session.Session, msg string) {
			_ = s.Send(msg)
		},
	}
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()

	if opts.App == nil {
		opts.App = echoApp()
	}

	log := logger.NewNopLogger()
	reg := session.NewRegistry(session.RegistryConfig{
		Application: opts.App,
		Tombstones:  tombstone.NewMemoryStore(time.Minute, 0),
		Logger:      log,
	})

	r := chi.NewRouter()
	r.Route("/{server}/{"+ParamSession+"}", func(r chi.Router) {
		r.Method(http.MethodPost, "/xhr", NewPolling(reg, opts.Polling, log))
		r.Method(http.MethodPost, "/xhr_send", NewSend(reg, SendOptions{}, log))
		r.Method(http.MethodPost, "/xhr_streaming", NewXHRStreaming(reg, opts.Streaming, log))
		r.Method(http.MethodGet, "/eventsource", NewEventSource(reg, opts.Streaming, log))
		r.Method(http.MethodGet, "/websocket", NewWebsocket(reg, opts.Websocket, log))
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &testEnv{reg: reg, srv: srv}
}

func (e *testEnv) url(id, transport string) string {
	return e.srv.URL + "/000/" + id + "/" + transport
}

func (e *testEnv) wsURL(id string) string {
	return "ws" + strings.TrimPrefix(e.url(id, "websocket"), "http")
}

// post sends a complete request and returns its status and body. It reports
// failures with t.Errorf so it can run off the test goroutine.
func (e *testEnv) post(t *testing.T, id, transport, body string) (int, string) {
	resp, err := http.Post(e.url(id, transport), "text/plain", strings.NewReader(body))
	if err != nil {
		t.Errorf("post %s: %v", transport, err)
		return 0, ""
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Errorf("read %s: %v", transport, err)
	}

	return resp.StatusCode, string(b)
}

// stream opens a streaming response and returns a reader over its body.
func (e *testEnv) stream(t *testing.T, method, id, transport string) (*http.Response, *bufio.Reader) {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), method, e.url(id, transport), nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp, bufio.NewReader(resp.Body)
}

func (e *testEnv) session(t *testing.T, id string) *session.Session {
	t.Helper()

	s, ok := e.reg.Lookup(id)
	require.True(t, ok, "session %s not registered", id)
	return s
}

func readLine(t *testing.T, br *bufio.Reader) string {
	t.Helper()

	line, err := br.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSuffix(line, "\n")
}

// messageLines collects the messages of every a-frame in body.
func messageLines(t *testing.T, body string) []string {
	t.Helper()

	var out []string
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "a") {
			continue
		}

		var msgs []string
		require.NoError(t, json.Unmarshal([]byte(line[1:]), &msgs))
		out = append(out, msgs...)
	}

	return out
}

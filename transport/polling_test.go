package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-sockjs/session"
)

func TestPolling_FreshSession(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	status, body := env.post(t, "s1", "xhr", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "o\n", body)
	assert.Equal(t, session.StateOpen, env.session(t, "s1").State())

	status, body = env.post(t, "s1", "xhr_send", `["hello"]`)
	assert.Equal(t, http.StatusNoContent, status)
	assert.Empty(t, body)

	status, body = env.post(t, "s1", "xhr", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "a[\"hello\"]\n", body)
}

func TestPolling_TimeoutAnswersHeartbeat(t *testing.T) {
	env := newTestEnv(t, envOptions{Polling: PollingOptions{Timeout: 20 * time.Millisecond}})

	_, body := env.post(t, "s1", "xhr", "")
	require.Equal(t, "o\n", body)

	status, body := env.post(t, "s1", "xhr", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "h\n", body)
	assert.False(t, env.session(t, "s1").Attached())
}

func TestPolling_WaitingPollReceivesLaterMessage(t *testing.T) {
	env := newTestEnv(t, envOptions{Polling: PollingOptions{Timeout: 5 * time.Second}})

	_, body := env.post(t, "s1", "xhr", "")
	require.Equal(t, "o\n", body)
	s := env.session(t, "s1")

	type result struct {
		status int
		body   string
	}

	first := make(chan result, 1)
	go func() {
		status, body := env.post(t, "s1", "xhr", "")
		first <- result{status, body}
	}()

	require.Eventually(t, s.Attached, time.Second, 5*time.Millisecond)

	status, body := env.post(t, "s1", "xhr", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "c[2010,\"Another connection still open\"]\n", body)
	assert.True(t, s.Attached(), "losing poll leaves the winner attached")

	require.NoError(t, s.Send("x"))

	select {
	case r := <-first:
		assert.Equal(t, http.StatusOK, r.status)
		assert.Equal(t, "a[\"x\"]\n", r.body)
	case <-time.After(2 * time.Second):
		t.Fatal("waiting poll was not answered")
	}
}

func TestPolling_ClosedSessionIsGone(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	_, body := env.post(t, "s1", "xhr", "")
	require.Equal(t, "o\n", body)

	env.session(t, "s1").Close(3000, "Go away!")

	status, body := env.post(t, "s1", "xhr", "")
	assert.Equal(t, http.StatusGone, status)
	assert.Equal(t, "c[3000,\"Go away!\"]\n", body)
}

func TestPolling_CloseDuringPollDeliversCloseFrame(t *testing.T) {
	env := newTestEnv(t, envOptions{Polling: PollingOptions{Timeout: 5 * time.Second}})

	_, body := env.post(t, "s1", "xhr", "")
	require.Equal(t, "o\n", body)
	s := env.session(t, "s1")

	done := make(chan string, 1)
	go func() {
		_, body := env.post(t, "s1", "xhr", "")
		done <- body
	}()

	require.Eventually(t, s.Attached, time.Second, 5*time.Millisecond)
	s.Close(3001, "bye")

	select {
	case body := <-done:
		assert.Equal(t, "c[3001,\"bye\"]\n", body)
	case <-time.After(2 * time.Second):
		t.Fatal("waiting poll was not answered")
	}
}

func TestPollConsumer_SecondBatchRejected(t *testing.T) {
	c := newPollConsumer(httptest.NewRecorder())

	done, err := c.Send(nil)
	require.NoError(t, err)
	assert.True(t, done)

	_, err = c.Send(nil)
	assert.ErrorIs(t, err, session.ErrTransportShape)
	assert.True(t, c.finish())
}

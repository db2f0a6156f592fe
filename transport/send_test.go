package transport

import (
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-sockjs/session"
)

func TestSend_Responses(t *testing.T) {
	tests := []struct {
		name       string
		id         string
		body       string
		wantStatus int
		wantBody   string
		wantState  session.State
	}{
		{
			name:       "unknown session",
			id:         "missing",
			body:       `["x"]`,
			wantStatus: http.StatusNotFound,
			wantBody:   "404 page not found\n",
		},
		{
			name:       "empty payload",
			id:         "s1",
			body:       "",
			wantStatus: http.StatusInternalServerError,
			wantBody:   "Payload expected.\n",
			wantState:  session.StateOpen,
		},
		{
			name:       "broken json",
			id:         "s1",
			body:       `["x"`,
			wantStatus: http.StatusInternalServerError,
			wantBody:   "Broken JSON encoding.\n",
			wantState:  session.StateClosed,
		},
		{
			name:       "accepted",
			id:         "s1",
			body:       `["a","b"]`,
			wantStatus: http.StatusNoContent,
			wantBody:   "",
			wantState:  session.StateOpen,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, envOptions{})
			_, body := env.post(t, "s1", "xhr", "")
			require.Equal(t, "o\n", body)
			s := env.session(t, "s1")

			status, body := env.post(t, tt.id, "xhr_send", tt.body)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantBody, body)

			if tt.id == "s1" {
				assert.Equal(t, tt.wantState, s.State())
			}
		})
	}
}

func TestSend_BrokenJSONClosesWith1002(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	_, body := env.post(t, "s1", "xhr", "")
	require.Equal(t, "o\n", body)
	s := env.session(t, "s1")

	env.post(t, "s1", "xhr_send", "not json")

	code, reason, ok := s.CloseInfo()
	require.True(t, ok)
	assert.Equal(t, 1002, code)
	assert.Equal(t, "Broken JSON encoding", reason)

	status, _ := env.post(t, "s1", "xhr_send", `["late"]`)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSend_ReceiptOrderAcrossRequests(t *testing.T) {
	var (
		mu  sync.Mutex
		got []string
	)
	env := newTestEnv(t, envOptions{App: session.Callbacks{
		Message: func(_ *session.Session, msg string) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, msg)
		},
	}})

	_, body := env.post(t, "s1", "xhr", "")
	require.Equal(t, "o\n", body)

	env.post(t, "s1", "xhr_send", `["1","2"]`)
	env.post(t, "s1", "xhr_send", `["3"]`)
	env.post(t, "s1", "xhr_send", `[]`)
	env.post(t, "s1", "xhr_send", `["4","5"]`)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, got)
}

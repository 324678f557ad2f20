package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"specbot/progress"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressStreamedToListener(t *testing.T) {
	hub := progress.NewHub()
	go hub.Run()
	defer hub.Stop()

	h := NewHandlers(&fakeService{}, newChain(), newChain(), nil, nil, "secret", nil).WithProgress(hub)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/users/7/progress"
	conn, _, err := gorilla.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Listeners(7) == 1 }, time.Second, 10*time.Millisecond)

	req := multipartRequest(t, map[string]string{"user_id": "7"}, 1)
	rec := serve(h.Router(), req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg progress.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "progress", msg.Type)
	assert.Equal(t, "analysis", msg.StageName)
	assert.Equal(t, "analyzing photos", msg.Note)
}

func TestProgressDisabledWithoutHub(t *testing.T) {
	r, _ := newRouter(&fakeService{}, nil)
	rec := serve(r, httptest.NewRequest(http.MethodGet, "/api/v1/users/7/progress", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

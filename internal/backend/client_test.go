package backend

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	path      string
	signature string
	body      []byte
}

type captureHandler struct {
	mu       sync.Mutex
	requests []capturedRequest
}

func (h *captureHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	h.mu.Lock()
	h.requests = append(h.requests, capturedRequest{
		path:      r.URL.Path,
		signature: r.Header.Get("X-Classcast-Signature"),
		body:      body,
	})
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (h *captureHandler) all() []capturedRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]capturedRequest(nil), h.requests...)
}

func TestSaveChatSignsPayload(t *testing.T) {
	handler := &captureHandler{}
	ts := httptest.NewServer(handler)
	defer ts.Close()

	c := NewClient(ts.URL, "shared-secret", time.Second, 1, 32, zerolog.Nop())
	defer c.Close()

	require.NoError(t, c.SaveChat(context.Background(), "room-1", "peer-1", "Ana", "hello"))

	requests := handler.all()
	require.Len(t, requests, 1)
	assert.Equal(t, "/classes/room-1/chat", requests[0].path)

	mac := hmac.New(sha256.New, []byte("shared-secret"))
	mac.Write(requests[0].body)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), requests[0].signature)

	var body map[string]any
	require.NoError(t, json.Unmarshal(requests[0].body, &body))
	assert.Equal(t, "peer-1", body["peerId"])
	assert.Equal(t, "Ana", body["displayName"])
	assert.Equal(t, "hello", body["message"])
}

func TestSaveChatSurfacesBackendError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "class not found", http.StatusNotFound)
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "secret", time.Second, 1, 32, zerolog.Nop())
	defer c.Close()

	err := c.SaveChat(context.Background(), "room-1", "peer-1", "Ana", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestEmitEventDelivers(t *testing.T) {
	handler := &captureHandler{}
	ts := httptest.NewServer(handler)
	defer ts.Close()

	c := NewClient(ts.URL, "secret", time.Second, 2, 32, zerolog.Nop())
	defer c.Close()

	c.EmitEvent("room_created", map[string]any{"roomId": "room-1"})

	require.Eventually(t, func() bool {
		return len(handler.all()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	var body map[string]any
	require.NoError(t, json.Unmarshal(handler.all()[0].body, &body))
	assert.Equal(t, "/events", handler.all()[0].path)
	assert.Equal(t, "room_created", body["event_type"])
}

func TestDisabledClient(t *testing.T) {
	c := NewClient("", "", time.Second, 1, 32, zerolog.Nop())
	defer c.Close()

	assert.False(t, c.Enabled())
	assert.NoError(t, c.SaveChat(context.Background(), "room-1", "peer-1", "", "hi"))
	c.EmitEvent("room_created", nil)
	assert.Equal(t, int64(0), c.DroppedEvents())
}

// Package backend talks to the REST backend that owns authentication, class
// scheduling and chat persistence. Chat saves are synchronous so the failure
// can be surfaced to the sender; lifecycle events ride a best-effort queue.
package backend

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const signatureHeader = "X-Classcast-Signature"

// Event is one queued lifecycle event.
type Event struct {
	EventType string
	Payload   map[string]any
}

// Client posts signed JSON to the backend. A client with an empty base URL is
// disabled: saves succeed without doing anything and events are discarded.
type Client struct {
	baseURL string
	secret  string
	http    *http.Client
	log     zerolog.Logger

	queue chan Event
	stop  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup

	droppedEvents atomic.Int64
}

// NewClient creates a backend client and starts its event workers.
func NewClient(baseURL, secret string, timeout time.Duration, workers, queueSize int, log zerolog.Logger) *Client {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 32 {
		queueSize = 32
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		http:    &http.Client{Timeout: timeout},
		log:     log,
		queue:   make(chan Event, queueSize),
		stop:    make(chan struct{}),
	}
	if c.baseURL != "" {
		for i := 0; i < workers; i++ {
			c.wg.Add(1)
			go c.worker()
		}
	}
	return c
}

// Enabled reports whether a backend base URL is configured.
func (c *Client) Enabled() bool {
	return c.baseURL != ""
}

// SaveChat persists one chat message for a room. The caller relays the
// message to peers regardless of the result.
func (c *Client) SaveChat(ctx context.Context, roomID, peerID, displayName, message string) error {
	if !c.Enabled() {
		return nil
	}
	body := map[string]any{
		"peerId":      peerID,
		"displayName": displayName,
		"message":     message,
		"sentAt":      time.Now().UTC().Format(time.RFC3339),
	}
	endpoint := fmt.Sprintf("%s/classes/%s/chat", c.baseURL, roomID)
	return c.post(ctx, endpoint, body)
}

// EmitEvent queues a lifecycle event; it never blocks and drops when the
// queue is full.
func (c *Client) EmitEvent(eventType string, payload map[string]any) {
	if !c.Enabled() {
		return
	}
	select {
	case c.queue <- Event{EventType: eventType, Payload: payload}:
	default:
		c.droppedEvents.Add(1)
		c.log.Warn().Str("eventType", eventType).Msg("dropping backend event, queue full")
	}
}

// DroppedEvents returns the number of events dropped due to a full queue.
func (c *Client) DroppedEvents() int64 {
	return c.droppedEvents.Load()
}

func (c *Client) worker() {
	defer c.wg.Done()
	for {
		select {
		case event := <-c.queue:
			ctx, cancel := context.WithTimeout(context.Background(), c.http.Timeout)
			err := c.post(ctx, c.baseURL+"/events", map[string]any{
				"event_type": event.EventType,
				"payload":    event.Payload,
			})
			cancel()
			if err != nil {
				c.log.Warn().Err(err).Str("eventType", event.EventType).Msg("backend event post failed")
			}
		case <-c.stop:
			return
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signatureHeader, signPayload(c.secret, body))

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		if len(data) == 0 {
			return fmt.Errorf("backend returned status %d", resp.StatusCode)
		}
		return fmt.Errorf("backend returned status %d: %s", resp.StatusCode, string(data))
	}
	return nil
}

// Close stops the event workers.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.stop)
	})
	c.wg.Wait()
}

func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

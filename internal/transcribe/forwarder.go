// Package transcribe maintains the single process-wide link to the external
// transcription service and delivers flushed audio chunks over it. Delivery
// is best effort: without a linked sink chunks are dropped, and a failed send
// drops the chunk and the link.
package transcribe

import (
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ailearn/classcast/internal/audio"
)

// minChunkBytes is the smallest payload worth transcribing; anything below is
// dropped at forward time.
const minChunkBytes = 1000

const defaultQueueSize = 64

// chunkEnvelope is the wire message sent to the transcription sink. The
// payload marshals to base64 through encoding/json.
type chunkEnvelope struct {
	Type string    `json:"type"`
	Data chunkData `json:"data"`
}

type chunkData struct {
	RoomID              string `json:"roomId"`
	ProducerID          string `json:"producerId"`
	Timestamp           int64  `json:"timestamp"`
	StartTimestamp      int64  `json:"startTimestamp"`
	EndTimestamp        int64  `json:"endTimestamp"`
	ChunkCount          int    `json:"chunkCount"`
	MissingPackets      int    `json:"missingPackets"`
	FirstSequenceNumber uint16 `json:"firstSequenceNumber"`
	LastSequenceNumber  uint16 `json:"lastSequenceNumber"`
	AudioBuffer         []byte `json:"audioBuffer"`
	PayloadType         uint8  `json:"payloadType"`
	Duration            int64  `json:"duration"`
}

// Forwarder implements audio.Sink against one websocket sink link.
type Forwarder struct {
	log          zerolog.Logger
	authToken    string
	writeTimeout time.Duration
	upgrader     websocket.Upgrader

	mu   sync.Mutex
	conn *websocket.Conn

	queue chan *audio.Chunk
	stop  chan struct{}
	once  sync.Once

	forwarded atomic.Int64
	dropped   atomic.Int64
}

// NewForwarder creates a forwarder. authToken, when non-empty, is required on
// the sink websocket handshake.
func NewForwarder(authToken string, writeTimeout time.Duration, log zerolog.Logger) *Forwarder {
	f := &Forwarder{
		log:          log,
		authToken:    authToken,
		writeTimeout: writeTimeout,
		queue:        make(chan *audio.Chunk, defaultQueueSize),
		stop:         make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
	}
	go f.run()
	return f
}

// Forward queues one chunk for delivery. It never blocks the caller: when the
// queue is full the chunk is dropped.
func (f *Forwarder) Forward(c *audio.Chunk) {
	if len(c.Payload) < minChunkBytes {
		f.dropped.Add(1)
		f.log.Debug().Int("bytes", len(c.Payload)).Msg("dropping chunk below minimum size")
		return
	}
	select {
	case f.queue <- c:
	default:
		f.dropped.Add(1)
		f.log.Warn().Msg("dropping chunk, forward queue full")
	}
}

func (f *Forwarder) run() {
	for {
		select {
		case c := <-f.queue:
			f.send(c)
		case <-f.stop:
			return
		}
	}
}

func (f *Forwarder) send(c *audio.Chunk) {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()

	if conn == nil {
		f.dropped.Add(1)
		f.log.Debug().Str("roomId", c.RoomID).Msg("no transcription sink linked, dropping chunk")
		return
	}

	msg := chunkEnvelope{
		Type: "audio_chunk",
		Data: chunkData{
			RoomID:              c.RoomID,
			ProducerID:          c.ProducerID,
			Timestamp:           c.Timestamp,
			StartTimestamp:      c.StartTimestamp,
			EndTimestamp:        c.EndTimestamp,
			ChunkCount:          c.ChunkCount,
			MissingPackets:      c.MissingPackets,
			FirstSequenceNumber: c.FirstSequenceNumber,
			LastSequenceNumber:  c.LastSequenceNumber,
			AudioBuffer:         c.Payload,
			PayloadType:         c.PayloadType,
			Duration:            c.Duration,
		},
	}

	if f.writeTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(f.writeTimeout))
	}
	if err := conn.WriteJSON(msg); err != nil {
		f.dropped.Add(1)
		f.log.Warn().Err(err).Msg("transcription sink write failed, dropping chunk and link")
		f.detach(conn)
		return
	}
	f.forwarded.Add(1)
}

// HandleWS upgrades an incoming connection from the transcription service and
// installs it as the current sink link, replacing any previous one.
func (f *Forwarder) HandleWS(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.Warn().Err(err).Msg("transcription sink upgrade failed")
		return
	}

	f.mu.Lock()
	old := f.conn
	f.conn = conn
	f.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	f.log.Info().Str("remote", conn.RemoteAddr().String()).Msg("transcription sink linked")

	// Drain the connection so we notice when the sink goes away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		f.detach(conn)
	}()
}

func (f *Forwarder) authorized(r *http.Request) bool {
	if f.authToken == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	if strings.TrimPrefix(header, "Bearer ") == f.authToken && header != "" {
		return true
	}
	return r.URL.Query().Get("token") == f.authToken
}

// detach clears the link if conn is still the current one.
func (f *Forwarder) detach(conn *websocket.Conn) {
	f.mu.Lock()
	current := f.conn == conn
	if current {
		f.conn = nil
	}
	f.mu.Unlock()

	_ = conn.Close()
	if current {
		f.log.Info().Msg("transcription sink unlinked")
	}
}

// Linked reports whether a sink link is currently attached.
func (f *Forwarder) Linked() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn != nil
}

// Forwarded returns the number of chunks delivered to the sink.
func (f *Forwarder) Forwarded() int64 {
	return f.forwarded.Load()
}

// Dropped returns the number of chunks dropped for any reason.
func (f *Forwarder) Dropped() int64 {
	return f.dropped.Load()
}

// Close stops the delivery worker and drops the link.
func (f *Forwarder) Close() {
	f.once.Do(func() {
		close(f.stop)
	})
	f.mu.Lock()
	conn := f.conn
	f.conn = nil
	f.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Package signaling accepts persistent client connections and drives the
// request/response protocol that negotiates media transports, producers and
// consumers for a room.
package signaling

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	uuid "github.com/satori/go.uuid"

	"github.com/ailearn/classcast/internal/audio"
	"github.com/ailearn/classcast/internal/backend"
	"github.com/ailearn/classcast/internal/rooms"
)

// Options tunes the websocket connection handling. The capacity limits are
// best effort; zero disables them.
type Options struct {
	ReadLimit    int64
	WriteTimeout time.Duration
	PingInterval time.Duration
	PongWait     time.Duration
	MaxPeers     int
	MaxRoomPeers int
}

// Stats is a snapshot of the server counters for the metrics endpoint.
type Stats struct {
	ActiveConnections   int64 `json:"activeConnections"`
	TotalConnections    int64 `json:"totalConnections"`
	Requests            int64 `json:"requests"`
	RejectedConnections int64 `json:"rejectedConnections"`
}

// Server upgrades signaling connections and runs one Session per connection.
type Server struct {
	log      zerolog.Logger
	registry *rooms.Registry
	backend  *backend.Client
	sink     audio.Sink
	opts     Options
	upgrader websocket.Upgrader

	connections      atomic.Int64
	totalConnections atomic.Int64
	requests         atomic.Int64
	rejected         atomic.Int64
}

func NewServer(registry *rooms.Registry, backendClient *backend.Client, sink audio.Sink, opts Options, log zerolog.Logger) *Server {
	return &Server{
		log:      log,
		registry: registry,
		backend:  backendClient,
		sink:     sink,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWS is the signaling entry point. Identity rides the query string; a
// handshake failure terminates the connection without creating any room or
// peer state.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	roomID := query.Get("roomId")
	role := rooms.Role(query.Get("role"))
	studentName := query.Get("studentName")

	switch {
	case roomID == "":
		http.Error(w, "roomId required", http.StatusBadRequest)
		return
	case !role.Valid():
		http.Error(w, "role must be teacher or student", http.StatusBadRequest)
		return
	case role == rooms.RoleStudent && studentName == "":
		http.Error(w, "studentName required for students", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	if !s.reservePeerSlot() {
		s.reject(conn, "server at capacity")
		return
	}

	ctx := context.Background()
	peerID := uuid.NewV4().String()
	room, err := s.registry.Join(ctx, roomID, peerID, role, studentName)
	if err != nil {
		s.log.Error().Err(err).Str("roomId", roomID).Msg("joining room failed")
		s.releasePeerSlot()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "room unavailable"),
			time.Now().Add(s.opts.WriteTimeout),
		)
		_ = conn.Close()
		return
	}

	if s.opts.MaxRoomPeers > 0 {
		teachers, students := room.Counts()
		if teachers+students > s.opts.MaxRoomPeers {
			s.registry.Leave(room, peerID)
			s.releasePeerSlot()
			s.reject(conn, "room is full")
			return
		}
	}

	session := newSession(peerID, s, room, conn, role, studentName)
	s.totalConnections.Add(1)
	s.backend.EmitEvent("peer_joined", map[string]any{
		"roomId": roomID,
		"peerId": session.id,
		"role":   string(role),
	})
	session.subscribe()
	if role == rooms.RoleStudent {
		room.NotifyStudentJoined(session.id, studentName)
	}

	session.log.Info().Msg("session started")
	session.run(ctx)
}

// reservePeerSlot claims one slot against the process-wide peer cap.
func (s *Server) reservePeerSlot() bool {
	if s.opts.MaxPeers <= 0 {
		s.connections.Add(1)
		return true
	}
	for {
		current := s.connections.Load()
		if int(current) >= s.opts.MaxPeers {
			return false
		}
		if s.connections.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (s *Server) releasePeerSlot() {
	s.connections.Add(-1)
}

func (s *Server) reject(conn *websocket.Conn, reason string) {
	s.rejected.Add(1)
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseTryAgainLater, reason),
		time.Now().Add(s.opts.WriteTimeout),
	)
	_ = conn.Close()
}

// Stats returns the current connection counters.
func (s *Server) Stats() Stats {
	return Stats{
		ActiveConnections:   s.connections.Load(),
		TotalConnections:    s.totalConnections.Load(),
		Requests:            s.requests.Load(),
		RejectedConnections: s.rejected.Load(),
	}
}

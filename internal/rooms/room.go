// Package rooms owns per-room state: membership, the shared router handle
// and the room-wide producer table. Rooms are fully independent; a single
// mutex per room serializes its structural mutations.
package rooms

import (
	"context"
	"errors"

	"sync"

	"github.com/jiyeyuran/go-eventemitter"
	"github.com/rs/zerolog"

	"github.com/ailearn/classcast/internal/media"
)

// Role distinguishes the broadcaster from viewers.
type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

// Valid reports whether r names a known role.
func (r Role) Valid() bool {
	return r == RoleTeacher || r == RoleStudent
}

// Room events emitted on the embedded emitter. Sessions subscribe and apply
// their own role filter; delivery is best effort.
const (
	EventNewProducer   = "newProducer"
	EventStudentJoined = "studentJoined"
	EventChat          = "chatMessage"
)

// ChatMessage is the payload fanned out for EventChat.
type ChatMessage struct {
	PeerID      string `json:"peerId"`
	DisplayName string `json:"displayName,omitempty"`
	Message     string `json:"message"`
}

// ErrRoomClosed is returned by AddPeer when the room has been torn down; the
// caller re-resolves and retries.
var ErrRoomClosed = errors.New("room closed")

// Room is one isolated media session.
type Room struct {
	eventemitter.IEventEmitter

	id     string
	log    zerolog.Logger
	router media.Router

	mu        sync.Mutex
	closed    bool
	teachers  map[string]struct{}
	students  map[string]string
	producers map[media.Kind]media.Producer
}

func newRoom(id string, router media.Router, log zerolog.Logger) *Room {
	return &Room{
		IEventEmitter: eventemitter.NewEventEmitter(),
		id:            id,
		log:           log.With().Str("roomId", id).Logger(),
		router:        router,
		teachers:      make(map[string]struct{}),
		students:      make(map[string]string),
		producers:     make(map[media.Kind]media.Producer),
	}
}

func (r *Room) ID() string {
	return r.id
}

// RouterCapabilities exposes the shared router's codec set, read-only.
func (r *Room) RouterCapabilities() media.RTPCapabilities {
	return r.router.RTPCapabilities()
}

// CanConsume asks the router whether caps suffice to consume producer.
func (r *Room) CanConsume(producer media.Producer, caps media.RTPCapabilities) bool {
	return r.router.CanConsume(producer, caps)
}

// CreateTransport allocates a transport on the shared router.
func (r *Room) CreateTransport(ctx context.Context) (media.Transport, error) {
	return r.router.CreateTransport(ctx)
}

// AddPeer registers a peer under its role. Teacher and student sets are
// disjoint by construction: a connection registers into exactly one.
func (r *Room) AddPeer(peerID string, role Role, displayName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRoomClosed
	}
	switch role {
	case RoleTeacher:
		r.teachers[peerID] = struct{}{}
	case RoleStudent:
		r.students[peerID] = displayName
	default:
		return errors.New("unknown role")
	}
	return nil
}

// RemovePeer drops a peer from whichever set holds it and reports whether the
// room is now empty.
func (r *Room) RemovePeer(peerID string) (empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.teachers, peerID)
	delete(r.students, peerID)
	return len(r.teachers)+len(r.students) == 0
}

// SetStudentName records or overwrites a student's display name.
func (r *Room) SetStudentName(peerID, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.students[peerID]; !ok {
		return false
	}
	r.students[peerID] = name
	return true
}

// StudentName returns the recorded display name for a student peer.
func (r *Room) StudentName(peerID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.students[peerID]
}

// Counts returns the current teacher and student membership sizes.
func (r *Room) Counts() (teachers, students int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.teachers), len(r.students)
}

// StoreProducer records p as the room's current producer of its kind. A later
// producer of the same kind supersedes the entry without the old one being
// closed; the old producer still dies with its owning peer.
func (r *Room) StoreProducer(p media.Producer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.producers[p.Kind()] = p
}

// Producer returns the room's current producer of the given kind.
func (r *Room) Producer(kind media.Kind) (media.Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[kind]
	return p, ok
}

// ClearProducer removes p from the producer table only when it is still the
// registered producer of its kind, so a newer producer from another peer is
// never clobbered.
func (r *Room) ClearProducer(p media.Producer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.producers[p.Kind()]; ok && current.ID() == p.ID() {
		delete(r.producers, p.Kind())
	}
}

// NotifyNewProducer announces a freshly created producer to subscribers.
func (r *Room) NotifyNewProducer(ownerID string, kind media.Kind, producerID string) {
	r.Emit(EventNewProducer, ownerID, kind, producerID)
}

// NotifyStudentJoined announces a student's display name to subscribers.
func (r *Room) NotifyStudentJoined(peerID, name string) {
	r.Emit(EventStudentJoined, peerID, name)
}

// NotifyChat fans a chat message out to subscribers.
func (r *Room) NotifyChat(senderID string, msg ChatMessage) {
	r.Emit(EventChat, senderID, msg)
}

// markClosedIfEmpty flips the room to closed when no peer remains.
func (r *Room) markClosedIfEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(r.teachers)+len(r.students) > 0 {
		return false
	}
	r.closed = true
	return true
}

// teardown releases the room's resources. Called exactly once, after the
// room has been removed from the registry.
func (r *Room) teardown() {
	r.RemoveAllListeners()
	if err := r.router.Close(); err != nil {
		r.log.Warn().Err(err).Msg("closing router")
	}
	r.log.Info().Msg("room closed")
}

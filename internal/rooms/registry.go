package rooms

import (
	"context"
	"fmt"

	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ailearn/classcast/internal/backend"
	"github.com/ailearn/classcast/internal/media"
)

// Registry creates and looks up rooms. Router creation is expensive, so
// first-time resolution of a room id is collapsed through singleflight:
// concurrent resolutions of the same unknown id get the same room.
type Registry struct {
	log    zerolog.Logger
	engine media.Engine
	events *backend.Client

	group singleflight.Group
	mu    sync.RWMutex
	rooms map[string]*Room
}

// RoomMetric is one row of the metrics snapshot.
type RoomMetric struct {
	RoomID   string `json:"roomId"`
	Teachers int    `json:"teachers"`
	Students int    `json:"students"`
}

func NewRegistry(engine media.Engine, events *backend.Client, log zerolog.Logger) *Registry {
	return &Registry{
		log:    log,
		engine: engine,
		events: events,
		rooms:  make(map[string]*Room),
	}
}

// Resolve returns the room for roomID, creating it (and its router) when
// absent. Idempotent: every concurrent caller gets the same *Room.
func (g *Registry) Resolve(ctx context.Context, roomID string) (*Room, error) {
	g.mu.RLock()
	room, ok := g.rooms[roomID]
	g.mu.RUnlock()
	if ok {
		return room, nil
	}

	v, err, _ := g.group.Do(roomID, func() (any, error) {
		g.mu.RLock()
		existing, ok := g.rooms[roomID]
		g.mu.RUnlock()
		if ok {
			return existing, nil
		}

		router, err := g.engine.NewRouter(ctx)
		if err != nil {
			return nil, fmt.Errorf("creating router for room %q: %w", roomID, err)
		}
		created := newRoom(roomID, router, g.log)

		g.mu.Lock()
		g.rooms[roomID] = created
		g.mu.Unlock()

		g.log.Info().Str("roomId", roomID).Msg("room created")
		g.events.EmitEvent("room_created", map[string]any{"roomId": roomID})
		return created, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Room), nil
}

// Join resolves the room and registers the peer in one step, retrying when
// the resolved room is concurrently torn down.
func (g *Registry) Join(ctx context.Context, roomID, peerID string, role Role, displayName string) (*Room, error) {
	for {
		room, err := g.Resolve(ctx, roomID)
		if err != nil {
			return nil, err
		}
		err = room.AddPeer(peerID, role, displayName)
		if err == nil {
			return room, nil
		}
		if err != ErrRoomClosed {
			return nil, err
		}
		// Lost the race against the last peer leaving; resolve a fresh room.
	}
}

// Leave removes the peer and deletes the room once its combined membership
// reaches zero.
func (g *Registry) Leave(room *Room, peerID string) {
	if !room.RemovePeer(peerID) {
		return
	}

	g.mu.Lock()
	if g.rooms[room.ID()] != room || !room.markClosedIfEmpty() {
		g.mu.Unlock()
		return
	}
	delete(g.rooms, room.ID())
	g.mu.Unlock()

	room.teardown()
	g.events.EmitEvent("room_closed", map[string]any{"roomId": room.ID()})
}

// Len returns the number of active rooms.
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms)
}

// Snapshot returns per-room membership counts for the metrics endpoint.
func (g *Registry) Snapshot() []RoomMetric {
	g.mu.RLock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.mu.RUnlock()

	out := make([]RoomMetric, 0, len(rooms))
	for _, r := range rooms {
		teachers, students := r.Counts()
		out = append(out, RoomMetric{RoomID: r.ID(), Teachers: teachers, Students: students})
	}
	return out
}

package rooms

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ailearn/classcast/internal/backend"
	"github.com/ailearn/classcast/internal/media"
	"github.com/ailearn/classcast/internal/media/mediatest"
)

func newTestRegistry() (*Registry, *mediatest.Engine) {
	engine := mediatest.NewEngine()
	events := backend.NewClient("", "", time.Second, 1, 32, zerolog.Nop())
	return NewRegistry(engine, events, zerolog.Nop()), engine
}

func TestResolveIsIdempotent(t *testing.T) {
	registry, engine := newTestRegistry()
	ctx := context.Background()

	a, err := registry.Resolve(ctx, "room-1")
	require.NoError(t, err)
	b, err := registry.Resolve(ctx, "room-1")
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Len(t, engine.Routers(), 1)
}

func TestConcurrentResolveCreatesOneRouter(t *testing.T) {
	registry, engine := newTestRegistry()
	ctx := context.Background()

	const callers = 16
	var wg sync.WaitGroup
	results := make([]*Room, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			room, err := registry.Resolve(ctx, "room-1")
			assert.NoError(t, err)
			results[i] = room
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		assert.Same(t, results[0], results[i])
	}
	assert.Len(t, engine.Routers(), 1)
	assert.Equal(t, 1, registry.Len())
}

func TestLeaveTearsDownEmptyRoom(t *testing.T) {
	registry, engine := newTestRegistry()
	ctx := context.Background()

	room, err := registry.Join(ctx, "room-1", "peer-1", RoleTeacher, "")
	require.NoError(t, err)
	_, err = registry.Join(ctx, "room-1", "peer-2", RoleStudent, "Ana")
	require.NoError(t, err)

	registry.Leave(room, "peer-1")
	assert.Equal(t, 1, registry.Len(), "room stays while a student remains")
	assert.False(t, engine.Routers()[0].Closed())

	registry.Leave(room, "peer-2")
	assert.Equal(t, 0, registry.Len())
	assert.True(t, engine.Routers()[0].Closed())

	// Leaving again is harmless.
	registry.Leave(room, "peer-2")
	assert.Equal(t, 0, registry.Len())
}

func TestJoinAfterTeardownGetsFreshRoom(t *testing.T) {
	registry, engine := newTestRegistry()
	ctx := context.Background()

	old, err := registry.Join(ctx, "room-1", "peer-1", RoleTeacher, "")
	require.NoError(t, err)
	registry.Leave(old, "peer-1")

	fresh, err := registry.Join(ctx, "room-1", "peer-2", RoleStudent, "Ben")
	require.NoError(t, err)

	assert.NotSame(t, old, fresh)
	assert.Len(t, engine.Routers(), 2)
}

func TestAddPeerOnClosedRoom(t *testing.T) {
	registry, _ := newTestRegistry()
	ctx := context.Background()

	// Hold a stale reference across the teardown, as a racing Join would.
	room, err := registry.Join(ctx, "room-1", "peer-1", RoleTeacher, "")
	require.NoError(t, err)
	registry.Leave(room, "peer-1")

	assert.ErrorIs(t, room.AddPeer("peer-2", RoleStudent, "Ana"), ErrRoomClosed)

	// Join recovers by resolving a fresh room.
	fresh, err := registry.Join(ctx, "room-1", "peer-2", RoleStudent, "Ana")
	require.NoError(t, err)
	assert.NotSame(t, room, fresh)
}

func TestCountsAndStudentNames(t *testing.T) {
	registry, _ := newTestRegistry()
	ctx := context.Background()

	room, err := registry.Join(ctx, "room-1", "t1", RoleTeacher, "")
	require.NoError(t, err)
	_, err = registry.Join(ctx, "room-1", "s1", RoleStudent, "Ana")
	require.NoError(t, err)

	teachers, students := room.Counts()
	assert.Equal(t, 1, teachers)
	assert.Equal(t, 1, students)

	assert.True(t, room.SetStudentName("s1", "Ana B"))
	assert.Equal(t, "Ana B", room.StudentName("s1"))
	assert.False(t, room.SetStudentName("t1", "nope"), "teachers have no display name slot")
}

func makeProducer(t *testing.T, room *Room, kind media.Kind) media.Producer {
	t.Helper()
	transport, err := room.CreateTransport(context.Background())
	require.NoError(t, err)
	producer, err := transport.Produce(context.Background(), kind, media.RTPParameters{})
	require.NoError(t, err)
	return producer
}

func TestProducerTableLastWriterWins(t *testing.T) {
	registry, _ := newTestRegistry()
	room, err := registry.Resolve(context.Background(), "room-1")
	require.NoError(t, err)

	first := makeProducer(t, room, media.KindAudio)
	second := makeProducer(t, room, media.KindAudio)

	room.StoreProducer(first)
	room.StoreProducer(second)

	got, ok := room.Producer(media.KindAudio)
	require.True(t, ok)
	assert.Equal(t, second.ID(), got.ID())

	// Clearing the superseded producer must not clobber the current one.
	room.ClearProducer(first)
	got, ok = room.Producer(media.KindAudio)
	require.True(t, ok)
	assert.Equal(t, second.ID(), got.ID())

	room.ClearProducer(second)
	_, ok = room.Producer(media.KindAudio)
	assert.False(t, ok)
}

func TestProducerTablePerKind(t *testing.T) {
	registry, _ := newTestRegistry()
	room, err := registry.Resolve(context.Background(), "room-1")
	require.NoError(t, err)

	audioProducer := makeProducer(t, room, media.KindAudio)
	videoProducer := makeProducer(t, room, media.KindVideo)
	room.StoreProducer(audioProducer)
	room.StoreProducer(videoProducer)

	got, ok := room.Producer(media.KindAudio)
	require.True(t, ok)
	assert.Equal(t, audioProducer.ID(), got.ID())

	got, ok = room.Producer(media.KindVideo)
	require.True(t, ok)
	assert.Equal(t, videoProducer.ID(), got.ID())
}

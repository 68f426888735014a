package audio

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ailearn/classcast/internal/media"
)

type captureSink struct {
	mu     sync.Mutex
	chunks []*Chunk
}

func (s *captureSink) Forward(c *Chunk) {
	s.mu.Lock()
	s.chunks = append(s.chunks, c)
	s.mu.Unlock()
}

func (s *captureSink) all() []*Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Chunk(nil), s.chunks...)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBuffer() (*Buffer, *captureSink, *fakeClock) {
	sink := &captureSink{}
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	b := newBuffer("room-1", "producer-1", sink, zerolog.Nop(), clock.Now)
	return b, sink, clock
}

func packet(seq uint16, payload []byte, at time.Time) *media.Packet {
	return &media.Packet{
		Payload:        payload,
		SequenceNumber: seq,
		Timestamp:      uint32(seq) * 960,
		PayloadType:    111,
		ReceivedAt:     at,
	}
}

func TestFlushOrdersBySequence(t *testing.T) {
	b, sink, clock := newTestBuffer()

	// 4 x 5000 bytes reaches the hard size cap and flushes on the last packet.
	for i, seq := range []uint16{5, 3, 4, 6} {
		payload := bytes.Repeat([]byte{byte('a' + i)}, 5000)
		b.HandlePacket(packet(seq, payload, clock.Now()))
	}

	chunks := sink.all()
	require.Len(t, chunks, 1)
	c := chunks[0]

	assert.Equal(t, uint16(3), c.FirstSequenceNumber)
	assert.Equal(t, uint16(6), c.LastSequenceNumber)
	assert.Equal(t, 4, c.ChunkCount)
	assert.Equal(t, 0, c.MissingPackets)
	require.Len(t, c.Payload, 20000)

	// Payloads were tagged by arrival index: seq 3 arrived second ('b'),
	// seq 4 third ('c'), seq 5 first ('a'), seq 6 fourth ('d').
	assert.Equal(t, byte('b'), c.Payload[0])
	assert.Equal(t, byte('c'), c.Payload[5000])
	assert.Equal(t, byte('a'), c.Payload[10000])
	assert.Equal(t, byte('d'), c.Payload[15000])
}

func TestFlushSequenceWraparound(t *testing.T) {
	b, sink, clock := newTestBuffer()

	for _, seq := range []uint16{65534, 65535, 0, 1} {
		b.HandlePacket(packet(seq, bytes.Repeat([]byte{1}, 5000), clock.Now()))
	}

	chunks := sink.all()
	require.Len(t, chunks, 1)
	c := chunks[0]

	assert.Equal(t, uint16(65534), c.FirstSequenceNumber)
	assert.Equal(t, uint16(1), c.LastSequenceNumber)
	assert.Equal(t, 0, c.MissingPackets, "the wrap is not a gap")
}

func TestMissingPacketCount(t *testing.T) {
	tests := []struct {
		name    string
		seqs    []uint16
		missing int
	}{
		{name: "contiguous", seqs: []uint16{1, 2, 3, 4}, missing: 0},
		{name: "one gap", seqs: []uint16{1, 2, 4, 5}, missing: 1},
		{name: "two gaps", seqs: []uint16{1, 3, 5, 6}, missing: 2},
		{name: "gap across wrap", seqs: []uint16{65534, 0, 1, 2}, missing: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, sink, clock := newTestBuffer()
			for _, seq := range tt.seqs {
				b.HandlePacket(packet(seq, bytes.Repeat([]byte{1}, 5000), clock.Now()))
			}
			chunks := sink.all()
			require.Len(t, chunks, 1)
			assert.Equal(t, tt.missing, chunks[0].MissingPackets)
		})
	}
}

func TestSizeTriggeredFlush(t *testing.T) {
	b, sink, clock := newTestBuffer()

	b.HandlePacket(packet(1, bytes.Repeat([]byte{1}, flushMaxBytes), clock.Now()))

	require.Len(t, sink.all(), 1, "hitting the byte cap flushes regardless of age")
}

func TestIntervalFlushNeedsMinBytes(t *testing.T) {
	b, sink, clock := newTestBuffer()

	b.HandlePacket(packet(1, bytes.Repeat([]byte{1}, 3000), clock.Now()))
	clock.Advance(3200 * time.Millisecond)
	b.HandlePacket(packet(2, bytes.Repeat([]byte{1}, 1000), clock.Now()))
	require.Empty(t, sink.all(), "3s elapsed but under 5000 bytes")

	b.HandlePacket(packet(3, bytes.Repeat([]byte{1}, 1500), clock.Now()))
	chunks := sink.all()
	require.Len(t, chunks, 1)
	assert.Equal(t, 3, chunks[0].ChunkCount)
}

func TestMaxIntervalFlushIgnoresSize(t *testing.T) {
	b, sink, clock := newTestBuffer()

	b.HandlePacket(packet(1, []byte{1, 2, 3}, clock.Now()))
	clock.Advance(4100 * time.Millisecond)
	b.HandlePacket(packet(2, []byte{4, 5, 6}, clock.Now()))

	chunks := sink.all()
	require.Len(t, chunks, 1, "4s elapsed flushes even a tiny buffer")
	assert.Equal(t, 2, chunks[0].ChunkCount)
}

func TestCloseFlushesLargeRemainder(t *testing.T) {
	b, sink, clock := newTestBuffer()

	b.HandlePacket(packet(1, bytes.Repeat([]byte{1}, 5000), clock.Now()))
	b.Close()

	require.Len(t, sink.all(), 1)

	// Close is idempotent and later packets are ignored.
	b.Close()
	b.HandlePacket(packet(2, bytes.Repeat([]byte{1}, 5000), clock.Now()))
	assert.Len(t, sink.all(), 1)
}

func TestCloseDiscardsSmallRemainder(t *testing.T) {
	b, sink, clock := newTestBuffer()

	b.HandlePacket(packet(1, bytes.Repeat([]byte{1}, 4999), clock.Now()))
	b.Close()

	assert.Empty(t, sink.all())
}

func TestDurationFloor(t *testing.T) {
	b, sink, clock := newTestBuffer()

	// All packets share one receive instant, so elapsed time is zero and the
	// per-packet floor wins.
	at := clock.Now()
	for seq := uint16(1); seq <= 4; seq++ {
		b.HandlePacket(packet(seq, bytes.Repeat([]byte{1}, 5000), at))
	}

	chunks := sink.all()
	require.Len(t, chunks, 1)
	assert.Equal(t, int64(4*packetDurationMs), chunks[0].Duration)
}

func TestDurationFromElapsedTime(t *testing.T) {
	b, sink, clock := newTestBuffer()

	start := clock.Now()
	b.HandlePacket(packet(1, bytes.Repeat([]byte{1}, 5000), start))
	b.HandlePacket(packet(2, bytes.Repeat([]byte{1}, 5000), start.Add(500*time.Millisecond)))
	b.HandlePacket(packet(3, bytes.Repeat([]byte{1}, 5000), start.Add(900*time.Millisecond)))
	b.HandlePacket(packet(4, bytes.Repeat([]byte{1}, 5000), start.Add(1200*time.Millisecond)))

	chunks := sink.all()
	require.Len(t, chunks, 1)
	assert.Equal(t, int64(1200), chunks[0].Duration)
	assert.Equal(t, start.UnixMilli(), chunks[0].StartTimestamp)
	assert.Equal(t, start.Add(1200*time.Millisecond).UnixMilli(), chunks[0].EndTimestamp)
}

func TestDurationWithReorderedArrival(t *testing.T) {
	b, sink, clock := newTestBuffer()

	// The highest sequence number arrives first, so the sequence-sorted
	// endpoints are not the earliest and latest receipts.
	start := clock.Now()
	b.HandlePacket(packet(4, bytes.Repeat([]byte{1}, 5000), start))
	b.HandlePacket(packet(1, bytes.Repeat([]byte{1}, 5000), start.Add(500*time.Millisecond)))
	b.HandlePacket(packet(2, bytes.Repeat([]byte{1}, 5000), start.Add(700*time.Millisecond)))
	b.HandlePacket(packet(3, bytes.Repeat([]byte{1}, 5000), start.Add(900*time.Millisecond)))

	chunks := sink.all()
	require.Len(t, chunks, 1)
	c := chunks[0]

	assert.Equal(t, int64(900), c.Duration)
	assert.Equal(t, start.UnixMilli(), c.StartTimestamp)
	assert.Equal(t, start.Add(900*time.Millisecond).UnixMilli(), c.EndTimestamp)
	assert.Equal(t, uint16(1), c.FirstSequenceNumber)
	assert.Equal(t, uint16(4), c.LastSequenceNumber)
}

func TestSeqBefore(t *testing.T) {
	assert.True(t, seqBefore(1, 2))
	assert.False(t, seqBefore(2, 1))
	assert.False(t, seqBefore(7, 7))
	assert.True(t, seqBefore(65535, 0), "wrap: 65535 precedes 0")
	assert.False(t, seqBefore(0, 65535))
	assert.True(t, seqBefore(60000, 100))
}

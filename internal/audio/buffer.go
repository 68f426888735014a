// Package audio reassembles the tapped RTP packet stream of one audio
// producer into ordered, time/size-bounded chunks for transcription. Packets
// may arrive out of order or not at all; the buffer sorts what it has,
// counts the gaps and moves on.
package audio

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ailearn/classcast/internal/media"
)

const (
	// A flush happens when the buffer has been filling for at least
	// flushInterval and holds flushMinBytes, when it has been filling for
	// flushMaxInterval regardless of size, or when it reaches flushMaxBytes
	// regardless of age.
	flushInterval    = 3000 * time.Millisecond
	flushMinBytes    = 5000
	flushMaxInterval = 4000 * time.Millisecond
	flushMaxBytes    = 20000

	// finalFlushMinBytes is the minimum left-over size worth flushing when
	// the producer closes.
	finalFlushMinBytes = 5000

	// packetDurationMs floors the reported chunk duration when receive
	// timestamps are too close together.
	packetDurationMs = 20

	seqHalfSpace = 32768
	seqSpace     = 65536
)

// Chunk is one consolidated block of audio payload.
type Chunk struct {
	RoomID              string
	ProducerID          string
	Timestamp           int64
	StartTimestamp      int64
	EndTimestamp        int64
	ChunkCount          int
	MissingPackets      int
	FirstSequenceNumber uint16
	LastSequenceNumber  uint16
	Payload             []byte
	PayloadType         uint8
	Duration            int64
}

// Sink receives flushed chunks. Implementations must not block the caller on
// network I/O.
type Sink interface {
	Forward(c *Chunk)
}

type record struct {
	payload    []byte
	seq        uint16
	timestamp  uint32
	receivedAt time.Time
}

// Buffer accumulates packets for a single producer. It implements
// media.PacketTap.
type Buffer struct {
	roomID     string
	producerID string
	sink       Sink
	log        zerolog.Logger
	now        func() time.Time

	mu          sync.Mutex
	records     []record
	bytes       int
	lastFlush   time.Time
	payloadType uint8
	closed      bool
}

// NewBuffer creates a buffer for one audio producer.
func NewBuffer(roomID, producerID string, sink Sink, log zerolog.Logger) *Buffer {
	return newBuffer(roomID, producerID, sink, log, time.Now)
}

func newBuffer(roomID, producerID string, sink Sink, log zerolog.Logger, now func() time.Time) *Buffer {
	return &Buffer{
		roomID:     roomID,
		producerID: producerID,
		sink:       sink,
		log:        log.With().Str("roomId", roomID).Str("producerId", producerID).Logger(),
		now:        now,
		lastFlush:  now(),
	}
}

// HandlePacket appends one packet and flushes when a threshold is crossed.
func (b *Buffer) HandlePacket(p *media.Packet) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || len(p.Payload) == 0 {
		return
	}

	receivedAt := p.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = b.now()
	}
	b.records = append(b.records, record{
		payload:    p.Payload,
		seq:        p.SequenceNumber,
		timestamp:  p.Timestamp,
		receivedAt: receivedAt,
	})
	b.bytes += len(p.Payload)
	b.payloadType = p.PayloadType

	elapsed := b.now().Sub(b.lastFlush)
	switch {
	case elapsed >= flushInterval && b.bytes >= flushMinBytes:
		b.flushLocked()
	case elapsed >= flushMaxInterval:
		b.flushLocked()
	case b.bytes >= flushMaxBytes:
		b.flushLocked()
	}
}

// Close flushes the remainder if it is big enough to be useful, then discards
// the buffer. It is safe to call more than once.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if b.bytes >= finalFlushMinBytes {
		b.flushLocked()
	}
	b.closed = true
	b.records = nil
	b.bytes = 0
}

func (b *Buffer) flushLocked() {
	if len(b.records) == 0 {
		b.lastFlush = b.now()
		return
	}

	recs := b.records
	sort.SliceStable(recs, func(i, j int) bool {
		return seqBefore(recs[i].seq, recs[j].seq)
	})

	missing := 0
	total := 0
	minAt, maxAt := recs[0].receivedAt, recs[0].receivedAt
	for i, r := range recs {
		total += len(r.payload)
		if r.receivedAt.Before(minAt) {
			minAt = r.receivedAt
		}
		if r.receivedAt.After(maxAt) {
			maxAt = r.receivedAt
		}
		if i == 0 {
			continue
		}
		expected := uint16((int(recs[i-1].seq) + 1) % seqSpace)
		if r.seq != expected {
			missing++
		}
	}

	payload := make([]byte, 0, total)
	for _, r := range recs {
		payload = append(payload, r.payload...)
	}

	first := recs[0]
	last := recs[len(recs)-1]
	// Elapsed time comes from the earliest and latest receipts, which under
	// reordering are not necessarily the lowest and highest sequence numbers.
	start := minAt.UnixMilli()
	end := maxAt.UnixMilli()
	duration := end - start
	if floor := int64(len(recs) * packetDurationMs); duration < floor {
		duration = floor
	}

	chunk := &Chunk{
		RoomID:              b.roomID,
		ProducerID:          b.producerID,
		Timestamp:           b.now().UnixMilli(),
		StartTimestamp:      start,
		EndTimestamp:        end,
		ChunkCount:          len(recs),
		MissingPackets:      missing,
		FirstSequenceNumber: first.seq,
		LastSequenceNumber:  last.seq,
		Payload:             payload,
		PayloadType:         b.payloadType,
		Duration:            duration,
	}

	b.records = nil
	b.bytes = 0
	b.lastFlush = b.now()

	b.log.Debug().
		Int("bytes", len(payload)).
		Int("packets", chunk.ChunkCount).
		Int("missing", missing).
		Msg("flushing audio chunk")
	b.sink.Forward(chunk)
}

// seqBefore orders 16-bit RTP sequence numbers with wrap-around awareness:
// the pair is compared directly when the distance is below half the sequence
// space, inverted otherwise.
func seqBefore(a, b uint16) bool {
	if a == b {
		return false
	}
	diff := int(a) - int(b)
	if diff < 0 {
		diff = -diff
	}
	if diff < seqHalfSpace {
		return a < b
	}
	return a > b
}

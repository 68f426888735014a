// Package media defines the boundary to the underlying media engine: ICE and
// DTLS negotiation, RTP send/receive and congestion control all live behind
// these interfaces. The signaling layer treats the exchanged parameter blobs
// as opaque material that it relays between the engine and the client.
package media

import (
	"context"
	"time"
)

// Kind tags a media track as audio or video.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Valid reports whether k is one of the two supported kinds.
func (k Kind) Valid() bool {
	return k == KindAudio || k == KindVideo
}

// ICEParameters is the ufrag/password half of an ICE exchange.
type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite,omitempty"`
}

// ICECandidate describes one local candidate announced to the client.
type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
}

// DTLSFingerprint is one certificate fingerprint within DTLSParameters.
type DTLSFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// DTLSParameters carries the DTLS role and certificate fingerprints.
type DTLSParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DTLSFingerprint `json:"fingerprints"`
}

// RTPCodecCapability describes one codec a router can route.
type RTPCodecCapability struct {
	MimeType             string `json:"mimeType"`
	ClockRate            uint32 `json:"clockRate"`
	Channels             uint16 `json:"channels,omitempty"`
	PreferredPayloadType uint8  `json:"preferredPayloadType,omitempty"`
}

// RTPCapabilities is the codec set exchanged before producing or consuming.
type RTPCapabilities struct {
	Codecs []RTPCodecCapability `json:"codecs"`
}

// RTPCodec is a negotiated codec inside RTPParameters.
type RTPCodec struct {
	MimeType    string `json:"mimeType"`
	PayloadType uint8  `json:"payloadType"`
	ClockRate   uint32 `json:"clockRate"`
	Channels    uint16 `json:"channels,omitempty"`
}

// RTPEncoding identifies one RTP stream within RTPParameters.
type RTPEncoding struct {
	SSRC        uint32 `json:"ssrc"`
	PayloadType uint8  `json:"payloadType,omitempty"`
}

// RTPParameters describes the RTP streams flowing over a producer or consumer.
type RTPParameters struct {
	Codecs    []RTPCodec    `json:"codecs"`
	Encodings []RTPEncoding `json:"encodings"`
}

// TransportInfo is returned on transport creation and relayed verbatim to the
// client so it can establish the media path.
type TransportInfo struct {
	ID             string         `json:"id"`
	ICEParameters  ICEParameters  `json:"iceParameters"`
	ICECandidates  []ICECandidate `json:"iceCandidates"`
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
}

// ConnectParameters is the client half of the transport handshake.
type ConnectParameters struct {
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
	ICEParameters  *ICEParameters `json:"iceParameters,omitempty"`
}

// Packet is one tapped RTP packet with its payload already stripped of the
// RTP header.
type Packet struct {
	Payload        []byte
	SequenceNumber uint16
	Timestamp      uint32
	PayloadType    uint8
	ReceivedAt     time.Time
}

// PacketTap receives every packet of one producer on the media delivery path.
// HandlePacket must not block on network I/O. Close is called exactly once
// when the producer goes away.
type PacketTap interface {
	HandlePacket(p *Packet)
	Close()
}

// Engine owns the process-wide media machinery and creates per-room routers.
type Engine interface {
	// NewRouter allocates routing state for one room.
	NewRouter(ctx context.Context) (Router, error)

	// OnFatal registers a handler invoked when the engine fails in a way the
	// process cannot recover from. At most one handler is supported.
	OnFatal(fn func(error))

	Close() error
}

// Router is the shared per-room media hub.
type Router interface {
	RTPCapabilities() RTPCapabilities

	// CanConsume reports whether a consumer with the given capabilities could
	// receive the producer's media.
	CanConsume(producer Producer, caps RTPCapabilities) bool

	CreateTransport(ctx context.Context) (Transport, error)

	Close() error
}

// Transport is one directional media path scoped to a single peer.
type Transport interface {
	ID() string
	Info() TransportInfo

	// Connect finishes the ICE/DTLS handshake with the client parameters.
	Connect(ctx context.Context, params ConnectParameters) error

	Produce(ctx context.Context, kind Kind, params RTPParameters) (Producer, error)

	// Consume attaches a consumer to an existing producer. Consumers start in
	// a flowing state.
	Consume(ctx context.Context, producer Producer, caps RTPCapabilities) (Consumer, error)

	Close() error
}

// Producer is an inbound media track published by a peer.
type Producer interface {
	ID() string
	Kind() Kind

	// SetTap installs the packet tap for this producer. Passing nil removes
	// the current tap.
	SetTap(t PacketTap)

	Close() error
}

// Consumer is an outbound media track sourced from a producer.
type Consumer interface {
	ID() string
	Kind() Kind
	ProducerID() string
	RTPParameters() RTPParameters

	// Resume ensures the consumer is flowing. Calling it on an
	// already-flowing consumer is a no-op.
	Resume() error

	Close() error
}

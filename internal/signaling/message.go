package signaling

import (
	"encoding/json"

	"github.com/ailearn/classcast/internal/media"
)

// Request method names accepted on the signaling connection.
const (
	methodRouterCapabilities = "getRouterRtpCapabilities"
	methodCreateTransport    = "createTransport"
	methodConnectTransport   = "connectTransport"
	methodProduce            = "produce"
	methodConsume            = "consume"
	methodResume             = "resume"
	methodAnnounce           = "announce"
	methodChat               = "chat"
)

// Server-pushed event names.
const (
	eventNewProducer   = "new-producer"
	eventStudentJoined = "student-joined"
	eventChatMessage   = "chat-message"
)

// request is the client frame. Every request carries a correlation id that is
// echoed back on the response.
type request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type response struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// notification is a server-initiated frame; it has no correlation id.
type notification struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type createTransportRequest struct {
	IsProducer bool `json:"isProducer"`
}

type connectTransportRequest struct {
	TransportID    string               `json:"transportId"`
	DTLSParameters media.DTLSParameters `json:"dtlsParameters"`
	ICEParameters  *media.ICEParameters `json:"iceParameters,omitempty"`
}

type produceRequest struct {
	Kind          media.Kind          `json:"kind"`
	RTPParameters media.RTPParameters `json:"rtpParameters"`
}

type produceResponse struct {
	ID string `json:"id"`
}

type consumeRequest struct {
	Kind            media.Kind            `json:"kind"`
	RTPCapabilities media.RTPCapabilities `json:"rtpCapabilities"`
}

type consumeResponse struct {
	ID            string              `json:"id"`
	ProducerID    string              `json:"producerId"`
	Kind          media.Kind          `json:"kind"`
	RTPParameters media.RTPParameters `json:"rtpParameters"`
}

type resumeRequest struct {
	ConsumerID string `json:"consumerId"`
}

type announceRequest struct {
	Name string `json:"name"`
}

type chatRequest struct {
	Message string `json:"message"`
}

type newProducerEvent struct {
	Kind       media.Kind `json:"kind"`
	ProducerID string     `json:"producerId"`
}

type studentJoinedEvent struct {
	PeerID string `json:"peerId"`
	Name   string `json:"name"`
}

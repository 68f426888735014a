package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ailearn/classcast/internal/audio"
	"github.com/ailearn/classcast/internal/media"
	"github.com/ailearn/classcast/internal/rooms"
)

// Precondition errors returned to the client as structured responses. The
// consumer-transport one is retriable: the client is expected to connect its
// transport and try again.
var (
	errTransportNotFound    = errors.New("transport not found")
	errNoProducer           = errors.New("no producer of this kind")
	errCannotConsume        = errors.New("cannot consume")
	errNotReady             = errors.New("not ready, please retry")
	errProducerNotConnected = errors.New("producer transport not connected")
	errUnknownMethod        = errors.New("unknown method")
	errStudentsOnly         = errors.New("only students can announce")
)

// Session is the per-connection signaling state machine. Requests are handled
// sequentially on the connection's read loop; the mutex guards the fields that
// room event handlers and teardown also touch.
type Session struct {
	id          string
	role        rooms.Role
	displayName string

	server *Server
	room   *rooms.Room
	log    zerolog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	onNewProducer   func(ownerID string, kind media.Kind, producerID string)
	onStudentJoined func(peerID, name string)
	onChat          func(senderID string, msg rooms.ChatMessage)

	mu                sync.Mutex
	closed            bool
	producerT         media.Transport
	consumerT         media.Transport
	producerConnected bool
	consumerConnected bool
	producers         map[media.Kind]media.Producer
	consumers         map[string]media.Consumer
}

func newSession(id string, server *Server, room *rooms.Room, conn *websocket.Conn, role rooms.Role, displayName string) *Session {
	return &Session{
		id:          id,
		role:        role,
		displayName: displayName,
		server:      server,
		room:        room,
		conn:        conn,
		log: server.log.With().
			Str("peerId", id).
			Str("roomId", room.ID()).
			Str("role", string(role)).
			Logger(),
		producers: make(map[media.Kind]media.Producer),
		consumers: make(map[string]media.Consumer),
	}
}

// subscribe wires the session to room events. Handlers run on the emitting
// peer's goroutine and only touch the write path, which has its own lock. The
// handles are kept so close() can deregister them; the closed check covers
// emits racing the teardown.
func (s *Session) subscribe() {
	s.onNewProducer = func(ownerID string, kind media.Kind, producerID string) {
		if s.isClosed() || s.role != rooms.RoleStudent || ownerID == s.id {
			return
		}
		s.notify(eventNewProducer, newProducerEvent{Kind: kind, ProducerID: producerID})
	}
	s.onStudentJoined = func(peerID, name string) {
		if s.isClosed() || s.role != rooms.RoleTeacher {
			return
		}
		s.notify(eventStudentJoined, studentJoinedEvent{PeerID: peerID, Name: name})
	}
	s.onChat = func(senderID string, msg rooms.ChatMessage) {
		if s.isClosed() || senderID == s.id {
			return
		}
		s.notify(eventChatMessage, msg)
	}
	s.room.On(rooms.EventNewProducer, s.onNewProducer)
	s.room.On(rooms.EventStudentJoined, s.onStudentJoined)
	s.room.On(rooms.EventChat, s.onChat)
}

func (s *Session) unsubscribe() {
	if s.onNewProducer == nil {
		return
	}
	s.room.Off(rooms.EventNewProducer, s.onNewProducer)
	s.room.Off(rooms.EventStudentJoined, s.onStudentJoined)
	s.room.Off(rooms.EventChat, s.onChat)
}

// run reads requests until the connection drops, then tears the session down.
func (s *Session) run(ctx context.Context) {
	defer s.close()

	s.conn.SetReadLimit(s.server.opts.ReadLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.server.opts.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.server.opts.PongWait))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go s.pingLoop(stopPing)

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn().Err(err).Msg("connection lost")
			}
			return
		}

		var req request
		if err := json.Unmarshal(raw, &req); err != nil {
			s.log.Warn().Err(err).Msg("dropping malformed request")
			continue
		}
		s.server.requests.Add(1)
		s.handle(ctx, req)
	}
}

func (s *Session) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(s.server.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.server.opts.WriteTimeout))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func (s *Session) handle(ctx context.Context, req request) {
	var (
		data any
		err  error
	)
	switch req.Method {
	case methodRouterCapabilities:
		data = s.room.RouterCapabilities()
	case methodCreateTransport:
		data, err = s.createTransport(ctx, req.Data)
	case methodConnectTransport:
		err = s.connectTransport(ctx, req.Data)
	case methodProduce:
		data, err = s.produce(ctx, req.Data)
	case methodConsume:
		data, err = s.consume(ctx, req.Data)
	case methodResume:
		err = s.resume(req.Data)
	case methodAnnounce:
		err = s.announce(req.Data)
	case methodChat:
		err = s.chat(ctx, req.Data)
	default:
		err = errUnknownMethod
	}

	if err != nil {
		s.log.Debug().Err(err).Str("method", req.Method).Msg("request failed")
		s.writeJSON(response{ID: req.ID, Error: err.Error()})
		return
	}
	s.writeJSON(response{ID: req.ID, OK: true, Data: data})
}

func (s *Session) createTransport(ctx context.Context, raw json.RawMessage) (any, error) {
	var req createTransportRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}

	transport, err := s.room.CreateTransport(ctx)
	if err != nil {
		return nil, err
	}

	// A new transport of the same direction supersedes the previous one. The
	// old transport stays allocated until the session closes.
	s.mu.Lock()
	if req.IsProducer {
		s.producerT = transport
		s.producerConnected = false
	} else {
		s.consumerT = transport
		s.consumerConnected = false
	}
	s.mu.Unlock()

	s.log.Debug().
		Str("transportId", transport.ID()).
		Bool("isProducer", req.IsProducer).
		Msg("transport created")
	return transport.Info(), nil
}

func (s *Session) connectTransport(ctx context.Context, raw json.RawMessage) error {
	var req connectTransportRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}

	s.mu.Lock()
	var (
		transport media.Transport
		connected *bool
	)
	switch {
	case s.producerT != nil && s.producerT.ID() == req.TransportID:
		transport, connected = s.producerT, &s.producerConnected
	case s.consumerT != nil && s.consumerT.ID() == req.TransportID:
		transport, connected = s.consumerT, &s.consumerConnected
	}
	if transport == nil {
		s.mu.Unlock()
		return errTransportNotFound
	}
	if *connected {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	err := transport.Connect(ctx, media.ConnectParameters{
		DTLSParameters: req.DTLSParameters,
		ICEParameters:  req.ICEParameters,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	*connected = true
	s.mu.Unlock()
	return nil
}

func (s *Session) produce(ctx context.Context, raw json.RawMessage) (any, error) {
	var req produceRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	if !req.Kind.Valid() {
		return nil, errors.New("unknown media kind")
	}

	s.mu.Lock()
	transport := s.producerT
	connected := s.producerConnected
	s.mu.Unlock()
	if transport == nil || !connected {
		return nil, errProducerNotConnected
	}

	producer, err := transport.Produce(ctx, req.Kind, req.RTPParameters)
	if err != nil {
		return nil, err
	}

	if req.Kind == media.KindAudio {
		buffer := audio.NewBuffer(s.room.ID(), producer.ID(), s.server.sink, s.log)
		producer.SetTap(buffer)
	}

	s.mu.Lock()
	s.producers[req.Kind] = producer
	s.mu.Unlock()
	s.room.StoreProducer(producer)
	s.room.NotifyNewProducer(s.id, req.Kind, producer.ID())

	s.log.Info().
		Str("producerId", producer.ID()).
		Str("kind", string(req.Kind)).
		Msg("producer created")
	return produceResponse{ID: producer.ID()}, nil
}

func (s *Session) consume(ctx context.Context, raw json.RawMessage) (any, error) {
	var req consumeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}

	producer, ok := s.room.Producer(req.Kind)
	if !ok {
		return nil, errNoProducer
	}
	if !s.room.CanConsume(producer, req.RTPCapabilities) {
		return nil, errCannotConsume
	}

	s.mu.Lock()
	transport := s.consumerT
	connected := s.consumerConnected
	s.mu.Unlock()
	if transport == nil || !connected {
		return nil, errNotReady
	}

	consumer, err := transport.Consume(ctx, producer, req.RTPCapabilities)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.consumers[consumer.ID()] = consumer
	s.mu.Unlock()

	s.log.Info().
		Str("consumerId", consumer.ID()).
		Str("producerId", producer.ID()).
		Str("kind", string(req.Kind)).
		Msg("consumer created")
	return consumeResponse{
		ID:            consumer.ID(),
		ProducerID:    consumer.ProducerID(),
		Kind:          consumer.Kind(),
		RTPParameters: consumer.RTPParameters(),
	}, nil
}

// resume succeeds as a no-op when the consumer is unknown: it may already have
// been torn down by a racing disconnect.
func (s *Session) resume(raw json.RawMessage) error {
	var req resumeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}

	s.mu.Lock()
	consumer, ok := s.consumers[req.ConsumerID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return consumer.Resume()
}

func (s *Session) announce(raw json.RawMessage) error {
	if s.role != rooms.RoleStudent {
		return errStudentsOnly
	}
	var req announceRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}
	if req.Name == "" {
		return errors.New("name required")
	}

	s.room.SetStudentName(s.id, req.Name)
	s.mu.Lock()
	s.displayName = req.Name
	s.mu.Unlock()
	s.room.NotifyStudentJoined(s.id, req.Name)
	return nil
}

// chat relays to peers first, then persists. A failed save is surfaced to the
// sender but the peers already notified keep the message.
func (s *Session) chat(ctx context.Context, raw json.RawMessage) error {
	var req chatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}
	if req.Message == "" {
		return errors.New("message required")
	}

	s.mu.Lock()
	name := s.displayName
	s.mu.Unlock()

	s.room.NotifyChat(s.id, rooms.ChatMessage{
		PeerID:      s.id,
		DisplayName: name,
		Message:     req.Message,
	})
	return s.server.backend.SaveChat(ctx, s.room.ID(), s.id, name, req.Message)
}

func (s *Session) notify(event string, data any) {
	s.writeJSON(notification{Event: event, Data: data})
}

func (s *Session) writeJSON(v any) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.server.opts.WriteTimeout))
	if err := s.conn.WriteJSON(v); err != nil {
		s.log.Debug().Err(err).Msg("write failed")
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// close releases everything the session owns. Consumers and producers go
// first, then the transports, then the room membership.
func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	consumers := s.consumers
	producers := s.producers
	producerT, consumerT := s.producerT, s.consumerT
	s.consumers = nil
	s.producers = nil
	s.producerT, s.consumerT = nil, nil
	s.mu.Unlock()

	for _, consumer := range consumers {
		if err := consumer.Close(); err != nil {
			s.log.Warn().Err(err).Str("consumerId", consumer.ID()).Msg("closing consumer")
		}
	}
	for _, producer := range producers {
		if err := producer.Close(); err != nil {
			s.log.Warn().Err(err).Str("producerId", producer.ID()).Msg("closing producer")
		}
		s.room.ClearProducer(producer)
	}
	if producerT != nil {
		if err := producerT.Close(); err != nil {
			s.log.Warn().Err(err).Msg("closing producer transport")
		}
	}
	if consumerT != nil {
		if err := consumerT.Close(); err != nil {
			s.log.Warn().Err(err).Msg("closing consumer transport")
		}
	}

	s.unsubscribe()
	s.server.registry.Leave(s.room, s.id)
	s.server.backend.EmitEvent("peer_left", map[string]any{
		"roomId": s.room.ID(),
		"peerId": s.id,
		"role":   string(s.role),
	})
	_ = s.conn.Close()
	s.server.releasePeerSlot()
	s.log.Info().Msg("session closed")
}

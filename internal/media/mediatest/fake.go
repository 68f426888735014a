// Package mediatest provides an in-memory media engine used by package tests.
// It honors the same lifecycle rules as the real engine (exclusive ownership,
// idempotent connect, tap close on producer close) without touching the
// network.
package mediatest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	uuid "github.com/satori/go.uuid"

	"github.com/ailearn/classcast/internal/media"
)

// Engine is a fake media.Engine. The zero value is not usable; call NewEngine.
type Engine struct {
	mu      sync.Mutex
	fatal   func(error)
	routers []*Router

	// FailTransports makes CreateTransport return an error when set.
	FailTransports atomic.Bool
}

func NewEngine() *Engine {
	return &Engine{}
}

func (e *Engine) NewRouter(ctx context.Context) (media.Router, error) {
	r := &Router{
		id:  uuid.NewV4().String(),
		eng: e,
		caps: media.RTPCapabilities{Codecs: []media.RTPCodecCapability{
			{MimeType: "audio/opus", ClockRate: 48000, Channels: 2, PreferredPayloadType: 111},
			{MimeType: "video/VP8", ClockRate: 90000, PreferredPayloadType: 96},
		}},
	}
	e.mu.Lock()
	e.routers = append(e.routers, r)
	e.mu.Unlock()
	return r, nil
}

func (e *Engine) OnFatal(fn func(error)) {
	e.mu.Lock()
	e.fatal = fn
	e.mu.Unlock()
}

// TriggerFatal invokes the registered fatal handler, simulating the engine's
// background machinery dying.
func (e *Engine) TriggerFatal(err error) {
	e.mu.Lock()
	fn := e.fatal
	e.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (e *Engine) Close() error {
	return nil
}

// Routers returns every router created so far.
func (e *Engine) Routers() []*Router {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Router, len(e.routers))
	copy(out, e.routers)
	return out
}

// Router is a fake media.Router.
type Router struct {
	id   string
	eng  *Engine
	caps media.RTPCapabilities

	// DenyConsume makes CanConsume return false when set.
	DenyConsume atomic.Bool

	mu         sync.Mutex
	closed     bool
	transports []*Transport
}

func (r *Router) ID() string {
	return r.id
}

func (r *Router) RTPCapabilities() media.RTPCapabilities {
	return r.caps
}

func (r *Router) CanConsume(producer media.Producer, caps media.RTPCapabilities) bool {
	if r.DenyConsume.Load() {
		return false
	}
	return producer != nil && len(caps.Codecs) > 0
}

func (r *Router) CreateTransport(ctx context.Context) (media.Transport, error) {
	if r.eng.FailTransports.Load() {
		return nil, errors.New("transport allocation failed")
	}
	id := uuid.NewV4().String()
	t := &Transport{
		id:     id,
		router: r,
		info: media.TransportInfo{
			ID:             id,
			ICEParameters:  media.ICEParameters{UsernameFragment: "ufrag-" + id[:8], Password: "pwd-" + id[:8]},
			ICECandidates:  []media.ICECandidate{{Foundation: "0", IP: "127.0.0.1", Protocol: "udp", Port: 40000, Type: "host"}},
			DTLSParameters: media.DTLSParameters{Role: "auto", Fingerprints: []media.DTLSFingerprint{{Algorithm: "sha-256", Value: "00:11"}}},
		},
	}
	r.mu.Lock()
	r.transports = append(r.transports, t)
	r.mu.Unlock()
	return t, nil
}

func (r *Router) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (r *Router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Transports returns every transport created on this router.
func (r *Router) Transports() []*Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Transport, len(r.transports))
	copy(out, r.transports)
	return out
}

// Transport is a fake media.Transport.
type Transport struct {
	id     string
	router *Router
	info   media.TransportInfo

	mu        sync.Mutex
	connected bool
	connects  int
	closed    bool
	producers map[string]*Producer
	consumers map[string]*Consumer
}

func (t *Transport) ID() string {
	return t.id
}

func (t *Transport) Info() media.TransportInfo {
	return t.info
}

func (t *Transport) Connect(ctx context.Context, params media.ConnectParameters) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("transport closed")
	}
	t.connects++
	t.connected = true
	return nil
}

// Connects returns how many times Connect reached the engine.
func (t *Transport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

func (t *Transport) Produce(ctx context.Context, kind media.Kind, params media.RTPParameters) (media.Producer, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unsupported media kind %q", kind)
	}
	p := &Producer{
		id:        uuid.NewV4().String(),
		kind:      kind,
		transport: t,
	}
	t.mu.Lock()
	if t.producers == nil {
		t.producers = make(map[string]*Producer)
	}
	t.producers[p.id] = p
	t.mu.Unlock()
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, producer media.Producer, caps media.RTPCapabilities) (media.Consumer, error) {
	c := &Consumer{
		id:         uuid.NewV4().String(),
		kind:       producer.Kind(),
		producerID: producer.ID(),
		transport:  t,
		params: media.RTPParameters{
			Codecs:    []media.RTPCodec{{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2}},
			Encodings: []media.RTPEncoding{{SSRC: 1234}},
		},
	}
	t.mu.Lock()
	if t.consumers == nil {
		t.consumers = make(map[string]*Consumer)
	}
	t.consumers[c.id] = c
	t.mu.Unlock()
	return c, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	for _, p := range producers {
		_ = p.Close()
	}
	return nil
}

// Closed reports whether Close was called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Producers returns every producer created on this transport.
func (t *Transport) Producers() []*Producer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		out = append(out, p)
	}
	return out
}

// Producer is a fake media.Producer. Tests push packets into the tap with
// Inject.
type Producer struct {
	id        string
	kind      media.Kind
	transport *Transport

	mu      sync.Mutex
	tap     media.PacketTap
	closed  bool
	tapDone bool
}

func (p *Producer) ID() string {
	return p.id
}

func (p *Producer) Kind() media.Kind {
	return p.kind
}

func (p *Producer) SetTap(t media.PacketTap) {
	p.mu.Lock()
	p.tap = t
	p.mu.Unlock()
}

// Inject delivers one packet to the producer's tap, as the media engine would
// on its delivery path.
func (p *Producer) Inject(pkt *media.Packet) {
	p.mu.Lock()
	tap := p.tap
	p.mu.Unlock()
	if tap != nil {
		tap.HandlePacket(pkt)
	}
}

func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	tap := p.tap
	done := p.tapDone
	p.tapDone = true
	p.tap = nil
	p.mu.Unlock()

	if tap != nil && !done {
		tap.Close()
	}
	return nil
}

// Closed reports whether Close was called.
func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Consumer is a fake media.Consumer.
type Consumer struct {
	id         string
	kind       media.Kind
	producerID string
	transport  *Transport
	params     media.RTPParameters

	mu      sync.Mutex
	closed  bool
	resumes int
}

func (c *Consumer) ID() string {
	return c.id
}

func (c *Consumer) Kind() media.Kind {
	return c.kind
}

func (c *Consumer) ProducerID() string {
	return c.producerID
}

func (c *Consumer) RTPParameters() media.RTPParameters {
	return c.params
}

func (c *Consumer) Resume() error {
	c.mu.Lock()
	c.resumes++
	c.mu.Unlock()
	return nil
}

// Resumes returns how many resume calls reached the engine.
func (c *Consumer) Resumes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumes
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

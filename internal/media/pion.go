package media

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	plogging "github.com/pion/logging"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	uuid "github.com/satori/go.uuid"
)

// EngineConfig carries the static engine settings resolved from the process
// configuration.
type EngineConfig struct {
	UDPPortMin    uint16
	UDPPortMax    uint16
	AnnouncedIP   string
	ICEServers    []string
	ICEUsername   string
	ICECredential string
	Codecs        []RTPCodecCapability
	LoggerFactory plogging.LoggerFactory
}

type pionEngine struct {
	api        *webrtc.API
	caps       RTPCapabilities
	iceServers []webrtc.ICEServer
	log        zerolog.Logger

	mu    sync.Mutex
	fatal func(error)
}

// NewPionEngine builds the in-process media engine on top of pion's
// ORTC-style API. One engine is shared by every router in the process.
func NewPionEngine(cfg EngineConfig, log zerolog.Logger) (Engine, error) {
	settingEngine := webrtc.SettingEngine{}
	if cfg.LoggerFactory != nil {
		settingEngine.LoggerFactory = cfg.LoggerFactory
	}
	if cfg.UDPPortMin > 0 && cfg.UDPPortMax >= cfg.UDPPortMin {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.UDPPortMin, cfg.UDPPortMax); err != nil {
			return nil, fmt.Errorf("setting UDP port range %d-%d: %w", cfg.UDPPortMin, cfg.UDPPortMax, err)
		}
	}
	if cfg.AnnouncedIP != "" {
		settingEngine.SetNAT1To1IPs([]string{cfg.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}

	mediaEngine := &webrtc.MediaEngine{}
	for _, c := range cfg.Codecs {
		codecType := webrtc.RTPCodecTypeAudio
		if strings.HasPrefix(strings.ToLower(c.MimeType), "video/") {
			codecType = webrtc.RTPCodecTypeVideo
		}
		err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:  c.MimeType,
				ClockRate: c.ClockRate,
				Channels:  c.Channels,
			},
			PayloadType: webrtc.PayloadType(c.PreferredPayloadType),
		}, codecType)
		if err != nil {
			return nil, fmt.Errorf("registering codec %s: %w", c.MimeType, err)
		}
	}

	var iceServers []webrtc.ICEServer
	for _, u := range cfg.ICEServers {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		server := webrtc.ICEServer{URLs: []string{u}}
		if cfg.ICEUsername != "" {
			server.Username = cfg.ICEUsername
		}
		if cfg.ICECredential != "" {
			server.Credential = cfg.ICECredential
		}
		iceServers = append(iceServers, server)
	}

	return &pionEngine{
		api:        webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithSettingEngine(settingEngine)),
		caps:       RTPCapabilities{Codecs: cfg.Codecs},
		iceServers: iceServers,
		log:        log,
	}, nil
}

func (e *pionEngine) NewRouter(ctx context.Context) (Router, error) {
	id := uuid.NewV4().String()
	return &pionRouter{
		id:   id,
		eng:  e,
		caps: e.caps,
		log:  e.log.With().Str("routerId", id).Logger(),
	}, nil
}

// OnFatal registers the unrecoverable-failure handler. The pion engine runs
// in-process with no detached worker that can die behind the service's back,
// so nothing triggers the handler today; engines backed by an external worker
// process invoke it when that process exits.
func (e *pionEngine) OnFatal(fn func(error)) {
	e.mu.Lock()
	e.fatal = fn
	e.mu.Unlock()
}

func (e *pionEngine) Close() error {
	return nil
}

type pionRouter struct {
	id   string
	eng  *pionEngine
	caps RTPCapabilities
	log  zerolog.Logger
}

func (r *pionRouter) RTPCapabilities() RTPCapabilities {
	return r.caps
}

func (r *pionRouter) CanConsume(producer Producer, caps RTPCapabilities) bool {
	if producer == nil {
		return false
	}
	want := strings.ToLower(string(producer.Kind())) + "/"
	for _, remote := range caps.Codecs {
		mime := strings.ToLower(remote.MimeType)
		if !strings.HasPrefix(mime, want) {
			continue
		}
		for _, local := range r.caps.Codecs {
			if strings.ToLower(local.MimeType) == mime {
				return true
			}
		}
	}
	return false
}

func (r *pionRouter) codecFor(kind Kind) (webrtc.RTPCodecCapability, bool) {
	want := strings.ToLower(string(kind)) + "/"
	for _, c := range r.caps.Codecs {
		if strings.HasPrefix(strings.ToLower(c.MimeType), want) {
			return webrtc.RTPCodecCapability{
				MimeType:  c.MimeType,
				ClockRate: c.ClockRate,
				Channels:  c.Channels,
			}, true
		}
	}
	return webrtc.RTPCodecCapability{}, false
}

func (r *pionRouter) CreateTransport(ctx context.Context) (Transport, error) {
	gatherer, err := r.eng.api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: r.eng.iceServers})
	if err != nil {
		return nil, fmt.Errorf("creating ICE gatherer: %w", err)
	}
	iceTransport := r.eng.api.NewICETransport(gatherer)
	dtlsTransport, err := r.eng.api.NewDTLSTransport(iceTransport, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("creating DTLS transport: %w", err)
	}

	gatherDone := make(chan struct{})
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			close(gatherDone)
		}
	})
	if err := gatherer.Gather(); err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("gathering candidates: %w", err)
	}
	select {
	case <-gatherDone:
	case <-ctx.Done():
		_ = gatherer.Close()
		return nil, ctx.Err()
	}

	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, err
	}
	localCandidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		_ = gatherer.Close()
		return nil, err
	}
	dtlsParams, err := dtlsTransport.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, err
	}

	candidates := make([]ICECandidate, 0, len(localCandidates))
	for _, c := range localCandidates {
		candidates = append(candidates, ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			IP:         c.Address,
			Protocol:   c.Protocol.String(),
			Port:       c.Port,
			Type:       c.Typ.String(),
		})
	}
	fingerprints := make([]DTLSFingerprint, 0, len(dtlsParams.Fingerprints))
	for _, fp := range dtlsParams.Fingerprints {
		fingerprints = append(fingerprints, DTLSFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}

	t := &pionTransport{
		id:       uuid.NewV4().String(),
		router:   r,
		gatherer: gatherer,
		ice:      iceTransport,
		dtls:     dtlsTransport,
		log:      r.log,
	}
	t.info = TransportInfo{
		ID:            t.id,
		ICEParameters: ICEParameters{UsernameFragment: iceParams.UsernameFragment, Password: iceParams.Password, ICELite: iceParams.ICELite},
		ICECandidates: candidates,
		DTLSParameters: DTLSParameters{
			Role:         "auto",
			Fingerprints: fingerprints,
		},
	}
	return t, nil
}

func (r *pionRouter) Close() error {
	return nil
}

type pionTransport struct {
	id       string
	router   *pionRouter
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	info     TransportInfo
	log      zerolog.Logger

	mu        sync.Mutex
	connected bool
	closed    bool
	producers map[string]*pionProducer
	consumers map[string]*pionConsumer
}

func (t *pionTransport) ID() string {
	return t.id
}

func (t *pionTransport) Info() TransportInfo {
	return t.info
}

func (t *pionTransport) Connect(ctx context.Context, params ConnectParameters) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("transport closed")
	}
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if params.ICEParameters == nil {
		return errors.New("missing iceParameters")
	}

	role := webrtc.ICERoleControlled
	err := t.ice.Start(t.gatherer, webrtc.ICEParameters{
		UsernameFragment: params.ICEParameters.UsernameFragment,
		Password:         params.ICEParameters.Password,
		ICELite:          params.ICEParameters.ICELite,
	}, &role)
	if err != nil {
		return fmt.Errorf("starting ICE: %w", err)
	}

	fingerprints := make([]webrtc.DTLSFingerprint, 0, len(params.DTLSParameters.Fingerprints))
	for _, fp := range params.DTLSParameters.Fingerprints {
		fingerprints = append(fingerprints, webrtc.DTLSFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	err = t.dtls.Start(webrtc.DTLSParameters{
		Role:         dtlsRole(params.DTLSParameters.Role),
		Fingerprints: fingerprints,
	})
	if err != nil {
		return fmt.Errorf("starting DTLS: %w", err)
	}

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

func dtlsRole(role string) webrtc.DTLSRole {
	switch strings.ToLower(role) {
	case "server":
		return webrtc.DTLSRoleServer
	case "client":
		return webrtc.DTLSRoleClient
	default:
		return webrtc.DTLSRoleAuto
	}
}

func (t *pionTransport) Produce(ctx context.Context, kind Kind, params RTPParameters) (Producer, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unsupported media kind %q", kind)
	}
	if len(params.Encodings) == 0 || params.Encodings[0].SSRC == 0 {
		return nil, errors.New("rtpParameters missing encodings")
	}

	codecType := webrtc.RTPCodecTypeAudio
	if kind == KindVideo {
		codecType = webrtc.RTPCodecTypeVideo
	}
	receiver, err := t.router.eng.api.NewRTPReceiver(codecType, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("creating RTP receiver: %w", err)
	}
	err = receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(params.Encodings[0].SSRC),
				PayloadType: webrtc.PayloadType(params.Encodings[0].PayloadType),
			},
		}},
	})
	if err != nil {
		_ = receiver.Stop()
		return nil, fmt.Errorf("receiving RTP: %w", err)
	}

	p := &pionProducer{
		id:             uuid.NewV4().String(),
		kind:           kind,
		transport:      t,
		receiver:       receiver,
		consumerTracks: make(map[string]*webrtc.TrackLocalStaticRTP),
		log:            t.log,
	}

	t.mu.Lock()
	if t.producers == nil {
		t.producers = make(map[string]*pionProducer)
	}
	t.producers[p.id] = p
	t.mu.Unlock()

	go p.readLoop()
	return p, nil
}

func (t *pionTransport) Consume(ctx context.Context, producer Producer, caps RTPCapabilities) (Consumer, error) {
	src, ok := producer.(*pionProducer)
	if !ok {
		return nil, errors.New("producer does not belong to this engine")
	}
	codec, ok := t.router.codecFor(producer.Kind())
	if !ok {
		return nil, fmt.Errorf("no codec configured for kind %q", producer.Kind())
	}

	localTrack, err := webrtc.NewTrackLocalStaticRTP(codec, uuid.NewV4().String(), "classcast")
	if err != nil {
		return nil, fmt.Errorf("creating local track: %w", err)
	}
	sender, err := t.router.eng.api.NewRTPSender(localTrack, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("creating RTP sender: %w", err)
	}
	sendParams := sender.GetParameters()
	if err := sender.Send(sendParams); err != nil {
		_ = sender.Stop()
		return nil, fmt.Errorf("sending RTP: %w", err)
	}

	c := &pionConsumer{
		id:         uuid.NewV4().String(),
		kind:       producer.Kind(),
		producerID: producer.ID(),
		transport:  t,
		producer:   src,
		sender:     sender,
		params:     fromSendParameters(sendParams),
	}
	src.addConsumerTrack(c.id, localTrack)

	t.mu.Lock()
	if t.consumers == nil {
		t.consumers = make(map[string]*pionConsumer)
	}
	t.consumers[c.id] = c
	t.mu.Unlock()
	return c, nil
}

func fromSendParameters(p webrtc.RTPSendParameters) RTPParameters {
	out := RTPParameters{}
	for _, c := range p.Codecs {
		out.Codecs = append(out.Codecs, RTPCodec{
			MimeType:    c.MimeType,
			PayloadType: uint8(c.PayloadType),
			ClockRate:   c.ClockRate,
			Channels:    c.Channels,
		})
	}
	for _, e := range p.Encodings {
		out.Encodings = append(out.Encodings, RTPEncoding{SSRC: uint32(e.SSRC)})
	}
	return out
}

func (t *pionTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	producers := make([]*pionProducer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*pionConsumer, 0, len(t.consumers))
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
	_ = t.dtls.Stop()
	_ = t.ice.Stop()
	return t.gatherer.Close()
}

type pionProducer struct {
	id        string
	kind      Kind
	transport *pionTransport
	receiver  *webrtc.RTPReceiver
	log       zerolog.Logger

	mu             sync.Mutex
	tap            PacketTap
	consumerTracks map[string]*webrtc.TrackLocalStaticRTP

	tapOnce sync.Once
	closed  bool
}

func (p *pionProducer) ID() string {
	return p.id
}

func (p *pionProducer) Kind() Kind {
	return p.kind
}

func (p *pionProducer) SetTap(t PacketTap) {
	p.mu.Lock()
	p.tap = t
	p.mu.Unlock()
}

func (p *pionProducer) addConsumerTrack(id string, track *webrtc.TrackLocalStaticRTP) {
	p.mu.Lock()
	p.consumerTracks[id] = track
	p.mu.Unlock()
}

func (p *pionProducer) removeConsumerTrack(id string) {
	p.mu.Lock()
	delete(p.consumerTracks, id)
	p.mu.Unlock()
}

// readLoop pumps RTP from the remote track into every consumer track and the
// packet tap. It exits when the receiver is stopped.
func (p *pionProducer) readLoop() {
	defer p.closeTap()

	track := p.receiver.Track()
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		p.fanOut(pkt)
	}
}

func (p *pionProducer) fanOut(pkt *rtp.Packet) {
	p.mu.Lock()
	tap := p.tap
	tracks := make([]*webrtc.TrackLocalStaticRTP, 0, len(p.consumerTracks))
	for _, t := range p.consumerTracks {
		tracks = append(tracks, t)
	}
	p.mu.Unlock()

	for _, t := range tracks {
		if err := t.WriteRTP(pkt); err != nil {
			p.log.Debug().Err(err).Str("producerId", p.id).Msg("consumer track write failed")
		}
	}
	if tap != nil {
		payload := make([]byte, len(pkt.Payload))
		copy(payload, pkt.Payload)
		tap.HandlePacket(&Packet{
			Payload:        payload,
			SequenceNumber: pkt.SequenceNumber,
			Timestamp:      pkt.Timestamp,
			PayloadType:    pkt.PayloadType,
			ReceivedAt:     time.Now(),
		})
	}
}

func (p *pionProducer) closeTap() {
	p.tapOnce.Do(func() {
		p.mu.Lock()
		tap := p.tap
		p.tap = nil
		p.mu.Unlock()
		if tap != nil {
			tap.Close()
		}
	})
}

func (p *pionProducer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	err := p.receiver.Stop()
	p.closeTap()

	p.transport.mu.Lock()
	delete(p.transport.producers, p.id)
	p.transport.mu.Unlock()
	return err
}

type pionConsumer struct {
	id         string
	kind       Kind
	producerID string
	transport  *pionTransport
	producer   *pionProducer
	sender     *webrtc.RTPSender
	params     RTPParameters

	mu     sync.Mutex
	closed bool
}

func (c *pionConsumer) ID() string {
	return c.id
}

func (c *pionConsumer) Kind() Kind {
	return c.kind
}

func (c *pionConsumer) ProducerID() string {
	return c.producerID
}

func (c *pionConsumer) RTPParameters() RTPParameters {
	return c.params
}

// Resume is a no-op: consumers are created flowing.
func (c *pionConsumer) Resume() error {
	return nil
}

func (c *pionConsumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.producer.removeConsumerTrack(c.id)
	err := c.sender.Stop()

	c.transport.mu.Lock()
	delete(c.transport.consumers, c.id)
	c.transport.mu.Unlock()
	return err
}

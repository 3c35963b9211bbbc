package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"rendezvous/internal/core/domain"
	"rendezvous/internal/core/ports"
	"rendezvous/pkg/config"
	"rendezvous/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var ErrChannelNotOpen = errors.New("data channel not open")

// PeerConfig holds the settings shared by every peer connection.
type PeerConfig struct {
	ICEServers       []webrtc.ICEServer
	DataChannelLabel string
	PortRange        struct {
		Min uint16
		Max uint16
	}
	SignalQueue int
}

// PeerConfigFrom extracts the peer settings from the application config.
func PeerConfigFrom(cfg *config.Config) PeerConfig {
	var pc PeerConfig
	for _, s := range cfg.WebRTC.ICEServers {
		pc.ICEServers = append(pc.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	pc.DataChannelLabel = cfg.WebRTC.DataChannelLabel
	pc.PortRange.Min = cfg.WebRTC.PortRange.Min
	pc.PortRange.Max = cfg.WebRTC.PortRange.Max
	pc.SignalQueue = 64
	return pc
}

// PeerFactory creates pion peer connections carrying one data channel.
type PeerFactory struct {
	api    *webrtc.API
	config PeerConfig
	logger *zap.SugaredLogger
}

// NewPeerFactory creates a factory backed by a pion API configured with cfg.
func NewPeerFactory(cfg PeerConfig, logger *zap.SugaredLogger) (*PeerFactory, error) {
	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("set port range: %w", err)
		}
	}
	if cfg.SignalQueue <= 0 {
		cfg.SignalQueue = 64
	}
	if cfg.DataChannelLabel == "" {
		cfg.DataChannelLabel = "rendezvous"
	}

	return &PeerFactory{
		api:    webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		config: cfg,
		logger: logger,
	}, nil
}

// NewPeer creates the connection to remote. The initiator opens the data
// channel and produces the offer; the other side waits for both. ctx only
// scopes creation; the peer lives until Close.
func (f *PeerFactory) NewPeer(ctx context.Context, remote domain.ParticipantID, initiator bool, events chan<- ports.PeerEvent) (ports.PeerChannel, error) {
	ctx, span := tracing.StartSpan(ctx, "webrtc.new_peer")
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.RemoteIDKey.String(string(remote)))

	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.config.ICEServers})
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	p := &peer{
		remote:  remote,
		pc:      pc,
		events:  events,
		signals: make(chan json.RawMessage, f.config.SignalQueue),
		opened:  make(chan struct{}),
		closed:  make(chan struct{}),
		logger:  f.logger.With("remote_id", remote),
	}

	pc.OnICECandidate(p.onICECandidate)
	pc.OnConnectionStateChange(p.onConnectionState)

	if initiator {
		dc, err := pc.CreateDataChannel(f.config.DataChannelLabel, nil)
		if err != nil {
			_ = pc.Close()
			tracing.RecordError(ctx, err)
			return nil, fmt.Errorf("failed to create data channel: %w", err)
		}
		p.attach(dc)
	} else {
		pc.OnDataChannel(p.attach)
	}

	go p.run(initiator)
	return p, nil
}

// peer implements ports.PeerChannel. Pion callbacks and the signal worker
// run on their own goroutines; events are handed to the agent through the
// shared channel.
type peer struct {
	remote domain.ParticipantID
	pc     *webrtc.PeerConnection
	events chan<- ports.PeerEvent
	logger *zap.SugaredLogger

	signals chan json.RawMessage

	mu         sync.Mutex
	dc         *webrtc.DataChannel
	remoteSet  bool
	candidates []webrtc.ICECandidateInit

	opened    chan struct{}
	openOnce  sync.Once
	closed    chan struct{}
	closeOnce sync.Once
}

func (p *peer) Signal(payload json.RawMessage) error {
	select {
	case <-p.closed:
		return ErrChannelNotOpen
	default:
	}

	select {
	case p.signals <- append(json.RawMessage(nil), payload...):
		return nil
	default:
		return fmt.Errorf("signal queue full for %s", p.remote)
	}
}

func (p *peer) Send(data []byte) error {
	p.mu.Lock()
	dc := p.dc
	p.mu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelNotOpen
	}
	return dc.Send(data)
}

func (p *peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		err = p.pc.Close()
	})
	return err
}

// run creates the offer for initiators, then applies remote signals in
// arrival order until the peer is closed.
func (p *peer) run(initiator bool) {
	if initiator {
		if err := p.offer(); err != nil {
			p.emit(ports.PeerEvent{Kind: ports.PeerError, Err: err})
			return
		}
	}

	for {
		select {
		case payload := <-p.signals:
			if err := p.apply(payload); err != nil {
				p.emit(ports.PeerEvent{Kind: ports.PeerError, Err: err})
				return
			}
		case <-p.closed:
			return
		}
	}
}

func (p *peer) offer() error {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	return p.emitSignal(signalEnvelope{Type: signalOffer, SDP: offer.SDP})
}

func (p *peer) apply(payload json.RawMessage) error {
	env, err := parseSignal(payload)
	if err != nil {
		return err
	}

	switch env.Type {
	case signalOffer:
		if err := p.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: env.SDP}); err != nil {
			return err
		}
		answer, err := p.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		if err := p.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("set local answer: %w", err)
		}
		return p.emitSignal(signalEnvelope{Type: signalAnswer, SDP: answer.SDP})

	case signalAnswer:
		return p.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: env.SDP})

	case signalCandidate:
		p.mu.Lock()
		if !p.remoteSet {
			p.candidates = append(p.candidates, *env.Candidate)
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()
		if err := p.pc.AddICECandidate(*env.Candidate); err != nil {
			return fmt.Errorf("add candidate: %w", err)
		}
	}
	return nil
}

// setRemote applies the remote description and then any candidates that
// arrived ahead of it.
func (p *peer) setRemote(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}

	p.mu.Lock()
	p.remoteSet = true
	queued := p.candidates
	p.candidates = nil
	p.mu.Unlock()

	for _, c := range queued {
		if err := p.pc.AddICECandidate(c); err != nil {
			return fmt.Errorf("add buffered candidate: %w", err)
		}
	}
	return nil
}

func (p *peer) attach(dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()

	dc.OnOpen(func() {
		p.emit(ports.PeerEvent{Kind: ports.PeerConnected})
		p.openOnce.Do(func() { close(p.opened) })
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		// Data must not overtake the connected event.
		select {
		case <-p.opened:
		case <-p.closed:
			return
		}
		p.emit(ports.PeerEvent{Kind: ports.PeerData, Data: msg.Data})
	})
	dc.OnClose(func() {
		p.emit(ports.PeerEvent{Kind: ports.PeerClosed})
	})
}

func (p *peer) onICECandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	cand := c.ToJSON()
	if err := p.emitSignal(signalEnvelope{Type: signalCandidate, Candidate: &cand}); err != nil {
		p.logger.Warnw("failed to encode candidate", "error", err)
	}
}

func (p *peer) onConnectionState(state webrtc.PeerConnectionState) {
	p.logger.Debugw("peer connection state changed", "connection_state", state)

	switch state {
	case webrtc.PeerConnectionStateFailed:
		p.emit(ports.PeerEvent{Kind: ports.PeerError, Err: fmt.Errorf("peer connection %s", state)})
	case webrtc.PeerConnectionStateClosed:
		p.emit(ports.PeerEvent{Kind: ports.PeerClosed})
	case webrtc.PeerConnectionStateDisconnected:
		// transient: ICE either recovers or moves on to failed
	}
}

func (p *peer) emitSignal(env signalEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	p.emit(ports.PeerEvent{Kind: ports.PeerSignal, Signal: payload})
	return nil
}

// emit delivers ev unless the peer has been closed; the agent closes every
// peer before it stops reading events.
func (p *peer) emit(ev ports.PeerEvent) {
	ev.Remote = p.remote
	ev.Channel = p

	select {
	case <-p.closed:
		return
	default:
	}

	select {
	case p.events <- ev:
	case <-p.closed:
	}
}

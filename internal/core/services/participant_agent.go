package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"rendezvous/internal/core/domain"
	"rendezvous/internal/core/ports"
	"rendezvous/pkg/tracing"

	"go.uber.org/zap"
)

var ErrRelayClosed = errors.New("relay connection closed")

type UpdateKind string

const (
	UpdateInit      UpdateKind = "init"
	UpdateLogUpdate UpdateKind = "log-update"
	UpdateStatus    UpdateKind = "status"
)

// Update is delivered to observers after the agent's view changes.
type Update struct {
	Kind      UpdateKind
	ID        domain.ParticipantID
	IP        string
	LogLength int
	State     domain.State
}

type AgentConfig struct {
	StatusInterval  time.Duration
	GreetingPayload string
	EventBuffer     int
}

// DefaultAgentConfig returns the agent defaults.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		StatusInterval:  5 * time.Second,
		GreetingPayload: "hello",
		EventBuffer:     256,
	}
}

type AgentOption func(*ParticipantAgent)

func WithAgentMetrics(m ports.AgentMetrics) AgentOption {
	return func(a *ParticipantAgent) { a.metrics = m }
}

func WithAgentClock(now func() time.Time) AgentOption {
	return func(a *ParticipantAgent) { a.now = now }
}

// WithStatusSource replaces the values set by SetStatus with fn, which is
// called on the agent goroutine before every status push.
func WithStatusSource(fn func() ports.ParticipantStatus) AgentOption {
	return func(a *ParticipantAgent) { a.statusSource = fn }
}

// ParticipantAgent joins the relay, follows the event log and establishes
// a data channel to every other participant. All protocol state is owned
// by the goroutine running Run; relay frames and peer events reach it
// through channels.
type ParticipantAgent struct {
	relay   ports.RelayClient
	peers   ports.PeerFactory
	cfg     AgentConfig
	logger  *zap.SugaredLogger
	metrics ports.AgentMetrics
	now     func() time.Time

	peerEvents chan ports.PeerEvent

	mu           sync.Mutex
	status       ports.ParticipantStatus
	statusSource func() ports.ParticipantStatus
	observers    []func(Update)

	// owned by Run
	id          domain.ParticipantID
	ip          string
	initialized bool
	initIndex   int
	log         []domain.Event
	state       domain.State
	links       map[domain.ParticipantID]*PeerLink
	pending     pendingSignals
}

// NewParticipantAgent creates an agent that talks to the signaling server
// over relay and opens peers through factory.
func NewParticipantAgent(
	relay ports.RelayClient,
	peers ports.PeerFactory,
	cfg AgentConfig,
	logger *zap.SugaredLogger,
	opts ...AgentOption,
) *ParticipantAgent {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultAgentConfig().EventBuffer
	}
	if cfg.GreetingPayload == "" {
		cfg.GreetingPayload = DefaultAgentConfig().GreetingPayload
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = DefaultAgentConfig().StatusInterval
	}

	a := &ParticipantAgent{
		relay:      relay,
		peers:      peers,
		cfg:        cfg,
		logger:     logger,
		metrics:    ports.NopAgentMetrics{},
		now:        time.Now,
		peerEvents: make(chan ports.PeerEvent, cfg.EventBuffer),
		state:      domain.NewState(),
		links:      make(map[domain.ParticipantID]*PeerLink),
		pending:    make(pendingSignals),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SetStatus sets the values reported on the next status push.
func (a *ParticipantAgent) SetStatus(status ports.ParticipantStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = status
}

// OnUpdate registers fn to be called on the agent goroutine after init,
// after every log update and after every status push.
func (a *ParticipantAgent) OnUpdate(fn func(Update)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observers = append(a.observers, fn)
}

// Run drives the agent until ctx is cancelled or the relay closes. Open
// peer channels are closed on return.
func (a *ParticipantAgent) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.StatusInterval)
	defer ticker.Stop()
	defer a.closeAll()

	inbound := a.relay.Inbound()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case frame, ok := <-inbound:
			if !ok {
				return ErrRelayClosed
			}
			a.handleFrame(ctx, frame)

		case ev := <-a.peerEvents:
			a.handlePeerEvent(ctx, ev)

		case <-ticker.C:
			a.pushStatus(ctx)
		}
	}
}

func (a *ParticipantAgent) handleFrame(ctx context.Context, frame []byte) {
	msg, err := domain.DecodeMessage(frame)
	if err != nil {
		a.logger.Warnw("discarding relay frame", "error", err)
		return
	}

	switch m := msg.(type) {
	case domain.InitMessage:
		a.handleInit(ctx, m)
	case domain.LogUpdateMessage:
		a.handleLogUpdate(ctx, m)
	case domain.ConnectionSignal:
		a.handleSignal(ctx, m)
	default:
		a.logger.Warnw("unsupported relay message", "type", msg.MessageType())
	}
}

func (a *ParticipantAgent) handleInit(ctx context.Context, m domain.InitMessage) {
	if a.initialized {
		a.logger.Warnw("ignoring repeated init", "participant_id", m.ID)
		return
	}

	a.id = m.ID
	a.ip = m.IP
	a.log = append([]domain.Event(nil), m.EventLog...)
	a.initIndex = len(a.log)
	a.state = domain.Project(a.log)
	a.initialized = true

	a.logger.Infow("joined relay",
		"participant_id", a.id,
		"ip", a.ip,
		"init_index", a.initIndex,
	)

	a.openLinks(ctx)
	a.notify(UpdateInit)
}

func (a *ParticipantAgent) handleLogUpdate(ctx context.Context, m domain.LogUpdateMessage) {
	if !a.initialized {
		a.logger.Warnw("log update before init", "entries", len(m.Update))
		return
	}

	for _, ev := range m.Update {
		a.state.Apply(len(a.log), ev)
		a.log = append(a.log, ev)
	}

	a.openLinks(ctx)
	a.notify(UpdateLogUpdate)
}

func (a *ParticipantAgent) handleSignal(ctx context.Context, m domain.ConnectionSignal) {
	link, ok := a.links[m.Origin]
	if !ok {
		a.pending.push(m.Origin, m.Signal)
		a.metrics.PendingSignals(a.pending.count())
		a.logger.Debugw("deferring signal", "origin", m.Origin)
		return
	}

	if err := link.channel.Signal(m.Signal); err != nil {
		a.failLink(ctx, link, err.Error())
	}
}

// openLinks creates a link to every participant that has none yet, in log
// order. The side whose session began after the remote joined initiates.
func (a *ParticipantAgent) openLinks(ctx context.Context) {
	for _, p := range a.state.Others(a.id) {
		if _, exists := a.links[p.ID]; exists {
			continue
		}
		a.openLink(ctx, p.ID, domain.ShouldInitiate(p, a.initIndex))
	}
}

func (a *ParticipantAgent) openLink(ctx context.Context, remote domain.ParticipantID, initiator bool) {
	ctx, span := tracing.TracePeerLink(ctx, "open", string(a.id), string(remote))
	defer span.End()

	channel, err := a.peers.NewPeer(ctx, remote, initiator, a.peerEvents)
	if err != nil {
		tracing.RecordError(ctx, err)
		a.logger.Warnw("failed to create peer", "remote_id", remote, "error", err)
		a.send(ctx, domain.ConnectionError{
			Origin:      a.id,
			Destination: remote,
			Error:       err.Error(),
			Timestamp:   a.now(),
		})
		return
	}

	link := newPeerLink(remote, initiator, channel)
	a.links[remote] = link
	a.metrics.LinkTransition("none", link.state.String())

	a.send(ctx, domain.ConnectionAttempt{
		Origin:      a.id,
		Destination: remote,
		Initiator:   initiator,
		Timestamp:   a.now(),
	})

	queued := a.pending.take(remote)
	if len(queued) > 0 {
		a.metrics.PendingSignals(a.pending.count())
		a.logger.Debugw("replaying deferred signals", "remote_id", remote, "count", len(queued))
	}
	for _, payload := range queued {
		if err := channel.Signal(json.RawMessage(payload)); err != nil {
			a.failLink(ctx, link, err.Error())
			return
		}
	}
}

func (a *ParticipantAgent) handlePeerEvent(ctx context.Context, ev ports.PeerEvent) {
	link, ok := a.links[ev.Remote]
	if !ok || link.channel != ev.Channel {
		a.logger.Debugw("ignoring event from stale peer", "remote_id", ev.Remote, "kind", ev.Kind)
		return
	}

	switch ev.Kind {
	case ports.PeerSignal:
		// trickled candidates keep flowing after the transport is up
		if link.state == LinkAttempting && !a.advance(link, LinkSignaling) {
			return
		}
		a.send(ctx, domain.ConnectionSignal{
			Origin:      a.id,
			Destination: link.Remote,
			Signal:      ev.Signal,
			Timestamp:   a.now(),
		})

	case ports.PeerConnected:
		if !a.advance(link, LinkTransportConnected) {
			return
		}
		a.send(ctx, domain.ConnectionOpened{
			Origin:      a.id,
			Destination: link.Remote,
			Timestamp:   a.now(),
		})
		if err := link.channel.Send([]byte(a.cfg.GreetingPayload)); err != nil {
			a.failLink(ctx, link, err.Error())
		}

	case ports.PeerData:
		payload := string(ev.Data)
		if payload != a.cfg.GreetingPayload {
			a.failLink(ctx, link, payload)
			return
		}
		if !a.advance(link, LinkConfirmed) {
			return
		}
		a.send(ctx, domain.ConnectionConfirmed{
			Origin:      a.id,
			Destination: link.Remote,
			Timestamp:   a.now(),
		})

	case ports.PeerClosed:
		a.teardown(link, LinkClosed)
		a.send(ctx, domain.ConnectionClosed{
			Origin:      a.id,
			Destination: link.Remote,
			Timestamp:   a.now(),
		})

	case ports.PeerError:
		msg := "peer error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		a.failLink(ctx, link, msg)
	}
}

// advance moves link to state, logging and reporting false when the
// transition is not allowed. A repeated signal keeps the link in signaling.
func (a *ParticipantAgent) advance(link *PeerLink, to LinkState) bool {
	from := link.state
	if err := link.transition(to); err != nil {
		a.logger.Warnw("ignoring peer event", "remote_id", link.Remote, "error", err)
		return false
	}
	if from != to {
		a.metrics.LinkTransition(from.String(), to.String())
		a.logger.Debugw("peer link state", "remote_id", link.Remote, "from", from, "to", to)
	}
	return true
}

// failLink reports an error for link and tears it down. The remote becomes
// eligible for a new link on the next log update.
func (a *ParticipantAgent) failLink(ctx context.Context, link *PeerLink, reason string) {
	a.logger.Warnw("peer link failed", "remote_id", link.Remote, "state", link.state, "error", reason)
	a.teardown(link, LinkErrored)
	a.send(ctx, domain.ConnectionError{
		Origin:      a.id,
		Destination: link.Remote,
		Error:       reason,
		Timestamp:   a.now(),
	})
}

func (a *ParticipantAgent) teardown(link *PeerLink, to LinkState) {
	from := link.state
	if err := link.transition(to); err == nil {
		a.metrics.LinkTransition(from.String(), to.String())
	}

	if current, ok := a.links[link.Remote]; ok && current == link {
		delete(a.links, link.Remote)
	}
	if queued := a.pending.take(link.Remote); len(queued) > 0 {
		a.metrics.PendingSignals(a.pending.count())
	}

	if err := link.channel.Close(); err != nil {
		a.logger.Debugw("closing peer channel", "remote_id", link.Remote, "error", err)
	}
}

func (a *ParticipantAgent) closeAll() {
	for _, link := range a.links {
		a.teardown(link, LinkClosed)
	}
}

func (a *ParticipantAgent) pushStatus(ctx context.Context) {
	if a.initialized {
		st := a.currentStatus()
		a.send(ctx, domain.StatusMessage{
			ID:        a.id,
			Name:      st.Name,
			Latitude:  st.Latitude,
			Longitude: st.Longitude,
		})
	}
	a.notify(UpdateStatus)
}

func (a *ParticipantAgent) currentStatus() ports.ParticipantStatus {
	a.mu.Lock()
	source := a.statusSource
	status := a.status
	a.mu.Unlock()

	if source != nil {
		return source()
	}
	return status
}

func (a *ParticipantAgent) send(ctx context.Context, msg domain.Message) {
	if err := a.relay.Send(ctx, msg); err != nil {
		a.logger.Warnw("failed to send to relay", "type", msg.MessageType(), "error", err)
	}
}

func (a *ParticipantAgent) notify(kind UpdateKind) {
	a.mu.Lock()
	observers := make([]func(Update), len(a.observers))
	copy(observers, a.observers)
	a.mu.Unlock()

	if len(observers) == 0 {
		return
	}

	update := Update{
		Kind:      kind,
		ID:        a.id,
		IP:        a.ip,
		LogLength: len(a.log),
		State:     a.state.Clone(),
	}
	for _, fn := range observers {
		fn(update)
	}
}

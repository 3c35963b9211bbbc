package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"rendezvous/internal/core/domain"
	"rendezvous/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeRelay struct {
	inbound chan []byte
	sent    chan domain.Message
	once    sync.Once
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		inbound: make(chan []byte, 16),
		sent:    make(chan domain.Message, 256),
	}
}

func (r *fakeRelay) Send(ctx context.Context, msg domain.Message) error {
	r.sent <- msg
	return nil
}

func (r *fakeRelay) Inbound() <-chan []byte { return r.inbound }

func (r *fakeRelay) Close() error {
	r.once.Do(func() { close(r.inbound) })
	return nil
}

func (r *fakeRelay) deliver(t *testing.T, msg domain.Message) {
	t.Helper()
	frame, err := domain.EncodeMessage(msg)
	require.NoError(t, err)
	r.inbound <- frame
}

func (r *fakeRelay) next(t *testing.T) domain.Message {
	t.Helper()
	select {
	case m := <-r.sent:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relay message")
		return nil
	}
}

func (r *fakeRelay) assertQuiet(t *testing.T) {
	t.Helper()
	select {
	case m := <-r.sent:
		t.Fatalf("unexpected relay message %T", m)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakePeer struct {
	mu        sync.Mutex
	remote    domain.ParticipantID
	initiator bool
	signals   []string
	sent      []string
	closed    bool
	events    chan<- ports.PeerEvent
}

func (p *fakePeer) Signal(payload json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, string(payload))
	return nil
}

func (p *fakePeer) Send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, string(data))
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) emit(ev ports.PeerEvent) {
	ev.Remote = p.remote
	ev.Channel = p
	p.events <- ev
}

func (p *fakePeer) snapshot() (signals, sent []string, closed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.signals...), append([]string(nil), p.sent...), p.closed
}

type fakePeerFactory struct {
	mu    sync.Mutex
	peers []*fakePeer
	err   error
}

func (f *fakePeerFactory) NewPeer(ctx context.Context, remote domain.ParticipantID, initiator bool, events chan<- ports.PeerEvent) (ports.PeerChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := &fakePeer{remote: remote, initiator: initiator, events: events}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakePeerFactory) created() []*fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakePeer(nil), f.peers...)
}

type agentHarness struct {
	agent   *ParticipantAgent
	relay   *fakeRelay
	factory *fakePeerFactory
	updates chan Update
	done    chan error
	cancel  context.CancelFunc
}

func startAgent(t *testing.T, cfg AgentConfig, opts ...AgentOption) *agentHarness {
	t.Helper()

	h := &agentHarness{
		relay:   newFakeRelay(),
		factory: &fakePeerFactory{},
		updates: make(chan Update, 64),
		done:    make(chan error, 1),
	}
	h.agent = NewParticipantAgent(h.relay, h.factory, cfg, zaptest.NewLogger(t).Sugar(), opts...)
	h.agent.OnUpdate(func(u Update) {
		select {
		case h.updates <- u:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.agent.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func quietConfig() AgentConfig {
	cfg := DefaultAgentConfig()
	cfg.StatusInterval = time.Hour
	return cfg
}

func (h *agentHarness) waitUpdate(t *testing.T, kind UpdateKind) Update {
	t.Helper()
	for {
		select {
		case u := <-h.updates:
			if u.Kind == kind {
				return u
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s update", kind)
		}
	}
}

func TestParticipantAgent_TieBreak(t *testing.T) {
	// a1 joined first and sees b2 arrive through a log update; b2's init
	// snapshot already contains a1.
	a := startAgent(t, quietConfig())
	b := startAgent(t, quietConfig())

	a.relay.deliver(t, domain.InitMessage{ID: "a1", IP: "ip-a", EventLog: domain.Log{
		domain.ParticipantConnected{ID: "a1", IP: "ip-a"},
	}})
	a.waitUpdate(t, UpdateInit)
	a.relay.assertQuiet(t)

	b.relay.deliver(t, domain.InitMessage{ID: "b2", IP: "ip-b", EventLog: domain.Log{
		domain.ParticipantConnected{ID: "a1", IP: "ip-a"},
		domain.ParticipantConnected{ID: "b2", IP: "ip-b"},
	}})
	a.relay.deliver(t, domain.LogUpdateMessage{Update: domain.Log{
		domain.ParticipantConnected{ID: "b2", IP: "ip-b"},
	}})

	bAttempt, ok := b.relay.next(t).(domain.ConnectionAttempt)
	require.True(t, ok)
	assert.Equal(t, domain.ParticipantID("b2"), bAttempt.Origin)
	assert.Equal(t, domain.ParticipantID("a1"), bAttempt.Destination)
	assert.True(t, bAttempt.Initiator)

	aAttempt, ok := a.relay.next(t).(domain.ConnectionAttempt)
	require.True(t, ok)
	assert.Equal(t, domain.ParticipantID("a1"), aAttempt.Origin)
	assert.Equal(t, domain.ParticipantID("b2"), aAttempt.Destination)
	assert.False(t, aAttempt.Initiator)

	require.Len(t, a.factory.created(), 1)
	require.Len(t, b.factory.created(), 1)
	assert.False(t, a.factory.created()[0].initiator)
	assert.True(t, b.factory.created()[0].initiator)
}

func TestParticipantAgent_PendingSignalsReplayedInOrder(t *testing.T) {
	h := startAgent(t, quietConfig())

	h.relay.deliver(t, domain.InitMessage{ID: "a1", EventLog: domain.Log{
		domain.ParticipantConnected{ID: "a1"},
	}})
	h.waitUpdate(t, UpdateInit)

	for _, sig := range []string{`{"type":"offer","sdp":"1"}`, `{"type":"candidate","candidate":{"n":2}}`} {
		h.relay.deliver(t, domain.ConnectionSignal{Origin: "b2", Destination: "a1", Signal: json.RawMessage(sig)})
	}
	h.relay.assertQuiet(t)
	assert.Empty(t, h.factory.created())

	h.relay.deliver(t, domain.LogUpdateMessage{Update: domain.Log{domain.ParticipantConnected{ID: "b2"}}})
	h.waitUpdate(t, UpdateLogUpdate)

	peers := h.factory.created()
	require.Len(t, peers, 1)
	signals, _, _ := peers[0].snapshot()
	assert.Equal(t, []string{`{"type":"offer","sdp":"1"}`, `{"type":"candidate","candidate":{"n":2}}`}, signals)

	h.relay.deliver(t, domain.ConnectionSignal{Origin: "b2", Destination: "a1", Signal: json.RawMessage(`{"type":"candidate","candidate":{"n":3}}`)})
	require.Eventually(t, func() bool {
		signals, _, _ := peers[0].snapshot()
		return len(signals) == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestParticipantAgent_ConfirmedLifecycle(t *testing.T) {
	h := startAgent(t, quietConfig())

	h.relay.deliver(t, domain.InitMessage{ID: "b2", EventLog: domain.Log{
		domain.ParticipantConnected{ID: "a1"},
		domain.ParticipantConnected{ID: "b2"},
	}})
	require.IsType(t, domain.ConnectionAttempt{}, h.relay.next(t))

	peer := h.factory.created()[0]

	peer.emit(ports.PeerEvent{Kind: ports.PeerSignal, Signal: json.RawMessage(`{"type":"offer","sdp":"v=0"}`)})
	sig, ok := h.relay.next(t).(domain.ConnectionSignal)
	require.True(t, ok)
	assert.Equal(t, domain.ParticipantID("b2"), sig.Origin)
	assert.Equal(t, domain.ParticipantID("a1"), sig.Destination)
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0"}`, string(sig.Signal))

	peer.emit(ports.PeerEvent{Kind: ports.PeerSignal, Signal: json.RawMessage(`{"type":"candidate","candidate":{}}`)})
	require.IsType(t, domain.ConnectionSignal{}, h.relay.next(t))

	peer.emit(ports.PeerEvent{Kind: ports.PeerConnected})
	require.IsType(t, domain.ConnectionOpened{}, h.relay.next(t))
	_, sent, _ := peer.snapshot()
	assert.Equal(t, []string{"hello"}, sent)

	peer.emit(ports.PeerEvent{Kind: ports.PeerData, Data: []byte("hello")})
	confirmed, ok := h.relay.next(t).(domain.ConnectionConfirmed)
	require.True(t, ok)
	assert.Equal(t, domain.ParticipantID("a1"), confirmed.Destination)

	peer.emit(ports.PeerEvent{Kind: ports.PeerClosed})
	require.IsType(t, domain.ConnectionClosed{}, h.relay.next(t))
	_, _, closed := peer.snapshot()
	assert.True(t, closed)
}

func TestParticipantAgent_SignalsAfterTransportConnected(t *testing.T) {
	h := startAgent(t, quietConfig())

	h.relay.deliver(t, domain.InitMessage{ID: "b2", EventLog: domain.Log{
		domain.ParticipantConnected{ID: "a1"},
		domain.ParticipantConnected{ID: "b2"},
	}})
	require.IsType(t, domain.ConnectionAttempt{}, h.relay.next(t))
	peer := h.factory.created()[0]

	peer.emit(ports.PeerEvent{Kind: ports.PeerConnected})
	require.IsType(t, domain.ConnectionOpened{}, h.relay.next(t))

	peer.emit(ports.PeerEvent{Kind: ports.PeerSignal, Signal: json.RawMessage(`{"type":"candidate","candidate":{"sdpMid":"0"}}`)})
	sig, ok := h.relay.next(t).(domain.ConnectionSignal)
	require.True(t, ok, "late candidate must still be relayed")
	assert.Equal(t, domain.ParticipantID("a1"), sig.Destination)
	assert.JSONEq(t, `{"type":"candidate","candidate":{"sdpMid":"0"}}`, string(sig.Signal))

	peer.emit(ports.PeerEvent{Kind: ports.PeerData, Data: []byte("hello")})
	require.IsType(t, domain.ConnectionConfirmed{}, h.relay.next(t))

	peer.emit(ports.PeerEvent{Kind: ports.PeerSignal, Signal: json.RawMessage(`{"type":"candidate","candidate":null}`)})
	require.IsType(t, domain.ConnectionSignal{}, h.relay.next(t))

	_, _, closed := peer.snapshot()
	assert.False(t, closed)
}

func TestParticipantAgent_NonGreetingPayloadTearsDown(t *testing.T) {
	h := startAgent(t, quietConfig())

	h.relay.deliver(t, domain.InitMessage{ID: "b2", EventLog: domain.Log{
		domain.ParticipantConnected{ID: "a1"},
		domain.ParticipantConnected{ID: "b2"},
	}})
	require.IsType(t, domain.ConnectionAttempt{}, h.relay.next(t))
	first := h.factory.created()[0]

	first.emit(ports.PeerEvent{Kind: ports.PeerConnected})
	require.IsType(t, domain.ConnectionOpened{}, h.relay.next(t))

	first.emit(ports.PeerEvent{Kind: ports.PeerData, Data: []byte("bye")})
	errEv, ok := h.relay.next(t).(domain.ConnectionError)
	require.True(t, ok)
	assert.Equal(t, "bye", errEv.Error)
	_, _, closed := first.snapshot()
	assert.True(t, closed)

	// Late events from the discarded channel are ignored.
	first.emit(ports.PeerEvent{Kind: ports.PeerClosed})
	h.relay.assertQuiet(t)

	// The remote is eligible again on the next log update.
	h.relay.deliver(t, domain.LogUpdateMessage{Update: domain.Log{
		domain.ConnectionError{Origin: "b2", Destination: "a1", Error: "bye"},
	}})
	retry, ok := h.relay.next(t).(domain.ConnectionAttempt)
	require.True(t, ok)
	assert.True(t, retry.Initiator)
	assert.Len(t, h.factory.created(), 2)
}

func TestParticipantAgent_PeerErrorAndCreateFailure(t *testing.T) {
	h := startAgent(t, quietConfig())
	h.factory.err = errors.New("no ice servers")

	h.relay.deliver(t, domain.InitMessage{ID: "b2", EventLog: domain.Log{
		domain.ParticipantConnected{ID: "a1"},
		domain.ParticipantConnected{ID: "b2"},
	}})
	errEv, ok := h.relay.next(t).(domain.ConnectionError)
	require.True(t, ok)
	assert.Equal(t, "no ice servers", errEv.Error)
	h.waitUpdate(t, UpdateInit)

	h.factory.mu.Lock()
	h.factory.err = nil
	h.factory.mu.Unlock()

	h.relay.deliver(t, domain.LogUpdateMessage{Update: domain.Log{domain.ParticipantConnected{ID: "c3"}}})
	require.IsType(t, domain.ConnectionAttempt{}, h.relay.next(t))
	require.IsType(t, domain.ConnectionAttempt{}, h.relay.next(t))

	peer := h.factory.created()[0]
	peer.emit(ports.PeerEvent{Kind: ports.PeerError, Err: errors.New("ice failed")})
	errEv, ok = h.relay.next(t).(domain.ConnectionError)
	require.True(t, ok)
	assert.Equal(t, "ice failed", errEv.Error)
}

func TestParticipantAgent_DisconnectedParticipantIsNotLinked(t *testing.T) {
	h := startAgent(t, quietConfig())

	h.relay.deliver(t, domain.InitMessage{ID: "c3", EventLog: domain.Log{
		domain.ParticipantConnected{ID: "a1"},
		domain.ParticipantDisconnected{ID: "a1"},
		domain.ParticipantConnected{ID: "c3"},
	}})
	u := h.waitUpdate(t, UpdateInit)
	assert.Equal(t, 3, u.LogLength)
	assert.Len(t, u.State.Participants, 1)
	h.relay.assertQuiet(t)
}

func TestParticipantAgent_StatusPush(t *testing.T) {
	cfg := DefaultAgentConfig()
	cfg.StatusInterval = 20 * time.Millisecond
	h := startAgent(t, cfg)
	h.agent.SetStatus(ports.ParticipantStatus{Name: "lighthouse", Latitude: 51.5, Longitude: -0.12})

	h.waitUpdate(t, UpdateStatus)
	h.relay.assertQuiet(t)

	h.relay.deliver(t, domain.InitMessage{ID: "a1", EventLog: domain.Log{domain.ParticipantConnected{ID: "a1"}}})

	status, ok := h.relay.next(t).(domain.StatusMessage)
	require.True(t, ok)
	assert.Equal(t, domain.StatusMessage{ID: "a1", Name: "lighthouse", Latitude: 51.5, Longitude: -0.12}, status)
}

func TestParticipantAgent_StatusSource(t *testing.T) {
	cfg := DefaultAgentConfig()
	cfg.StatusInterval = 20 * time.Millisecond
	h := startAgent(t, cfg, WithStatusSource(func() ports.ParticipantStatus {
		return ports.ParticipantStatus{Name: "pinned"}
	}))

	h.relay.deliver(t, domain.InitMessage{ID: "a1", EventLog: domain.Log{domain.ParticipantConnected{ID: "a1"}}})
	status, ok := h.relay.next(t).(domain.StatusMessage)
	require.True(t, ok)
	assert.Equal(t, "pinned", status.Name)
}

func TestParticipantAgent_RunEndsWhenRelayCloses(t *testing.T) {
	h := startAgent(t, quietConfig())

	h.relay.deliver(t, domain.InitMessage{ID: "b2", EventLog: domain.Log{
		domain.ParticipantConnected{ID: "a1"},
		domain.ParticipantConnected{ID: "b2"},
	}})
	require.IsType(t, domain.ConnectionAttempt{}, h.relay.next(t))
	peer := h.factory.created()[0]

	require.NoError(t, h.relay.Close())

	select {
	case err := <-h.done:
		assert.ErrorIs(t, err, ErrRelayClosed)
		h.done <- err
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after relay closed")
	}

	_, _, closed := peer.snapshot()
	assert.True(t, closed)
}

func TestPeerLinkTransitions(t *testing.T) {
	link := newPeerLink("a1", true, &fakePeer{})
	assert.Equal(t, LinkAttempting, link.State())

	require.NoError(t, link.transition(LinkSignaling))
	require.NoError(t, link.transition(LinkSignaling))
	assert.ErrorIs(t, link.transition(LinkConfirmed), domain.ErrInvalidTransition)
	require.NoError(t, link.transition(LinkTransportConnected))
	require.NoError(t, link.transition(LinkConfirmed))
	require.NoError(t, link.transition(LinkClosed))
	assert.ErrorIs(t, link.transition(LinkErrored), domain.ErrInvalidTransition)
	assert.True(t, link.State().Terminal())
}

func TestPendingSignals(t *testing.T) {
	p := make(pendingSignals)
	p.push("a", []byte("1"))
	p.push("b", []byte("x"))
	p.push("a", []byte("2"))
	assert.Equal(t, 3, p.count())

	assert.Equal(t, [][]byte{[]byte("1"), []byte("2")}, p.take("a"))
	assert.Nil(t, p.take("a"))
	assert.Equal(t, 1, p.count())
}

package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"rendezvous/internal/core/domain"
	"rendezvous/internal/infrastructure/repositories/memory"
	"rendezvous/pkg/validation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeHandle struct {
	mu         sync.Mutex
	addr       string
	frames     [][]byte
	pings      int
	terminated string
	sendErr    error
	pingErr    error
}

func newFakeHandle(addr string) *fakeHandle {
	return &fakeHandle{addr: addr}
}

func (h *fakeHandle) Send(frame []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendErr != nil {
		return h.sendErr
	}
	h.frames = append(h.frames, append([]byte(nil), frame...))
	return nil
}

func (h *fakeHandle) Ping() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pings++
	return h.pingErr
}

func (h *fakeHandle) Terminate(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminated = reason
}

func (h *fakeHandle) RemoteAddr() string { return h.addr }

func (h *fakeHandle) messages(t *testing.T) []domain.Message {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]domain.Message, 0, len(h.frames))
	for _, f := range h.frames {
		m, err := domain.DecodeMessage(f)
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func (h *fakeHandle) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = nil
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const testHeartbeat = 5 * time.Second

func newTestSignaling(t *testing.T) (*SignalingService, *manualClock) {
	clock := &manualClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	svc := NewSignalingService(
		memory.NewMemoryEventLogRepository(),
		testHeartbeat,
		2*testHeartbeat,
		zaptest.NewLogger(t).Sugar(),
		WithClock(clock.Now),
		WithIDGenerator(NewSeededIDGenerator(42)),
	)
	return svc, clock
}

func TestSignalingService_AdmitSendsInit(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestSignaling(t)

	h := newFakeHandle("10.0.0.1")
	id, err := svc.Admit(ctx, h)
	require.NoError(t, err)

	msgs := h.messages(t)
	require.Len(t, msgs, 1)
	im, ok := msgs[0].(domain.InitMessage)
	require.True(t, ok)
	assert.Equal(t, id, im.ID)
	assert.Equal(t, "10.0.0.1", im.IP)
	require.Len(t, im.EventLog, 1)
	assert.Equal(t, domain.ParticipantConnected{ID: id, IP: "10.0.0.1"}, im.EventLog[0])

	assert.Equal(t, 1, svc.LogLength())
	sessions := svc.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, 1, sessions[0].Frontier)

	// The init snapshot already covers the session's own entry.
	h.reset()
	svc.Sweep(ctx)
	assert.Empty(t, h.messages(t))
}

func TestSignalingService_LogUpdateExactlyOnce(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestSignaling(t)

	ha := newFakeHandle("10.0.0.1")
	a, err := svc.Admit(ctx, ha)
	require.NoError(t, err)

	hb := newFakeHandle("10.0.0.2")
	b, err := svc.Admit(ctx, hb)
	require.NoError(t, err)

	hbInit := hb.messages(t)[0].(domain.InitMessage)
	assert.Len(t, hbInit.EventLog, 2)

	ha.reset()
	hb.reset()
	svc.Sweep(ctx)

	msgs := ha.messages(t)
	require.Len(t, msgs, 1)
	update := msgs[0].(domain.LogUpdateMessage)
	assert.Equal(t, domain.Log{domain.ParticipantConnected{ID: b, IP: "10.0.0.2"}}, update.Update)
	assert.Empty(t, hb.messages(t))

	ha.reset()
	svc.Sweep(ctx)
	assert.Empty(t, ha.messages(t))

	require.NoError(t, svc.Dispatch(ctx, b, []byte(`{"type":"status","id":"`+string(b)+`","name":"bob","latitude":1,"longitude":2}`)))
	svc.Sweep(ctx)
	svc.Sweep(ctx)

	var delivered []domain.Event
	for _, m := range append(ha.messages(t), hb.messages(t)...) {
		delivered = append(delivered, m.(domain.LogUpdateMessage).Update...)
	}
	assert.Equal(t, []domain.Event{
		domain.ParticipantStatusUpdated{ID: b, Name: "bob", Latitude: 1, Longitude: 2},
		domain.ParticipantStatusUpdated{ID: b, Name: "bob", Latitude: 1, Longitude: 2},
	}, delivered)

	state := svc.Snapshot()
	assert.Len(t, state.Participants, 2)
	p, ok := state.Participant(a)
	require.True(t, ok)
	assert.Equal(t, 0, p.LogIndex)
}

func TestSignalingService_StatusDedup(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestSignaling(t)

	id, err := svc.Admit(ctx, newFakeHandle("ip"))
	require.NoError(t, err)

	status := func(name string, lat, lon string) []byte {
		return []byte(`{"type":"status","id":"` + string(id) + `","name":"` + name + `","latitude":` + lat + `,"longitude":` + lon + `}`)
	}

	require.NoError(t, svc.Dispatch(ctx, id, status("", "0", "0")))
	assert.Equal(t, 1, svc.LogLength(), "blank first status matches the connected participant")

	require.NoError(t, svc.Dispatch(ctx, id, status("n", "1", "2")))
	assert.Equal(t, 2, svc.LogLength())

	require.NoError(t, svc.Dispatch(ctx, id, status("n", "1", "2")))
	assert.Equal(t, 2, svc.LogLength())

	require.NoError(t, svc.Dispatch(ctx, id, status("n", "1.5", "2")))
	assert.Equal(t, 3, svc.LogLength())

	p, ok := svc.Snapshot().Participant(id)
	require.True(t, ok)
	assert.Equal(t, 1.5, p.Latitude)
}

func TestSignalingService_StatusNameSanitized(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestSignaling(t)

	id, err := svc.Admit(ctx, newFakeHandle("ip"))
	require.NoError(t, err)

	long := strings.Repeat("x", validation.MaxNameLength+10)
	require.NoError(t, svc.Dispatch(ctx, id, []byte(`{"type":"status","name":"  al\u0007ice  ","latitude":1,"longitude":1}`)))
	p, _ := svc.Snapshot().Participant(id)
	assert.Equal(t, "alice", p.Name)

	// same name once cleaned: no new entry
	require.NoError(t, svc.Dispatch(ctx, id, []byte(`{"type":"status","name":"alice","latitude":1,"longitude":1}`)))
	assert.Equal(t, 2, svc.LogLength())

	require.NoError(t, svc.Dispatch(ctx, id, []byte(`{"type":"status","name":"`+long+`","latitude":1,"longitude":1}`)))
	p, _ = svc.Snapshot().Participant(id)
	assert.Equal(t, validation.MaxNameLength, utf8.RuneCountInString(p.Name))
}

func TestSignalingService_StatusAttributedToSender(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestSignaling(t)

	a, err := svc.Admit(ctx, newFakeHandle("ip-a"))
	require.NoError(t, err)
	b, err := svc.Admit(ctx, newFakeHandle("ip-b"))
	require.NoError(t, err)

	require.NoError(t, svc.Dispatch(ctx, a, []byte(`{"type":"status","id":"`+string(b)+`","name":"spoof","latitude":0,"longitude":0}`)))

	state := svc.Snapshot()
	pa, _ := state.Participant(a)
	pb, _ := state.Participant(b)
	assert.Equal(t, "spoof", pa.Name)
	assert.Empty(t, pb.Name)
}

func TestSignalingService_SignalForwarding(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestSignaling(t)

	ha, hb := newFakeHandle("a"), newFakeHandle("b")
	a, err := svc.Admit(ctx, ha)
	require.NoError(t, err)
	b, err := svc.Admit(ctx, hb)
	require.NoError(t, err)
	hb.reset()

	frame := []byte(`{"type":"webrtc-connection-signal","origin":"` + string(a) + `","destination":"` + string(b) + `","signal":{"type":"offer","sdp":"v=0"},"timestamp":"2024-05-01T12:00:00Z"}`)
	require.NoError(t, svc.Dispatch(ctx, a, frame))

	hb.mu.Lock()
	require.Len(t, hb.frames, 1)
	assert.Equal(t, frame, hb.frames[0])
	hb.mu.Unlock()

	entries := svc.LogSlice(2)
	require.Len(t, entries, 1)
	sig, ok := entries[0].(domain.ConnectionSignal)
	require.True(t, ok)
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0"}`, string(sig.Signal))

	// Unknown destination: recorded, not delivered.
	ghost := []byte(`{"type":"webrtc-connection-signal","origin":"` + string(a) + `","destination":"ffff","signal":{},"timestamp":"2024-05-01T12:00:00Z"}`)
	require.NoError(t, svc.Dispatch(ctx, a, ghost))
	assert.Equal(t, 4, svc.LogLength())
	assert.Equal(t, 2, svc.SessionCount())
}

func TestSignalingService_ConnectionEventsAppended(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestSignaling(t)

	a, err := svc.Admit(ctx, newFakeHandle("a"))
	require.NoError(t, err)
	b, err := svc.Admit(ctx, newFakeHandle("b"))
	require.NoError(t, err)

	frames := []string{
		`{"type":"webrtc-connection-attempt","origin":"` + string(a) + `","destination":"` + string(b) + `","initiator":false,"timestamp":"2024-05-01T12:00:00Z"}`,
		`{"type":"webrtc-connection-opened","origin":"` + string(a) + `","destination":"` + string(b) + `","timestamp":"2024-05-01T12:00:01Z"}`,
		`{"type":"webrtc-connection-confirmed","origin":"` + string(a) + `","destination":"` + string(b) + `","timestamp":"2024-05-01T12:00:02Z"}`,
	}
	for _, f := range frames {
		require.NoError(t, svc.Dispatch(ctx, a, []byte(f)))
	}

	assert.Equal(t, 5, svc.LogLength())
	assert.True(t, svc.Snapshot().IsActive(a, b))
}

func TestSignalingService_RejectsBadFrames(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestSignaling(t)

	id, err := svc.Admit(ctx, newFakeHandle("a"))
	require.NoError(t, err)

	err = svc.Dispatch(ctx, id, []byte(`{not json`))
	assert.ErrorIs(t, err, domain.ErrMalformedMessage)

	err = svc.Dispatch(ctx, id, []byte(`{"type":"participant-disconnected","id":"x"}`))
	assert.ErrorIs(t, err, domain.ErrUnknownMessage)

	err = svc.Dispatch(ctx, id, []byte(`{"type":"log-update","update":[]}`))
	assert.ErrorIs(t, err, domain.ErrUnknownMessage)

	err = svc.Dispatch(ctx, "nobody", []byte(`{"type":"status","id":"x","name":"","latitude":0,"longitude":0}`))
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	assert.Equal(t, 1, svc.SessionCount())
	assert.Equal(t, 1, svc.LogLength())
}

func TestSignalingService_Heartbeat(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestSignaling(t)

	h := newFakeHandle("a")
	id, err := svc.Admit(ctx, h)
	require.NoError(t, err)

	clock.Advance(testHeartbeat)
	svc.Sweep(ctx)
	assert.Equal(t, 0, h.pings, "exactly T idle is not yet overdue")

	clock.Advance(time.Second)
	svc.Sweep(ctx)
	assert.Equal(t, 1, h.pings)
	assert.Equal(t, 1, svc.SessionCount())

	svc.Touch(id)
	clock.Advance(testHeartbeat + time.Second)
	svc.Sweep(ctx)
	assert.Equal(t, 2, h.pings)
	assert.Equal(t, 1, svc.SessionCount())

	clock.Advance(testHeartbeat)
	svc.Sweep(ctx)
	assert.Equal(t, 0, svc.SessionCount())
	assert.Equal(t, ReasonHeartbeatTimeout, h.terminated)

	entries := svc.LogSlice(0)
	assert.Equal(t, domain.ParticipantDisconnected{ID: id}, entries[len(entries)-1])
	assert.Empty(t, svc.Snapshot().Participants)
}

func TestSignalingService_ReapAtExactlyTwoHeartbeats(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestSignaling(t)

	h := newFakeHandle("a")
	id, err := svc.Admit(ctx, h)
	require.NoError(t, err)

	clock.Advance(2*testHeartbeat - time.Millisecond)
	svc.Sweep(ctx)
	assert.Equal(t, 1, svc.SessionCount())
	assert.Equal(t, 1, h.pings)

	clock.Advance(time.Millisecond)
	svc.Sweep(ctx)
	assert.Equal(t, 0, svc.SessionCount())
	assert.Equal(t, ReasonHeartbeatTimeout, h.terminated)

	disconnects := 0
	for _, ev := range svc.LogSlice(0) {
		if ev == (domain.ParticipantDisconnected{ID: id}) {
			disconnects++
		}
	}
	assert.Equal(t, 1, disconnects)
}

func TestSignalingService_StatusCountsAsActivity(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestSignaling(t)

	h := newFakeHandle("a")
	id, err := svc.Admit(ctx, h)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		clock.Advance(testHeartbeat - time.Second)
		require.NoError(t, svc.Dispatch(ctx, id, []byte(`{"type":"status","id":"x","name":"","latitude":0,"longitude":0}`)))
		svc.Sweep(ctx)
	}

	assert.Equal(t, 0, h.pings)
	assert.Equal(t, 1, svc.SessionCount())
}

func TestSignalingService_DeliveryFailureDrops(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestSignaling(t)

	ha := newFakeHandle("a")
	a, err := svc.Admit(ctx, ha)
	require.NoError(t, err)
	_, err = svc.Admit(ctx, newFakeHandle("b"))
	require.NoError(t, err)

	ha.mu.Lock()
	ha.sendErr = domain.ErrSendQueueFull
	ha.mu.Unlock()

	svc.Sweep(ctx)

	assert.Equal(t, 1, svc.SessionCount())
	assert.Equal(t, ReasonSendFailed, ha.terminated)
	_, ok := svc.Snapshot().Participant(a)
	assert.False(t, ok)
}

func TestSignalingService_PingFailureDrops(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestSignaling(t)

	h := newFakeHandle("a")
	_, err := svc.Admit(ctx, h)
	require.NoError(t, err)
	h.pingErr = errors.New("broken pipe")

	clock.Advance(testHeartbeat + time.Second)
	svc.Sweep(ctx)

	assert.Equal(t, 0, svc.SessionCount())
	assert.Equal(t, ReasonPingFailed, h.terminated)
}

func TestSignalingService_DropIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestSignaling(t)

	h := newFakeHandle("a")
	id, err := svc.Admit(ctx, h)
	require.NoError(t, err)

	svc.Drop(ctx, id, ReasonConnectionClosed)
	svc.Drop(ctx, id, ReasonConnectionClosed)

	assert.Equal(t, 2, svc.LogLength())
	assert.Equal(t, ReasonConnectionClosed, h.terminated)
}

func TestSignalingService_InitSendFailure(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestSignaling(t)

	h := newFakeHandle("a")
	h.sendErr = domain.ErrSendQueueFull

	_, err := svc.Admit(ctx, h)
	assert.ErrorIs(t, err, domain.ErrSendQueueFull)
	assert.Equal(t, 0, svc.SessionCount())
	assert.Equal(t, 2, svc.LogLength())
	assert.Empty(t, svc.Snapshot().Participants)
}

func TestSignalingService_RunStopsOnCancel(t *testing.T) {
	svc, _ := newTestSignaling(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

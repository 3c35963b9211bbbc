package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"rendezvous/internal/core/domain"
	"rendezvous/internal/core/ports"
	"rendezvous/pkg/tracing"
	"rendezvous/pkg/utils"
	"rendezvous/pkg/validation"

	"go.uber.org/zap"
)

const (
	ReasonHeartbeatTimeout = "heartbeat timeout"
	ReasonPingFailed       = "ping failed"
	ReasonSendFailed       = "send failed"
	ReasonConnectionClosed = "connection closed"
)

// session is the server-side record of one connected agent. All fields
// are guarded by SignalingService.mu.
type session struct {
	id           domain.ParticipantID
	ip           string
	handle       ports.RelayHandle
	joinedAt     int
	lastActivity time.Time
	frontier     int

	// last reported status; zero values match a freshly projected participant
	name      string
	latitude  float64
	longitude float64
}

func (s *session) statusDiffers(name string, latitude, longitude float64) bool {
	return s.name != name || s.latitude != latitude || s.longitude != longitude
}

type SignalingOption func(*SignalingService)

// WithClock overrides the time source used for heartbeat bookkeeping.
func WithClock(now func() time.Time) SignalingOption {
	return func(s *SignalingService) { s.now = now }
}

// WithIDGenerator replaces the randomly seeded id generator.
func WithIDGenerator(ids *IDGenerator) SignalingOption {
	return func(s *SignalingService) { s.ids = ids }
}

// WithEventMirror copies every appended entry to m.
func WithEventMirror(m ports.EventMirror) SignalingOption {
	return func(s *SignalingService) { s.mirror = m }
}

func WithSignalingMetrics(m ports.SignalingMetrics) SignalingOption {
	return func(s *SignalingService) { s.metrics = m }
}

// SignalingService owns the event log and the session table. A single
// mutex covers both, so every read-project-append sequence is atomic with
// respect to other sessions.
type SignalingService struct {
	mu       sync.Mutex
	log      ports.EventLogRepository
	sessions map[domain.ParticipantID]*session

	heartbeat time.Duration
	reapAfter time.Duration

	ids     *IDGenerator
	mirror  ports.EventMirror
	metrics ports.SignalingMetrics
	now     func() time.Time
	logger  *zap.SugaredLogger
}

// NewSignalingService creates a signaling service over log. Sessions idle
// past heartbeat are pinged and reaped once idle for reapAfter.
func NewSignalingService(
	log ports.EventLogRepository,
	heartbeat time.Duration,
	reapAfter time.Duration,
	logger *zap.SugaredLogger,
	opts ...SignalingOption,
) *SignalingService {
	s := &SignalingService{
		log:       log,
		sessions:  make(map[domain.ParticipantID]*session),
		heartbeat: heartbeat,
		reapAfter: reapAfter,
		metrics:   ports.NopSignalingMetrics{},
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ids == nil {
		s.ids = NewIDGenerator()
	}
	return s
}

// Admit registers a new connection: it assigns an id, records the
// participant-connected entry and sends the init snapshot. The session's
// frontier starts after its own connected entry.
func (s *SignalingService) Admit(ctx context.Context, handle ports.RelayHandle) (domain.ParticipantID, error) {
	ctx, span := tracing.TraceRelayOperation(ctx, "admit")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.ids.Next()
	ip := handle.RemoteAddr()

	length, err := s.appendLocked(ctx, domain.ParticipantConnected{ID: id, IP: ip})
	if err != nil {
		tracing.RecordError(ctx, err)
		return "", fmt.Errorf("admit %s: %w", id, err)
	}

	snapshot, err := s.log.Slice(ctx, 0)
	if err != nil {
		tracing.RecordError(ctx, err)
		return "", fmt.Errorf("admit %s: read log: %w", id, err)
	}

	sess := &session{
		id:           id,
		ip:           ip,
		handle:       handle,
		joinedAt:     length - 1,
		lastActivity: s.now(),
		frontier:     length,
	}
	s.sessions[id] = sess
	s.metrics.SessionOpened()

	if err := s.sendLocked(sess, domain.InitMessage{ID: id, IP: ip, EventLog: snapshot}); err != nil {
		s.dropLocked(ctx, sess, ReasonSendFailed)
		tracing.RecordError(ctx, err)
		return "", fmt.Errorf("admit %s: send init: %w", id, err)
	}

	tracing.AddSpanAttributes(ctx, tracing.ParticipantIDKey.String(string(id)), tracing.LogLengthKey.Int(length))
	s.logger.Infow("participant connected",
		"participant_id", id,
		"ip", ip,
		"log_index", length-1,
	)
	return id, nil
}

// Dispatch handles one frame received from session id. Malformed and
// unknown frames are rejected with an error and leave the session intact.
func (s *SignalingService) Dispatch(ctx context.Context, id domain.ParticipantID, frame []byte) error {
	msg, err := domain.DecodeMessage(frame)
	if err != nil {
		s.metrics.MessageRejected(rejectReason(err))
		return fmt.Errorf("dispatch from %s: %w", id, err)
	}

	ctx, span := tracing.TraceRelayMessage(ctx, string(msg.MessageType()), string(id))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("dispatch from %s: %w", id, domain.ErrSessionNotFound)
	}

	switch m := msg.(type) {
	case domain.StatusMessage:
		sess.lastActivity = s.now()
		name := utils.TruncateString(utils.SanitizeString(m.Name), validation.MaxNameLength)
		if !sess.statusDiffers(name, m.Latitude, m.Longitude) {
			return nil
		}
		sess.name, sess.latitude, sess.longitude = name, m.Latitude, m.Longitude
		_, err = s.appendLocked(ctx, domain.ParticipantStatusUpdated{
			ID:        id,
			Name:      name,
			Latitude:  m.Latitude,
			Longitude: m.Longitude,
		})

	case domain.ConnectionSignal:
		if _, err = s.appendLocked(ctx, m); err != nil {
			break
		}
		s.forwardLocked(ctx, m, frame)

	case domain.ConnectionEvent:
		_, err = s.appendLocked(ctx, m)

	default:
		s.metrics.MessageRejected("unexpected")
		err = fmt.Errorf("%w: %s is server-to-client only", domain.ErrUnknownMessage, msg.MessageType())
	}

	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("dispatch from %s: %w", id, err)
	}
	return nil
}

// forwardLocked relays the raw signal frame to its destination. A signal
// for a participant without a session is recorded but not delivered.
func (s *SignalingService) forwardLocked(ctx context.Context, sig domain.ConnectionSignal, frame []byte) {
	dest, ok := s.sessions[sig.Destination]
	if !ok {
		s.metrics.SignalForwarded(false)
		s.logger.Debugw("dropping signal for unknown destination",
			"origin", sig.Origin,
			"destination", sig.Destination,
		)
		return
	}

	if err := dest.handle.Send(frame); err != nil {
		s.metrics.SignalForwarded(false)
		s.logger.Warnw("failed to forward signal",
			"origin", sig.Origin,
			"destination", sig.Destination,
			"error", err,
		)
		s.dropLocked(ctx, dest, ReasonSendFailed)
		return
	}
	s.metrics.SignalForwarded(true)
}

// Touch records liveness for id, typically on a pong.
func (s *SignalingService) Touch(id domain.ParticipantID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok {
		sess.lastActivity = s.now()
	}
}

// Drop removes the session after its connection ended. Dropping an
// unknown or already dropped session does nothing.
func (s *SignalingService) Drop(ctx context.Context, id domain.ParticipantID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok {
		s.dropLocked(ctx, sess, reason)
	}
}

func (s *SignalingService) dropLocked(ctx context.Context, sess *session, reason string) {
	if _, ok := s.sessions[sess.id]; !ok {
		return
	}
	delete(s.sessions, sess.id)
	sess.handle.Terminate(reason)
	s.metrics.SessionClosed(reason)

	if _, err := s.appendLocked(ctx, domain.ParticipantDisconnected{ID: sess.id}); err != nil {
		s.logger.Errorw("failed to record disconnect",
			"participant_id", sess.id,
			"error", err,
		)
	}

	s.logger.Infow("participant disconnected",
		"participant_id", sess.id,
		"reason", reason,
	)
}

// Sweep runs one heartbeat round: reap silent sessions, ping idle ones,
// then push every session the log entries past its frontier.
func (s *SignalingService) Sweep(ctx context.Context) {
	ctx, span := tracing.TraceRelayOperation(ctx, "sweep")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, sess := range s.orderedSessionsLocked() {
		idle := now.Sub(sess.lastActivity)
		switch {
		case idle >= s.reapAfter:
			s.dropLocked(ctx, sess, ReasonHeartbeatTimeout)
		case idle > s.heartbeat:
			if err := sess.handle.Ping(); err != nil {
				s.logger.Warnw("ping failed", "participant_id", sess.id, "error", err)
				s.dropLocked(ctx, sess, ReasonPingFailed)
			}
		}
	}

	for _, sess := range s.orderedSessionsLocked() {
		if _, live := s.sessions[sess.id]; !live {
			continue
		}
		if err := s.pushUpdateLocked(ctx, sess); err != nil {
			s.logger.Warnw("failed to deliver log update",
				"participant_id", sess.id,
				"error", err,
			)
			s.dropLocked(ctx, sess, ReasonSendFailed)
		}
	}

	tracing.AddSpanAttributes(ctx, tracing.SessionsKey.Int(len(s.sessions)))
}

func (s *SignalingService) pushUpdateLocked(ctx context.Context, sess *session) error {
	length, err := s.log.Len(ctx)
	if err != nil {
		return err
	}
	if sess.frontier >= length {
		return nil
	}

	update, err := s.log.Slice(ctx, sess.frontier)
	if err != nil {
		return err
	}
	if err := s.sendLocked(sess, domain.LogUpdateMessage{Update: update}); err != nil {
		return err
	}

	sess.frontier += len(update)
	s.metrics.LogUpdateSent(len(update))
	return nil
}

// Run sweeps every heartbeat interval until ctx is done.
func (s *SignalingService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Snapshot projects the current log.
func (s *SignalingService) Snapshot() domain.State {
	return domain.Project(s.LogSlice(0))
}

// LogSlice returns the log entries from index from onward.
func (s *SignalingService) LogSlice(from int) []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.log.Slice(context.Background(), from)
	if err != nil {
		s.logger.Warnw("failed to read log", "from", from, "error", err)
		return []domain.Event{}
	}
	return entries
}

// LogLength returns the number of entries in the log.
func (s *SignalingService) LogLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.log.Len(context.Background())
	if err != nil {
		s.logger.Warnw("failed to read log length", "error", err)
		return 0
	}
	return n
}

// Sessions lists live sessions in admission order.
func (s *SignalingService) Sessions() []ports.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ports.SessionInfo, 0, len(s.sessions))
	for _, sess := range s.orderedSessionsLocked() {
		out = append(out, ports.SessionInfo{
			ID:           sess.id,
			IP:           sess.ip,
			LastActivity: sess.lastActivity,
			Frontier:     sess.frontier,
		})
	}
	return out
}

func (s *SignalingService) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *SignalingService) appendLocked(ctx context.Context, ev domain.Event) (int, error) {
	length, err := s.log.Append(ctx, ev)
	if err != nil {
		return 0, fmt.Errorf("append %s: %w", ev.Type(), err)
	}
	s.metrics.EventAppended(ev.Type(), length)

	if s.mirror != nil {
		if err := s.mirror.Mirror(ctx, length-1, ev); err != nil {
			s.logger.Warnw("failed to mirror event",
				"type", ev.Type(),
				"index", length-1,
				"error", err,
			)
		}
	}
	return length, nil
}

func (s *SignalingService) sendLocked(sess *session, msg domain.Message) error {
	frame, err := domain.EncodeMessage(msg)
	if err != nil {
		return err
	}
	return sess.handle.Send(frame)
}

// orderedSessionsLocked returns sessions in admission order so that sweeps
// are deterministic.
func (s *SignalingService) orderedSessionsLocked() []*session {
	out := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].joinedAt < out[j].joinedAt })
	return out
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrUnknownMessage):
		return "unknown"
	case errors.Is(err, domain.ErrMalformedMessage):
		return "malformed"
	}
	return "other"
}

package ports

import (
	"context"
	"time"

	"rendezvous/internal/core/domain"
)

// RelayHandle is the server's view of one agent connection. Send and Ping
// never block; a full outbound queue is reported as an error.
type RelayHandle interface {
	Send(frame []byte) error
	Ping() error
	Terminate(reason string)
	RemoteAddr() string
}

// SessionInfo is a read-only copy of a live session.
type SessionInfo struct {
	ID           domain.ParticipantID `json:"id"`
	IP           string               `json:"ip"`
	LastActivity time.Time            `json:"lastActivity"`
	Frontier     int                  `json:"frontier"`
}

type SignalingService interface {
	Admit(ctx context.Context, handle RelayHandle) (domain.ParticipantID, error)
	Dispatch(ctx context.Context, id domain.ParticipantID, frame []byte) error
	Touch(id domain.ParticipantID)
	Drop(ctx context.Context, id domain.ParticipantID, reason string)
	Sweep(ctx context.Context)
	Run(ctx context.Context)

	Snapshot() domain.State
	LogSlice(from int) []domain.Event
	LogLength() int
	Sessions() []SessionInfo
	SessionCount() int
}

// RelayClient is the agent's connection to the signaling server. Inbound
// is closed once the connection ends.
type RelayClient interface {
	Send(ctx context.Context, msg domain.Message) error
	Inbound() <-chan []byte
	Close() error
}

// ParticipantStatus is what an agent reports about itself every interval.
type ParticipantStatus struct {
	Name      string  `json:"name" yaml:"name"`
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
}

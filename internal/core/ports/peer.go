package ports

import (
	"context"
	"encoding/json"

	"rendezvous/internal/core/domain"
)

type PeerEventKind int

const (
	// PeerSignal carries a local negotiation payload for the remote side.
	PeerSignal PeerEventKind = iota
	// PeerConnected reports that the data channel opened.
	PeerConnected
	// PeerData carries one data channel message.
	PeerData
	PeerClosed
	PeerError
)

func (k PeerEventKind) String() string {
	switch k {
	case PeerSignal:
		return "signal"
	case PeerConnected:
		return "connected"
	case PeerData:
		return "data"
	case PeerClosed:
		return "closed"
	case PeerError:
		return "error"
	}
	return "unknown"
}

// PeerEvent is posted by a PeerChannel to the agent that owns it. Channel
// identifies the emitting instance so events from a torn-down channel can
// be told apart from its replacement.
type PeerEvent struct {
	Kind    PeerEventKind
	Remote  domain.ParticipantID
	Channel PeerChannel
	Signal  json.RawMessage
	Data    []byte
	Err     error
}

// PeerChannel is one direct connection to a remote participant.
type PeerChannel interface {
	Signal(payload json.RawMessage) error
	Send(data []byte) error
	Close() error
}

// PeerFactory creates peer channels. The initiator side opens the data
// channel and produces the offer. Events are delivered on events until
// the channel is closed.
type PeerFactory interface {
	NewPeer(ctx context.Context, remote domain.ParticipantID, initiator bool, events chan<- PeerEvent) (PeerChannel, error)
}

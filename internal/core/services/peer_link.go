package services

import (
	"fmt"

	"rendezvous/internal/core/domain"
	"rendezvous/internal/core/ports"
)

type LinkState int

const (
	LinkAttempting LinkState = iota
	LinkSignaling
	LinkTransportConnected
	LinkConfirmed
	LinkClosed
	LinkErrored
)

func (s LinkState) String() string {
	switch s {
	case LinkAttempting:
		return "attempting"
	case LinkSignaling:
		return "signaling"
	case LinkTransportConnected:
		return "transport-connected"
	case LinkConfirmed:
		return "confirmed"
	case LinkClosed:
		return "closed"
	case LinkErrored:
		return "errored"
	}
	return "unknown"
}

func (s LinkState) Terminal() bool {
	return s == LinkClosed || s == LinkErrored
}

// linkTransitions lists the states reachable from each live state. Closed
// and errored are reachable from every live state and have no exits.
var linkTransitions = map[LinkState][]LinkState{
	LinkAttempting:         {LinkSignaling, LinkTransportConnected},
	LinkSignaling:          {LinkSignaling, LinkTransportConnected},
	LinkTransportConnected: {LinkConfirmed},
	LinkConfirmed:          {},
}

// PeerLink is the agent's record of the pairing with one remote participant.
type PeerLink struct {
	Remote    domain.ParticipantID
	Initiator bool

	channel ports.PeerChannel
	state   LinkState
}

func newPeerLink(remote domain.ParticipantID, initiator bool, channel ports.PeerChannel) *PeerLink {
	return &PeerLink{
		Remote:    remote,
		Initiator: initiator,
		channel:   channel,
		state:     LinkAttempting,
	}
}

func (l *PeerLink) State() LinkState {
	return l.state
}

func (l *PeerLink) transition(to LinkState) error {
	if l.canTransition(to) {
		l.state = to
		return nil
	}
	return fmt.Errorf("%w: %s -> %s for %s", domain.ErrInvalidTransition, l.state, to, l.Remote)
}

func (l *PeerLink) canTransition(to LinkState) bool {
	if l.state.Terminal() {
		return false
	}
	if to.Terminal() {
		return true
	}
	for _, next := range linkTransitions[l.state] {
		if next == to {
			return true
		}
	}
	return false
}

// pendingSignals buffers negotiation payloads that arrive for a remote
// before the agent has created its link.
type pendingSignals map[domain.ParticipantID][][]byte

func (p pendingSignals) push(remote domain.ParticipantID, payload []byte) {
	p[remote] = append(p[remote], append([]byte(nil), payload...))
}

// take removes and returns the queue for remote in arrival order.
func (p pendingSignals) take(remote domain.ParticipantID) [][]byte {
	queued := p[remote]
	delete(p, remote)
	return queued
}

func (p pendingSignals) count() int {
	n := 0
	for _, q := range p {
		n += len(q)
	}
	return n
}

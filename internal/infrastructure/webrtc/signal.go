package webrtc

import (
	"encoding/json"
	"fmt"

	"rendezvous/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

const (
	signalOffer     = "offer"
	signalAnswer    = "answer"
	signalCandidate = "candidate"
)

// signalEnvelope is the payload carried opaquely by connection signal
// events: a session description or one trickled ICE candidate.
type signalEnvelope struct {
	Type      string                   `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

func parseSignal(payload []byte) (signalEnvelope, error) {
	var env signalEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return env, fmt.Errorf("%w: signal: %v", domain.ErrMalformedMessage, err)
	}

	switch env.Type {
	case signalOffer, signalAnswer:
		if env.SDP == "" {
			return env, fmt.Errorf("%w: %s without sdp", domain.ErrMalformedMessage, env.Type)
		}
	case signalCandidate:
		if env.Candidate == nil {
			return env, fmt.Errorf("%w: candidate without body", domain.ErrMalformedMessage)
		}
	default:
		return env, fmt.Errorf("%w: signal type %q", domain.ErrMalformedMessage, env.Type)
	}
	return env, nil
}

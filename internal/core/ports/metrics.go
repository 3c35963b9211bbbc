package ports

import "rendezvous/internal/core/domain"

// SignalingMetrics observes the signaling server.
type SignalingMetrics interface {
	SessionOpened()
	SessionClosed(reason string)
	EventAppended(t domain.EventType, logLength int)
	SignalForwarded(delivered bool)
	LogUpdateSent(entries int)
	MessageRejected(reason string)
}

// AgentMetrics observes a participant agent.
type AgentMetrics interface {
	LinkTransition(from, to string)
	PendingSignals(n int)
}

type NopSignalingMetrics struct{}

func (NopSignalingMetrics) SessionOpened()                      {}
func (NopSignalingMetrics) SessionClosed(string)                {}
func (NopSignalingMetrics) EventAppended(domain.EventType, int) {}
func (NopSignalingMetrics) SignalForwarded(bool)                {}
func (NopSignalingMetrics) LogUpdateSent(int)                   {}
func (NopSignalingMetrics) MessageRejected(string)              {}

type NopAgentMetrics struct{}

func (NopAgentMetrics) LinkTransition(string, string) {}
func (NopAgentMetrics) PendingSignals(int)            {}

package domain

import "errors"

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrParticipantUnknown = errors.New("participant unknown")
	ErrUnknownMessage     = errors.New("unknown message type")
	ErrMalformedMessage   = errors.New("malformed message")
	ErrSendQueueFull      = errors.New("send queue full")
	ErrSessionClosed      = errors.New("session closed")
	ErrInvalidTransition  = errors.New("invalid peer link transition")
	ErrNotInitialized     = errors.New("agent not initialized")
	ErrLinkNotFound       = errors.New("peer link not found")
)

package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

type ParticipantID string

type EventType string

const (
	EventParticipantConnected     EventType = "participant-connected"
	EventParticipantStatusUpdated EventType = "participant-status-updated"
	EventParticipantDisconnected  EventType = "participant-disconnected"
	EventConnectionAttempt        EventType = "webrtc-connection-attempt"
	EventConnectionSignal         EventType = "webrtc-connection-signal"
	EventConnectionOpened         EventType = "webrtc-connection-opened"
	EventConnectionConfirmed      EventType = "webrtc-connection-confirmed"
	EventConnectionClosed         EventType = "webrtc-connection-closed"
	EventConnectionError          EventType = "webrtc-connection-error"
)

// IsConnectionEvent reports whether t belongs to the webrtc-connection-* family.
func (t EventType) IsConnectionEvent() bool {
	switch t {
	case EventConnectionAttempt, EventConnectionSignal, EventConnectionOpened,
		EventConnectionConfirmed, EventConnectionClosed, EventConnectionError:
		return true
	}
	return false
}

// Event is one entry of the replicated event log. The set of concrete
// types is closed; entries written by newer peers decode to UnknownEvent.
type Event interface {
	Type() EventType
}

// ConnectionEvent is an Event describing one side of a peer pairing.
type ConnectionEvent interface {
	Event
	Message
	Endpoints() (origin, destination ParticipantID)
}

type ParticipantConnected struct {
	ID ParticipantID `json:"id"`
	IP string        `json:"ip"`
}

type ParticipantStatusUpdated struct {
	ID        ParticipantID `json:"id"`
	Name      string        `json:"name"`
	Latitude  float64       `json:"latitude"`
	Longitude float64       `json:"longitude"`
}

type ParticipantDisconnected struct {
	ID ParticipantID `json:"id"`
}

type ConnectionAttempt struct {
	Origin      ParticipantID `json:"origin"`
	Destination ParticipantID `json:"destination"`
	Initiator   bool          `json:"initiator"`
	Timestamp   time.Time     `json:"timestamp"`
}

// ConnectionSignal carries an opaque negotiation payload that the relay
// forwards verbatim to Destination.
type ConnectionSignal struct {
	Origin      ParticipantID   `json:"origin"`
	Destination ParticipantID   `json:"destination"`
	Signal      json.RawMessage `json:"signal"`
	Timestamp   time.Time       `json:"timestamp"`
}

type ConnectionOpened struct {
	Origin      ParticipantID `json:"origin"`
	Destination ParticipantID `json:"destination"`
	Timestamp   time.Time     `json:"timestamp"`
}

type ConnectionConfirmed struct {
	Origin      ParticipantID `json:"origin"`
	Destination ParticipantID `json:"destination"`
	Timestamp   time.Time     `json:"timestamp"`
}

type ConnectionClosed struct {
	Origin      ParticipantID `json:"origin"`
	Destination ParticipantID `json:"destination"`
	Timestamp   time.Time     `json:"timestamp"`
}

type ConnectionError struct {
	Origin      ParticipantID `json:"origin"`
	Destination ParticipantID `json:"destination"`
	Error       string        `json:"error"`
	Timestamp   time.Time     `json:"timestamp"`
}

// UnknownEvent preserves an entry whose type this build does not
// understand, or that failed to decode, so its log position is kept and
// it can be relayed byte for byte.
type UnknownEvent struct {
	Kind EventType
	Raw  json.RawMessage
}

func (ParticipantConnected) Type() EventType     { return EventParticipantConnected }
func (ParticipantStatusUpdated) Type() EventType { return EventParticipantStatusUpdated }
func (ParticipantDisconnected) Type() EventType  { return EventParticipantDisconnected }
func (ConnectionAttempt) Type() EventType        { return EventConnectionAttempt }
func (ConnectionSignal) Type() EventType         { return EventConnectionSignal }
func (ConnectionOpened) Type() EventType         { return EventConnectionOpened }
func (ConnectionConfirmed) Type() EventType      { return EventConnectionConfirmed }
func (ConnectionClosed) Type() EventType         { return EventConnectionClosed }
func (ConnectionError) Type() EventType          { return EventConnectionError }
func (e UnknownEvent) Type() EventType           { return e.Kind }

func (e ConnectionAttempt) Endpoints() (ParticipantID, ParticipantID) {
	return e.Origin, e.Destination
}

func (e ConnectionSignal) Endpoints() (ParticipantID, ParticipantID) {
	return e.Origin, e.Destination
}

func (e ConnectionOpened) Endpoints() (ParticipantID, ParticipantID) {
	return e.Origin, e.Destination
}

func (e ConnectionConfirmed) Endpoints() (ParticipantID, ParticipantID) {
	return e.Origin, e.Destination
}

func (e ConnectionClosed) Endpoints() (ParticipantID, ParticipantID) {
	return e.Origin, e.Destination
}

func (e ConnectionError) Endpoints() (ParticipantID, ParticipantID) {
	return e.Origin, e.Destination
}

func (e ParticipantConnected) MarshalJSON() ([]byte, error) {
	type plain ParticipantConnected
	return marshalTagged(string(e.Type()), plain(e))
}

func (e ParticipantStatusUpdated) MarshalJSON() ([]byte, error) {
	type plain ParticipantStatusUpdated
	return marshalTagged(string(e.Type()), plain(e))
}

func (e ParticipantDisconnected) MarshalJSON() ([]byte, error) {
	type plain ParticipantDisconnected
	return marshalTagged(string(e.Type()), plain(e))
}

func (e ConnectionAttempt) MarshalJSON() ([]byte, error) {
	type plain ConnectionAttempt
	return marshalTagged(string(e.Type()), plain(e))
}

func (e ConnectionSignal) MarshalJSON() ([]byte, error) {
	type plain ConnectionSignal
	if len(e.Signal) == 0 {
		e.Signal = json.RawMessage("null")
	}
	return marshalTagged(string(e.Type()), plain(e))
}

func (e ConnectionOpened) MarshalJSON() ([]byte, error) {
	type plain ConnectionOpened
	return marshalTagged(string(e.Type()), plain(e))
}

func (e ConnectionConfirmed) MarshalJSON() ([]byte, error) {
	type plain ConnectionConfirmed
	return marshalTagged(string(e.Type()), plain(e))
}

func (e ConnectionClosed) MarshalJSON() ([]byte, error) {
	type plain ConnectionClosed
	return marshalTagged(string(e.Type()), plain(e))
}

func (e ConnectionError) MarshalJSON() ([]byte, error) {
	type plain ConnectionError
	return marshalTagged(string(e.Type()), plain(e))
}

func (e UnknownEvent) MarshalJSON() ([]byte, error) {
	if len(e.Raw) == 0 {
		return marshalTagged(string(e.Kind), struct{}{})
	}
	return e.Raw, nil
}

// marshalTagged encodes v as a JSON object and prepends the "type"
// discriminator to it.
func marshalTagged(kind string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	body = bytes.TrimSpace(body)
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("tagged value %q must encode as an object", kind)
	}

	tag, err := json.Marshal(kind)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(tag) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(tag)
	if len(bytes.TrimSpace(body[1:len(body)-1])) > 0 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

type typeTag struct {
	Type string `json:"type"`
}

// DecodeEvent decodes a single log entry. Entries with an unrecognized
// type decode to UnknownEvent without error.
func DecodeEvent(raw []byte) (Event, error) {
	var tag typeTag
	if err := json.Unmarshal(raw, &tag); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	kind := EventType(tag.Type)
	var (
		ev  Event
		err error
	)
	switch kind {
	case EventParticipantConnected:
		ev, err = decodeInto[ParticipantConnected](raw)
	case EventParticipantStatusUpdated:
		ev, err = decodeInto[ParticipantStatusUpdated](raw)
	case EventParticipantDisconnected:
		ev, err = decodeInto[ParticipantDisconnected](raw)
	case EventConnectionAttempt:
		ev, err = decodeInto[ConnectionAttempt](raw)
	case EventConnectionSignal:
		ev, err = decodeInto[ConnectionSignal](raw)
	case EventConnectionOpened:
		ev, err = decodeInto[ConnectionOpened](raw)
	case EventConnectionConfirmed:
		ev, err = decodeInto[ConnectionConfirmed](raw)
	case EventConnectionClosed:
		ev, err = decodeInto[ConnectionClosed](raw)
	case EventConnectionError:
		ev, err = decodeInto[ConnectionError](raw)
	default:
		return UnknownEvent{Kind: kind, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, kind, err)
	}
	return ev, nil
}

func decodeInto[T any](raw []byte) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}

// Log is an ordered slice of entries with position-preserving decoding:
// an entry that cannot be decoded becomes an UnknownEvent instead of
// failing the whole batch.
type Log []Event

func (l *Log) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}

	out := make(Log, 0, len(raws))
	for _, raw := range raws {
		ev, err := DecodeEvent(raw)
		if err != nil {
			var tag typeTag
			_ = json.Unmarshal(raw, &tag)
			ev = UnknownEvent{Kind: EventType(tag.Type), Raw: append(json.RawMessage(nil), raw...)}
		}
		out = append(out, ev)
	}
	*l = out
	return nil
}

func (l Log) MarshalJSON() ([]byte, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Event(l))
}

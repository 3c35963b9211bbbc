package domain

import (
	"encoding/json"
	"fmt"
)

type MessageType string

const (
	MessageInit      MessageType = "init"
	MessageLogUpdate MessageType = "log-update"
	MessageStatus    MessageType = "status"
)

// Message is a single relay frame exchanged between the signaling server
// and an agent. Connection events double as messages.
type Message interface {
	MessageType() MessageType
}

// InitMessage is the first frame a session receives.
type InitMessage struct {
	ID       ParticipantID `json:"id"`
	IP       string        `json:"ip"`
	EventLog Log           `json:"eventLog"`
}

// LogUpdateMessage carries the log entries a session has not seen yet.
type LogUpdateMessage struct {
	Update Log `json:"update"`
}

type StatusMessage struct {
	ID        ParticipantID `json:"id"`
	Name      string        `json:"name"`
	Latitude  float64       `json:"latitude"`
	Longitude float64       `json:"longitude"`
}

func (InitMessage) MessageType() MessageType      { return MessageInit }
func (LogUpdateMessage) MessageType() MessageType { return MessageLogUpdate }
func (StatusMessage) MessageType() MessageType    { return MessageStatus }

func (e ConnectionAttempt) MessageType() MessageType   { return MessageType(e.Type()) }
func (e ConnectionSignal) MessageType() MessageType    { return MessageType(e.Type()) }
func (e ConnectionOpened) MessageType() MessageType    { return MessageType(e.Type()) }
func (e ConnectionConfirmed) MessageType() MessageType { return MessageType(e.Type()) }
func (e ConnectionClosed) MessageType() MessageType    { return MessageType(e.Type()) }
func (e ConnectionError) MessageType() MessageType     { return MessageType(e.Type()) }

func (m InitMessage) MarshalJSON() ([]byte, error) {
	type plain InitMessage
	if m.EventLog == nil {
		m.EventLog = Log{}
	}
	return marshalTagged(string(m.MessageType()), plain(m))
}

func (m LogUpdateMessage) MarshalJSON() ([]byte, error) {
	type plain LogUpdateMessage
	if m.Update == nil {
		m.Update = Log{}
	}
	return marshalTagged(string(m.MessageType()), plain(m))
}

func (m StatusMessage) MarshalJSON() ([]byte, error) {
	type plain StatusMessage
	return marshalTagged(string(m.MessageType()), plain(m))
}

// EncodeMessage renders m as a relay frame.
func EncodeMessage(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.MessageType(), err)
	}
	return data, nil
}

// FrameType reads only the type tag of a relay frame. Malformed frames
// report an empty type.
func FrameType(raw []byte) MessageType {
	var tag typeTag
	if err := json.Unmarshal(raw, &tag); err != nil {
		return ""
	}
	return MessageType(tag.Type)
}

// DecodeMessage parses one relay frame. Connection events decode to their
// concrete event type; anything other than the known message and
// connection event types yields ErrUnknownMessage.
func DecodeMessage(raw []byte) (Message, error) {
	var tag typeTag
	if err := json.Unmarshal(raw, &tag); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	kind := MessageType(tag.Type)
	switch kind {
	case MessageInit:
		return decodeMessageInto[InitMessage](kind, raw)
	case MessageLogUpdate:
		return decodeMessageInto[LogUpdateMessage](kind, raw)
	case MessageStatus:
		return decodeMessageInto[StatusMessage](kind, raw)
	}

	if !EventType(kind).IsConnectionEvent() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, tag.Type)
	}
	ev, err := DecodeEvent(raw)
	if err != nil {
		return nil, err
	}
	return ev.(Message), nil
}

func decodeMessageInto[T Message](kind MessageType, raw []byte) (Message, error) {
	var m T
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, kind, err)
	}
	return m, nil
}

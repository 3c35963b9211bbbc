package domain

import (
	"sort"
)

// Participant is the projected view of one connected agent.
type Participant struct {
	ID        ParticipantID `json:"id"`
	IP        string        `json:"ip"`
	LogIndex  int           `json:"logIndex"`
	Name      string        `json:"name"`
	Latitude  float64       `json:"latitude"`
	Longitude float64       `json:"longitude"`
}

// ConnectionActivity records pairings keyed by origin then destination.
// Active holds the latest confirmation per ordered pair and is never
// retracted. Closed holds the latest closed or error event per pair.
type ConnectionActivity struct {
	Active map[ParticipantID]map[ParticipantID]ConnectionConfirmed `json:"active"`
	Closed map[ParticipantID]map[ParticipantID]ConnectionEvent     `json:"closed"`
}

// State is the result of folding an event log.
type State struct {
	Participants map[ParticipantID]*Participant `json:"participants"`
	Connections  ConnectionActivity             `json:"connections"`
}

// NewState returns an empty projection.
func NewState() State {
	return State{
		Participants: make(map[ParticipantID]*Participant),
		Connections: ConnectionActivity{
			Active: make(map[ParticipantID]map[ParticipantID]ConnectionConfirmed),
			Closed: make(map[ParticipantID]map[ParticipantID]ConnectionEvent),
		},
	}
}

// Project folds entries from an empty state. It is pure: the same input
// always yields an equal State, and Project(a ++ b) equals projecting a
// and then applying b.
func Project(entries []Event) State {
	s := NewState()
	for i, ev := range entries {
		s.Apply(i, ev)
	}
	return s
}

// Apply folds a single entry found at log position index into s.
// Entries that reference unknown participants, and entries of unknown
// type, leave s unchanged.
func (s *State) Apply(index int, ev Event) {
	switch e := ev.(type) {
	case ParticipantConnected:
		s.Participants[e.ID] = &Participant{ID: e.ID, IP: e.IP, LogIndex: index}
	case ParticipantStatusUpdated:
		if p, ok := s.Participants[e.ID]; ok {
			p.Name = e.Name
			p.Latitude = e.Latitude
			p.Longitude = e.Longitude
		}
	case ParticipantDisconnected:
		delete(s.Participants, e.ID)
	case ConnectionConfirmed:
		pairs, ok := s.Connections.Active[e.Origin]
		if !ok {
			pairs = make(map[ParticipantID]ConnectionConfirmed)
			s.Connections.Active[e.Origin] = pairs
		}
		pairs[e.Destination] = e
	case ConnectionClosed:
		s.recordClosed(e)
	case ConnectionError:
		s.recordClosed(e)
	}
}

func (s *State) recordClosed(e ConnectionEvent) {
	origin, destination := e.Endpoints()
	pairs, ok := s.Connections.Closed[origin]
	if !ok {
		pairs = make(map[ParticipantID]ConnectionEvent)
		s.Connections.Closed[origin] = pairs
	}
	pairs[destination] = e
}

// Participant returns a copy of the participant with the given id.
func (s State) Participant(id ParticipantID) (Participant, bool) {
	p, ok := s.Participants[id]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// Others returns every participant except self, ordered by log position.
func (s State) Others(self ParticipantID) []Participant {
	out := make([]Participant, 0, len(s.Participants))
	for id, p := range s.Participants {
		if id == self {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LogIndex < out[j].LogIndex })
	return out
}

// IsActive reports whether origin ever confirmed a channel to destination.
// Confirmation is not retracted by a later close; see ClosedAfter.
func (s State) IsActive(origin, destination ParticipantID) bool {
	_, ok := s.Connections.Active[origin][destination]
	return ok
}

// ClosedAfter reports whether the latest confirmation from origin to
// destination has been followed by a close or error from the same side.
func (s State) ClosedAfter(origin, destination ParticipantID) bool {
	confirmed, ok := s.Connections.Active[origin][destination]
	if !ok {
		return false
	}
	switch c := s.Connections.Closed[origin][destination].(type) {
	case ConnectionClosed:
		return !c.Timestamp.Before(confirmed.Timestamp)
	case ConnectionError:
		return !c.Timestamp.Before(confirmed.Timestamp)
	}
	return false
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := NewState()
	for id, p := range s.Participants {
		cp := *p
		out.Participants[id] = &cp
	}
	for origin, pairs := range s.Connections.Active {
		m := make(map[ParticipantID]ConnectionConfirmed, len(pairs))
		for dest, ev := range pairs {
			m[dest] = ev
		}
		out.Connections.Active[origin] = m
	}
	for origin, pairs := range s.Connections.Closed {
		m := make(map[ParticipantID]ConnectionEvent, len(pairs))
		for dest, ev := range pairs {
			m[dest] = ev
		}
		out.Connections.Closed[origin] = m
	}
	return out
}

// ShouldInitiate decides which side of a pairing creates the offer. The
// agent whose session started after the remote participant joined
// initiates, so exactly one side of every pair does.
func ShouldInitiate(remote Participant, initIndex int) bool {
	return remote.LogIndex < initIndex
}

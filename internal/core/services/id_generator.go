package services

import (
	"crypto/rand"
	"encoding/binary"
	"strconv"
	"sync"

	"rendezvous/internal/core/domain"
)

// IDGenerator issues participant ids from a Jenkins 32-bit integer hash
// sequence. Ids are the hash shifted right by one bit, in lowercase hex,
// and are never repeated within one generator.
//
// Issued ids stay reserved after their session ends because the event log
// keeps referring to them. The reserved set therefore grows by one 4-byte
// entry per admission, in step with the participant-connected entries the
// log already retains.
type IDGenerator struct {
	mu     sync.Mutex
	seed   uint32
	issued map[uint32]struct{}
}

// NewIDGenerator seeds the sequence from crypto/rand.
func NewIDGenerator() *IDGenerator {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("id generator: reading random seed: " + err.Error())
	}
	return NewSeededIDGenerator(binary.LittleEndian.Uint32(b[:]) >> 1)
}

// NewSeededIDGenerator starts the sequence at seed.
func NewSeededIDGenerator(seed uint32) *IDGenerator {
	return &IDGenerator{
		seed:   seed,
		issued: make(map[uint32]struct{}),
	}
}

// Next returns the next id not yet issued by g.
func (g *IDGenerator) Next() domain.ParticipantID {
	g.mu.Lock()
	defer g.mu.Unlock()

	for {
		v := g.step() >> 1
		if _, taken := g.issued[v]; taken {
			continue
		}
		g.issued[v] = struct{}{}
		return domain.ParticipantID(strconv.FormatUint(uint64(v), 16))
	}
}

// Issued reports how many ids the generator has handed out.
func (g *IDGenerator) Issued() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.issued)
}

func (g *IDGenerator) step() uint32 {
	s := g.seed
	s = (s + 0x7ed55d16) + (s << 12)
	s = (s ^ 0xc761c23c) ^ (s >> 19)
	s = (s + 0x165667b1) + (s << 5)
	s = (s + 0xd3a2646c) ^ (s << 9)
	s = (s + 0xfd7046c5) + (s << 3)
	s = (s ^ 0xb55a4f09) ^ (s >> 16)
	g.seed = s
	return s
}

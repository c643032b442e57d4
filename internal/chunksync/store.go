package chunksync

import (
	"fmt"
	"sync"
)

// EventStore is the storage collaborator chunk sync reads from and
// writes into. The implementation owns durability; sync only moves
// verified chunks.
type EventStore interface {
	ListChunkHashes() map[[32]byte]struct{}
	ReadChunk(hash [32]byte) ([]byte, error)
	Append(events []Event) error
}

// MemoryEventStore keeps chunks in memory, for tests and ephemeral
// nodes.
type MemoryEventStore struct {
	mu       sync.Mutex
	perChunk int
	events   []Event
	chunks   map[[32]byte][]byte
}

func NewMemoryEventStore(perChunk int) *MemoryEventStore {
	if perChunk <= 0 {
		perChunk = DefaultEventsPerChunk
	}
	return &MemoryEventStore{
		perChunk: perChunk,
		chunks:   make(map[[32]byte][]byte),
	}
}

func (s *MemoryEventStore) ListChunkHashes() map[[32]byte]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[[32]byte]struct{}, len(s.chunks))
	for h := range s.chunks {
		out[h] = struct{}{}
	}
	return out
}

func (s *MemoryEventStore) ReadChunk(hash [32]byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.chunks[hash]
	if !ok {
		return nil, fmt.Errorf("unknown chunk %x", hash[:8])
	}
	return append([]byte(nil), raw...), nil
}

func (s *MemoryEventStore) Append(events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	s.rebuildLocked()
	return nil
}

// Manifest lists chunk addresses in log order.
func (s *MemoryEventStore) Manifest() [][32]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	chunks := Partition(s.events, s.perChunk)
	out := make([][32]byte, len(chunks))
	for i, c := range chunks {
		out[i] = c.Hash
	}
	return out
}

func (s *MemoryEventStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *MemoryEventStore) rebuildLocked() {
	s.chunks = make(map[[32]byte][]byte)
	for _, c := range Partition(s.events, s.perChunk) {
		s.chunks[c.Hash] = ChunkBytes(c)
	}
}

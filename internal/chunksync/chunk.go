package chunksync

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"gridmesh/internal/crypto"
	"gridmesh/internal/wire"
)

// DefaultEventsPerChunk is how many log events one chunk carries.
const DefaultEventsPerChunk = 64

// Event is one opaque append-only log entry.
type Event []byte

// Chunk is a content-addressed group of sequential events. Identical
// content always hashes to the identical address.
type Chunk struct {
	Hash   [32]byte
	Events []Event
	Size   int
}

// encodeEvents is the canonical serialization hashed for the content
// address: event count then length-prefixed event bytes.
func encodeEvents(events []Event) []byte {
	size := 8
	for _, e := range events {
		size += 4 + len(e)
	}
	buf := make([]byte, 0, size)
	buf = appendUint64(buf, uint64(len(events)))
	for _, e := range events {
		buf = appendUint32(buf, uint32(len(e)))
		buf = append(buf, e...)
	}
	return buf
}

func decodeEvents(b []byte) ([]Event, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("%w: chunk too short", wire.ErrBadEnvelope)
	}
	n := readUint64(b)
	b = b[8:]
	events := make([]Event, 0, n)
	for i := uint64(0); i < n; i++ {
		if len(b) < 4 {
			return nil, fmt.Errorf("%w: truncated event", wire.ErrBadEnvelope)
		}
		l := readUint32(b)
		b = b[4:]
		if uint32(len(b)) < l {
			return nil, fmt.Errorf("%w: truncated event", wire.ErrBadEnvelope)
		}
		events = append(events, Event(append([]byte(nil), b[:l]...)))
		b = b[l:]
	}
	return events, nil
}

// NewChunk builds a chunk from events and computes its address.
func NewChunk(events []Event) Chunk {
	raw := encodeEvents(events)
	var h [32]byte
	copy(h[:], crypto.SHA3_256(raw))
	return Chunk{Hash: h, Events: events, Size: len(raw)}
}

// ChunkBytes is the wire form of a chunk; hashing it reproduces the
// chunk's address.
func ChunkBytes(c Chunk) []byte {
	return encodeEvents(c.Events)
}

// DecodeChunk parses chunk bytes and verifies them against the
// expected address. A mismatch discards the data.
func DecodeChunk(expected [32]byte, raw []byte) (Chunk, error) {
	var h [32]byte
	copy(h[:], crypto.SHA3_256(raw))
	if !bytes.Equal(h[:], expected[:]) {
		return Chunk{}, fmt.Errorf("%w: want %x got %x", wire.ErrIntegrityMismatch, expected[:8], h[:8])
	}
	events, err := decodeEvents(raw)
	if err != nil {
		return Chunk{}, err
	}
	return Chunk{Hash: h, Events: events, Size: len(raw)}, nil
}

// Partition splits a log into fixed-size chunks, the last one ragged.
func Partition(events []Event, perChunk int) []Chunk {
	if perChunk <= 0 {
		perChunk = DefaultEventsPerChunk
	}
	var out []Chunk
	for start := 0; start < len(events); start += perChunk {
		end := start + perChunk
		if end > len(events) {
			end = len(events)
		}
		out = append(out, NewChunk(events[start:end]))
	}
	return out
}

// Missing computes the delta: addresses the peer advertises that the
// local set lacks.
func Missing(have map[[32]byte]struct{}, manifest [][32]byte) [][32]byte {
	var out [][32]byte
	for _, h := range manifest {
		if _, ok := have[h]; !ok {
			out = append(out, h)
		}
	}
	return out
}

func appendUint64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendUint32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func readUint64(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

func readUint32(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

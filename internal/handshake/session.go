package handshake

import (
	"fmt"
	"sync"
	"time"

	"gridmesh/internal/crypto"
	"gridmesh/internal/wire"
)

// Session is the authenticated encrypted channel produced by a
// completed handshake. Both sides hold the same key; nonces are bound
// to the sending node so the directions never collide. A session is
// owned by the connection that created it and is never persisted.
type Session struct {
	ID        [32]byte
	LocalID   [32]byte
	PeerID    [32]byte
	PeerPub   []byte
	PeerCaps  wire.Capabilities
	Params    wire.SessionParams
	CreatedAt time.Time

	mu       sync.Mutex
	key      []byte
	sendBase []byte
	recvBase []byte
	sendSeq  uint64
	recvSeq  uint64
	haveRecv bool
	closed   bool
}

func newSession(localID, peerID [32]byte, peerPub []byte, peerCaps wire.Capabilities, keys crypto.SessionKeys, params wire.SessionParams, now time.Time) (*Session, error) {
	sendBase, err := crypto.DirectionalNonceBase(keys.Key, localID)
	if err != nil {
		return nil, err
	}
	recvBase, err := crypto.DirectionalNonceBase(keys.Key, peerID)
	if err != nil {
		return nil, err
	}
	s := &Session{
		LocalID:   localID,
		PeerID:    peerID,
		PeerPub:   append([]byte(nil), peerPub...),
		PeerCaps:  peerCaps,
		Params:    params,
		CreatedAt: now,
		key:       keys.Key,
		sendBase:  sendBase,
		recvBase:  recvBase,
	}
	copy(s.ID[:], params.SessionID)
	return s, nil
}

// Seal wraps an inner message in an authenticated-encryption envelope.
// The sequence number and inner kind are bound into the AEAD associated
// data along with both node identities.
func (s *Session) Seal(kind wire.Kind, payload []byte) (wire.Envelope, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return wire.Envelope{}, wire.ErrSessionClosed
	}
	seq := s.sendSeq
	s.sendSeq++
	key := s.key
	base := s.sendBase
	s.mu.Unlock()

	nonce, err := crypto.NonceFromBase(base, seq)
	if err != nil {
		return wire.Envelope{}, err
	}
	aad := crypto.BuildAAD(uint16(kind), seq, s.LocalID, s.PeerID)
	ct, err := crypto.XSealWithNonce(key, nonce, payload, aad)
	if err != nil {
		return wire.Envelope{}, err
	}
	frame := wire.SecureFrame{Sender: s.LocalID, Seq: seq, InnerKind: kind, Ciphertext: ct}
	return wire.Envelope{
		Version: wire.ProtocolVersion,
		Kind:    wire.KindSecure,
		Payload: frame.Encode(),
	}, nil
}

// Open authenticates and decrypts a secure envelope. Sequence numbers
// must be strictly increasing; an authentication failure or a replayed
// sequence means the session must be torn down by the caller.
func (s *Session) Open(env wire.Envelope) (wire.Kind, []byte, error) {
	if env.Kind != wire.KindSecure {
		return 0, nil, wire.ErrUnknownKind
	}
	frame, err := wire.DecodeSecureFrame(env.Payload)
	if err != nil {
		return 0, nil, err
	}
	if frame.Sender != s.PeerID {
		return 0, nil, fmt.Errorf("%w: frame sender does not match session peer", wire.ErrBadEnvelope)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, nil, wire.ErrSessionClosed
	}
	if s.haveRecv && frame.Seq <= s.recvSeq {
		s.mu.Unlock()
		return 0, nil, wire.ErrReplayDetected
	}
	key := s.key
	base := s.recvBase
	s.mu.Unlock()

	nonce, err := crypto.NonceFromBase(base, frame.Seq)
	if err != nil {
		return 0, nil, err
	}
	aad := crypto.BuildAAD(uint16(frame.InnerKind), frame.Seq, s.PeerID, s.LocalID)
	pt, err := crypto.XOpen(key, nonce, frame.Ciphertext, aad)
	if err != nil {
		return 0, nil, wire.ErrInvalidSignature
	}

	s.mu.Lock()
	if s.haveRecv && frame.Seq <= s.recvSeq {
		s.mu.Unlock()
		return 0, nil, wire.ErrReplayDetected
	}
	s.recvSeq = frame.Seq
	s.haveRecv = true
	s.mu.Unlock()
	return frame.InnerKind, pt, nil
}

// Close destroys the key material. Further Seal/Open calls fail.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	crypto.ZeroBytes(s.key)
}

// Store tracks live sessions and in-progress handshakes by peer.
type Store struct {
	mu       sync.Mutex
	sessions map[[32]byte]*Session
	pending  map[[32]byte]*Pending
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[[32]byte]*Session),
		pending:  make(map[[32]byte]*Pending),
	}
}

func (st *Store) Get(peerID [32]byte) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[peerID]
	return s, ok
}

func (st *Store) Set(s *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if old, ok := st.sessions[s.PeerID]; ok {
		old.Close()
	}
	st.sessions[s.PeerID] = s
}

// Drop closes and removes the session for a peer.
func (st *Store) Drop(peerID [32]byte) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[peerID]; ok {
		s.Close()
		delete(st.sessions, peerID)
	}
}

func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

func (st *Store) SetPending(peerID [32]byte, p *Pending) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if old, ok := st.pending[peerID]; ok {
		old.Cancel()
	}
	st.pending[peerID] = p
}

func (st *Store) PopPending(peerID [32]byte) (*Pending, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	p, ok := st.pending[peerID]
	if ok {
		delete(st.pending, peerID)
	}
	return p, ok
}

// SweepExpired cancels and removes handshakes past their deadline,
// returning how many were discarded.
func (st *Store) SweepExpired(now time.Time) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	n := 0
	for id, p := range st.pending {
		if p.Expired(now) {
			p.Cancel()
			delete(st.pending, id)
			n++
		}
	}
	return n
}

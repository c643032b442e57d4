package handshake

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gridmesh/internal/crypto"
	"gridmesh/internal/peer"
	"gridmesh/internal/wire"
)

const (
	DefaultMaxClockSkew = 5 * time.Minute
	DefaultNonceHistory = 100
	DefaultTimeout      = 10 * time.Second

	DefaultHeartbeatMS    = 30_000
	DefaultMaxMessageSize = wire.MaxFrameSize
)

// Identity is the long-term signing keypair a node presents on the wire.
type Identity struct {
	NodeID      [32]byte
	SigningPub  []byte
	SigningPriv []byte
}

type Options struct {
	// MaxClockSkew bounds the accepted age of a HELLO timestamp.
	// Deployments in hostile environments can tighten it.
	MaxClockSkew time.Duration
	// NonceHistory is the per-peer size of the recent-nonce set used
	// to reject replayed PROVE messages.
	NonceHistory int
	// Timeout bounds how long an in-progress handshake may sit before
	// its state is discarded.
	Timeout time.Duration
	// AdvertiseAddr is the dialable listen address carried in HELLO.
	// Empty means the node does not advertise one.
	AdvertiseAddr string
	Logger        *zap.Logger

	// Clock is overridable for tests; nil means time.Now.
	Clock func() time.Time
}

// Handshaker drives the four-message flow:
//
//	HELLO     initiator -> responder   identity, ephemeral, timestamp, signature
//	CHALLENGE responder -> initiator   fresh nonce, responder ephemeral
//	PROVE     initiator -> responder   signature over the nonce
//	WELCOME   responder -> initiator   session id, negotiated parameters
//
// Any validation failure aborts the exchange with no session created.
type Handshaker struct {
	id     Identity
	caps   wire.Capabilities
	addr   string
	skew   time.Duration
	tmo    time.Duration
	log    *zap.Logger
	now    func() time.Time
	nonces *nonceCache
}

func New(id Identity, caps wire.Capabilities, opts Options) *Handshaker {
	skew := opts.MaxClockSkew
	if skew <= 0 {
		skew = DefaultMaxClockSkew
	}
	history := opts.NonceHistory
	if history <= 0 {
		history = DefaultNonceHistory
	}
	tmo := opts.Timeout
	if tmo <= 0 {
		tmo = DefaultTimeout
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Handshaker{
		id:     id,
		caps:   caps,
		addr:   opts.AdvertiseAddr,
		skew:   skew,
		tmo:    tmo,
		log:    log,
		now:    now,
		nonces: newNonceCache(history),
	}
}

type phase int

const (
	phaseAwaitChallenge phase = iota + 1
	phaseAwaitProve
	phaseAwaitWelcome
)

// Pending is the explicit state of one in-progress handshake. It is
// discarded wholesale on timeout or cancellation, whatever phase it
// reached.
type Pending struct {
	PeerID    [32]byte
	CreatedAt time.Time
	Deadline  time.Time

	phase      phase
	peerPub    []byte
	peerCaps   wire.Capabilities
	eph        *crypto.Ephemeral
	ownEphPub  []byte
	peerEphPub []byte
	helloBytes []byte
	nonce      []byte
	keys       crypto.SessionKeys
}

// Cancel discards all partial state, destroying key material.
func (p *Pending) Cancel() {
	if p == nil {
		return
	}
	if p.eph != nil {
		p.eph.Destroy()
	}
	crypto.ZeroBytes(p.keys.Key)
	p.keys = crypto.SessionKeys{}
	p.phase = 0
}

func (p *Pending) Expired(now time.Time) bool {
	return now.After(p.Deadline)
}

// Initiate builds the HELLO for a dial to responderID and the pending
// state awaiting CHALLENGE.
func (h *Handshaker) Initiate(responderID [32]byte) (wire.Hello, *Pending, error) {
	eph, err := crypto.GenerateEphemeral()
	if err != nil {
		return wire.Hello{}, nil, err
	}
	ephPub, err := eph.Public()
	if err != nil {
		eph.Destroy()
		return wire.Hello{}, nil, err
	}
	now := h.now()
	hello := wire.Hello{
		ProtocolVersion: wire.ProtocolVersion,
		NodeID:          h.id.NodeID[:],
		SigningPub:      h.id.SigningPub,
		EphemeralPub:    ephPub,
		Capabilities:    h.caps,
		ListenAddr:      h.addr,
		TimestampUnix:   now.Unix(),
	}
	sig, err := crypto.Sign(h.id.SigningPriv, wire.HelloSigBytes(hello))
	if err != nil {
		eph.Destroy()
		return wire.Hello{}, nil, err
	}
	hello.Signature = sig
	p := &Pending{
		PeerID:     responderID,
		CreatedAt:  now,
		Deadline:   now.Add(h.tmo),
		phase:      phaseAwaitChallenge,
		eph:        eph,
		ownEphPub:  ephPub,
		helloBytes: wire.HelloSigBytes(hello),
	}
	return hello, p, nil
}

// HandleHello validates an inbound HELLO and answers with a CHALLENGE.
// Checks run in fixed order: identity binding, freshness, signature,
// version. Each failure maps to its own error with nothing retained.
func (h *Handshaker) HandleHello(hello wire.Hello) (wire.Challenge, *Pending, error) {
	if len(hello.NodeID) != 32 || len(hello.SigningPub) != crypto.SigningPubKeySize {
		return wire.Challenge{}, nil, wire.ErrInvalidNodeID
	}
	var peerID [32]byte
	copy(peerID[:], hello.NodeID)
	if peer.DeriveNodeID(hello.SigningPub) != peerID {
		return wire.Challenge{}, nil, wire.ErrInvalidNodeID
	}
	if peerID == h.id.NodeID {
		return wire.Challenge{}, nil, wire.ErrInvalidNodeID
	}
	now := h.now()
	age := now.Sub(time.Unix(hello.TimestampUnix, 0))
	if age > h.skew || age < -h.skew {
		return wire.Challenge{}, nil, fmt.Errorf("%w: hello timestamp off by %s", wire.ErrReplayDetected, age)
	}
	if !crypto.Verify(hello.SigningPub, wire.HelloSigBytes(hello), hello.Signature) {
		return wire.Challenge{}, nil, wire.ErrInvalidSignature
	}
	if hello.ProtocolVersion != wire.ProtocolVersion {
		return wire.Challenge{}, nil, fmt.Errorf("%w: peer speaks v%d", wire.ErrVersionMismatch, hello.ProtocolVersion)
	}

	eph, err := crypto.GenerateEphemeral()
	if err != nil {
		return wire.Challenge{}, nil, err
	}
	ephPub, err := eph.Public()
	if err != nil {
		eph.Destroy()
		return wire.Challenge{}, nil, err
	}
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		eph.Destroy()
		return wire.Challenge{}, nil, err
	}
	p := &Pending{
		PeerID:     peerID,
		CreatedAt:  now,
		Deadline:   now.Add(h.tmo),
		phase:      phaseAwaitProve,
		peerPub:    append([]byte(nil), hello.SigningPub...),
		peerCaps:   hello.Capabilities,
		eph:        eph,
		ownEphPub:  ephPub,
		peerEphPub: append([]byte(nil), hello.EphemeralPub...),
		helloBytes: wire.HelloSigBytes(hello),
		nonce:      nonce,
	}
	h.log.Debug("hello accepted",
		zap.String("peer", hex.EncodeToString(peerID[:8])))
	return wire.Challenge{
		Nonce:        nonce,
		EphemeralPub: ephPub,
		NodeID:       h.id.NodeID[:],
		SigningPub:   h.id.SigningPub,
		Capabilities: h.caps,
	}, p, nil
}

// HandleChallenge answers a CHALLENGE with PROVE and derives the
// session key on the initiator side. The responder's claimed identity
// must hash to the node id the dial was addressed to. The ephemeral
// private key is destroyed here; only the derived key survives.
func (h *Handshaker) HandleChallenge(p *Pending, c wire.Challenge) (wire.Prove, error) {
	if p == nil || p.phase != phaseAwaitChallenge {
		return wire.Prove{}, fmt.Errorf("unexpected CHALLENGE")
	}
	if len(c.Nonce) != 32 || len(c.EphemeralPub) != crypto.XKeySize {
		p.Cancel()
		return wire.Prove{}, fmt.Errorf("%w: malformed challenge", wire.ErrBadEnvelope)
	}
	if len(c.NodeID) != 32 || len(c.SigningPub) != crypto.SigningPubKeySize ||
		peer.DeriveNodeID(c.SigningPub) != p.PeerID {
		p.Cancel()
		return wire.Prove{}, wire.ErrInvalidNodeID
	}
	ss, err := p.eph.Shared(c.EphemeralPub)
	if err != nil {
		p.Cancel()
		return wire.Prove{}, err
	}
	keys, err := crypto.DeriveSessionKeys(ss, transcript(p.helloBytes, c.Nonce, c.EphemeralPub))
	crypto.ZeroBytes(ss)
	if err != nil {
		p.Cancel()
		return wire.Prove{}, err
	}
	p.eph.Destroy()
	p.eph = nil
	p.keys = keys
	p.nonce = append([]byte(nil), c.Nonce...)
	p.peerEphPub = append([]byte(nil), c.EphemeralPub...)
	p.peerPub = append([]byte(nil), c.SigningPub...)
	p.peerCaps = c.Capabilities
	p.phase = phaseAwaitWelcome

	sig, err := crypto.Sign(h.id.SigningPriv, wire.ProveSigBytes(c.Nonce))
	if err != nil {
		p.Cancel()
		return wire.Prove{}, err
	}
	return wire.Prove{NodeID: h.id.NodeID[:], Signature: sig}, nil
}

// HandleProve verifies the initiator's proof and completes the
// handshake on the responder side, emitting WELCOME and the live
// session. Replayed nonces are rejected from a bounded per-peer set.
func (h *Handshaker) HandleProve(p *Pending, pr wire.Prove) (wire.Welcome, *Session, error) {
	if p == nil || p.phase != phaseAwaitProve {
		return wire.Welcome{}, nil, fmt.Errorf("unexpected PROVE")
	}
	if !crypto.Verify(p.peerPub, wire.ProveSigBytes(p.nonce), pr.Signature) {
		p.Cancel()
		return wire.Welcome{}, nil, wire.ErrInvalidSignature
	}
	if !h.nonces.Record(p.PeerID, p.nonce) {
		p.Cancel()
		return wire.Welcome{}, nil, fmt.Errorf("%w: challenge nonce reused", wire.ErrReplayDetected)
	}
	ss, err := p.eph.Shared(p.peerEphPub)
	if err != nil {
		p.Cancel()
		return wire.Welcome{}, nil, err
	}
	keys, err := crypto.DeriveSessionKeys(ss, transcript(p.helloBytes, p.nonce, p.ownEphPub))
	crypto.ZeroBytes(ss)
	if err != nil {
		p.Cancel()
		return wire.Welcome{}, nil, err
	}
	p.eph.Destroy()
	p.eph = nil

	var sid [32]byte
	if _, err := rand.Read(sid[:]); err != nil {
		return wire.Welcome{}, nil, err
	}
	params := wire.SessionParams{
		SessionID:           sid[:],
		HeartbeatIntervalMS: DefaultHeartbeatMS,
		MaxMessageSize:      DefaultMaxMessageSize,
	}
	sess, err := newSession(h.id.NodeID, p.PeerID, p.peerPub, p.peerCaps, keys, params, h.now())
	if err != nil {
		return wire.Welcome{}, nil, err
	}
	h.log.Info("handshake complete",
		zap.String("peer", hex.EncodeToString(p.PeerID[:8])),
		zap.String("session", hex.EncodeToString(sid[:8])))
	return wire.Welcome{Params: params}, sess, nil
}

// HandleWelcome completes the handshake on the initiator side using
// the key derived at HandleChallenge and the responder's parameters.
func (h *Handshaker) HandleWelcome(p *Pending, w wire.Welcome) (*Session, error) {
	if p == nil || p.phase != phaseAwaitWelcome {
		return nil, fmt.Errorf("unexpected WELCOME")
	}
	if len(w.Params.SessionID) != 32 {
		p.Cancel()
		return nil, fmt.Errorf("%w: bad session id", wire.ErrBadEnvelope)
	}
	sess, err := newSession(h.id.NodeID, p.PeerID, p.peerPub, p.peerCaps, p.keys, w.Params, h.now())
	if err != nil {
		p.Cancel()
		return nil, err
	}
	p.phase = 0
	h.log.Info("handshake complete",
		zap.String("peer", hex.EncodeToString(p.PeerID[:8])))
	return sess, nil
}

func transcript(helloBytes, nonce, responderEph []byte) []byte {
	buf := make([]byte, 0, len(helloBytes)+len(nonce)+len(responderEph))
	buf = append(buf, helloBytes...)
	buf = append(buf, nonce...)
	buf = append(buf, responderEph...)
	return crypto.SHA3_256(buf)
}

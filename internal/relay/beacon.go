package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"gridmesh/internal/crypto"
)

const (
	DefaultTTL       = 7
	MaxHops          = 15
	BeaconExpiry     = time.Hour
	RotationInterval = 15 * time.Minute

	RecipientHashSize = 8
)

const labelBeaconKey = "gridmesh:beacon:v1"

// Beacon is an anonymous message propagated through the mesh. Relays
// see only ciphertext, the recipient key hash and the propagation
// counters; nothing identifies the sender.
type Beacon struct {
	Nonce            []byte
	RecipientKeyHash []byte
	TTL              uint8
	HopCount         uint8
	Ciphertext       []byte
	SenderEphemeral  []byte
}

// RecipientKeyHash is the truncated digest relays and the rendezvous
// board key beacons by. Truncation keeps the full recipient key out of
// relay hands.
func RecipientKeyHash(encPub []byte) []byte {
	return crypto.SHA3_256(encPub)[:RecipientHashSize]
}

// NewBeacon seals plaintext to the recipient's key-exchange public key.
// A fresh ephemeral key per beacon means two beacons to the same
// recipient share nothing an observer can link.
func NewBeacon(recipientEncPub, plaintext []byte, ttl uint8) (Beacon, error) {
	if len(recipientEncPub) != crypto.XKeySize {
		return Beacon{}, fmt.Errorf("bad recipient key size %d", len(recipientEncPub))
	}
	eph, err := crypto.GenerateEphemeral()
	if err != nil {
		return Beacon{}, err
	}
	defer eph.Destroy()
	ephPub, err := eph.Public()
	if err != nil {
		return Beacon{}, err
	}
	ss, err := eph.Shared(recipientEncPub)
	if err != nil {
		return Beacon{}, err
	}
	key := crypto.KDF(labelBeaconKey, ss)
	crypto.ZeroBytes(ss)

	rcpt := RecipientKeyHash(recipientEncPub)
	nonce24, ct, err := crypto.XSeal(key, plaintext, rcpt)
	crypto.ZeroBytes(key)
	if err != nil {
		return Beacon{}, err
	}
	id := uuid.New()
	return Beacon{
		Nonce:            id[:],
		RecipientKeyHash: rcpt,
		TTL:              ttl,
		Ciphertext:       append(nonce24, ct...),
		SenderEphemeral:  ephPub,
	}, nil
}

// OpenBeacon decrypts a beacon with the recipient's private key.
func OpenBeacon(b Beacon, recipientEncPriv []byte) ([]byte, error) {
	if len(b.Ciphertext) < crypto.XNonceSize {
		return nil, fmt.Errorf("beacon ciphertext too short")
	}
	ss, err := crypto.X25519Shared(recipientEncPriv, b.SenderEphemeral)
	if err != nil {
		return nil, err
	}
	key := crypto.KDF(labelBeaconKey, ss)
	crypto.ZeroBytes(ss)
	defer crypto.ZeroBytes(key)
	nonce24 := b.Ciphertext[:crypto.XNonceSize]
	ct := b.Ciphertext[crypto.XNonceSize:]
	return crypto.XOpen(key, nonce24, ct, b.RecipientKeyHash)
}

// RotatingIdentity is the relay-layer identifier a node broadcasts
// under. It rotates on an interval so traffic from one epoch cannot be
// linked to the next.
type RotatingIdentity struct {
	mu        sync.Mutex
	current   uuid.UUID
	rotatedAt time.Time
	interval  time.Duration
	now       func() time.Time
}

func NewRotatingIdentity(interval time.Duration) *RotatingIdentity {
	if interval <= 0 {
		interval = RotationInterval
	}
	return &RotatingIdentity{
		current:   uuid.New(),
		rotatedAt: time.Now(),
		interval:  interval,
		now:       time.Now,
	}
}

func (r *RotatingIdentity) Current() uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.now().Sub(r.rotatedAt) >= r.interval {
		r.current = uuid.New()
		r.rotatedAt = r.now()
	}
	return r.current
}

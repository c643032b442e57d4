package relay

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"go.uber.org/zap"

	"gridmesh/internal/wire"
)

// Broadcaster rebroadcasts a forward frame to neighboring relays.
type Broadcaster interface {
	Broadcast(fwd wire.RelayForward) error
}

type Options struct {
	Logger *zap.Logger
	// Clock is overridable for tests; nil means time.Now.
	Clock func() time.Time
}

// Relayer implements the forwarding rules of the mesh: bounded TTL,
// bounded hop count and nonce dedup instead of any global topology.
// Beacons that exhaust their TTL are silently dropped; there is no
// return channel.
type Relayer struct {
	log      *zap.Logger
	bcast    Broadcaster
	board    Board
	identity *RotatingIdentity
	now      func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewRelayer(bcast Broadcaster, board Board, opts Options) *Relayer {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Relayer{
		log:      log,
		bcast:    bcast,
		board:    board,
		identity: NewRotatingIdentity(RotationInterval),
		now:      now,
		seen:     make(map[string]time.Time),
	}
}

// Send seals and broadcasts a new beacon into the mesh under the
// current rotating relay id.
func (r *Relayer) Send(recipientEncPub, plaintext []byte) error {
	b, err := NewBeacon(recipientEncPub, plaintext, DefaultTTL)
	if err != nil {
		return err
	}
	r.markSeen(b.Nonce, b.RecipientKeyHash)
	fwd := forwardFrom(b)
	fwd.RelayID = r.relayID()
	return r.bcast.Broadcast(fwd)
}

// HandleForward applies the relay rules to an inbound forward frame
// and reports whether it was rebroadcast. Duplicates and exhausted
// beacons are dropped without error.
func (r *Relayer) HandleForward(fwd wire.RelayForward) (bool, error) {
	if fwd.TTL == 0 {
		return false, nil
	}
	if fwd.HopCount >= MaxHops {
		return false, nil
	}
	if !r.markSeen(fwd.Nonce, fwd.RecipientKeyHash) {
		return false, nil
	}
	out := fwd
	out.TTL--
	out.HopCount++
	// Replace the previous hop's epoch id with our own.
	out.RelayID = r.relayID()
	if err := r.bcast.Broadcast(out); err != nil {
		return false, err
	}
	r.log.Debug("beacon forwarded",
		zap.String("rcpt", hex.EncodeToString(fwd.RecipientKeyHash)),
		zap.Uint8("ttl", out.TTL),
		zap.Uint8("hops", out.HopCount))
	return true, nil
}

// Deliver parks a beacon on the rendezvous board for the recipient to
// fetch later.
func (r *Relayer) Deliver(ctx context.Context, d wire.RelayDeliver) error {
	val, err := wire.Marshal(d)
	if err != nil {
		return err
	}
	key := boardKey(d.RecipientKeyHash, d.Nonce)
	return r.board.Put(ctx, key, val, BeaconExpiry)
}

// Fetch returns all parked beacons matching a recipient hash prefix.
// Decryption happens at the caller; the board never sees plaintext.
func (r *Relayer) Fetch(ctx context.Context, prefix []byte) ([]wire.RelayDeliver, error) {
	vals, err := r.board.GetPrefix(ctx, hex.EncodeToString(prefix))
	if err != nil {
		return nil, err
	}
	out := make([]wire.RelayDeliver, 0, len(vals))
	for _, raw := range vals {
		var d wire.RelayDeliver
		if err := wire.Unmarshal(raw, &d); err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// MatchesLocal reports whether a forward frame is addressed to the
// given key-exchange public key.
func MatchesLocal(fwd wire.RelayForward, encPub []byte) bool {
	local := RecipientKeyHash(encPub)
	if len(fwd.RecipientKeyHash) != len(local) {
		return false
	}
	for i := range local {
		if fwd.RecipientKeyHash[i] != local[i] {
			return false
		}
	}
	return true
}

// SweepSeen drops dedup entries older than the beacon expiry.
func (r *Relayer) SweepSeen() int {
	cutoff := r.now().Add(-BeaconExpiry)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, ts := range r.seen {
		if ts.Before(cutoff) {
			delete(r.seen, k)
			n++
		}
	}
	return n
}

func (r *Relayer) markSeen(nonce, rcpt []byte) bool {
	key := string(nonce) + "|" + string(rcpt)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.seen[key]; dup {
		return false
	}
	r.seen[key] = r.now()
	return true
}

func (r *Relayer) relayID() []byte {
	id := r.identity.Current()
	return id[:]
}

func forwardFrom(b Beacon) wire.RelayForward {
	return wire.RelayForward{
		Nonce:            b.Nonce,
		RecipientKeyHash: b.RecipientKeyHash,
		TTL:              b.TTL,
		HopCount:         b.HopCount,
		Ciphertext:       b.Ciphertext,
		SenderEphemeral:  b.SenderEphemeral,
	}
}

// BeaconFromForward rebuilds the beacon carried by a forward frame.
func BeaconFromForward(fwd wire.RelayForward) Beacon {
	return Beacon{
		Nonce:            fwd.Nonce,
		RecipientKeyHash: fwd.RecipientKeyHash,
		TTL:              fwd.TTL,
		HopCount:         fwd.HopCount,
		Ciphertext:       fwd.Ciphertext,
		SenderEphemeral:  fwd.SenderEphemeral,
	}
}

func boardKey(rcpt, nonce []byte) string {
	return hex.EncodeToString(rcpt) + "/" + hex.EncodeToString(nonce)
}

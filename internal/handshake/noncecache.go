package handshake

import "sync"

// nonceCache remembers the most recent challenge nonces consumed per
// peer. Record reports false when the nonce was already present, which
// callers treat as a replay.
type nonceCache struct {
	mu      sync.Mutex
	history int
	byPeer  map[[32]byte]*nonceRing
}

type nonceRing struct {
	seen  map[string]struct{}
	order []string
	next  int
}

func newNonceCache(history int) *nonceCache {
	return &nonceCache{
		history: history,
		byPeer:  make(map[[32]byte]*nonceRing),
	}
}

func (c *nonceCache) Record(peerID [32]byte, nonce []byte) bool {
	key := string(nonce)
	c.mu.Lock()
	defer c.mu.Unlock()
	ring := c.byPeer[peerID]
	if ring == nil {
		ring = &nonceRing{
			seen:  make(map[string]struct{}, c.history),
			order: make([]string, c.history),
		}
		c.byPeer[peerID] = ring
	}
	if _, dup := ring.seen[key]; dup {
		return false
	}
	if old := ring.order[ring.next]; old != "" {
		delete(ring.seen, old)
	}
	ring.order[ring.next] = key
	ring.next = (ring.next + 1) % len(ring.order)
	ring.seen[key] = struct{}{}
	return true
}

// Forget drops all recorded nonces for a peer.
func (c *nonceCache) Forget(peerID [32]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byPeer, peerID)
}

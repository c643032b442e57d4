package peer

import (
	"time"

	"gridmesh/internal/crypto"
	"gridmesh/internal/wire"
)

// Info is everything the node tracks about a remote peer outside of an
// active session: identity, reachability, advertised capabilities and
// the trust score fed into task routing.
type Info struct {
	NodeID       [32]byte
	SigningPub   []byte
	Addr         string
	Capabilities wire.Capabilities
	TrustScore   float64
	LastSeen     time.Time
}

const DefaultTrust = 0.5

// DeriveNodeID binds a node identifier to its signing key. Every
// recipient recomputes this; a mismatch is rejected as InvalidNodeId.
func DeriveNodeID(signingPub []byte) [32]byte {
	var id [32]byte
	copy(id[:], crypto.KDF("gridmesh:nodeid:v1", signingPub))
	return id
}

// HasSkill reports whether the peer advertises the given capability tag.
func (p Info) HasSkill(skill string) bool {
	for _, s := range p.Capabilities.Skills {
		if s == skill {
			return true
		}
	}
	return false
}

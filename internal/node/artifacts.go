package node

import (
	"fmt"
	"sync"

	"gridmesh/internal/crypto"
	"gridmesh/internal/wire"
)

// ArtifactStore is a content-addressed blob store. Blobs are keyed by
// their SHA3-256 digest; anything that fails the address check on
// receipt is rejected before it is stored.
type ArtifactStore struct {
	mu    sync.Mutex
	blobs map[[32]byte][]byte
}

func NewArtifactStore() *ArtifactStore {
	return &ArtifactStore{blobs: make(map[[32]byte][]byte)}
}

func (a *ArtifactStore) Put(data []byte) [32]byte {
	var h [32]byte
	copy(h[:], crypto.SHA3_256(data))
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.blobs[h]; !ok {
		a.blobs[h] = append([]byte(nil), data...)
	}
	return h
}

func (a *ArtifactStore) Get(hash [32]byte) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.blobs[hash]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), b...), true
}

func (a *ArtifactStore) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.blobs)
}

// Accept stores an inbound blob after verifying its content address.
func (a *ArtifactStore) Accept(put wire.ArtifactPut) error {
	if len(put.Hash) != 32 {
		return fmt.Errorf("%w: bad artifact hash length %d", wire.ErrBadEnvelope, len(put.Hash))
	}
	var h [32]byte
	copy(h[:], put.Hash)
	var got [32]byte
	copy(got[:], crypto.SHA3_256(put.Data))
	if got != h {
		return fmt.Errorf("%w: artifact digest mismatch", wire.ErrIntegrityMismatch)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.blobs[h]; !ok {
		a.blobs[h] = append([]byte(nil), put.Data...)
	}
	return nil
}

// Serve answers an ARTIFACT_GET from the local store.
func (a *ArtifactStore) Serve(req wire.ArtifactGet) (wire.ArtifactPut, error) {
	if len(req.Hash) != 32 {
		return wire.ArtifactPut{}, fmt.Errorf("%w: bad artifact hash length %d", wire.ErrBadEnvelope, len(req.Hash))
	}
	var h [32]byte
	copy(h[:], req.Hash)
	data, ok := a.Get(h)
	if !ok {
		return wire.ArtifactPut{}, fmt.Errorf("artifact %x not held", req.Hash[:8])
	}
	return wire.ArtifactPut{Hash: req.Hash, Data: data}, nil
}

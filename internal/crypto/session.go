package crypto

import (
	"encoding/binary"
	"errors"
)

const (
	labelSessionKey = "gridmesh:session:v1"
	labelNonceBase  = "gridmesh:ns:v1"
)

// SessionKeys holds the symmetric material both sides derive after a
// completed handshake. Key is identical on initiator and responder;
// direction is disambiguated by sender-bound nonce bases plus AAD.
type SessionKeys struct {
	Key []byte
}

// DeriveSessionKeys derives the session key from the X25519 shared
// secret and the handshake transcript digest. Binding the transcript
// means a mismatched handshake yields mismatched keys.
func DeriveSessionKeys(ss, transcript []byte) (SessionKeys, error) {
	if len(ss) == 0 || len(transcript) == 0 {
		return SessionKeys{}, errors.New("empty key material")
	}
	return SessionKeys{Key: KDF(labelSessionKey, ss, transcript)}, nil
}

// DirectionalNonceBase derives the nonce base for messages sent by
// senderID. Binding the sender keeps the two directions of a shared
// key from ever reusing a nonce at the same counter value.
func DirectionalNonceBase(key []byte, senderID [32]byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, errors.New("empty key material")
	}
	return KDF(labelNonceBase, key, senderID[:])[:XNonceSize], nil
}

// NonceFromBase XORs a message counter into the tail of the nonce base
// so each sealed message gets a distinct deterministic nonce.
func NonceFromBase(base []byte, counter uint64) ([]byte, error) {
	if len(base) != XNonceSize {
		return nil, errors.New("bad nonce base size")
	}
	nonce := make([]byte, XNonceSize)
	copy(nonce, base)
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], counter)
	for i := 0; i < 8; i++ {
		nonce[XNonceSize-8+i] ^= tmp[i]
	}
	return nonce, nil
}

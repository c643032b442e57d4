package wire

import (
	"encoding/binary"
	"fmt"
)

// SecureFrame is the payload of a KindSecure envelope: an inner message
// encrypted under the session key. The sender id, sequence number and
// inner kind stay in the clear so the receiver can locate the session,
// rebuild the AEAD associated data and reject replays before
// decrypting.
type SecureFrame struct {
	Sender     [32]byte
	Seq        uint64
	InnerKind  Kind
	Ciphertext []byte
}

const secureHeaderSize = 32 + 8 + 2

func (f SecureFrame) Encode() []byte {
	out := make([]byte, secureHeaderSize+len(f.Ciphertext))
	copy(out[:32], f.Sender[:])
	binary.LittleEndian.PutUint64(out[32:40], f.Seq)
	binary.LittleEndian.PutUint16(out[40:42], uint16(f.InnerKind))
	copy(out[secureHeaderSize:], f.Ciphertext)
	return out
}

func DecodeSecureFrame(b []byte) (SecureFrame, error) {
	if len(b) < secureHeaderSize {
		return SecureFrame{}, fmt.Errorf("%w: secure frame %d bytes", ErrBadEnvelope, len(b))
	}
	var f SecureFrame
	copy(f.Sender[:], b[:32])
	f.Seq = binary.LittleEndian.Uint64(b[32:40])
	f.InnerKind = Kind(binary.LittleEndian.Uint16(b[40:42]))
	f.Ciphertext = b[secureHeaderSize:]
	return f, nil
}

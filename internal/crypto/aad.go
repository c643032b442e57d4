package crypto

import (
	"encoding/binary"
)

// BuildAAD binds the envelope routing context into the AEAD tag of a
// sealed message: kind, sequence number and both endpoint identities.
func BuildAAD(kind uint16, seq uint64, fromID, toID [32]byte) []byte {
	buf := make([]byte, 0, 2+8+32+32)
	var k [2]byte
	binary.LittleEndian.PutUint16(k[:], kind)
	buf = append(buf, k[:]...)
	var s [8]byte
	binary.LittleEndian.PutUint64(s[:], seq)
	buf = append(buf, s[:]...)
	buf = append(buf, fromID[:]...)
	buf = append(buf, toID[:]...)
	return buf
}

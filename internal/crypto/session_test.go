package crypto

import (
	"bytes"
	"testing"
)

func TestDeriveSessionKeys(t *testing.T) {
	ss := bytes.Repeat([]byte{7}, 32)
	tr := []byte("transcript-bytes")

	k1, err := DeriveSessionKeys(ss, tr)
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	k2, err := DeriveSessionKeys(ss, tr)
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	if !bytes.Equal(k1.Key, k2.Key) {
		t.Fatalf("derivation not deterministic")
	}

	k3, err := DeriveSessionKeys(ss, []byte("other-transcript"))
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	if bytes.Equal(k1.Key, k3.Key) {
		t.Fatalf("expected transcript to influence session key")
	}
}

func TestDirectionalNonceBase(t *testing.T) {
	key := KDF("gridmesh:test:key", []byte("seed"))
	var a, b [32]byte
	a[0] = 1
	b[0] = 2
	baseA, err := DirectionalNonceBase(key, a)
	if err != nil {
		t.Fatalf("base failed: %v", err)
	}
	baseB, err := DirectionalNonceBase(key, b)
	if err != nil {
		t.Fatalf("base failed: %v", err)
	}
	if bytes.Equal(baseA, baseB) {
		t.Fatalf("expected distinct bases per sender")
	}
	if len(baseA) != XNonceSize {
		t.Fatalf("bad base length %d", len(baseA))
	}
}

func TestNonceFromBase(t *testing.T) {
	base := bytes.Repeat([]byte{0xaa}, XNonceSize)
	n0, err := NonceFromBase(base, 0)
	if err != nil {
		t.Fatalf("nonce failed: %v", err)
	}
	n1, err := NonceFromBase(base, 1)
	if err != nil {
		t.Fatalf("nonce failed: %v", err)
	}
	if bytes.Equal(n0, n1) {
		t.Fatalf("expected distinct nonces per counter")
	}
	n0b, err := NonceFromBase(base, 0)
	if err != nil {
		t.Fatalf("nonce failed: %v", err)
	}
	if !bytes.Equal(n0, n0b) {
		t.Fatalf("expected stable nonce per counter")
	}
}

func TestSealOpenWithAAD(t *testing.T) {
	key := KDF("gridmesh:test:aead", []byte("seed"))
	var from, to [32]byte
	from[0] = 1
	to[0] = 2
	aad := BuildAAD(0x30, 7, from, to)

	nonce, ct, err := XSeal(key, []byte("payload"), aad)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	pt, err := XOpen(key, nonce, ct, aad)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if string(pt) != "payload" {
		t.Fatalf("plaintext mismatch: %q", pt)
	}

	badAAD := BuildAAD(0x30, 8, from, to)
	if _, err := XOpen(key, nonce, ct, badAAD); err == nil {
		t.Fatalf("expected AAD mismatch to fail")
	}

	ct[len(ct)-1] ^= 0xff
	if _, err := XOpen(key, nonce, ct, aad); err == nil {
		t.Fatalf("expected tampered ciphertext to fail")
	}
}

func TestBuildAADLayout(t *testing.T) {
	var from, to [32]byte
	aad := BuildAAD(0x0102, 0x0304, from, to)
	if len(aad) != 2+8+32+32 {
		t.Fatalf("unexpected AAD length %d", len(aad))
	}
	if aad[0] != 0x02 || aad[1] != 0x01 {
		t.Fatalf("kind not little-endian: % x", aad[:2])
	}
	if aad[2] != 0x04 || aad[3] != 0x03 {
		t.Fatalf("seq not little-endian: % x", aad[2:10])
	}
}

package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestEnvelopeRoundtrip(t *testing.T) {
	e := Envelope{Version: ProtocolVersion, Kind: KindTaskRequest, Payload: []byte("hello")}
	b, err := e.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	got, err := DecodeEnvelope(b)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.Version != e.Version || got.Kind != e.Kind || !bytes.Equal(got.Payload, e.Payload) {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
}

func TestEnvelopeLittleEndianHeader(t *testing.T) {
	e := Envelope{Version: 1, Kind: 0x0102, Payload: []byte{0xaa}}
	b, err := e.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if b[0] != 1 {
		t.Fatalf("version byte = %d", b[0])
	}
	if b[1] != 0x02 || b[2] != 0x01 {
		t.Fatalf("kind not little-endian: % x", b[1:3])
	}
	if b[3] != 1 || b[4] != 0 || b[5] != 0 || b[6] != 0 {
		t.Fatalf("length not little-endian: % x", b[3:7])
	}
}

func TestDecodeEnvelopeRejectsTruncated(t *testing.T) {
	e := Envelope{Version: 1, Kind: KindPing, Payload: []byte("ping-payload")}
	b, _ := e.Encode()
	if _, err := DecodeEnvelope(b[:len(b)-3]); !errors.Is(err, ErrBadEnvelope) {
		t.Fatalf("expected ErrBadEnvelope, got %v", err)
	}
	if _, err := DecodeEnvelope(b[:4]); !errors.Is(err, ErrBadEnvelope) {
		t.Fatalf("expected ErrBadEnvelope, got %v", err)
	}
}

func TestReadWriteEnvelope(t *testing.T) {
	var buf bytes.Buffer
	e := Envelope{Version: ProtocolVersion, Kind: KindPong, Payload: []byte("pong")}
	if err := WriteEnvelope(&buf, e); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	got, err := ReadEnvelope(&buf)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if got.Kind != KindPong || !bytes.Equal(got.Payload, e.Payload) {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
}

func TestPackUnmarshal(t *testing.T) {
	req := TaskRequest{
		TaskID:     []byte{1, 2, 3},
		Capability: "compute.hash",
		Priority:   200,
		Payload:    []byte("work"),
	}
	env, err := Pack(KindTaskRequest, req)
	if err != nil {
		t.Fatalf("pack failed: %v", err)
	}
	var got TaskRequest
	if err := Unmarshal(env.Payload, &got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if got.Capability != req.Capability || got.Priority != req.Priority || !bytes.Equal(got.TaskID, req.TaskID) {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	// A future Ping with extra fields must still decode as today's Ping.
	future := map[string]interface{}{
		"token":   uint64(42),
		"sent_at": int64(99),
		"extra":   "later-version-field",
	}
	b, err := Marshal(future)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var p Ping
	if err := Unmarshal(b, &p); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if p.Token != 42 || p.SentAtUnixNano != 99 {
		t.Fatalf("known fields lost: %+v", p)
	}
}

func TestHelloSigBytesDeterminism(t *testing.T) {
	h := Hello{
		ProtocolVersion: 1,
		NodeID:          bytes.Repeat([]byte{1}, 32),
		SigningPub:      bytes.Repeat([]byte{2}, 32),
		EphemeralPub:    bytes.Repeat([]byte{3}, 32),
		Capabilities:    Capabilities{CanCompute: true, MaxStorageMB: 512, Skills: []string{"a", "b"}},
		TimestampUnix:   1700000000,
	}
	b1 := HelloSigBytes(h)
	b2 := HelloSigBytes(h)
	if !bytes.Equal(b1, b2) {
		t.Fatalf("sig bytes not deterministic")
	}
	h.TimestampUnix++
	if bytes.Equal(b1, HelloSigBytes(h)) {
		t.Fatalf("timestamp not covered by sig bytes")
	}
	h.TimestampUnix--
	h.Capabilities.CanRelay = true
	if bytes.Equal(b1, HelloSigBytes(h)) {
		t.Fatalf("capabilities not covered by sig bytes")
	}
	h.Capabilities.CanRelay = false
	h.ListenAddr = "203.0.113.9:7420"
	if bytes.Equal(b1, HelloSigBytes(h)) {
		t.Fatalf("listen addr not covered by sig bytes")
	}
}

func TestSecureFrameRoundtrip(t *testing.T) {
	f := SecureFrame{Sender: [32]byte{9, 9, 9}, Seq: 7, InnerKind: KindEventChunkGet, Ciphertext: []byte("ct")}
	got, err := DecodeSecureFrame(f.Encode())
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.Sender != f.Sender || got.Seq != f.Seq || got.InnerKind != f.InnerKind || !bytes.Equal(got.Ciphertext, f.Ciphertext) {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
	if _, err := DecodeSecureFrame([]byte{1, 2}); !errors.Is(err, ErrBadEnvelope) {
		t.Fatalf("expected ErrBadEnvelope, got %v", err)
	}
}

func TestCodeFor(t *testing.T) {
	if CodeFor(ErrQueueFull) != CodeQueueFull {
		t.Fatalf("queue full mapping wrong")
	}
	if CodeFor(errors.New("whatever")) != CodeInternal {
		t.Fatalf("unknown errors must map to CodeInternal")
	}
	if !IsAuthError(ErrReplayDetected) || IsAuthError(ErrTimeout) {
		t.Fatalf("auth error classification wrong")
	}
}

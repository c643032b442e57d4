package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// ProtocolVersion is bumped on incompatible envelope changes.
	// Decoders accept any version and leave compatibility policy to
	// the handshake, so old nodes can still answer with a clean
	// VERSION_MISMATCH error.
	ProtocolVersion = 1

	headerSize   = 1 + 2 + 4
	MaxFrameSize = 1 << 20
)

// Kind tags a wire message. Unknown kinds are skipped by receivers,
// never treated as a protocol violation.
type Kind uint16

const (
	KindHello     Kind = 0x01
	KindChallenge Kind = 0x02
	KindProve     Kind = 0x03
	KindWelcome   Kind = 0x04

	KindSecure Kind = 0x0F

	KindPing Kind = 0x10
	KindPong Kind = 0x11

	KindCapsGet Kind = 0x20
	KindCapsSet Kind = 0x21

	KindTaskRequest Kind = 0x30
	KindTaskAck     Kind = 0x31

	KindEventChunkGet Kind = 0x40
	KindEventChunkPut Kind = 0x41
	KindManifestGet   Kind = 0x42
	KindManifestPut   Kind = 0x43

	KindArtifactGet Kind = 0x50
	KindArtifactPut Kind = 0x51

	KindRelayBeacon  Kind = 0x60
	KindRelayForward Kind = 0x61
	KindRelayDeliver Kind = 0x62
	KindRelayFetch   Kind = 0x63

	KindError Kind = 0xFF
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "HELLO"
	case KindChallenge:
		return "CHALLENGE"
	case KindProve:
		return "PROVE"
	case KindWelcome:
		return "WELCOME"
	case KindSecure:
		return "SECURE"
	case KindPing:
		return "PING"
	case KindPong:
		return "PONG"
	case KindCapsGet:
		return "CAPS_GET"
	case KindCapsSet:
		return "CAPS_SET"
	case KindTaskRequest:
		return "TASK_REQUEST"
	case KindTaskAck:
		return "TASK_ACK"
	case KindEventChunkGet:
		return "EVENT_CHUNK_GET"
	case KindEventChunkPut:
		return "EVENT_CHUNK_PUT"
	case KindManifestGet:
		return "MANIFEST_GET"
	case KindManifestPut:
		return "MANIFEST_PUT"
	case KindArtifactGet:
		return "ARTIFACT_GET"
	case KindArtifactPut:
		return "ARTIFACT_PUT"
	case KindRelayBeacon:
		return "RELAY_BEACON"
	case KindRelayForward:
		return "RELAY_FORWARD"
	case KindRelayDeliver:
		return "RELAY_DELIVER"
	case KindRelayFetch:
		return "RELAY_FETCH"
	case KindError:
		return "ERROR"
	default:
		return fmt.Sprintf("KIND(0x%02X)", uint16(k))
	}
}

// Envelope is the single framing unit on the wire:
// version u8, kind u16, length u32, payload. Multi-byte integers are
// little-endian. The length covers the payload only.
type Envelope struct {
	Version uint8
	Kind    Kind
	Payload []byte
}

func (e Envelope) Encode() ([]byte, error) {
	if len(e.Payload) > MaxFrameSize {
		return nil, fmt.Errorf("%w: payload %d bytes", ErrBadEnvelope, len(e.Payload))
	}
	out := make([]byte, headerSize+len(e.Payload))
	out[0] = e.Version
	binary.LittleEndian.PutUint16(out[1:3], uint16(e.Kind))
	binary.LittleEndian.PutUint32(out[3:7], uint32(len(e.Payload)))
	copy(out[headerSize:], e.Payload)
	return out, nil
}

func DecodeEnvelope(b []byte) (Envelope, error) {
	if len(b) < headerSize {
		return Envelope{}, fmt.Errorf("%w: %d bytes", ErrBadEnvelope, len(b))
	}
	n := binary.LittleEndian.Uint32(b[3:7])
	if n > MaxFrameSize {
		return Envelope{}, fmt.Errorf("%w: declared length %d", ErrBadEnvelope, n)
	}
	if len(b) != headerSize+int(n) {
		return Envelope{}, fmt.Errorf("%w: length %d, have %d payload bytes", ErrBadEnvelope, n, len(b)-headerSize)
	}
	return Envelope{
		Version: b[0],
		Kind:    Kind(binary.LittleEndian.Uint16(b[1:3])),
		Payload: b[headerSize:],
	}, nil
}

// WriteEnvelope writes one envelope to a stream transport.
func WriteEnvelope(w io.Writer, e Envelope) error {
	frame, err := e.Encode()
	if err != nil {
		return err
	}
	total := 0
	for total < len(frame) {
		n, err := w.Write(frame[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("short write")
		}
		total += n
	}
	return nil
}

// ReadEnvelope reads one envelope from a stream transport.
func ReadEnvelope(r io.Reader) (Envelope, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Envelope{}, err
	}
	n := binary.LittleEndian.Uint32(hdr[3:7])
	if n > MaxFrameSize {
		return Envelope{}, fmt.Errorf("%w: declared length %d", ErrBadEnvelope, n)
	}
	payload := make([]byte, int(n))
	if _, err := io.ReadFull(r, payload); err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Version: hdr[0],
		Kind:    Kind(binary.LittleEndian.Uint16(hdr[1:3])),
		Payload: payload,
	}, nil
}

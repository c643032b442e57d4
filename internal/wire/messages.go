package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Message payloads travel as msgpack maps inside the envelope. Decoders
// skip unknown keys, so fields can be added without a version bump.

// Capabilities is what a node advertises about itself. Skills are
// free-form tags matched against task requirements.
type Capabilities struct {
	CanRelay     bool     `msgpack:"relay"`
	CanStore     bool     `msgpack:"store"`
	CanCompute   bool     `msgpack:"compute"`
	MaxStorageMB uint64   `msgpack:"max_storage_mb"`
	Skills       []string `msgpack:"skills,omitempty"`
}

// SessionParams are the negotiated parameters carried in WELCOME.
type SessionParams struct {
	SessionID           []byte `msgpack:"session_id"`
	HeartbeatIntervalMS uint64 `msgpack:"heartbeat_ms"`
	MaxMessageSize      uint32 `msgpack:"max_msg_size"`
}

type Hello struct {
	ProtocolVersion uint8        `msgpack:"version"`
	NodeID          []byte       `msgpack:"node_id"`
	SigningPub      []byte       `msgpack:"signing_pub"`
	EphemeralPub    []byte       `msgpack:"ephemeral_pub"`
	Capabilities    Capabilities `msgpack:"caps"`
	ListenAddr      string       `msgpack:"listen_addr,omitempty"`
	TimestampUnix   int64        `msgpack:"ts"`
	Signature       []byte       `msgpack:"sig"`
}

// Challenge carries the responder's identity alongside the nonce so
// the initiator learns who it is actually talking to before PROVE.
type Challenge struct {
	Nonce        []byte       `msgpack:"nonce"`
	EphemeralPub []byte       `msgpack:"ephemeral_pub"`
	NodeID       []byte       `msgpack:"node_id"`
	SigningPub   []byte       `msgpack:"signing_pub"`
	Capabilities Capabilities `msgpack:"caps"`
}

type Prove struct {
	NodeID    []byte `msgpack:"node_id"`
	Signature []byte `msgpack:"sig"`
}

type Welcome struct {
	Params SessionParams `msgpack:"params"`
}

type Ping struct {
	Token          uint64 `msgpack:"token"`
	SentAtUnixNano int64  `msgpack:"sent_at"`
}

type Pong struct {
	Token          uint64 `msgpack:"token"`
	SentAtUnixNano int64  `msgpack:"sent_at"`
}

type CapsGet struct{}

type CapsSet struct {
	Capabilities Capabilities `msgpack:"caps"`
}

type TaskRequest struct {
	TaskID     []byte `msgpack:"task_id"`
	Capability string `msgpack:"capability"`
	Priority   uint8  `msgpack:"priority"`
	Payload    []byte `msgpack:"payload"`
}

type TaskAck struct {
	TaskID []byte `msgpack:"task_id"`
	OK     bool   `msgpack:"ok"`
	Output []byte `msgpack:"output,omitempty"`
	Error  string `msgpack:"error,omitempty"`
}

type EventChunkGet struct {
	Hash []byte `msgpack:"hash"`
}

type ManifestGet struct{}

// ManifestPut lists every chunk hash the sender holds, newest last.
type ManifestPut struct {
	Hashes [][]byte `msgpack:"hashes"`
}

type EventChunkPut struct {
	Hash []byte `msgpack:"hash"`
	Data []byte `msgpack:"data"`
}

type ArtifactGet struct {
	Hash []byte `msgpack:"hash"`
}

type ArtifactPut struct {
	Hash []byte `msgpack:"hash"`
	Data []byte `msgpack:"data"`
}

// RelayForward carries an in-flight beacon between relays. RelayID is
// the broadcasting relay's rotating epoch identifier; each hop stamps
// its own, so a frame never reveals more than the previous hop's
// current epoch.
type RelayForward struct {
	Nonce            []byte `msgpack:"nonce"`
	RecipientKeyHash []byte `msgpack:"rcpt"`
	TTL              uint8  `msgpack:"ttl"`
	HopCount         uint8  `msgpack:"hops"`
	Ciphertext       []byte `msgpack:"ct"`
	SenderEphemeral  []byte `msgpack:"eph"`
	RelayID          []byte `msgpack:"relay_id,omitempty"`
}

// RelayDeliver asks a connected relay to park the beacon on the
// rendezvous board under the recipient hash prefix.
type RelayDeliver struct {
	Nonce            []byte `msgpack:"nonce"`
	RecipientKeyHash []byte `msgpack:"rcpt"`
	Ciphertext       []byte `msgpack:"ct"`
	SenderEphemeral  []byte `msgpack:"eph"`
}

// RelayFetch polls for parked beacons matching a recipient hash prefix.
type RelayFetch struct {
	Prefix []byte `msgpack:"prefix"`
}

// RelayBatch answers a RelayFetch with every parked beacon under the
// requested prefix.
type RelayBatch struct {
	Beacons []RelayDeliver `msgpack:"beacons"`
}

type ErrorMsg struct {
	Code    ErrorCode `msgpack:"code"`
	Message string    `msgpack:"msg"`
	RefKind uint16    `msgpack:"ref_kind,omitempty"`
}

func Marshal(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

func Unmarshal(b []byte, v interface{}) error {
	if err := msgpack.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	return nil
}

// Pack marshals a payload and wraps it in an envelope.
func Pack(kind Kind, v interface{}) (Envelope, error) {
	payload, err := Marshal(v)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Version: ProtocolVersion, Kind: kind, Payload: payload}, nil
}

const (
	helloSigContext = "gridmesh:hello:v1"
	proveSigContext = "gridmesh:prove:v1"
)

// HelloSigBytes is the canonical byte string signed by HELLO.
// Fields are concatenated in declaration order with little-endian
// integers, so both sides produce identical bytes regardless of how
// the payload map was ordered on the wire.
func HelloSigBytes(h Hello) []byte {
	b := make([]byte, 0, 256)
	b = append(b, helloSigContext...)
	b = append(b, h.ProtocolVersion)
	b = append(b, h.NodeID...)
	b = append(b, h.SigningPub...)
	b = append(b, h.EphemeralPub...)
	b = appendCapsBytes(b, h.Capabilities)
	tmp := make([]byte, 8)
	binary.LittleEndian.PutUint32(tmp[:4], uint32(len(h.ListenAddr)))
	b = append(b, tmp[:4]...)
	b = append(b, h.ListenAddr...)
	binary.LittleEndian.PutUint64(tmp, uint64(h.TimestampUnix))
	b = append(b, tmp...)
	return b
}

// ProveSigBytes is the canonical byte string signed by PROVE: the
// challenge nonce under a fixed context so the signature cannot be
// confused with any other use of the key.
func ProveSigBytes(nonce []byte) []byte {
	b := make([]byte, 0, len(proveSigContext)+len(nonce))
	b = append(b, proveSigContext...)
	b = append(b, nonce...)
	return b
}

func appendCapsBytes(b []byte, c Capabilities) []byte {
	var flags byte
	if c.CanRelay {
		flags |= 1
	}
	if c.CanStore {
		flags |= 2
	}
	if c.CanCompute {
		flags |= 4
	}
	b = append(b, flags)
	tmp := make([]byte, 8)
	binary.LittleEndian.PutUint64(tmp, c.MaxStorageMB)
	b = append(b, tmp...)
	for _, s := range c.Skills {
		binary.LittleEndian.PutUint32(tmp[:4], uint32(len(s)))
		b = append(b, tmp[:4]...)
		b = append(b, s...)
	}
	return b
}

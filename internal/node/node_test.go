package node

import (
	"bytes"
	"context"
	"testing"
	"time"

	"gridmesh/internal/chunksync"
	"gridmesh/internal/relay"
	"gridmesh/internal/wire"
)

type echoExecutor struct{}

func (echoExecutor) Execute(_ context.Context, _ string, input []byte) ([]byte, error) {
	return input, nil
}

func newTestNode(t *testing.T, skills ...string) *Node {
	t.Helper()
	n, err := New(Config{
		Home:       t.TempDir(),
		ListenAddr: "127.0.0.1:0",
		Capabilities: wire.Capabilities{
			CanRelay:   true,
			CanStore:   true,
			CanCompute: true,
			Skills:     skills,
		},
		LocalSkills:    skills,
		Executor:       echoExecutor{},
		EventsPerChunk: 4,
	})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return n
}

// runHandshake drives the four-message flow between two nodes through
// the responder's envelope handler, the way frames arrive off the
// transport, and returns the initiator's session.
func runHandshake(t *testing.T, initiator, responder *Node) *handshakeSession {
	t.Helper()
	hello, pending, err := initiator.hs.Initiate(responder.ID)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	helloEnv, err := wire.Pack(wire.KindHello, hello)
	if err != nil {
		t.Fatalf("pack hello: %v", err)
	}
	reply := responder.handleEnvelope("198.51.100.7:9000", helloEnv)
	if reply == nil || reply.Kind != wire.KindChallenge {
		t.Fatalf("expected CHALLENGE, got %+v", reply)
	}
	var challenge wire.Challenge
	if err := wire.Unmarshal(reply.Payload, &challenge); err != nil {
		t.Fatalf("unmarshal challenge: %v", err)
	}
	prove, err := initiator.hs.HandleChallenge(pending, challenge)
	if err != nil {
		t.Fatalf("handle challenge: %v", err)
	}
	proveEnv, err := wire.Pack(wire.KindProve, prove)
	if err != nil {
		t.Fatalf("pack prove: %v", err)
	}
	reply = responder.handleEnvelope("198.51.100.7:9000", proveEnv)
	if reply == nil || reply.Kind != wire.KindWelcome {
		t.Fatalf("expected WELCOME, got %+v", reply)
	}
	var welcome wire.Welcome
	if err := wire.Unmarshal(reply.Payload, &welcome); err != nil {
		t.Fatalf("unmarshal welcome: %v", err)
	}
	sess, err := initiator.hs.HandleWelcome(pending, welcome)
	if err != nil {
		t.Fatalf("handle welcome: %v", err)
	}
	initiator.sessions.Set(sess)
	return &handshakeSession{initiator: initiator, responder: responder}
}

type handshakeSession struct {
	initiator *Node
	responder *Node
}

// request seals an inner message on the initiator side, runs it through
// the responder's handler and opens the reply.
func (h *handshakeSession) request(t *testing.T, kind wire.Kind, v interface{}) (wire.Kind, []byte) {
	t.Helper()
	sess, ok := h.initiator.sessions.Get(h.responder.ID)
	if !ok {
		t.Fatalf("initiator has no session")
	}
	payload, err := wire.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	env, err := sess.Seal(kind, payload)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	reply := h.responder.handleEnvelope("198.51.100.7:9000", env)
	if reply == nil {
		return 0, nil
	}
	if reply.Kind == wire.KindError {
		var em wire.ErrorMsg
		if err := wire.Unmarshal(reply.Payload, &em); err != nil {
			t.Fatalf("unmarshal error msg: %v", err)
		}
		t.Fatalf("peer error %d: %s", em.Code, em.Message)
	}
	replyKind, plaintext, err := sess.Open(*reply)
	if err != nil {
		t.Fatalf("open reply: %v", err)
	}
	return replyKind, plaintext
}

func TestHandshakeOverEnvelopes(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	runHandshake(t, a, b)

	if _, ok := b.sessions.Get(a.ID); !ok {
		t.Fatalf("responder did not store the session")
	}
	if _, ok := b.peers.Get(a.ID); !ok {
		t.Fatalf("responder did not learn the peer")
	}
}

func TestPingOverSession(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	hs := runHandshake(t, a, b)

	kind, payload := hs.request(t, wire.KindPing, wire.Ping{Token: 42, SentAtUnixNano: 1})
	if kind != wire.KindPong {
		t.Fatalf("expected PONG, got %s", kind)
	}
	var pong wire.Pong
	if err := wire.Unmarshal(payload, &pong); err != nil {
		t.Fatalf("unmarshal pong: %v", err)
	}
	if pong.Token != 42 {
		t.Fatalf("pong token = %d, want 42", pong.Token)
	}
}

func TestSecureWithoutSession(t *testing.T) {
	b := newTestNode(t)
	frame := wire.SecureFrame{Sender: [32]byte{1}, Seq: 1, InnerKind: wire.KindPing, Ciphertext: []byte("junk")}
	env := wire.Envelope{Version: wire.ProtocolVersion, Kind: wire.KindSecure, Payload: frame.Encode()}
	reply := b.handleEnvelope("198.51.100.7:9000", env)
	if reply == nil || reply.Kind != wire.KindError {
		t.Fatalf("expected error reply, got %+v", reply)
	}
}

func TestTamperedFrameDropsSession(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	runHandshake(t, a, b)

	sess, _ := a.sessions.Get(b.ID)
	payload, _ := wire.Marshal(wire.Ping{Token: 1})
	env, err := sess.Seal(wire.KindPing, payload)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	env.Payload[len(env.Payload)-1] ^= 0xFF

	reply := b.handleEnvelope("198.51.100.7:9000", env)
	if reply == nil || reply.Kind != wire.KindError {
		t.Fatalf("expected error reply, got %+v", reply)
	}
	if _, ok := b.sessions.Get(a.ID); ok {
		t.Fatalf("session should be dropped after tampered frame")
	}
}

func TestCapsExchange(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t, "render")
	hs := runHandshake(t, a, b)

	kind, payload := hs.request(t, wire.KindCapsGet, wire.CapsGet{})
	if kind != wire.KindCapsSet {
		t.Fatalf("expected CAPS_SET, got %s", kind)
	}
	var cs wire.CapsSet
	if err := wire.Unmarshal(payload, &cs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(cs.Capabilities.Skills) != 1 || cs.Capabilities.Skills[0] != "render" {
		t.Fatalf("capabilities = %+v", cs.Capabilities)
	}
}

func TestManifestAndChunkServing(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	hs := runHandshake(t, a, b)

	events := []chunksync.Event{[]byte("e0"), []byte("e1"), []byte("e2"), []byte("e3")}
	if err := b.AppendEvents(events); err != nil {
		t.Fatalf("append: %v", err)
	}

	kind, payload := hs.request(t, wire.KindManifestGet, wire.ManifestGet{})
	if kind != wire.KindManifestPut {
		t.Fatalf("expected MANIFEST_PUT, got %s", kind)
	}
	var mp wire.ManifestPut
	if err := wire.Unmarshal(payload, &mp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(mp.Hashes) != 1 {
		t.Fatalf("manifest has %d chunks, want 1", len(mp.Hashes))
	}

	kind, payload = hs.request(t, wire.KindEventChunkGet, wire.EventChunkGet{Hash: mp.Hashes[0]})
	if kind != wire.KindEventChunkPut {
		t.Fatalf("expected EVENT_CHUNK_PUT, got %s", kind)
	}
	var put wire.EventChunkPut
	if err := wire.Unmarshal(payload, &put); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var h [32]byte
	copy(h[:], mp.Hashes[0])
	chunk, err := chunksync.DecodeChunk(h, put.Data)
	if err != nil {
		t.Fatalf("decode chunk: %v", err)
	}
	if len(chunk.Events) != 4 || !bytes.Equal(chunk.Events[2], []byte("e2")) {
		t.Fatalf("chunk events = %v", chunk.Events)
	}
}

func TestTaskRequestOverSession(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t, "echo")
	hs := runHandshake(t, a, b)

	req := wire.TaskRequest{TaskID: bytes.Repeat([]byte{7}, 16), Capability: "echo", Payload: []byte("hi")}
	kind, payload := hs.request(t, wire.KindTaskRequest, req)
	if kind != wire.KindTaskAck {
		t.Fatalf("expected TASK_ACK, got %s", kind)
	}
	var ack wire.TaskAck
	if err := wire.Unmarshal(payload, &ack); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !ack.OK || !bytes.Equal(ack.Output, []byte("hi")) {
		t.Fatalf("ack = %+v", ack)
	}
}

func TestArtifactRoundtrip(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	hs := runHandshake(t, a, b)

	data := []byte("model weights")
	hash := b.artifacts.Put(data)

	kind, payload := hs.request(t, wire.KindArtifactGet, wire.ArtifactGet{Hash: hash[:]})
	if kind != wire.KindArtifactPut {
		t.Fatalf("expected ARTIFACT_PUT, got %s", kind)
	}
	var put wire.ArtifactPut
	if err := wire.Unmarshal(payload, &put); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !bytes.Equal(put.Data, data) {
		t.Fatalf("artifact data mismatch")
	}
}

func TestArtifactRejectsBadDigest(t *testing.T) {
	s := NewArtifactStore()
	err := s.Accept(wire.ArtifactPut{Hash: make([]byte, 32), Data: []byte("not matching")})
	if err == nil {
		t.Fatalf("expected digest mismatch")
	}
	if s.Len() != 0 {
		t.Fatalf("rejected artifact was stored")
	}
}

func TestBeaconDeliveredToInbox(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	beacon, err := relay.NewBeacon(b.EncPub(), []byte("meet at dawn"), relay.DefaultTTL)
	if err != nil {
		t.Fatalf("new beacon: %v", err)
	}
	b.onRelayForward(wire.RelayForward{
		Nonce:            beacon.Nonce,
		RecipientKeyHash: beacon.RecipientKeyHash,
		TTL:              beacon.TTL,
		Ciphertext:       beacon.Ciphertext,
		SenderEphemeral:  beacon.SenderEphemeral,
	})

	select {
	case got := <-b.Inbox():
		if !bytes.Equal(got, []byte("meet at dawn")) {
			t.Fatalf("inbox payload = %q", got)
		}
	default:
		t.Fatalf("beacon not delivered")
	}

	// A beacon for someone else must never reach the inbox.
	other, err := relay.NewBeacon(a.EncPub(), []byte("not for b"), relay.DefaultTTL)
	if err != nil {
		t.Fatalf("new beacon: %v", err)
	}
	b.onRelayForward(wire.RelayForward{
		Nonce:            other.Nonce,
		RecipientKeyHash: other.RecipientKeyHash,
		TTL:              other.TTL,
		Ciphertext:       other.Ciphertext,
		SenderEphemeral:  other.SenderEphemeral,
	})
	select {
	case got := <-b.Inbox():
		t.Fatalf("foreign beacon delivered: %q", got)
	default:
	}
}

func TestEncKeyStableAcrossRestart(t *testing.T) {
	home := t.TempDir()
	n1, err := New(Config{Home: home, ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	n2, err := New(Config{Home: home, ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if n1.ID != n2.ID {
		t.Fatalf("node id changed across restart")
	}
	if !bytes.Equal(n1.EncPub(), n2.EncPub()) {
		t.Fatalf("beacon key changed across restart")
	}
}

// Two fresh nodes on loopback: dial with the pinned certificate, run
// the full four-message handshake, then a sealed request over the new
// session. The initiator learns the responder's signing key from
// CHALLENGE, so nothing about the responder is configured up front.
func TestConnectThenPing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newTestNode(t)
	b := newTestNode(t)
	go func() { _ = b.Run(ctx) }()
	select {
	case <-b.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("listener never became ready")
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	defer dialCancel()
	if err := a.Connect(dialCtx, b.ID, b.Addr()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := a.Ping(dialCtx, b.ID); err != nil {
		t.Fatalf("ping after connect: %v", err)
	}

	info, ok := a.Peers().Get(b.ID)
	if !ok {
		t.Fatalf("responder missing from peer book")
	}
	if info.Addr != b.Addr() {
		t.Fatalf("peer book addr = %q, want %q", info.Addr, b.Addr())
	}
}

package node

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gridmesh/internal/chunksync"
	"gridmesh/internal/relay"
	"gridmesh/internal/telemetry"
	"gridmesh/internal/transport"
	"gridmesh/internal/wire"
)

// Connect performs the full handshake against a known peer and stores
// the resulting session. The peer id must be learned out of band or
// from the peer book; dialing an address without knowing who should
// answer defeats the identity binding.
func (n *Node) Connect(ctx context.Context, peerID [32]byte, addr string) error {
	start := time.Now()
	hello, pending, err := n.hs.Initiate(peerID)
	if err != nil {
		return err
	}

	helloEnv, err := wire.Pack(wire.KindHello, hello)
	if err != nil {
		pending.Cancel()
		return err
	}
	reply, err := n.exchange(ctx, addr, helloEnv)
	if err != nil {
		pending.Cancel()
		telemetry.HandshakesTotal.WithLabelValues("initiator", "err").Inc()
		return err
	}
	if reply.Kind != wire.KindChallenge {
		pending.Cancel()
		telemetry.HandshakesTotal.WithLabelValues("initiator", "rejected").Inc()
		return replyError(reply)
	}
	var challenge wire.Challenge
	if err := wire.Unmarshal(reply.Payload, &challenge); err != nil {
		pending.Cancel()
		return err
	}

	prove, err := n.hs.HandleChallenge(pending, challenge)
	if err != nil {
		telemetry.HandshakesTotal.WithLabelValues("initiator", "err").Inc()
		return err
	}
	proveEnv, err := wire.Pack(wire.KindProve, prove)
	if err != nil {
		pending.Cancel()
		return err
	}
	reply, err = n.exchange(ctx, addr, proveEnv)
	if err != nil {
		pending.Cancel()
		telemetry.HandshakesTotal.WithLabelValues("initiator", "err").Inc()
		return err
	}
	if reply.Kind != wire.KindWelcome {
		pending.Cancel()
		telemetry.HandshakesTotal.WithLabelValues("initiator", "rejected").Inc()
		return replyError(reply)
	}
	var welcome wire.Welcome
	if err := wire.Unmarshal(reply.Payload, &welcome); err != nil {
		pending.Cancel()
		return err
	}

	sess, err := n.hs.HandleWelcome(pending, welcome)
	if err != nil {
		telemetry.HandshakesTotal.WithLabelValues("initiator", "err").Inc()
		return err
	}
	n.sessions.Set(sess)
	n.rememberAddr(peerID, addr)
	telemetry.HandshakesTotal.WithLabelValues("initiator", "ok").Inc()
	telemetry.HandshakeDuration.Observe(time.Since(start).Seconds())
	telemetry.SessionsActive.Set(float64(n.sessions.Len()))
	n.log.Info("connected",
		zap.String("peer", hex.EncodeToString(peerID[:8])),
		zap.String("addr", addr))
	return nil
}

// Disconnect drops the session for a peer, if any.
func (n *Node) Disconnect(peerID [32]byte) {
	n.sessions.Drop(peerID)
	telemetry.SessionsActive.Set(float64(n.sessions.Len()))
}

// secureRequest seals a message to an established session, performs one
// request/response exchange and opens the reply. The decrypted reply
// kind is returned so callers can distinguish an in-band error.
func (n *Node) secureRequest(ctx context.Context, peerID [32]byte, kind wire.Kind, v interface{}) (wire.Kind, []byte, error) {
	sess, ok := n.sessions.Get(peerID)
	if !ok {
		return 0, nil, fmt.Errorf("%w: no session with %s", wire.ErrSessionClosed, hex.EncodeToString(peerID[:8]))
	}
	info, ok := n.peers.Get(peerID)
	if !ok || info.Addr == "" {
		return 0, nil, fmt.Errorf("no known address for %s", hex.EncodeToString(peerID[:8]))
	}
	payload, err := wire.Marshal(v)
	if err != nil {
		return 0, nil, err
	}
	env, err := sess.Seal(kind, payload)
	if err != nil {
		return 0, nil, err
	}
	telemetry.MessagesTotal.WithLabelValues(kind.String(), "out").Inc()
	reply, err := n.exchange(ctx, info.Addr, env)
	if err != nil {
		return 0, nil, err
	}
	if reply.Kind == wire.KindError {
		return 0, nil, replyError(reply)
	}
	replyKind, plaintext, err := sess.Open(reply)
	if err != nil {
		if wire.IsAuthError(err) {
			n.Disconnect(peerID)
		}
		return 0, nil, err
	}
	telemetry.MessagesTotal.WithLabelValues(replyKind.String(), "in").Inc()
	return replyKind, plaintext, nil
}

func (n *Node) exchange(ctx context.Context, addr string, env wire.Envelope) (wire.Envelope, error) {
	return transport.Exchange(ctx, addr, env, n.cfg.Insecure)
}

// secureSend seals a message to a peer without waiting for a reply.
func (n *Node) secureSend(ctx context.Context, peerID [32]byte, kind wire.Kind, v interface{}) error {
	sess, ok := n.sessions.Get(peerID)
	if !ok {
		return fmt.Errorf("%w: no session with %s", wire.ErrSessionClosed, hex.EncodeToString(peerID[:8]))
	}
	info, ok := n.peers.Get(peerID)
	if !ok || info.Addr == "" {
		return fmt.Errorf("no known address for %s", hex.EncodeToString(peerID[:8]))
	}
	payload, err := wire.Marshal(v)
	if err != nil {
		return err
	}
	env, err := sess.Seal(kind, payload)
	if err != nil {
		return err
	}
	telemetry.MessagesTotal.WithLabelValues(kind.String(), "out").Inc()
	return transport.Send(ctx, info.Addr, env, n.cfg.Insecure)
}

// Ping measures round-trip time to a connected peer and feeds it into
// the routing latency estimate.
func (n *Node) Ping(ctx context.Context, peerID [32]byte) (time.Duration, error) {
	var tok [8]byte
	if _, err := rand.Read(tok[:]); err != nil {
		return 0, err
	}
	ping := wire.Ping{
		Token:          binary.LittleEndian.Uint64(tok[:]),
		SentAtUnixNano: time.Now().UnixNano(),
	}
	start := time.Now()
	kind, payload, err := n.secureRequest(ctx, peerID, wire.KindPing, ping)
	if err != nil {
		return 0, err
	}
	if kind != wire.KindPong {
		return 0, fmt.Errorf("%w: got %s to PING", wire.ErrUnknownKind, kind)
	}
	var pong wire.Pong
	if err := wire.Unmarshal(payload, &pong); err != nil {
		return 0, err
	}
	if pong.Token != ping.Token {
		return 0, fmt.Errorf("%w: pong token mismatch", wire.ErrBadEnvelope)
	}
	rtt := time.Since(start)
	n.taskStats.ObserveLatency(peerID, rtt)
	return rtt, nil
}

// RefreshCapabilities asks a connected peer for its current
// capability set and records it in the peer book.
func (n *Node) RefreshCapabilities(ctx context.Context, peerID [32]byte) (wire.Capabilities, error) {
	kind, payload, err := n.secureRequest(ctx, peerID, wire.KindCapsGet, wire.CapsGet{})
	if err != nil {
		return wire.Capabilities{}, err
	}
	if kind != wire.KindCapsSet {
		return wire.Capabilities{}, fmt.Errorf("%w: got %s to CAPS_GET", wire.ErrUnknownKind, kind)
	}
	var cs wire.CapsSet
	if err := wire.Unmarshal(payload, &cs); err != nil {
		return wire.Capabilities{}, err
	}
	n.peers.SetCapabilities(peerID, cs.Capabilities)
	return cs.Capabilities, nil
}

// SendTask delivers a TASK_REQUEST over the peer's session and waits
// for the ack. Implements the dispatcher's sender.
func (n *Node) SendTask(ctx context.Context, peerID [32]byte, req wire.TaskRequest) (wire.TaskAck, error) {
	kind, payload, err := n.secureRequest(ctx, peerID, wire.KindTaskRequest, req)
	if err != nil {
		return wire.TaskAck{}, err
	}
	if kind != wire.KindTaskAck {
		return wire.TaskAck{}, fmt.Errorf("%w: got %s to TASK_REQUEST", wire.ErrUnknownKind, kind)
	}
	var ack wire.TaskAck
	if err := wire.Unmarshal(payload, &ack); err != nil {
		return wire.TaskAck{}, err
	}
	return ack, nil
}

// SyncWith pulls the peer's chunk manifest and transfers every chunk
// this node is missing.
func (n *Node) SyncWith(ctx context.Context, peerID [32]byte) (chunksync.SyncResult, error) {
	kind, payload, err := n.secureRequest(ctx, peerID, wire.KindManifestGet, wire.ManifestGet{})
	if err != nil {
		return chunksync.SyncResult{}, err
	}
	if kind != wire.KindManifestPut {
		return chunksync.SyncResult{}, fmt.Errorf("%w: got %s to MANIFEST_GET", wire.ErrUnknownKind, kind)
	}
	var mp wire.ManifestPut
	if err := wire.Unmarshal(payload, &mp); err != nil {
		return chunksync.SyncResult{}, err
	}
	manifest := make([][32]byte, 0, len(mp.Hashes))
	for _, h := range mp.Hashes {
		if len(h) != 32 {
			return chunksync.SyncResult{}, fmt.Errorf("%w: manifest hash %d bytes", wire.ErrBadEnvelope, len(h))
		}
		var hh [32]byte
		copy(hh[:], h)
		manifest = append(manifest, hh)
	}

	res, err := n.syncer.Sync(ctx, peerID, manifest, &peerFetcher{n: n, peerID: peerID})
	telemetry.ChunksTotal.WithLabelValues("fetched").Add(float64(res.Synced))
	telemetry.ChunksTotal.WithLabelValues("failed").Add(float64(res.Failed))
	telemetry.SyncBytes.Add(float64(res.Bytes))
	return res, err
}

// SyncProgress exposes the live transfer snapshot for a peer.
func (n *Node) SyncProgress(peerID [32]byte) (chunksync.Snapshot, bool) {
	return n.syncer.Progress(peerID)
}

// peerFetcher binds chunk requests to one peer's session.
type peerFetcher struct {
	n      *Node
	peerID [32]byte
}

func (f *peerFetcher) FetchChunk(ctx context.Context, req wire.EventChunkGet) (wire.EventChunkPut, error) {
	kind, payload, err := f.n.secureRequest(ctx, f.peerID, wire.KindEventChunkGet, req)
	if err != nil {
		return wire.EventChunkPut{}, err
	}
	if kind != wire.KindEventChunkPut {
		return wire.EventChunkPut{}, fmt.Errorf("%w: got %s to EVENT_CHUNK_GET", wire.ErrUnknownKind, kind)
	}
	var put wire.EventChunkPut
	if err := wire.Unmarshal(payload, &put); err != nil {
		return wire.EventChunkPut{}, err
	}
	return put, nil
}

// PushArtifact stores a blob locally and offers it to a connected
// peer. No ack is expected; delivery is fire-and-forget.
func (n *Node) PushArtifact(ctx context.Context, peerID [32]byte, data []byte) ([32]byte, error) {
	hash := n.artifacts.Put(data)
	put := wire.ArtifactPut{Hash: hash[:], Data: data}
	return hash, n.secureSend(ctx, peerID, wire.KindArtifactPut, put)
}

// PullArtifact fetches a blob by hash from a connected peer, verifying
// content addressing before storing it.
func (n *Node) PullArtifact(ctx context.Context, peerID [32]byte, hash [32]byte) ([]byte, error) {
	kind, payload, err := n.secureRequest(ctx, peerID, wire.KindArtifactGet, wire.ArtifactGet{Hash: hash[:]})
	if err != nil {
		return nil, err
	}
	if kind != wire.KindArtifactPut {
		return nil, fmt.Errorf("%w: got %s to ARTIFACT_GET", wire.ErrUnknownKind, kind)
	}
	var put wire.ArtifactPut
	if err := wire.Unmarshal(payload, &put); err != nil {
		return nil, err
	}
	if err := n.artifacts.Accept(put); err != nil {
		return nil, err
	}
	return put.Data, nil
}

// RelaySend wraps a payload in an anonymous beacon and floods it into
// the relay fabric. Only the holder of recipientEncPub's private half
// can open it.
func (n *Node) RelaySend(recipientEncPub, plaintext []byte) error {
	if err := n.relayer.Send(recipientEncPub, plaintext); err != nil {
		return err
	}
	telemetry.BeaconsTotal.WithLabelValues("sent").Inc()
	return nil
}

// RelayPoll drains beacons parked for this node on the rendezvous
// board, decrypting each into the inbox.
func (n *Node) RelayPoll(ctx context.Context) (int, error) {
	parked, err := n.relayer.Fetch(ctx, relay.RecipientKeyHash(n.encPub))
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, d := range parked {
		b := relay.Beacon{
			Nonce:            d.Nonce,
			RecipientKeyHash: d.RecipientKeyHash,
			Ciphertext:       d.Ciphertext,
			SenderEphemeral:  d.SenderEphemeral,
		}
		plaintext, err := relay.OpenBeacon(b, n.encPriv)
		if err != nil {
			telemetry.BeaconsTotal.WithLabelValues("undecryptable").Inc()
			continue
		}
		telemetry.BeaconsTotal.WithLabelValues("delivered").Inc()
		n.deliverLocal(plaintext)
		delivered++
	}
	return delivered, nil
}

func (n *Node) rememberAddr(peerID [32]byte, addr string) {
	if info, ok := n.peers.Get(peerID); ok {
		info.Addr = addr
		if err := n.peers.Upsert(info, true); err != nil {
			n.log.Warn("peer book update failed", zap.Error(err))
		}
		return
	}
	if sess, ok := n.sessions.Get(peerID); ok {
		if err := n.upsertPeer(peerID, sess.PeerPub, addr, sess.PeerCaps); err != nil {
			n.log.Warn("peer book update failed", zap.Error(err))
		}
	}
}

func replyError(env wire.Envelope) error {
	if env.Kind != wire.KindError {
		return fmt.Errorf("%w: unexpected %s reply", wire.ErrUnknownKind, env.Kind)
	}
	var em wire.ErrorMsg
	if err := wire.Unmarshal(env.Payload, &em); err != nil {
		return err
	}
	return fmt.Errorf("peer error %d: %s", em.Code, em.Message)
}

package node

import (
	"context"
	"encoding/hex"
	"time"

	"go.uber.org/zap"

	"gridmesh/internal/relay"
	"gridmesh/internal/telemetry"
	"gridmesh/internal/wire"
)

// handleEnvelope is the transport handler: one request envelope in,
// at most one reply envelope out. Handshake kinds travel in the clear;
// everything session-bound arrives wrapped in KindSecure. Unknown
// kinds are logged and ignored.
func (n *Node) handleEnvelope(remoteAddr string, env wire.Envelope) *wire.Envelope {
	telemetry.MessagesTotal.WithLabelValues(env.Kind.String(), "in").Inc()
	switch env.Kind {
	case wire.KindHello:
		return n.handleHello(remoteAddr, env)
	case wire.KindProve:
		return n.handleProve(env)
	case wire.KindSecure:
		return n.handleSecure(env)
	case wire.KindRelayForward:
		return n.handleQUICForward(env)
	case wire.KindRelayDeliver:
		return n.handleRelayDeliver(env)
	case wire.KindRelayFetch:
		return n.handleRelayFetch(env)
	default:
		n.log.Debug("ignoring envelope",
			zap.String("kind", env.Kind.String()),
			zap.String("from", remoteAddr))
		return nil
	}
}

func (n *Node) handleHello(remoteAddr string, env wire.Envelope) *wire.Envelope {
	var hello wire.Hello
	if err := wire.Unmarshal(env.Payload, &hello); err != nil {
		return errorReply(env.Kind, err)
	}
	challenge, pending, err := n.hs.HandleHello(hello)
	if err != nil {
		telemetry.HandshakesTotal.WithLabelValues("responder", "rejected").Inc()
		n.log.Warn("hello rejected", zap.String("from", remoteAddr), zap.Error(err))
		return errorReply(env.Kind, err)
	}
	n.sessions.SetPending(pending.PeerID, pending)

	// Store the address the peer advertises, never the QUIC source
	// address: that port is ephemeral and not dialable.
	var peerID [32]byte
	copy(peerID[:], hello.NodeID)
	if err := n.upsertPeer(peerID, hello.SigningPub, hello.ListenAddr, hello.Capabilities); err != nil {
		n.log.Warn("peer record rejected", zap.Error(err))
	}
	return packReply(wire.KindChallenge, challenge)
}

func (n *Node) handleProve(env wire.Envelope) *wire.Envelope {
	var prove wire.Prove
	if err := wire.Unmarshal(env.Payload, &prove); err != nil {
		return errorReply(env.Kind, err)
	}
	if len(prove.NodeID) != 32 {
		return errorReply(env.Kind, wire.ErrInvalidNodeID)
	}
	var peerID [32]byte
	copy(peerID[:], prove.NodeID)
	pending, ok := n.sessions.PopPending(peerID)
	if !ok {
		return errorReply(env.Kind, wire.ErrSessionClosed)
	}
	welcome, sess, err := n.hs.HandleProve(pending, prove)
	if err != nil {
		telemetry.HandshakesTotal.WithLabelValues("responder", "rejected").Inc()
		return errorReply(env.Kind, err)
	}
	n.sessions.Set(sess)
	telemetry.HandshakesTotal.WithLabelValues("responder", "ok").Inc()
	telemetry.HandshakeDuration.Observe(time.Since(pending.CreatedAt).Seconds())
	telemetry.SessionsActive.Set(float64(n.sessions.Len()))
	return packReply(wire.KindWelcome, welcome)
}

func (n *Node) handleSecure(env wire.Envelope) *wire.Envelope {
	frame, err := wire.DecodeSecureFrame(env.Payload)
	if err != nil {
		return errorReply(env.Kind, err)
	}
	sess, ok := n.sessions.Get(frame.Sender)
	if !ok {
		return errorReply(env.Kind, wire.ErrSessionClosed)
	}
	innerKind, plaintext, err := sess.Open(env)
	if err != nil {
		// A forged or replayed frame poisons the whole session.
		if wire.IsAuthError(err) {
			n.sessions.Drop(frame.Sender)
			telemetry.SessionsActive.Set(float64(n.sessions.Len()))
			n.log.Warn("session dropped",
				zap.String("peer", hex.EncodeToString(frame.Sender[:8])),
				zap.Error(err))
		}
		return errorReply(env.Kind, err)
	}

	replyKind, reply := n.handleInner(frame.Sender, innerKind, plaintext)
	if reply == nil {
		return nil
	}
	payload, err := wire.Marshal(reply)
	if err != nil {
		return errorReply(innerKind, err)
	}
	sealed, err := sess.Seal(replyKind, payload)
	if err != nil {
		return errorReply(innerKind, err)
	}
	telemetry.MessagesTotal.WithLabelValues(replyKind.String(), "out").Inc()
	return &sealed
}

// handleInner dispatches a decrypted message. A nil reply means no
// response is sent.
func (n *Node) handleInner(from [32]byte, kind wire.Kind, payload []byte) (wire.Kind, interface{}) {
	switch kind {
	case wire.KindPing:
		var ping wire.Ping
		if err := wire.Unmarshal(payload, &ping); err != nil {
			return 0, nil
		}
		return wire.KindPong, wire.Pong{Token: ping.Token, SentAtUnixNano: ping.SentAtUnixNano}

	case wire.KindCapsGet:
		return wire.KindCapsSet, wire.CapsSet{Capabilities: n.caps}

	case wire.KindCapsSet:
		var cs wire.CapsSet
		if err := wire.Unmarshal(payload, &cs); err != nil {
			return 0, nil
		}
		n.peers.SetCapabilities(from, cs.Capabilities)
		return 0, nil

	case wire.KindTaskRequest:
		var req wire.TaskRequest
		if err := wire.Unmarshal(payload, &req); err != nil {
			return 0, nil
		}
		ack := n.dispatcher.HandleRequest(context.Background(), req)
		return wire.KindTaskAck, ack

	case wire.KindManifestGet:
		manifest := n.events.Manifest()
		hashes := make([][]byte, len(manifest))
		for i, h := range manifest {
			hashes[i] = append([]byte(nil), h[:]...)
		}
		return wire.KindManifestPut, wire.ManifestPut{Hashes: hashes}

	case wire.KindEventChunkGet:
		var req wire.EventChunkGet
		if err := wire.Unmarshal(payload, &req); err != nil {
			return 0, nil
		}
		put, err := n.syncer.ServeChunk(req)
		if err != nil {
			n.log.Debug("chunk not served", zap.Error(err))
			return wire.KindError, wire.ErrorMsg{
				Code:    wire.CodeFor(err),
				Message: err.Error(),
				RefKind: uint16(kind),
			}
		}
		telemetry.ChunksTotal.WithLabelValues("served").Inc()
		return wire.KindEventChunkPut, put

	case wire.KindArtifactGet:
		var req wire.ArtifactGet
		if err := wire.Unmarshal(payload, &req); err != nil {
			return 0, nil
		}
		put, err := n.artifacts.Serve(req)
		if err != nil {
			return wire.KindError, wire.ErrorMsg{
				Code:    wire.CodeFor(err),
				Message: err.Error(),
				RefKind: uint16(kind),
			}
		}
		return wire.KindArtifactPut, put

	case wire.KindArtifactPut:
		var put wire.ArtifactPut
		if err := wire.Unmarshal(payload, &put); err != nil {
			return 0, nil
		}
		if err := n.artifacts.Accept(put); err != nil {
			n.log.Warn("artifact rejected", zap.Error(err))
		}
		return 0, nil

	default:
		n.log.Debug("ignoring secure message", zap.String("kind", kind.String()))
		return 0, nil
	}
}

// onRelayForward handles a beacon arriving over the ZeroMQ fabric.
func (n *Node) onRelayForward(fwd wire.RelayForward) {
	if relay.MatchesLocal(fwd, n.encPub) {
		plaintext, err := relay.OpenBeacon(relay.BeaconFromForward(fwd), n.encPriv)
		if err != nil {
			telemetry.BeaconsTotal.WithLabelValues("undecryptable").Inc()
			return
		}
		telemetry.BeaconsTotal.WithLabelValues("delivered").Inc()
		n.deliverLocal(plaintext)
		return
	}
	forwarded, err := n.relayer.HandleForward(fwd)
	if err != nil {
		n.log.Debug("forward failed", zap.Error(err))
		return
	}
	if forwarded {
		telemetry.BeaconsTotal.WithLabelValues("forwarded").Inc()
	} else {
		telemetry.BeaconsTotal.WithLabelValues("dropped").Inc()
	}
}

func (n *Node) handleQUICForward(env wire.Envelope) *wire.Envelope {
	var fwd wire.RelayForward
	if err := wire.Unmarshal(env.Payload, &fwd); err != nil {
		return errorReply(env.Kind, err)
	}
	n.onRelayForward(fwd)
	return nil
}

func (n *Node) handleRelayDeliver(env wire.Envelope) *wire.Envelope {
	var d wire.RelayDeliver
	if err := wire.Unmarshal(env.Payload, &d); err != nil {
		return errorReply(env.Kind, err)
	}
	if err := n.relayer.Deliver(context.Background(), d); err != nil {
		return errorReply(env.Kind, err)
	}
	telemetry.BeaconsTotal.WithLabelValues("parked").Inc()
	return nil
}

func (n *Node) handleRelayFetch(env wire.Envelope) *wire.Envelope {
	var f wire.RelayFetch
	if err := wire.Unmarshal(env.Payload, &f); err != nil {
		return errorReply(env.Kind, err)
	}
	parked, err := n.relayer.Fetch(context.Background(), f.Prefix)
	if err != nil {
		return errorReply(env.Kind, err)
	}
	return packReply(wire.KindRelayBeacon, wire.RelayBatch{Beacons: parked})
}

func (n *Node) upsertPeer(id [32]byte, signingPub []byte, addr string, caps wire.Capabilities) error {
	return n.peers.Upsert(peerInfo(id, signingPub, addr, caps), true)
}

func packReply(kind wire.Kind, v interface{}) *wire.Envelope {
	env, err := wire.Pack(kind, v)
	if err != nil {
		return nil
	}
	telemetry.MessagesTotal.WithLabelValues(kind.String(), "out").Inc()
	return &env
}

func errorReply(ref wire.Kind, err error) *wire.Envelope {
	return packReply(wire.KindError, wire.ErrorMsg{
		Code:    wire.CodeFor(err),
		Message: err.Error(),
		RefKind: uint16(ref),
	})
}

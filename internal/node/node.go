// Package node assembles the subsystems into a running mesh
// participant: identity, the handshake layer, the peer table, the
// relay fabric, chunk sync and task dispatch, all served over the QUIC
// transport.
package node

import (
	"context"
	"encoding/hex"
	"errors"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"gridmesh/internal/chunksync"
	"gridmesh/internal/crypto"
	"gridmesh/internal/handshake"
	"gridmesh/internal/peer"
	"gridmesh/internal/relay"
	"gridmesh/internal/task"
	"gridmesh/internal/telemetry"
	"gridmesh/internal/transport"
	"gridmesh/internal/wire"
)

const (
	defaultPeerBook  = "peers.jsonl"
	labelEncKey      = "gridmesh:enckey:v1"
	sweepInterval    = 30 * time.Second
	dispatchInterval = 100 * time.Millisecond
)

type Config struct {
	// Home is the data directory: keypair, peer book.
	Home string
	// ListenAddr is the QUIC listen address.
	ListenAddr string
	// AdvertiseAddr is the dialable address announced to peers in
	// HELLO. Empty falls back to ListenAddr unless its port is 0, in
	// which case nothing is advertised.
	AdvertiseAddr string
	// RelayAddr is the ZeroMQ PUB endpoint for beacon broadcast; empty
	// disables the relay fabric.
	RelayAddr string
	// RelayNeighbors are PUB endpoints of relays to subscribe to.
	RelayNeighbors []string
	// BoardEndpoints are etcd endpoints for the shared rendezvous
	// board; empty selects the in-process board.
	BoardEndpoints []string

	Capabilities wire.Capabilities
	// LocalSkills are capabilities executed locally instead of routed.
	LocalSkills []string
	Executor    task.Executor

	// BandwidthCeiling caps chunk-sync throughput in bytes/sec;
	// zero means unthrottled.
	BandwidthCeiling int64
	EventsPerChunk   int

	// Insecure skips server certificate pinning on outbound dials.
	Insecure bool

	PeerStoreCap int
	PeerStoreTTL time.Duration

	Logger *zap.Logger
}

// Node is one mesh participant. All exported methods are safe for
// concurrent use.
type Node struct {
	ID   [32]byte
	caps wire.Capabilities
	log  *zap.Logger
	cfg  Config

	identity handshake.Identity
	encPriv  []byte
	encPub   []byte

	hs       *handshake.Handshaker
	sessions *handshake.Store
	peers    *peer.Store

	board   relay.Board
	fabric  *relay.Fabric
	relayer *relay.Relayer

	events *chunksync.MemoryEventStore
	syncer *chunksync.Syncer

	queue      *task.Queue
	taskStats  *task.MetricsTable
	dispatcher *task.Dispatcher

	artifacts *ArtifactStore
	server    *transport.Server

	// inbox receives decrypted beacon payloads addressed to this node.
	inbox chan []byte
}

func New(cfg Config) (*Node, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Home, 0700); err != nil {
		return nil, err
	}
	pub, priv, err := crypto.LoadKeypair(cfg.Home)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		pub, priv, err = crypto.GenKeypair()
		if err != nil {
			return nil, err
		}
		if err := crypto.SaveKeypair(cfg.Home, pub, priv); err != nil {
			return nil, err
		}
	}
	id := peer.DeriveNodeID(pub)

	// The beacon encryption key is derived from the signing key, so a
	// node keeps one secret on disk but peers never see the link.
	encPriv := crypto.KDF(labelEncKey, priv)
	encPub, err := crypto.X25519Public(encPriv)
	if err != nil {
		return nil, err
	}

	peers, err := peer.NewStore(filepath.Join(cfg.Home, defaultPeerBook), peer.Options{
		Cap:    cfg.PeerStoreCap,
		TTL:    cfg.PeerStoreTTL,
		Logger: log,
	})
	if err != nil {
		return nil, err
	}

	var board relay.Board
	if len(cfg.BoardEndpoints) > 0 {
		eb, err := relay.NewEtcdBoard(cfg.BoardEndpoints)
		if err != nil {
			return nil, err
		}
		board = eb
	} else {
		board = relay.NewMemoryBoard()
	}

	var fabric *relay.Fabric
	if cfg.RelayAddr != "" {
		fabric = relay.NewFabric(cfg.RelayAddr, log)
	}

	perChunk := cfg.EventsPerChunk
	if perChunk <= 0 {
		perChunk = chunksync.DefaultEventsPerChunk
	}
	events := chunksync.NewMemoryEventStore(perChunk)
	syncer := chunksync.NewSyncer(events, chunksync.SyncerOptions{
		BandwidthCeiling: cfg.BandwidthCeiling,
		Logger:           log,
	})

	queue := task.NewQueue(task.DefaultQueueCap)
	taskStats := task.NewMetricsTable()
	router := task.NewRouter(peers, taskStats)

	exec := cfg.Executor
	if exec == nil {
		exec = noExecutor{}
	}

	n := &Node{
		ID:   id,
		caps: cfg.Capabilities,
		log:  log,
		cfg:  cfg,
		identity: handshake.Identity{
			NodeID:      id,
			SigningPub:  pub,
			SigningPriv: priv,
		},
		encPriv:   encPriv,
		encPub:    encPub,
		sessions:  handshake.NewStore(),
		peers:     peers,
		board:     board,
		fabric:    fabric,
		events:    events,
		syncer:    syncer,
		queue:     queue,
		taskStats: taskStats,
		artifacts: NewArtifactStore(),
		inbox:     make(chan []byte, 64),
	}
	n.hs = handshake.New(n.identity, cfg.Capabilities, handshake.Options{
		AdvertiseAddr: advertiseAddr(cfg),
		Logger:        log,
	})
	n.dispatcher = task.NewDispatcher(queue, router, taskStats, exec, n, task.DispatcherOptions{
		LocalSkills: cfg.LocalSkills,
		Logger:      log,
	})
	var bcast relay.Broadcaster
	if fabric != nil {
		bcast = fabric
	} else {
		bcast = noopBroadcaster{}
	}
	n.relayer = relay.NewRelayer(bcast, board, relay.Options{Logger: log})
	n.server = transport.NewServer(cfg.ListenAddr, n.handleEnvelope, transport.ServerOptions{Logger: log})
	return n, nil
}

func advertiseAddr(cfg Config) string {
	if cfg.AdvertiseAddr != "" {
		return cfg.AdvertiseAddr
	}
	if _, port, err := net.SplitHostPort(cfg.ListenAddr); err != nil || port == "0" {
		return ""
	}
	return cfg.ListenAddr
}

// EncPub is the public key peers use to address beacons to this node.
func (n *Node) EncPub() []byte {
	return append([]byte(nil), n.encPub...)
}

func (n *Node) Peers() *peer.Store { return n.peers }

func (n *Node) Events() *chunksync.MemoryEventStore { return n.events }

// Ready unblocks once the QUIC listener is accepting.
func (n *Node) Ready() <-chan struct{} { return n.server.Ready() }

// Addr is the bound listen address, valid once Ready has closed.
func (n *Node) Addr() string { return n.server.Addr() }

// Run serves until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	if n.fabric != nil {
		n.fabric.SetHandler(n.onRelayForward)
		if err := n.fabric.Start(); err != nil {
			return err
		}
		for _, addr := range n.cfg.RelayNeighbors {
			if err := n.fabric.Connect(addr); err != nil {
				n.log.Warn("relay neighbor unreachable",
					zap.String("addr", addr), zap.Error(err))
			}
		}
		defer n.fabric.Stop()
	}

	go n.sweepLoop(ctx)
	go n.dispatchLoop(ctx)

	n.log.Info("node up",
		zap.String("node_id", hex.EncodeToString(n.ID[:8])),
		zap.String("listen", n.cfg.ListenAddr))
	return n.server.ListenAndServe(ctx)
}

func (n *Node) sweepLoop(ctx context.Context) {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			now := time.Now()
			if dropped := n.sessions.SweepExpired(now); dropped > 0 {
				n.log.Debug("expired handshakes swept", zap.Int("count", dropped))
			}
			n.relayer.SweepSeen()
		}
	}
}

// dispatchLoop drains the task queue, recording route and outcome.
func (n *Node) dispatchLoop(ctx context.Context) {
	t := time.NewTicker(dispatchInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for {
				res, err := n.dispatcher.DispatchNext(ctx)
				if err != nil {
					n.log.Warn("dispatch failed", zap.Error(err))
					break
				}
				if res == nil {
					break
				}
				route := "remote"
				if res.Local {
					route = "local"
				}
				outcome := "ok"
				if res.Err != nil {
					outcome = "err"
				}
				telemetry.TasksTotal.WithLabelValues(route, outcome).Inc()
			}
			n.updateQueueDepth()
		}
	}
}

func (n *Node) updateQueueDepth() {
	for _, p := range []task.Priority{task.Low, task.Normal, task.High, task.Critical} {
		telemetry.QueueDepth.WithLabelValues(p.String()).Set(float64(n.queue.TierLen(p)))
	}
}

// Submit queues a task for dispatch.
func (n *Node) Submit(t *task.Task) error {
	err := n.dispatcher.Submit(t)
	n.updateQueueDepth()
	return err
}

// Inbox streams decrypted beacon payloads addressed to this node.
func (n *Node) Inbox() <-chan []byte { return n.inbox }

func (n *Node) deliverLocal(plaintext []byte) {
	select {
	case n.inbox <- plaintext:
	default:
		n.log.Warn("inbox full, beacon dropped")
	}
}

func peerInfo(id [32]byte, signingPub []byte, addr string, caps wire.Capabilities) peer.Info {
	return peer.Info{
		NodeID:       id,
		SigningPub:   signingPub,
		Addr:         addr,
		Capabilities: caps,
		LastSeen:     time.Now(),
	}
}

// AppendEvents adds local events to the sync store.
func (n *Node) AppendEvents(events []chunksync.Event) error {
	return n.events.Append(events)
}

type noExecutor struct{}

func (noExecutor) Execute(context.Context, string, []byte) ([]byte, error) {
	return nil, errNoExecutor
}

var errNoExecutor = errors.New("no local executor configured")

type noopBroadcaster struct{}

func (noopBroadcaster) Broadcast(wire.RelayForward) error { return nil }

package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"gridmesh/internal/crypto"
	"gridmesh/internal/node"
	"gridmesh/internal/peer"
	"gridmesh/internal/task"
	"gridmesh/internal/telemetry"
	"gridmesh/internal/wire"
)

func die(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}

func dieMsg(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func homeDir() string {
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".gridmesh")
}

func parseNodeID(s string) ([32]byte, error) {
	var id [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid node id %q: not hex", s)
	}
	if len(raw) != 32 {
		return id, fmt.Errorf("invalid node id: got %d bytes, want 32", len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func buildNode(home, listen, relayAddr, neighbors, board, skills string, bandwidth int64, insecure bool, log *zap.Logger) (*node.Node, error) {
	skillList := splitList(skills)
	return node.New(node.Config{
		Home:           home,
		ListenAddr:     listen,
		RelayAddr:      relayAddr,
		RelayNeighbors: splitList(neighbors),
		BoardEndpoints: splitList(board),
		Capabilities: wire.Capabilities{
			CanRelay:   relayAddr != "",
			CanStore:   true,
			CanCompute: len(skillList) > 0,
			Skills:     skillList,
		},
		LocalSkills:      skillList,
		BandwidthCeiling: bandwidth,
		Insecure:         insecure,
		Logger:           log,
	})
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("usage: gridmesh <keygen|id|run|status|peers|connect|ping|task|sync|beacon>")
		os.Exit(1)
	}

	root := homeDir()
	_ = os.MkdirAll(root, 0700)

	switch os.Args[1] {

	case "keygen":
		pub, priv, err := crypto.GenKeypair()
		if err != nil {
			die("keygen failed", err)
		}
		if err := crypto.SaveKeypair(root, pub, priv); err != nil {
			die("save keys failed", err)
		}
		id := peer.DeriveNodeID(pub)
		fmt.Println("OK keypair generated")
		fmt.Println("node_id:", hex.EncodeToString(id[:]))

	case "id":
		pub, _, err := crypto.LoadKeypair(root)
		if err != nil {
			die("load keys failed", err)
		}
		id := peer.DeriveNodeID(pub)
		fmt.Println("node_id:", hex.EncodeToString(id[:]))
		fmt.Println("signing_pub:", hex.EncodeToString(pub))

	case "run":
		fs := flag.NewFlagSet("run", flag.ExitOnError)
		listen := fs.String("listen", "127.0.0.1:7420", "QUIC listen address")
		relayAddr := fs.String("relay", "", "ZeroMQ PUB endpoint, e.g. tcp://0.0.0.0:7421")
		neighbors := fs.String("neighbors", "", "comma-separated relay PUB endpoints to subscribe to")
		board := fs.String("board", "", "comma-separated etcd endpoints for the rendezvous board")
		skills := fs.String("skills", "", "comma-separated capability tags executed locally")
		bandwidth := fs.Int64("bandwidth", 0, "chunk sync ceiling in bytes/sec, 0 = unlimited")
		metricsAddr := fs.String("metrics", "", "address for /metrics, empty disables")
		insecure := fs.Bool("insecure", false, "skip server certificate pinning on dials")
		_ = fs.Parse(os.Args[2:])

		log, err := zap.NewProduction()
		if err != nil {
			die("logger init failed", err)
		}
		defer log.Sync()

		n, err := buildNode(root, *listen, *relayAddr, *neighbors, *board, *skills, *bandwidth, *insecure, log)
		if err != nil {
			die("node init failed", err)
		}

		if *metricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", telemetry.MetricsHandler())
			go func() {
				if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
					log.Warn("metrics endpoint failed", zap.Error(err))
				}
			}()
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := n.Run(ctx); err != nil && ctx.Err() == nil {
			die("node stopped", err)
		}

	case "peers":
		n, err := buildNode(root, "127.0.0.1:0", "", "", "", "", 0, false, zap.NewNop())
		if err != nil {
			die("node init failed", err)
		}
		for _, p := range n.Peers().List() {
			fmt.Printf("%s  trust=%.2f  addr=%s  skills=%s\n",
				hex.EncodeToString(p.NodeID[:]), p.TrustScore, p.Addr,
				strings.Join(p.Capabilities.Skills, ","))
		}

	case "status":
		n, err := buildNode(root, "127.0.0.1:0", "", "", "", "", 0, false, zap.NewNop())
		if err != nil {
			die("node init failed", err)
		}
		fmt.Println("node_id:", hex.EncodeToString(n.ID[:]))
		fmt.Println("beacon_key:", hex.EncodeToString(n.EncPub()))
		fmt.Println("known_peers:", n.Peers().Len())
		fmt.Println("events_held:", n.Events().Len())

	case "connect", "ping", "task", "sync", "beacon":
		runClientCommand(root, os.Args[1], os.Args[2:])

	default:
		dieMsg("unknown command " + os.Args[1])
	}
}

// runClientCommand spins up an ephemeral node, establishes a session
// and performs one operation against a peer.
func runClientCommand(root, cmd string, args []string) {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	peerHex := fs.String("peer", "", "peer node id hex")
	addr := fs.String("addr", "", "peer QUIC address")
	insecure := fs.Bool("insecure", false, "skip server certificate pinning")
	capability := fs.String("capability", "", "task capability tag (task)")
	payload := fs.String("payload", "", "task payload (task)")
	prio := fs.Uint("priority", 128, "task priority byte 0-255 (task)")
	rcptHex := fs.String("rcpt", "", "recipient beacon key hex (beacon)")
	message := fs.String("message", "", "beacon plaintext (beacon)")
	timeout := fs.Duration("timeout", 15*time.Second, "operation timeout")
	_ = fs.Parse(args)

	log := zap.NewNop()
	n, err := node.New(node.Config{
		Home:       root,
		ListenAddr: "127.0.0.1:0",
		Insecure:   *insecure,
		Logger:     log,
	})
	if err != nil {
		die("node init failed", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if cmd == "beacon" {
		rcpt, err := hex.DecodeString(*rcptHex)
		if err != nil || len(rcpt) != crypto.XKeySize {
			dieMsg("invalid --rcpt: need 32 bytes hex")
		}
		if err := n.RelaySend(rcpt, []byte(*message)); err != nil {
			die("beacon send failed", err)
		}
		fmt.Println("OK beacon sent")
		return
	}

	if *peerHex == "" || *addr == "" {
		dieMsg("--peer and --addr are required")
	}
	peerID, err := parseNodeID(*peerHex)
	if err != nil {
		dieMsg(err.Error())
	}
	if err := n.Connect(ctx, peerID, *addr); err != nil {
		die("connect failed", err)
	}

	switch cmd {
	case "connect":
		fmt.Println("OK session established with", *peerHex)

	case "ping":
		rtt, err := n.Ping(ctx, peerID)
		if err != nil {
			die("ping failed", err)
		}
		fmt.Printf("PONG from %s in %s\n", (*peerHex)[:16], rtt)

	case "task":
		if *capability == "" {
			dieMsg("--capability is required")
		}
		tk := task.New(*capability, []byte(*payload), task.PriorityFromByte(uint8(*prio)))
		tk.TargetNode = peerID
		ack, err := n.SendTask(ctx, peerID, wire.TaskRequest{
			TaskID:     tk.ID[:],
			Capability: tk.Capability,
			Priority:   tk.Priority.Byte(),
			Payload:    tk.Payload,
		})
		if err != nil {
			die("task delegation failed", err)
		}
		if !ack.OK {
			dieMsg("task rejected: " + ack.Error)
		}
		fmt.Printf("ACK %s output=%q\n", tk.ID, ack.Output)

	case "sync":
		res, err := n.SyncWith(ctx, peerID)
		if err != nil {
			die("sync failed", err)
		}
		fmt.Printf("synced %d/%d chunks, %d bytes, %d failed\n",
			res.Synced, res.Requested, res.Bytes, res.Failed)
	}
}

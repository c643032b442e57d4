package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-zeromq/zmq4"
	"go.uber.org/zap"

	"gridmesh/internal/wire"
)

const relayTopic = "gridmesh.relay"

// Fabric is the PUB/SUB broadcast plane relays flood forward frames
// over. Every node publishes on its own endpoint and subscribes to the
// endpoints of its neighbors.
type Fabric struct {
	ctx     context.Context
	cancel  context.CancelFunc
	addr    string
	log     *zap.Logger
	pub     zmq4.Socket
	sub     zmq4.Socket
	handler func(wire.RelayForward)

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

func NewFabric(listenAddr string, log *zap.Logger) *Fabric {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Fabric{
		ctx:    ctx,
		cancel: cancel,
		addr:   listenAddr,
		log:    log,
	}
}

// SetHandler registers the callback invoked for each received forward
// frame. Must be called before Start.
func (f *Fabric) SetHandler(h func(wire.RelayForward)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *Fabric) Start() error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("fabric already running")
	}
	f.pub = zmq4.NewPub(f.ctx)
	if err := f.pub.Listen(f.addr); err != nil {
		f.mu.Unlock()
		return fmt.Errorf("fabric listen %s: %w", f.addr, err)
	}
	f.sub = zmq4.NewSub(f.ctx)
	if err := f.sub.SetOption(zmq4.OptionSubscribe, relayTopic); err != nil {
		f.mu.Unlock()
		return err
	}
	f.running = true
	f.mu.Unlock()

	f.wg.Add(1)
	go f.recvLoop()
	return nil
}

// Connect subscribes to a neighbor's publish endpoint.
func (f *Fabric) Connect(addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return fmt.Errorf("fabric not running")
	}
	if err := f.sub.Dial(addr); err != nil {
		return fmt.Errorf("fabric dial %s: %w", addr, err)
	}
	return nil
}

func (f *Fabric) Broadcast(fwd wire.RelayForward) error {
	f.mu.Lock()
	running := f.running
	pub := f.pub
	f.mu.Unlock()
	if !running {
		return fmt.Errorf("fabric not running")
	}
	payload, err := wire.Marshal(fwd)
	if err != nil {
		return err
	}
	return pub.Send(zmq4.NewMsgFrom([]byte(relayTopic), payload))
}

func (f *Fabric) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.mu.Unlock()

	f.cancel()
	if f.pub != nil {
		_ = f.pub.Close()
	}
	if f.sub != nil {
		_ = f.sub.Close()
	}
	f.wg.Wait()
}

func (f *Fabric) recvLoop() {
	defer f.wg.Done()
	for {
		select {
		case <-f.ctx.Done():
			return
		default:
		}
		msg, err := f.sub.Recv()
		if err != nil {
			select {
			case <-f.ctx.Done():
				return
			default:
				continue
			}
		}
		if len(msg.Frames) < 2 {
			continue
		}
		var fwd wire.RelayForward
		if err := wire.Unmarshal(msg.Frames[1], &fwd); err != nil {
			f.log.Debug("dropping malformed forward frame", zap.Error(err))
			continue
		}
		f.mu.Lock()
		h := f.handler
		f.mu.Unlock()
		if h != nil {
			h(fwd)
		}
	}
}

package task

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gridmesh/internal/wire"
)

const (
	// DefaultAckTimeout bounds the wait for TASK_ACK per peer attempt.
	DefaultAckTimeout = 10 * time.Second
	// MaxRetries bounds re-dispatch attempts against successive peers.
	MaxRetries = 3
)

// Executor is the local task-execution backend.
type Executor interface {
	Execute(ctx context.Context, capability string, input []byte) ([]byte, error)
}

// Sender delivers a TASK_REQUEST to a peer and returns its ack.
type Sender interface {
	SendTask(ctx context.Context, peerID [32]byte, req wire.TaskRequest) (wire.TaskAck, error)
}

type DispatcherOptions struct {
	AckTimeout time.Duration
	// LocalSkills are the capability tags this node executes itself.
	LocalSkills []string
	Logger      *zap.Logger
}

// Dispatcher pulls tasks off the queue and routes each to the local
// executor or the best remote peer. Local execution wins whenever the
// local node has the capability.
type Dispatcher struct {
	queue      *Queue
	router     *Router
	metrics    *MetricsTable
	exec       Executor
	sender     Sender
	ackTimeout time.Duration
	local      map[string]struct{}
	log        *zap.Logger
}

func NewDispatcher(queue *Queue, router *Router, metrics *MetricsTable, exec Executor, sender Sender, opts DispatcherOptions) *Dispatcher {
	ackTimeout := opts.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	local := make(map[string]struct{}, len(opts.LocalSkills))
	for _, s := range opts.LocalSkills {
		local[s] = struct{}{}
	}
	return &Dispatcher{
		queue:      queue,
		router:     router,
		metrics:    metrics,
		exec:       exec,
		sender:     sender,
		ackTimeout: ackTimeout,
		local:      local,
		log:        log,
	}
}

// Submit enqueues a task, surfacing QueueFull synchronously.
func (d *Dispatcher) Submit(t *Task) error {
	return d.queue.Enqueue(t)
}

// DispatchNext pops and runs the highest-priority task. It returns
// (nil, nil) when the queue is empty.
func (d *Dispatcher) DispatchNext(ctx context.Context) (*Result, error) {
	t := d.queue.Dequeue()
	if t == nil {
		return nil, nil
	}
	t.Status = StatusInFlight
	res := d.dispatch(ctx, t)
	if res.Err != nil {
		t.Status = StatusFailed
	} else {
		t.Status = StatusCompleted
	}
	return res, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, t *Task) *Result {
	if !isZeroID(t.TargetNode) {
		return d.runRemote(ctx, t, t.TargetNode)
	}
	if _, ok := d.local[t.Capability]; ok && d.exec != nil {
		return d.runLocal(ctx, t)
	}
	return d.runRouted(ctx, t)
}

func (d *Dispatcher) runLocal(ctx context.Context, t *Task) *Result {
	start := time.Now()
	out, err := d.exec.Execute(ctx, t.Capability, t.Payload)
	return &Result{
		TaskID:  t.ID,
		Output:  out,
		Err:     err,
		Local:   true,
		Elapsed: time.Since(start),
	}
}

// runRouted tries ranked peers in order until one acknowledges, up to
// the retry bound. A timeout or failure moves on to the next-best
// peer; exhausting candidates marks the task terminally failed.
func (d *Dispatcher) runRouted(ctx context.Context, t *Task) *Result {
	candidates := d.router.Rank(t.Capability)
	if len(candidates) == 0 {
		return &Result{TaskID: t.ID, Err: fmt.Errorf("no peer offers %q", t.Capability)}
	}
	var lastErr error
	attempts := 0
	for _, c := range candidates {
		if attempts > MaxRetries {
			break
		}
		attempts++
		t.Retries = attempts - 1
		res := d.runRemote(ctx, t, c.Info.NodeID)
		if res.Err == nil {
			return res
		}
		lastErr = res.Err
		if ctx.Err() != nil {
			break
		}
	}
	return &Result{TaskID: t.ID, Err: fmt.Errorf("all candidates failed: %w", lastErr)}
}

func (d *Dispatcher) runRemote(ctx context.Context, t *Task, peerID [32]byte) *Result {
	req := wire.TaskRequest{
		TaskID:     t.ID[:],
		Capability: t.Capability,
		Priority:   t.Priority.Byte(),
		Payload:    t.Payload,
	}
	d.metrics.Submitted(peerID)
	start := time.Now()

	ackCtx, cancel := context.WithTimeout(ctx, d.ackTimeout)
	ack, err := d.sender.SendTask(ackCtx, peerID, req)
	cancel()
	elapsed := time.Since(start)

	switch {
	case err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, wire.ErrTimeout)):
		d.metrics.TimedOut(peerID)
		d.log.Warn("task ack timed out",
			zap.String("peer", hex.EncodeToString(peerID[:8])),
			zap.String("task", t.ID.String()))
		return &Result{TaskID: t.ID, Executor: peerID, Err: fmt.Errorf("%w: awaiting ack", wire.ErrTimeout), Elapsed: elapsed}
	case err != nil:
		d.metrics.Failed(peerID)
		return &Result{TaskID: t.ID, Executor: peerID, Err: err, Elapsed: elapsed}
	case !ack.OK:
		d.metrics.Failed(peerID)
		return &Result{TaskID: t.ID, Executor: peerID, Err: fmt.Errorf("peer rejected task: %s", ack.Error), Elapsed: elapsed}
	}
	d.metrics.Completed(peerID, elapsed)
	return &Result{TaskID: t.ID, Output: ack.Output, Executor: peerID, Elapsed: elapsed}
}

// HandleRequest executes an inbound TASK_REQUEST against the local
// backend and builds the ack.
func (d *Dispatcher) HandleRequest(ctx context.Context, req wire.TaskRequest) wire.TaskAck {
	if d.exec == nil {
		return wire.TaskAck{TaskID: req.TaskID, OK: false, Error: "no local executor"}
	}
	if _, ok := d.local[req.Capability]; !ok {
		return wire.TaskAck{TaskID: req.TaskID, OK: false, Error: fmt.Sprintf("capability %q not offered", req.Capability)}
	}
	out, err := d.exec.Execute(ctx, req.Capability, req.Payload)
	if err != nil {
		return wire.TaskAck{TaskID: req.TaskID, OK: false, Error: err.Error()}
	}
	return wire.TaskAck{TaskID: req.TaskID, OK: true, Output: out}
}

func isZeroID(id [32]byte) bool {
	var zero [32]byte
	return id == zero
}

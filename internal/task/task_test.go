package task

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"gridmesh/internal/peer"
	"gridmesh/internal/wire"
)

func TestPriorityBucketing(t *testing.T) {
	cases := []struct {
		b    uint8
		want Priority
	}{
		{0, Low}, {63, Low},
		{64, Normal}, {127, Normal},
		{128, High}, {191, High},
		{192, Critical}, {255, Critical},
	}
	for _, c := range cases {
		if got := PriorityFromByte(c.b); got != c.want {
			t.Fatalf("byte %d bucketed to %v, want %v", c.b, got, c.want)
		}
	}
	for _, p := range []Priority{Low, Normal, High, Critical} {
		if PriorityFromByte(p.Byte()) != p {
			t.Fatalf("canonical byte for %v does not round-trip", p)
		}
	}
}

func TestCriticalDequeuedFirst(t *testing.T) {
	q := NewQueue(16)
	early := New("cap", nil, Normal)
	earlier := New("cap", nil, Low)
	if err := q.Enqueue(earlier); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := q.Enqueue(early); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	crit := New("cap", nil, Critical)
	if err := q.Enqueue(crit); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if got := q.Dequeue(); got != crit {
		t.Fatalf("critical task was not dequeued first")
	}
	if got := q.Dequeue(); got != early {
		t.Fatalf("normal should precede low")
	}
	if got := q.Dequeue(); got != earlier {
		t.Fatalf("low task lost")
	}
}

func TestFIFOWithinTier(t *testing.T) {
	q := NewQueue(16)
	a := New("cap", nil, Normal)
	b := New("cap", nil, Normal)
	if err := q.Enqueue(a); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := q.Enqueue(b); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if q.Dequeue() != a || q.Dequeue() != b {
		t.Fatalf("FIFO order violated within a tier")
	}
}

func TestQueueFull(t *testing.T) {
	q := NewQueue(2)
	for i := 0; i < 2; i++ {
		if err := q.Enqueue(New("cap", nil, Normal)); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}
	if err := q.Enqueue(New("cap", nil, Normal)); !errors.Is(err, wire.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	// Other tiers are unaffected.
	if err := q.Enqueue(New("cap", nil, Critical)); err != nil {
		t.Fatalf("full normal tier blocked critical: %v", err)
	}
}

func TestMetricsExecTimes(t *testing.T) {
	m := NewMetricsTable()
	var id [32]byte
	m.Completed(id, 10*time.Millisecond)
	m.Completed(id, 30*time.Millisecond)
	got := m.Get(id)
	if got.MinExec != 10*time.Millisecond || got.MaxExec != 30*time.Millisecond || got.AvgExec != 20*time.Millisecond {
		t.Fatalf("unexpected exec stats: %+v", got)
	}
	if got.SuccessRate() != 1 {
		t.Fatalf("success rate = %v, want 1", got.SuccessRate())
	}
	m.TimedOut(id)
	if rate := m.Get(id).SuccessRate(); rate <= 0.6 || rate >= 0.7 {
		t.Fatalf("success rate = %v, want 2/3", rate)
	}
}

type fakeTable struct {
	peers []peer.Info
}

func (f *fakeTable) FindBySkill(skill string) []peer.Info {
	var out []peer.Info
	for _, p := range f.peers {
		if p.HasSkill(skill) {
			out = append(out, p)
		}
	}
	return out
}

func fakePeer(seed byte, trust float64, skills ...string) peer.Info {
	var id [32]byte
	id[0] = seed
	return peer.Info{
		NodeID:       id,
		TrustScore:   trust,
		Capabilities: wire.Capabilities{CanCompute: true, Skills: skills},
	}
}

func TestRouterPrefersTrustAndSuccess(t *testing.T) {
	reliable := fakePeer(1, 0.9, "cap")
	flaky := fakePeer(2, 0.9, "cap")
	unrelated := fakePeer(3, 1.0, "other")

	metrics := NewMetricsTable()
	metrics.Completed(reliable.NodeID, time.Millisecond)
	metrics.Failed(flaky.NodeID)
	metrics.Failed(flaky.NodeID)

	r := NewRouter(&fakeTable{peers: []peer.Info{flaky, reliable, unrelated}}, metrics)
	ranked := r.Rank("cap")
	if len(ranked) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(ranked))
	}
	if ranked[0].Info.NodeID != reliable.NodeID {
		t.Fatalf("reliable peer not ranked first")
	}
}

func TestRouterLatencyTieBreak(t *testing.T) {
	near := fakePeer(1, 0.5, "cap")
	far := fakePeer(2, 0.5, "cap")
	metrics := NewMetricsTable()
	metrics.ObserveLatency(near.NodeID, 5*time.Millisecond)
	metrics.ObserveLatency(far.NodeID, 50*time.Millisecond)

	r := NewRouter(&fakeTable{peers: []peer.Info{far, near}}, metrics)
	ranked := r.Rank("cap")
	if ranked[0].Info.NodeID != near.NodeID {
		t.Fatalf("tie not broken by lowest latency")
	}
}

type fakeExecutor struct {
	calls int
}

func (f *fakeExecutor) Execute(_ context.Context, capability string, input []byte) ([]byte, error) {
	f.calls++
	return append([]byte(capability+":"), input...), nil
}

type scriptedSender struct {
	calls [][32]byte
	fail  map[[32]byte]error
	slow  map[[32]byte]bool
}

func (s *scriptedSender) SendTask(ctx context.Context, peerID [32]byte, req wire.TaskRequest) (wire.TaskAck, error) {
	s.calls = append(s.calls, peerID)
	if s.slow != nil && s.slow[peerID] {
		<-ctx.Done()
		return wire.TaskAck{}, ctx.Err()
	}
	if err := s.fail[peerID]; err != nil {
		return wire.TaskAck{}, err
	}
	return wire.TaskAck{TaskID: req.TaskID, OK: true, Output: []byte("remote")}, nil
}

func newDispatcher(table PeerTable, exec Executor, sender Sender, opts DispatcherOptions) (*Dispatcher, *MetricsTable) {
	metrics := NewMetricsTable()
	return NewDispatcher(NewQueue(16), NewRouter(table, metrics), metrics, exec, sender, opts), metrics
}

func TestLocalFirstDispatch(t *testing.T) {
	exec := &fakeExecutor{}
	sender := &scriptedSender{}
	remote := fakePeer(1, 1.0, "cap")
	d, _ := newDispatcher(&fakeTable{peers: []peer.Info{remote}}, exec, sender,
		DispatcherOptions{LocalSkills: []string{"cap"}})

	if err := d.Submit(New("cap", []byte("in"), Normal)); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	res, err := d.DispatchNext(context.Background())
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if !res.Local || exec.calls != 1 || len(sender.calls) != 0 {
		t.Fatalf("expected local execution, got %+v", res)
	}
	if string(res.Output) != "cap:in" {
		t.Fatalf("unexpected output %q", res.Output)
	}
}

func TestRemoteDispatchRetriesNextBest(t *testing.T) {
	best := fakePeer(1, 1.0, "cap")
	backup := fakePeer(2, 0.4, "cap")
	sender := &scriptedSender{fail: map[[32]byte]error{best.NodeID: fmt.Errorf("connection reset")}}
	d, metrics := newDispatcher(&fakeTable{peers: []peer.Info{best, backup}}, nil, sender,
		DispatcherOptions{})

	if err := d.Submit(New("cap", nil, High)); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	res, err := d.DispatchNext(context.Background())
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if res.Err != nil {
		t.Fatalf("expected recovery via backup, got %v", res.Err)
	}
	if len(sender.calls) != 2 || sender.calls[0] != best.NodeID || sender.calls[1] != backup.NodeID {
		t.Fatalf("unexpected attempt order: %v", sender.calls)
	}
	if metrics.Get(best.NodeID).Failed != 1 || metrics.Get(backup.NodeID).Completed != 1 {
		t.Fatalf("metrics not updated per attempt")
	}
}

func TestRemoteDispatchTerminalFailure(t *testing.T) {
	only := fakePeer(1, 1.0, "cap")
	sender := &scriptedSender{fail: map[[32]byte]error{only.NodeID: fmt.Errorf("connection reset")}}
	d, _ := newDispatcher(&fakeTable{peers: []peer.Info{only}}, nil, sender, DispatcherOptions{})

	tsk := New("cap", nil, Normal)
	if err := d.Submit(tsk); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	res, err := d.DispatchNext(context.Background())
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if res.Err == nil {
		t.Fatalf("expected terminal failure")
	}
	if tsk.Status != StatusFailed {
		t.Fatalf("task status = %v, want failed", tsk.Status)
	}
}

func TestAckTimeoutCountsTimedOut(t *testing.T) {
	slow := fakePeer(1, 1.0, "cap")
	sender := &scriptedSender{slow: map[[32]byte]bool{slow.NodeID: true}}
	d, metrics := newDispatcher(&fakeTable{peers: []peer.Info{slow}}, nil, sender,
		DispatcherOptions{AckTimeout: 10 * time.Millisecond})

	if err := d.Submit(New("cap", nil, Normal)); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	res, err := d.DispatchNext(context.Background())
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if !errors.Is(res.Err, wire.ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", res.Err)
	}
	if metrics.Get(slow.NodeID).TimedOut != 1 {
		t.Fatalf("timeout not recorded")
	}
}

func TestHandleRequest(t *testing.T) {
	exec := &fakeExecutor{}
	d, _ := newDispatcher(&fakeTable{}, exec, &scriptedSender{},
		DispatcherOptions{LocalSkills: []string{"cap"}})

	ack := d.HandleRequest(context.Background(), wire.TaskRequest{TaskID: []byte{1}, Capability: "cap", Payload: []byte("x")})
	if !ack.OK || string(ack.Output) != "cap:x" {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	ack = d.HandleRequest(context.Background(), wire.TaskRequest{TaskID: []byte{2}, Capability: "nope"})
	if ack.OK {
		t.Fatalf("unoffered capability must be rejected")
	}
}

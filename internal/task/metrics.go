package task

import (
	"sync"
	"time"
)

// PeerMetrics accumulates per-peer delegation outcomes. The router
// reads them back to prefer peers that finish work.
type PeerMetrics struct {
	Submitted uint64
	Completed uint64
	Failed    uint64
	TimedOut  uint64
	MinExec   time.Duration
	MaxExec   time.Duration
	AvgExec   time.Duration
}

// SuccessRate is completed over finished attempts. Peers with no
// history score 0.5 so newcomers are neither favored nor starved.
func (m PeerMetrics) SuccessRate() float64 {
	done := m.Completed + m.Failed + m.TimedOut
	if done == 0 {
		return 0.5
	}
	return float64(m.Completed) / float64(done)
}

// MetricsTable is the per-peer metrics store, sharded by peer under
// one lock per table.
type MetricsTable struct {
	mu sync.Mutex
	m  map[[32]byte]*peerRecord
}

type peerRecord struct {
	metrics   PeerMetrics
	totalExec time.Duration
	latency   time.Duration
}

func NewMetricsTable() *MetricsTable {
	return &MetricsTable{m: make(map[[32]byte]*peerRecord)}
}

func (t *MetricsTable) record(peerID [32]byte) *peerRecord {
	r, ok := t.m[peerID]
	if !ok {
		r = &peerRecord{}
		t.m[peerID] = r
	}
	return r
}

func (t *MetricsTable) Submitted(peerID [32]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record(peerID).metrics.Submitted++
}

func (t *MetricsTable) Completed(peerID [32]byte, exec time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.record(peerID)
	m := &r.metrics
	m.Completed++
	if m.MinExec == 0 || exec < m.MinExec {
		m.MinExec = exec
	}
	if exec > m.MaxExec {
		m.MaxExec = exec
	}
	r.totalExec += exec
	m.AvgExec = r.totalExec / time.Duration(m.Completed)
}

func (t *MetricsTable) Failed(peerID [32]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record(peerID).metrics.Failed++
}

func (t *MetricsTable) TimedOut(peerID [32]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record(peerID).metrics.TimedOut++
}

// ObserveLatency feeds round-trip measurements (for example from
// PING/PONG) into the routing tie-break.
func (t *MetricsTable) ObserveLatency(peerID [32]byte, rtt time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.record(peerID)
	if r.latency == 0 {
		r.latency = rtt
		return
	}
	// Exponential moving average, weight 1/4 on the new sample.
	r.latency = (3*r.latency + rtt) / 4
}

func (t *MetricsTable) Get(peerID [32]byte) PeerMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.m[peerID]; ok {
		return r.metrics
	}
	return PeerMetrics{}
}

func (t *MetricsTable) Latency(peerID [32]byte) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.m[peerID]; ok {
		return r.latency
	}
	return 0
}

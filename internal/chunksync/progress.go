package chunksync

import (
	"sync"
	"time"
)

// Progress tracks one sync session with one peer. Every chunk outcome
// updates it atomically; readers get a consistent snapshot.
type Progress struct {
	mu               sync.Mutex
	peerID           [32]byte
	totalChunks      int
	syncedChunks     int
	failedChunks     int
	bytesTransferred int64
	startedAt        time.Time
}

// Snapshot is a point-in-time copy of a sync session's state.
type Snapshot struct {
	PeerID           [32]byte
	TotalChunks      int
	SyncedChunks     int
	FailedChunks     int
	BytesTransferred int64
	StartedAt        time.Time
	Elapsed          time.Duration
	Percent          float64
	BytesPerSecond   float64
}

func newProgress(peerID [32]byte, total int) *Progress {
	return &Progress{peerID: peerID, totalChunks: total, startedAt: time.Now()}
}

func (p *Progress) chunkSynced(bytes int64) {
	p.mu.Lock()
	p.syncedChunks++
	p.bytesTransferred += bytes
	p.mu.Unlock()
}

func (p *Progress) chunkFailed() {
	p.mu.Lock()
	p.failedChunks++
	p.mu.Unlock()
}

func (p *Progress) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	elapsed := time.Since(p.startedAt)
	s := Snapshot{
		PeerID:           p.peerID,
		TotalChunks:      p.totalChunks,
		SyncedChunks:     p.syncedChunks,
		FailedChunks:     p.failedChunks,
		BytesTransferred: p.bytesTransferred,
		StartedAt:        p.startedAt,
		Elapsed:          elapsed,
	}
	if p.totalChunks > 0 {
		s.Percent = 100 * float64(p.syncedChunks) / float64(p.totalChunks)
	}
	if secs := elapsed.Seconds(); secs > 0 {
		s.BytesPerSecond = float64(p.bytesTransferred) / secs
	}
	return s
}

// ProgressTable holds the active sync sessions, one per peer.
type ProgressTable struct {
	mu sync.Mutex
	m  map[[32]byte]*Progress
}

func NewProgressTable() *ProgressTable {
	return &ProgressTable{m: make(map[[32]byte]*Progress)}
}

func (t *ProgressTable) start(peerID [32]byte, total int) *Progress {
	p := newProgress(peerID, total)
	t.mu.Lock()
	t.m[peerID] = p
	t.mu.Unlock()
	return p
}

func (t *ProgressTable) finish(peerID [32]byte) {
	t.mu.Lock()
	delete(t.m, peerID)
	t.mu.Unlock()
}

// Get returns the live snapshot for a peer's sync, if one is running.
func (t *ProgressTable) Get(peerID [32]byte) (Snapshot, bool) {
	t.mu.Lock()
	p, ok := t.m[peerID]
	t.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return p.Snapshot(), true
}

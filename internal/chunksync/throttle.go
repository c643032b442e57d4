package chunksync

import (
	"context"
	"sync"
	"time"
)

// ThrottleWindow is the sliding window bandwidth is measured over.
const ThrottleWindow = time.Second

// BandwidthTracker enforces a bytes-per-window ceiling over a sliding
// time window. A ceiling of 0 disables throttling entirely.
type BandwidthTracker struct {
	mu      sync.Mutex
	ceiling int64
	window  time.Duration
	samples []sample
	now     func() time.Time
}

type sample struct {
	at    time.Time
	bytes int64
}

func NewBandwidthTracker(ceiling int64) *BandwidthTracker {
	return &BandwidthTracker{
		ceiling: ceiling,
		window:  ThrottleWindow,
		now:     time.Now,
	}
}

// Record accounts n transferred bytes.
func (t *BandwidthTracker) Record(n int64) {
	if t.ceiling <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples = append(t.samples, sample{at: t.now(), bytes: n})
}

// WindowBytes reports bytes accounted inside the current window.
func (t *BandwidthTracker) WindowBytes() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(t.now())
	var total int64
	for _, s := range t.samples {
		total += s.bytes
	}
	return total
}

// Wait blocks until another transfer fits under the ceiling or the
// context is done. Callers Record after the transfer completes, so one
// in-flight chunk may overshoot the ceiling.
func (t *BandwidthTracker) Wait(ctx context.Context) error {
	if t.ceiling <= 0 {
		return nil
	}
	for {
		t.mu.Lock()
		now := t.now()
		t.pruneLocked(now)
		var total int64
		oldest := now
		for _, s := range t.samples {
			total += s.bytes
			if s.at.Before(oldest) {
				oldest = s.at
			}
		}
		if total < t.ceiling {
			t.mu.Unlock()
			return nil
		}
		wakeAt := oldest.Add(t.window)
		t.mu.Unlock()

		wait := time.Until(wakeAt)
		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (t *BandwidthTracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.window)
	keep := t.samples[:0]
	for _, s := range t.samples {
		if s.at.After(cutoff) {
			keep = append(keep, s)
		}
	}
	t.samples = keep
}

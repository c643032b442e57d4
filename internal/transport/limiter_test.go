package transport

import "testing"

func TestConnLimit(t *testing.T) {
	l := newIPLimiter(2, 0)
	if !l.acquireConn("10.0.0.1") || !l.acquireConn("10.0.0.1") {
		t.Fatalf("connections under the cap were refused")
	}
	if l.acquireConn("10.0.0.1") {
		t.Fatalf("third connection should be refused")
	}
	if !l.acquireConn("10.0.0.2") {
		t.Fatalf("other hosts must not be affected")
	}
	l.releaseConn("10.0.0.1")
	if !l.acquireConn("10.0.0.1") {
		t.Fatalf("released slot not reusable")
	}
}

func TestStreamLimitDisabled(t *testing.T) {
	l := newIPLimiter(0, 0)
	for i := 0; i < 100; i++ {
		if !l.acquireStream("10.0.0.1") {
			t.Fatalf("disabled limiter refused a stream")
		}
	}
}

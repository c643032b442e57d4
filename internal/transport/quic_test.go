package transport

import (
	"bytes"
	"context"
	"crypto/x509"
	"testing"
	"time"

	"gridmesh/internal/wire"
)

func TestDevCertPinnable(t *testing.T) {
	_, der1, err := devTLSCert()
	if err != nil {
		t.Fatalf("devTLSCert: %v", err)
	}
	_, der2, err := devTLSCert()
	if err != nil {
		t.Fatalf("devTLSCert: %v", err)
	}
	if !bytes.Equal(der1, der2) {
		t.Fatal("certificate DER differs between derivations")
	}
	cert, err := x509.ParseCertificate(der1)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		t.Fatalf("certificate not valid now: %v .. %v", cert.NotBefore, cert.NotAfter)
	}
}

func TestExchangePinnedLoopback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := NewServer("127.0.0.1:0", func(remote string, env wire.Envelope) *wire.Envelope {
		return &wire.Envelope{Version: wire.ProtocolVersion, Kind: wire.KindPong, Payload: env.Payload}
	}, ServerOptions{})
	go func() {
		_ = srv.ListenAndServe(ctx)
	}()
	select {
	case <-srv.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("server never became ready")
	}

	reqCtx, reqCancel := context.WithTimeout(ctx, 5*time.Second)
	defer reqCancel()
	req := wire.Envelope{Version: wire.ProtocolVersion, Kind: wire.KindPing, Payload: []byte("tok")}
	reply, err := Exchange(reqCtx, srv.Addr(), req, false)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if reply.Kind != wire.KindPong {
		t.Fatalf("kind = %v, want PONG", reply.Kind)
	}
	if !bytes.Equal(reply.Payload, []byte("tok")) {
		t.Fatalf("payload = %q", reply.Payload)
	}
}

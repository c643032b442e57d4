package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/big"
	"net"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"gridmesh/internal/wire"
)

const alpnProto = "gridmesh-quic"

// Handler answers one inbound envelope. A nil reply closes the stream
// without responding.
type Handler func(remoteAddr string, env wire.Envelope) *wire.Envelope

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert builds the deterministic development certificate. Both
// ends derive the same cert, so the client can pin it; authentication
// of peers happens at the handshake layer, not TLS.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("gridmesh-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	// The validity window is fixed so every process derives a
	// byte-identical certificate for pinning.
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		NotAfter:     time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProto},
	}, nil
}

func clientTLSConfig(insecure bool) (*tls.Config, error) {
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	if insecure {
		return &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{alpnProto},
		}, nil
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{
		RootCAs:    pool,
		NextProtos: []string{alpnProto},
	}, nil
}

type ServerOptions struct {
	MaxConnsPerIP   int
	MaxStreamsPerIP int
	Logger          *zap.Logger
}

// Server accepts QUIC connections and serves one envelope exchange per
// stream: read request, write optional reply, close.
type Server struct {
	addr    string
	bound   string
	handler Handler
	limiter *ipLimiter
	log     *zap.Logger
	ready   chan struct{}
}

func NewServer(addr string, handler Handler, opts ServerOptions) *Server {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		addr:    addr,
		handler: handler,
		limiter: newIPLimiter(opts.MaxConnsPerIP, opts.MaxStreamsPerIP),
		log:     log,
		ready:   make(chan struct{}),
	}
}

// Ready is closed once the listener is accepting.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr reports the bound listen address. It is valid once Ready has
// closed, which matters when the configured port is 0.
func (s *Server) Addr() string {
	select {
	case <-s.ready:
		return s.bound
	default:
		return s.addr
	}
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return err
	}
	listener, err := quic.ListenAddr(s.addr, tlsConf, nil)
	if err != nil {
		return fmt.Errorf("quic listen %s: %w", s.addr, err)
	}
	defer listener.Close()
	s.bound = listener.Addr().String()
	s.log.Info("listening", zap.String("addr", s.bound))
	close(s.ready)

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		ip := hostOf(conn.RemoteAddr().String())
		if !s.limiter.acquireConn(ip) {
			_ = conn.CloseWithError(0, "connection limit")
			continue
		}
		go s.serveConn(ctx, conn, ip)
	}
}

func (s *Server) serveConn(ctx context.Context, conn *quic.Conn, ip string) {
	defer s.limiter.releaseConn(ip)
	remote := conn.RemoteAddr().String()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		if !s.limiter.acquireStream(ip) {
			_ = stream.Close()
			continue
		}
		go func(st *quic.Stream) {
			defer s.limiter.releaseStream(ip)
			defer st.Close()
			env, err := wire.ReadEnvelope(st)
			if err != nil {
				s.log.Debug("dropping unreadable stream", zap.Error(err))
				return
			}
			reply := s.handler(remote, env)
			if reply == nil {
				return
			}
			if err := wire.WriteEnvelope(st, *reply); err != nil {
				s.log.Debug("reply write failed", zap.Error(err))
			}
		}(stream)
	}
}

// Exchange dials a peer, sends one envelope and reads the reply.
func Exchange(ctx context.Context, addr string, env wire.Envelope, insecure bool) (wire.Envelope, error) {
	tlsConf, err := clientTLSConfig(insecure)
	if err != nil {
		return wire.Envelope{}, err
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
	if err != nil {
		return wire.Envelope{}, err
	}
	defer conn.CloseWithError(0, "")

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return wire.Envelope{}, err
	}
	defer stream.Close()
	if err := wire.WriteEnvelope(stream, env); err != nil {
		return wire.Envelope{}, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetReadDeadline(deadline)
	}
	return wire.ReadEnvelope(stream)
}

// Send dials a peer and sends one envelope without awaiting a reply.
func Send(ctx context.Context, addr string, env wire.Envelope, insecure bool) error {
	tlsConf, err := clientTLSConfig(insecure)
	if err != nil {
		return err
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
	if err != nil {
		return err
	}
	defer conn.CloseWithError(0, "")

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return err
	}
	if err := wire.WriteEnvelope(stream, env); err != nil {
		return err
	}
	return stream.Close()
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

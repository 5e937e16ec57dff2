// Package network carries accounting messages over QUIC. Each stream holds
// exactly one length-prefixed request frame followed by one answer frame.
package network

import (
	"context"
	"errors"
	"net"
	"time"

	quic "github.com/quic-go/quic-go"

	"github.com/ConorIT/jdiameter/internal/debuglog"
	"github.com/ConorIT/jdiameter/internal/metrics"
	"github.com/ConorIT/jdiameter/internal/proto"
)

const (
	maxIdleTimeout       = 30 * time.Second
	keepAlivePeriod      = 10 * time.Second
	handshakeIdleTimeout = 5 * time.Second
	streamRWTimeout      = 10 * time.Second

	errCodeLimited quic.ApplicationErrorCode = 0x10
)

// Handler answers one request payload. A nil answer closes the stream
// without a reply.
type Handler func(ctx context.Context, remote string, payload []byte) ([]byte, error)

type ServerOptions struct {
	MaxConnsPerIP   int
	MaxStreamsPerIP int
	Metrics         *metrics.Metrics
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	}
}

// ListenAndServe accepts QUIC connections on addr until ctx is done. The
// bound address is sent on ready once the listener is up.
func ListenAndServe(ctx context.Context, addr string, ready chan<- string, handle Handler, opts ServerOptions) error {
	if handle == nil {
		return errors.New("missing handler")
	}
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return err
	}
	listener, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		debuglog.Logf("quic listen error: %v", err)
		return err
	}
	defer listener.Close()
	bound := listener.Addr().String()
	debuglog.Logf("quic listen ready: %s", bound)
	if ready != nil {
		select {
		case ready <- bound:
		default:
		}
	}
	stop := context.AfterFunc(ctx, func() { _ = listener.Close() })
	defer stop()

	lim := newIPLimiter(opts.MaxConnsPerIP, opts.MaxStreamsPerIP)
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			debuglog.Logf("quic accept error: %v", err)
			return err
		}
		ip := hostOf(conn.RemoteAddr())
		if !lim.acquireConn(ip) {
			countDrop(opts.Metrics, "conn_limit")
			debuglog.RateLimitedf("conn_limit:"+ip, time.Minute, "quic conn limit reached ip=%s", ip)
			_ = conn.CloseWithError(errCodeLimited, "too many connections")
			continue
		}
		go serveConn(ctx, conn, ip, lim, handle, opts.Metrics)
	}
}

func serveConn(ctx context.Context, conn *quic.Conn, ip string, lim *ipLimiter, handle Handler, m *metrics.Metrics) {
	if m != nil {
		m.AddCurrentConns(1)
		defer m.AddCurrentConns(-1)
	}
	defer lim.releaseConn(ip)
	defer func() { _ = conn.CloseWithError(0, "server closing") }()
	remote := conn.RemoteAddr().String()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			debuglog.Debugf("quic accept stream error remote=%s: %v", remote, err)
			return
		}
		if !lim.acquireStream(ip) {
			countDrop(m, "stream_limit")
			stream.CancelRead(quic.StreamErrorCode(errCodeLimited))
			_ = stream.Close()
			continue
		}
		go func(s *quic.Stream) {
			defer lim.releaseStream(ip)
			serveStream(ctx, s, remote, handle, m)
		}(stream)
	}
}

func serveStream(ctx context.Context, s *quic.Stream, remote string, handle Handler, m *metrics.Metrics) {
	if m != nil {
		m.AddCurrentStreams(1)
		defer m.AddCurrentStreams(-1)
	}
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(streamRWTimeout))
	payload, err := proto.ReadFrame(s)
	if err != nil {
		countDrop(m, "bad_frame")
		debuglog.Debugf("quic read error remote=%s: %v", remote, err)
		return
	}
	msgType, ok := proto.MessageType(payload)
	if !ok {
		msgType = "unknown"
	}
	if m != nil {
		m.IncRecvByType(msgType)
	}
	debuglog.Debugf("recv %d bytes type=%s remote=%s", len(payload), msgType, remote)
	answer, err := handle(ctx, remote, payload)
	if err != nil {
		debuglog.Debugf("handler error type=%s remote=%s: %v", msgType, remote, err)
	}
	if len(answer) == 0 {
		return
	}
	if err := proto.WriteFrame(s, answer); err != nil {
		debuglog.Debugf("quic write error remote=%s: %v", remote, err)
	}
}

func countDrop(m *metrics.Metrics, reason string) {
	if m != nil {
		m.IncDropByReason(reason)
	}
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

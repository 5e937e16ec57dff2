package network

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"time"

	"github.com/cenkalti/backoff/v5"
	quic "github.com/quic-go/quic-go"

	"github.com/ConorIT/jdiameter/internal/debuglog"
	"github.com/ConorIT/jdiameter/internal/proto"
)

const (
	clientMaxTries    = 4
	clientBackoffBase = 100 * time.Millisecond
	clientBackoffMax  = time.Second
)

// ErrNoAnswer is returned when the remote closed the stream without a reply.
var ErrNoAnswer = errors.New("no answer")

type ClientOptions struct {
	Insecure  bool
	CAPath    string
	IdleAfter time.Duration
}

// Client performs request/answer exchanges over pooled QUIC connections.
type Client struct {
	pool     *clientPool
	tlsConf  *tls.Config
	quicConf *quic.Config
}

func NewClient(opts ClientOptions) (*Client, error) {
	tlsConf, err := clientTLSConfig(opts.Insecure, opts.CAPath)
	if err != nil {
		return nil, err
	}
	return &Client{
		pool:     newClientPool(opts.IdleAfter),
		tlsConf:  tlsConf,
		quicConf: quicConfig(),
	}, nil
}

// Exchange sends one request frame to addr and waits for the answer frame.
// Dial and stream-open failures are retried with backoff. Once the request
// has been written it is never resent, so a lost answer surfaces as an
// error instead of a duplicate request.
func (c *Client) Exchange(ctx context.Context, addr string, payload []byte) ([]byte, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = clientBackoffBase
	b.MaxInterval = clientBackoffMax
	return backoff.Retry(ctx, func() ([]byte, error) {
		return c.exchangeOnce(ctx, addr, payload)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(clientMaxTries))
}

func (c *Client) exchangeOnce(ctx context.Context, addr string, payload []byte) ([]byte, error) {
	conn, err := c.pool.get(ctx, addr, c.tlsConf, c.quicConf)
	if err != nil {
		debuglog.RateLimitedf("dial:"+addr, 5*time.Second, "quic dial %s failed: %v", addr, err)
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		c.pool.drop(addr, conn, "open stream failed")
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(dl)
	} else {
		_ = stream.SetDeadline(time.Now().Add(streamRWTimeout))
	}
	if err := proto.WriteFrame(stream, payload); err != nil {
		stream.CancelRead(0)
		_ = stream.Close()
		c.pool.drop(addr, conn, "write failed")
		return nil, backoff.Permanent(err)
	}
	if err := stream.Close(); err != nil {
		debuglog.Debugf("quic stream close error addr=%s: %v", addr, err)
	}
	resp, err := proto.ReadFrame(stream)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = ErrNoAnswer
		} else {
			c.pool.drop(addr, conn, "read failed")
		}
		return nil, backoff.Permanent(err)
	}
	c.pool.touch(addr, conn)
	return resp, nil
}

func (c *Client) Close() {
	c.pool.closeAll()
}

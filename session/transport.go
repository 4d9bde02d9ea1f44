package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/srdgame/libplctag-sub000/eip"
	"github.com/srdgame/libplctag-sub000/logging"
)

// ErrWouldBlock is returned by Conn when a read has no data buffered or a
// write cannot make progress right now.
var ErrWouldBlock = errors.New("operation would block")

// Conn is a non-blocking byte stream to a gateway. Read and Write return
// ErrWouldBlock instead of waiting.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Dialer opens a Conn to address ("host:port").
type Dialer interface {
	Dial(ctx context.Context, address string) (Conn, error)
}

// TCPDialer dials plain TCP and wraps the socket with short I/O deadlines.
type TCPDialer struct {
	// PollTimeout bounds each Read and Write on the returned Conn.
	PollTimeout time.Duration
}

const defaultPollTimeout = 200 * time.Microsecond

// Dial connects and enables keepalive.
func (d TCPDialer) Dial(ctx context.Context, address string) (Conn, error) {
	logging.DebugConnect("session", address)

	var nd net.Dialer
	c, err := nd.DialContext(ctx, "tcp", address)
	if err != nil {
		logging.DebugConnectError("session", address, err)
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(30 * time.Second)
		_ = tc.SetNoDelay(true)
	}

	poll := d.PollTimeout
	if poll <= 0 {
		poll = defaultPollTimeout
	}
	return &tcpConn{conn: c, poll: poll}, nil
}

type tcpConn struct {
	conn net.Conn
	poll time.Duration
}

func (c *tcpConn) Read(p []byte) (int, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.poll))
	n, err := c.conn.Read(p)
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		if n > 0 {
			return n, nil
		}
		return 0, ErrWouldBlock
	}
	return n, err
}

func (c *tcpConn) Write(p []byte) (int, error) {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.poll))
	n, err := c.conn.Write(p)
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		if n > 0 {
			return n, nil
		}
		return 0, ErrWouldBlock
	}
	return n, err
}

func (c *tcpConn) Close() error {
	return c.conn.Close()
}

// blockingConn adapts a Conn to a blocking io.ReadWriter for the
// registration worker. It polls until the deadline passes.
type blockingConn struct {
	conn     Conn
	deadline time.Time
}

var errRegisterTimeout = errors.New("register session timed out")

func (b *blockingConn) Read(p []byte) (int, error) {
	for {
		n, err := b.conn.Read(p)
		if !errors.Is(err, ErrWouldBlock) {
			return n, err
		}
		if time.Now().After(b.deadline) {
			return 0, errRegisterTimeout
		}
		time.Sleep(time.Millisecond)
	}
}

func (b *blockingConn) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := b.conn.Write(p[written:])
		written += n
		if err != nil && !errors.Is(err, ErrWouldBlock) {
			return written, err
		}
		if n == 0 {
			if time.Now().After(b.deadline) {
				return written, errRegisterTimeout
			}
			time.Sleep(time.Millisecond)
		}
	}
	return written, nil
}

var _ io.ReadWriter = (*blockingConn)(nil)

// connectResult is what the connect worker hands back to the tick loop.
type connectResult struct {
	conn   Conn
	handle uint32
	err    error
}

// connect dials and registers a session. It runs on its own goroutine and
// blocks until the tick loop takes the result or ctx is cancelled, in which
// case the socket is closed.
func connect(ctx context.Context, dialer Dialer, address string, timeout time.Duration, out chan<- connectResult) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := connectResult{}
	conn, err := dialer.Dial(dialCtx, address)
	if err != nil {
		res.err = err
	} else {
		deadline, _ := dialCtx.Deadline()
		handle, err := eip.Register(&blockingConn{conn: conn, deadline: deadline})
		if err != nil {
			_ = conn.Close()
			logging.DebugConnectError("session", address, err)
			res.err = fmt.Errorf("register session with %s: %w", address, err)
		} else {
			res.conn, res.handle = conn, handle
			logging.DebugConnectSuccess("session", address, fmt.Sprintf("session=0x%08X", handle))
		}
	}

	select {
	case out <- res:
	case <-ctx.Done():
		if res.conn != nil {
			_ = res.conn.Close()
		}
	}
}

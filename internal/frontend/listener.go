// This file generalizes the SO_REUSEADDR/SO_REUSEPORT listener setup
// of Caddy's root-level listen_unix.go/listen_linux.go (Copyright
// 2015 Matthew Holt and The Caddy Authors, Apache License 2.0), and
// the accept-with-deadline idiom surveyed across the example pack's
// raw TCP servers, to a poll-timeout accept loop over opaque request
// bytes instead of Caddy's net/http-backed connections.

// Package frontend owns the listening socket: it accepts at most one
// client per poll, reads the full request, and hands the caller an
// Accepted value that must eventually be released via Respond or
// ReleaseWithoutResponse so the client socket is never leaked.
package frontend

import (
	"bytes"
	"errors"
	"io"
	"net"
	"time"
)

// ClientRecvTimeout bounds how long the listener waits for a client
// to finish sending its request once accepted.
const ClientRecvTimeout = 2 * time.Second

// readChunk is the buffer size used when draining a client request.
const readChunk = 4096

// Client wraps the accepted socket. It is owned by the Listener until
// Respond or ReleaseWithoutResponse releases it.
type Client struct {
	conn net.Conn
}

// ProbeSentinel is the client handle used for health-probe
// transactions: there is no real client to respond to, so Respond and
// ReleaseWithoutResponse on it are no-ops.
var ProbeSentinel = &Client{}

// IsProbe reports whether c is the probe sentinel.
func (c *Client) IsProbe() bool { return c == ProbeSentinel }

// Accepted is one fully-read client request paired with the socket it
// arrived on.
type Accepted struct {
	Request []byte
	Client  *Client
}

// Listener accepts client connections with a bounded poll timeout and
// holds each accepted socket until the dispatcher releases it.
type Listener struct {
	ln net.Listener
}

// Listen opens a TCP listener on addr with SO_REUSEADDR/SO_REUSEPORT
// set (see listen_unix.go). backlog is accepted but not applied; the
// kernel backlog is the one Go's net package chooses.
func Listen(addr string, backlog int) (*Listener, error) {
	ln, err := listenReusable(addr, backlog)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln}, nil
}

// Close shuts down the listening socket.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// TryAcceptLatest polls for a ready connection for at most timeout.
// If none arrives, it returns (nil, false). If a client connects, it
// accepts exactly one and reads its request until the peer
// half-closes, ClientRecvTimeout elapses, or the bytes read so far
// contain the blank line ending the header block, then returns the
// Accepted request plus true. Body bytes that arrive in reads after
// the one completing the header block are not collected. The
// returned Client remains owned by the caller until Respond or
// ReleaseWithoutResponse releases it.
func (l *Listener) TryAcceptLatest(timeout time.Duration) (*Accepted, bool) {
	tl, ok := l.ln.(interface {
		SetDeadline(time.Time) error
	})
	if ok {
		_ = tl.SetDeadline(time.Now().Add(timeout))
	}

	conn, err := l.ln.Accept()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, false
		}
		return nil, false
	}

	req, err := readRequest(conn, ClientRecvTimeout)
	if err != nil {
		conn.Close()
		return nil, false
	}

	return &Accepted{Request: req, Client: &Client{conn: conn}}, true
}

func readRequest(conn net.Conn, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	chunk := make([]byte, readChunk)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				break
			}
			return nil, err
		}
		if headerComplete(buf.Bytes()) {
			break
		}
	}
	return buf.Bytes(), nil
}

// headerComplete reports whether the accumulated bytes contain a full
// header block. The codec is deliberately body-agnostic (bodies are
// opaque blocks per the spec), so this only needs to see the blank
// line terminating the headers to stop reading further on a
// keep-alive-less connection.
func headerComplete(b []byte) bool {
	return bytes.Contains(b, []byte("\r\n\r\n"))
}

// Respond writes b in full to c's socket, retrying partial sends,
// then releases the handle. A write failure is reported to the
// caller but the handle is released regardless — it is never leaked.
func (l *Listener) Respond(c *Client, b []byte) error {
	if c == nil || c.IsProbe() {
		return nil
	}
	defer c.conn.Close()

	for len(b) > 0 {
		n, err := c.conn.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// ReleaseWithoutResponse closes c's socket without writing anything,
// for the client-write-already-failed / discard path.
func (l *Listener) ReleaseWithoutResponse(c *Client) {
	if c == nil || c.IsProbe() {
		return
	}
	c.conn.Close()
}

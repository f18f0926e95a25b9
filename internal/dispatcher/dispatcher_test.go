package dispatcher

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caddyserver/octoproxy/internal/frontend"
	"github.com/caddyserver/octoproxy/internal/pool"
	"github.com/caddyserver/octoproxy/internal/prober"
	"github.com/caddyserver/octoproxy/internal/selector"
	"github.com/caddyserver/octoproxy/internal/transaction"
)

func dialAndSend(t *testing.T, addr, payload string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_, err = conn.Write([]byte(payload))
	require.NoError(t, err)
	return conn
}

func readAll(t *testing.T, conn net.Conn, timeout time.Duration) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 4096)
	var out []byte
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err != nil {
			break
		}
	}
	return string(out)
}

func startUpstream(t *testing.T, reply []byte, accept bool) (host string, port int, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			if !accept {
				conn.Close()
				continue
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 1024)
				conn.Read(buf)
				if reply != nil {
					conn.Write(reply)
				}
			}()
		}
	}()

	h, p, _ := net.SplitHostPort(ln.Addr().String())
	port, _ = strconv.Atoi(p)
	return h, port, func() { ln.Close() }
}

// listenerWithKnownAddr builds a frontend.Listener bound to a free
// loopback port it reports back, since the package does not expose an
// Addr accessor of its own.
func listenerWithKnownAddr(t *testing.T) (*frontend.Listener, string) {
	t.Helper()
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := probe.Addr().String()
	probe.Close()

	ln, err := frontend.Listen(addr, 8)
	require.NoError(t, err)
	return ln, addr
}

func TestTickPoolEmptyRespondsWith503(t *testing.T) {
	p := pool.New()
	strat := selector.New("round_robin")
	mgr := transaction.NewManager(p, 200*time.Millisecond)
	ln, addr := listenerWithKnownAddr(t)
	defer ln.Close()
	pr := prober.New(p, mgr, time.Hour)
	l := NewLoop(ln, p, mgr, strat, pr, 3)

	conn := dialAndSend(t, addr, "GET / HTTP/1.1\r\n\r\n")
	defer conn.Close()

	l.Tick(context.Background())

	resp := readAll(t, conn, time.Second)
	assert.Contains(t, resp, "503")
}

func TestTickAllInactiveRespondsWith503(t *testing.T) {
	p := pool.New()
	b := p.Add("127.0.0.1", 1, 1)
	p.SetInactive(b, true)

	strat := selector.New("round_robin")
	mgr := transaction.NewManager(p, 200*time.Millisecond)
	ln, addr := listenerWithKnownAddr(t)
	defer ln.Close()
	pr := prober.New(p, mgr, time.Hour)
	l := NewLoop(ln, p, mgr, strat, pr, 3)

	conn := dialAndSend(t, addr, "GET / HTTP/1.1\r\n\r\n")
	defer conn.Close()

	for i := 0; i < 5; i++ {
		l.Tick(context.Background())
	}

	resp := readAll(t, conn, time.Second)
	assert.Contains(t, resp, "503")
}

func TestTickSuccessfulDispatchRespondsAndMarksActive(t *testing.T) {
	host, port, stopUp := startUpstream(t, []byte("HTTP/1.1 200 OK\r\n\r\nhi"), true)
	defer stopUp()

	p := pool.New()
	b := p.Add(host, port, 1)
	p.BeginAttempt(b) // fresh, so the prober leaves it alone
	p.EndAttempt(b)

	strat := selector.New("round_robin")
	mgr := transaction.NewManager(p, time.Second)
	ln, addr := listenerWithKnownAddr(t)
	defer ln.Close()
	pr := prober.New(p, mgr, time.Hour)
	l := NewLoop(ln, p, mgr, strat, pr, 3)

	conn := dialAndSend(t, addr, "GET / HTTP/1.1\r\n\r\n")
	defer conn.Close()

	l.Tick(context.Background()) // accepts the client and dispatches it to b
	p.SetInactive(b, true)       // dispatcher must clear this on success

	require.Eventually(t, func() bool {
		l.Tick(context.Background())
		resp := readAll(t, conn, 20*time.Millisecond)
		return resp != ""
	}, 2*time.Second, 10*time.Millisecond)

	assert.False(t, b.Inactive())
}

func TestTickRetriesThenExhaustsTo503(t *testing.T) {
	p := pool.New()
	b := p.Add("127.0.0.1", 1, 1) // nothing listens on port 1

	strat := selector.New("round_robin")
	mgr := transaction.NewManager(p, 50*time.Millisecond)
	ln, addr := listenerWithKnownAddr(t)
	defer ln.Close()
	pr := prober.New(p, mgr, time.Hour)
	maxRetries := 2
	l := NewLoop(ln, p, mgr, strat, pr, maxRetries)

	conn := dialAndSend(t, addr, "GET / HTTP/1.1\r\n\r\n")
	defer conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		l.Tick(context.Background())
		resp := readAll(t, conn, 20*time.Millisecond)
		if resp != "" {
			assert.Contains(t, resp, "503")
			assert.True(t, b.Inactive())
			return
		}
	}
	t.Fatal("did not receive a 503 before the retry budget was exhausted")
}

// TestTickExhaustedRetryMarksItsOwnBackendInactive covers the case
// where the backend that exhausts the retry budget is not the same
// backend that failed the first attempt: with maxRetries=1, backend A
// fails attempt 0 and is marked inactive, the retry lands on backend
// B (the only other active one), and B's own failure exhausts the
// budget. B must end up inactive too, even though it never went
// through the Retryable branch itself.
func TestTickExhaustedRetryMarksItsOwnBackendInactive(t *testing.T) {
	p := pool.New()
	a := p.Add("127.0.0.1", 1, 1) // nothing listens on port 1
	b := p.Add("127.0.0.1", 2, 1) // nothing listens on port 2 either
	for _, be := range []*pool.Backend{a, b} {
		p.BeginAttempt(be) // fresh, so no health probe marks b inactive first
		p.EndAttempt(be)
	}

	strat := selector.New("round_robin")
	mgr := transaction.NewManager(p, 50*time.Millisecond)
	ln, addr := listenerWithKnownAddr(t)
	defer ln.Close()
	pr := prober.New(p, mgr, time.Hour)
	maxRetries := 1
	l := NewLoop(ln, p, mgr, strat, pr, maxRetries)

	conn := dialAndSend(t, addr, "GET / HTTP/1.1\r\n\r\n")
	defer conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		l.Tick(context.Background())
		resp := readAll(t, conn, 20*time.Millisecond)
		if resp != "" {
			assert.Contains(t, resp, "503")
			assert.True(t, a.Inactive())
			assert.True(t, b.Inactive(), "backend that exhausted the retry budget must be marked inactive too")
			return
		}
	}
	t.Fatal("did not receive a 503 before the retry budget was exhausted")
}

func TestTickProbeOutcomeRoutesToProber(t *testing.T) {
	host, port, stopUp := startUpstream(t, []byte("HTTP/1.1 200 OK\r\n\r\n"), true)
	defer stopUp()

	p := pool.New()
	b := p.Add(host, port, 1)
	p.SetInactive(b, true)

	strat := selector.New("round_robin")
	mgr := transaction.NewManager(p, time.Second)
	ln, _ := listenerWithKnownAddr(t)
	defer ln.Close()
	pr := prober.New(p, mgr, time.Hour) // zero lastRefreshed: stale now, fresh after the probe
	l := NewLoop(ln, p, mgr, strat, pr, 3)

	require.Eventually(t, func() bool {
		l.Tick(context.Background())
		return !b.Inactive()
	}, 2*time.Second, 10*time.Millisecond)

	assert.False(t, b.Probing())
}

package transaction

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
)

func startEchoBackend(t *testing.T, reply []byte) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
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

	return ln.Addr().String(), func() { ln.Close() }
}

func TestDispatchAndReapSuccess(t *testing.T) {
	addr, stop := startEchoBackend(t, []byte("HTTP/1.1 200 OK\r\n\r\nok"))
	defer stop()

	p := pool.New()
	host, portStr, _ := net.SplitHostPort(addr)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	b := p.Add(host, port, 1)

	mgr := NewManager(p, time.Second)
	mgr.Dispatch(context.Background(), b, frontend.ProbeSentinel, []byte("GET / HTTP/1.1\r\n\r\n"), 0, false)

	var outcomes []Outcome
	require.Eventually(t, func() bool {
		outcomes = append(outcomes, mgr.Reap(10*time.Millisecond, 3)...)
		return len(outcomes) == 1
	}, time.Second, 5*time.Millisecond)

	assert.True(t, outcomes[0].Success)
	assert.Contains(t, string(outcomes[0].Result.Reply), "200 OK")
	assert.Equal(t, 0, mgr.LiveCount())
	assert.EqualValues(t, 0, b.InFlight())
}

func TestDispatchAndReapFailureRetryBudget(t *testing.T) {
	p := pool.New()
	b := p.Add("127.0.0.1", 1, 1) // nothing listening on port 1

	mgr := NewManager(p, 100*time.Millisecond)
	mgr.Dispatch(context.Background(), b, frontend.ProbeSentinel, []byte("x"), 3, false)

	var outcomes []Outcome
	require.Eventually(t, func() bool {
		outcomes = append(outcomes, mgr.Reap(10*time.Millisecond, 3)...)
		return len(outcomes) == 1
	}, time.Second, 5*time.Millisecond)

	assert.False(t, outcomes[0].Success)
	assert.False(t, outcomes[0].Retryable, "attempt 3 with maxRetries 3 is exhausted")
}

func TestDispatchAndReapFailureStillRetryable(t *testing.T) {
	p := pool.New()
	b := p.Add("127.0.0.1", 1, 1)

	mgr := NewManager(p, 100*time.Millisecond)
	mgr.Dispatch(context.Background(), b, frontend.ProbeSentinel, []byte("x"), 1, false)

	var outcomes []Outcome
	require.Eventually(t, func() bool {
		outcomes = append(outcomes, mgr.Reap(10*time.Millisecond, 3)...)
		return len(outcomes) == 1
	}, time.Second, 5*time.Millisecond)

	assert.True(t, outcomes[0].Retryable)
	assert.Equal(t, 2, outcomes[0].NextAttempt)
}

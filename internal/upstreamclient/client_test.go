package upstreamclient

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuerySuccess(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 1024)
		n, _ := conn.Read(buf)
		_ = n
		conn.Write([]byte("HTTP/1.1 200 OK\r\n\r\nhi"))
	}()

	reply, err := Query(context.Background(), ln.Addr().String(), []byte("GET / HTTP/1.1\r\n\r\n"), time.Second)
	require.NoError(t, err)
	assert.Contains(t, string(reply), "200 OK")
}

func TestQueryConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close() // nothing listening now

	_, err = Query(context.Background(), addr, []byte("x"), 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrUpstreamFail)
}

func TestQueryZeroBytesBeforeTimeoutFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(200 * time.Millisecond) // never writes back
	}()

	_, err = Query(context.Background(), ln.Addr().String(), []byte("x"), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrUpstreamFail)
}

// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build unix

package frontend

import (
	"context"
	"net"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/caddyserver/octoproxy/internal/octolog"
)

// listenReusable binds addr with SO_REUSEADDR and SO_REUSEPORT set, so
// that a forcefully-killed octoproxy doesn't wedge the next start on
// TIME_WAIT. backlog is accepted for interface parity with the
// connections_accepted setting, but Go's net package does not expose
// a way to override the kernel listen() backlog it chooses
// internally (bounded by the system's somaxconn); the real queueing
// behavior octoproxy offers is the dispatcher's own bounded poll-accept.
func listenReusable(addr string, backlog int) (net.Listener, error) {
	cfg := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
					octolog.L().Error("setting SO_REUSEADDR", zap.String("addr", address), zap.Error(err))
				}
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
					octolog.L().Error("setting SO_REUSEPORT", zap.String("addr", address), zap.Error(err))
				}
			})
		},
	}
	return cfg.Listen(context.Background(), "tcp", addr)
}

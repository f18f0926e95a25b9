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

//go:build !unix

package frontend

import (
	"context"
	"net"
)

// listenReusable on non-unix platforms falls back to a plain
// net.Listen; SO_REUSEPORT has no equivalent on Windows, and
// SO_REUSEADDR there already permits rebinding a closed socket. backlog
// is accepted for interface parity only, see listen_unix.go.
func listenReusable(addr string, backlog int) (net.Listener, error) {
	var cfg net.ListenConfig
	return cfg.Listen(context.Background(), "tcp", addr)
}

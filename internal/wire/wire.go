// This file is adapted from code in the net/http/httputil-adjacent
// middleware/proxy package of Caddy, which is by Light Code Labs
// and the Caddy Authors:
//
//   Copyright 2015 Matthew Holt and The Caddy Authors
//
//   Licensed under the Apache License, Version 2.0 (the "License");
//   you may not use this file except in compliance with the License.
//   You may obtain a copy of the License at
//
//       http://www.apache.org/licenses/LICENSE-2.0
//
// This file has been rewritten to build raw byte request/response
// blocks instead of driving net/http's RoundTripper.

// Package wire builds the raw HTTP/1.1 byte blocks octoproxy sends
// upstream and synthesizes the two responses the core is allowed to
// generate itself: the 503 fallback and the health-probe HEAD request.
// Upstream replies are never parsed here — they're opaque bytes that
// flow straight back to the client.
package wire

import (
	"fmt"
	"net/http"
	"strconv"
)

// UserAgent identifies octoproxy to upstreams, the way Caddy's own
// ReverseProxy stamps an identifying User-Agent onto proxied requests.
const UserAgent = "octoproxy/1.0"

// unavailableBody is the literal HTML body of the synthesized 503.
const unavailableBody = "<html><body>Unable to connect to server</body></html>"

// BuildRequest serializes a request line, the fixed Host/User-Agent/Accept
// headers, any caller-supplied headers, and an optional body into the raw
// bytes the upstream client writes to a backend socket.
func BuildRequest(method, target, host string, headers http.Header, body []byte) []byte {
	var b []byte
	b = append(b, method...)
	b = append(b, ' ')
	b = append(b, target...)
	b = append(b, " HTTP/1.1\r\n"...)

	b = appendHeader(b, "Host", host)
	b = appendHeader(b, "User-Agent", UserAgent)
	b = appendHeader(b, "Accept", "*/*")

	for name, values := range headers {
		for _, v := range values {
			b = appendHeader(b, name, v)
		}
	}

	if len(body) > 0 {
		b = appendHeader(b, "Content-Length", strconv.Itoa(len(body)))
		b = append(b, "\r\n"...)
		b = append(b, body...)
	} else {
		b = append(b, "\r\n"...)
	}

	return b
}

func appendHeader(b []byte, name, value string) []byte {
	b = append(b, name...)
	b = append(b, ": "...)
	b = append(b, value...)
	b = append(b, "\r\n"...)
	return b
}

// BuildProbe builds the literal HEAD request the health prober sends
// to test liveness of a stale backend: "HEAD / HTTP/1.1\r\nHost:
// <host>\r\n\r\n" and nothing else. It deliberately does not route
// through BuildRequest, which would add the User-Agent/Accept headers
// §4.1 specifies for client-originated requests but §4.7 does not
// allow on a probe. It consumes no client retry budget and its reply
// is never forwarded anywhere.
func BuildProbe(host string) []byte {
	return []byte("HEAD / HTTP/1.1\r\nHost: " + host + "\r\n\r\n")
}

// Build503 synthesizes the literal 503 response octoproxy writes to a
// client when no usable upstream exists.
func Build503() []byte {
	body := unavailableBody
	return []byte(fmt.Sprintf(
		"HTTP/1.1 503 Service Unavailable\r\nContent-Type: text/html\r\nContent-Length: %d\r\n\r\n%s",
		len(body), body,
	))
}

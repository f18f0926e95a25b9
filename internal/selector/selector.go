// This file generalizes the Random/LeastConn/RoundRobin policies from
// Caddy's middleware/proxy/policy.go (Copyright 2015 Matthew Holt and
// The Caddy Authors, Apache License 2.0) and the WeightedRoundRobin
// cursor semantics exercised by
// modules/caddyhttp/reverseproxy/selectionpolicies_test.go, adapted
// from net/http upstream hosts to octoproxy's raw pool.Backend.

// Package selector implements the three backend-selection strategies:
// weighted round-robin, least-connections, and random. Every strategy
// skips inactive backends and reports "none" when the pool is empty
// or every backend is down.
package selector

import (
	"math/rand"

	"github.com/caddyserver/octoproxy/internal/pool"
)

// Strategy picks the next backend to dispatch to, or nil if none is
// usable right now.
type Strategy interface {
	Select(p *pool.Pool) *pool.Backend
}

// New constructs a Strategy by name: "round_robin" (weighted),
// "least_conn", or "random". Unknown names fall back to weighted
// round-robin, matching the teacher's own default-to-Random-on-nil-
// policy behavior in staticUpstream.Select, generalized to "unknown
// name" rather than "nil policy".
func New(name string) Strategy {
	switch name {
	case "least_conn":
		return &LeastConnections{}
	case "random":
		return &Random{}
	default:
		return &WeightedRoundRobin{}
	}
}

// maxSkipSlack bounds how many extra hops WeightedRoundRobin's cursor
// advance will take looking for an active backend beyond one full
// revolution of the pool, per the spec's "pool_size + 4" budget.
const maxSkipSlack = 4

// WeightedRoundRobin dispatches to the backend at a persistent cursor
// until that backend's weight quota (hits) is exhausted or it goes
// inactive, then advances. The cursor and hit counter live on the
// Strategy value itself (dispatcher-local state), never on the pool.
type WeightedRoundRobin struct {
	current int
	hits    int
}

func (w *WeightedRoundRobin) Select(p *pool.Pool) *pool.Backend {
	n := p.Len()
	if n == 0 || p.AllInactive() {
		return nil
	}
	if w.current >= n {
		w.current = 0
	}
	budget := n + maxSkipSlack

	// The cursor must land on an active backend before it is used;
	// a weight or liveness change since the last Select could have
	// left it pointing at a now-inactive one.
	if b := p.At(w.current); b == nil || b.Inactive() {
		w.current = findActiveFrom(p, w.current, n, budget)
		w.hits = 0
	}

	b := p.At(w.current)
	if b == nil || b.Inactive() {
		return nil
	}

	w.hits++
	if w.hits >= b.Weight || b.Inactive() {
		w.hits = 0
		w.current = findActiveFrom(p, w.current+1, n, budget)
	}

	return b
}

// findActiveFrom scans forward (wrapping) from start, up to budget
// hops, for the first active backend, falling back to index 0 if the
// budget is exhausted — the spec's guard against unbounded scanning
// when pool state mutates mid-loop.
func findActiveFrom(p *pool.Pool, start, n, budget int) int {
	idx := ((start % n) + n) % n
	for hops := 0; hops <= budget; hops++ {
		if b := p.At(idx); b != nil && !b.Inactive() {
			return idx
		}
		idx = (idx + 1) % n
	}
	return 0
}

// LeastConnections scans the active backends and picks the one with
// the fewest in-flight transactions, preferring larger weight and
// then lower id to break ties.
type LeastConnections struct{}

func (LeastConnections) Select(p *pool.Pool) *pool.Backend {
	var best *pool.Backend
	p.View(func(backends []*pool.Backend) {
		for _, b := range backends {
			if b.Inactive() {
				continue
			}
			if best == nil || better(b, best) {
				best = b
			}
		}
	})
	return best
}

func better(candidate, current *pool.Backend) bool {
	if candidate.InFlight() != current.InFlight() {
		return candidate.InFlight() < current.InFlight()
	}
	if candidate.Weight != current.Weight {
		return candidate.Weight > current.Weight
	}
	return candidate.ID < current.ID
}

// Random picks a uniformly random index into the pool; if that
// backend is inactive, it scans forward (wrapping) to the first
// active one.
type Random struct{}

func (Random) Select(p *pool.Pool) *pool.Backend {
	n := p.Len()
	if n == 0 || p.AllInactive() {
		return nil
	}

	start := rand.Intn(n)
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if b := p.At(idx); b != nil && !b.Inactive() {
			return b
		}
	}
	return nil
}

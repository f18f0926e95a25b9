// This file generalizes the atomic Conns increment/decrement and
// fail-timeout bookkeeping of Caddy's middleware/proxy/proxy.go
// ServeHTTP loop (Copyright 2015 Matthew Holt and The Caddy Authors,
// Apache License 2.0) from a per-request net/http round trip into a
// one-shot goroutine-per-attempt model built around a result channel,
// matching the futures-of-transactions design note in the spec this
// module implements.
package transaction

import (
	"context"
	"time"

	"github.com/caddyserver/octoproxy/internal/frontend"
	"github.com/caddyserver/octoproxy/internal/pool"
	"github.com/caddyserver/octoproxy/internal/upstreamclient"
)

// Result is what a Transaction resolves to: either Reply is populated
// (success) or Err is non-nil (failure). Client and Backend identify
// who the result belongs to.
type Result struct {
	Client  *frontend.Client
	Backend *pool.Backend
	Reply   []byte
	Err     error
}

// Transaction is one in-flight outbound attempt, either on behalf of
// an accepted client or a health probe.
type Transaction struct {
	done     chan Result
	Request  []byte
	Attempt  int
	Created  time.Time
	IsProbe  bool
	resolved *Result
}

// poll checks whether the transaction has resolved within wait,
// caching and returning the result on success.
func (t *Transaction) poll(wait time.Duration) (Result, bool) {
	if t.resolved != nil {
		return *t.resolved, true
	}
	select {
	case r := <-t.done:
		t.resolved = &r
		return r, true
	case <-time.After(wait):
		return Result{}, false
	}
}

// Manager dispatches outbound work and reaps completed transactions.
type Manager struct {
	Pool        *pool.Pool
	RecvTimeout time.Duration

	live []*Transaction
}

// NewManager builds a Manager bound to a backend pool.
func NewManager(p *pool.Pool, recvTimeout time.Duration) *Manager {
	return &Manager{Pool: p, RecvTimeout: recvTimeout}
}

// Dispatch spawns one goroutine that performs the upstream query
// against b on behalf of client (which may be frontend.ProbeSentinel),
// tracks it as live, and returns the Transaction handle.
func (m *Manager) Dispatch(ctx context.Context, b *pool.Backend, client *frontend.Client, req []byte, attempt int, isProbe bool) *Transaction {
	tx := &Transaction{
		done:    make(chan Result, 1),
		Request: req,
		Attempt: attempt,
		Created: time.Now(),
		IsProbe: isProbe,
	}

	go func() {
		m.Pool.BeginAttempt(b)
		reply, err := upstreamclient.Query(ctx, b.Addr(), req, m.RecvTimeout)
		m.Pool.EndAttempt(b)

		tx.done <- Result{Client: client, Backend: b, Reply: reply, Err: err}
	}()

	m.live = append(m.live, tx)
	return tx
}

// Outcome classifies a resolved transaction for the dispatcher.
type Outcome struct {
	Result      Result
	Request     []byte // the original request bytes, for re-dispatch on retry
	Attempt     int
	IsProbe     bool
	Success     bool
	Retryable   bool // true if Err != nil and attempt is still within budget
	NextAttempt int
}

// Reap inspects every live transaction with a bounded per-transaction
// wait and returns an Outcome for each that has resolved, removing
// them from the live set. maxRetries bounds the retry budget used to
// classify failures.
func (m *Manager) Reap(perTxWait time.Duration, maxRetries int) []Outcome {
	var outcomes []Outcome
	var stillLive []*Transaction

	for _, tx := range m.live {
		r, ok := tx.poll(perTxWait)
		if !ok {
			stillLive = append(stillLive, tx)
			continue
		}

		o := Outcome{Result: r, Request: tx.Request, Attempt: tx.Attempt, IsProbe: tx.IsProbe}
		if r.Err == nil {
			o.Success = true
		} else {
			// A request is redispatched only while its next attempt
			// counter would still land at or below maxRetries; once
			// it would exceed the budget it is never redispatched.
			o.NextAttempt = tx.Attempt + 1
			o.Retryable = o.NextAttempt <= maxRetries
		}
		outcomes = append(outcomes, o)
	}

	m.live = stillLive
	return outcomes
}

// LiveCount reports how many transactions are currently in flight,
// used by tests asserting the live set drains correctly.
func (m *Manager) LiveCount() int {
	return len(m.live)
}

// This file generalizes the ticker-driven HealthCheckWorker of
// Caddy's middleware/proxy/upstream.go staticUpstream (Copyright 2015
// Matthew Holt and The Caddy Authors, Apache License 2.0) from a
// fixed-interval http.Get poll of every host to the spec's
// per-backend staleness model: only backends whose last-refreshed
// timestamp has aged past staleTimeout get probed, and never two
// probes in flight for the same backend at once.
package prober

import (
	"context"
	"time"

	"github.com/caddyserver/octoproxy/internal/frontend"
	"github.com/caddyserver/octoproxy/internal/octometrics"
	"github.com/caddyserver/octoproxy/internal/pool"
	"github.com/caddyserver/octoproxy/internal/transaction"
	"github.com/caddyserver/octoproxy/internal/wire"
)

// Prober issues HEAD probes against stale backends.
type Prober struct {
	Pool         *pool.Pool
	Manager      *transaction.Manager
	StaleTimeout time.Duration
}

// New builds a Prober bound to pool p and the manager it dispatches
// probe transactions through.
func New(p *pool.Pool, mgr *transaction.Manager, staleTimeout time.Duration) *Prober {
	return &Prober{Pool: p, Manager: mgr, StaleTimeout: staleTimeout}
}

// RunDue dispatches one probe transaction for every backend that is
// both stale and not already being probed. It never blocks on the
// probes it starts — their results land in the Manager's live set and
// are classified on the next Reap and applied via ApplyOutcome.
func (pr *Prober) RunDue(ctx context.Context, now time.Time) {
	var due []*pool.Backend
	pr.Pool.View(func(backends []*pool.Backend) {
		for _, b := range backends {
			if pr.Pool.StaleSince(b, now, pr.StaleTimeout) && !b.Probing() {
				due = append(due, b)
			}
		}
	})

	for _, b := range due {
		if !pr.Pool.SetProbing(b, true) {
			continue // another Tick already claimed it between View and here
		}
		payload := wire.BuildProbe(b.Host)
		pr.Manager.Dispatch(ctx, b, frontend.ProbeSentinel, payload, 0, true)
	}
}

// ApplyOutcome updates backend liveness for a resolved probe
// transaction: probing always clears, and the backend becomes active
// on any reply, inactive on failure. It is a no-op for non-probe
// outcomes.
func (pr *Prober) ApplyOutcome(o transaction.Outcome) {
	if !o.IsProbe {
		return
	}
	pr.Pool.SetProbing(o.Result.Backend, false)
	pr.Pool.SetInactive(o.Result.Backend, !o.Success)

	outcome := octometrics.OutcomeSuccess
	if !o.Success {
		outcome = octometrics.OutcomeFailure
	}
	octometrics.ObserveProbe(o.Result.Backend.Addr(), outcome)
}

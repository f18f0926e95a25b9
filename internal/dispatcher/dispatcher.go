// This file generalizes the retry-until-timeout accept/dispatch loop
// of Caddy's middleware/proxy/proxy.go ServeHTTP (Copyright 2015
// Matthew Holt and The Caddy Authors, Apache License 2.0), and the
// round-robin accept loop of the original C++ LoadBalancer this
// module's spec was distilled from, into the single-threaded tick
// loop that ties the listener, pool, selector, transaction manager,
// and health prober together.
package dispatcher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/caddyserver/octoproxy/internal/frontend"
	"github.com/caddyserver/octoproxy/internal/octolog"
	"github.com/caddyserver/octoproxy/internal/octometrics"
	"github.com/caddyserver/octoproxy/internal/pool"
	"github.com/caddyserver/octoproxy/internal/prober"
	"github.com/caddyserver/octoproxy/internal/selector"
	"github.com/caddyserver/octoproxy/internal/transaction"
	"github.com/caddyserver/octoproxy/internal/wire"
)

// Error kinds observable to the core, per the spec's error handling
// design. AcceptEmpty is recovered silently and never surfaced as a
// returned error; the rest are logged at the policy-mandated level.
var (
	ErrAcceptEmpty     = errors.New("dispatcher: no client ready")
	ErrUpstreamFail    = errors.New("dispatcher: upstream unreachable")
	ErrClientWriteFail = errors.New("dispatcher: client write failed")
	ErrPoolEmpty       = errors.New("dispatcher: backend pool is empty")
	ErrAllInactive     = errors.New("dispatcher: all backends inactive")
)

// AcceptPollTimeout is the short poll timeout the dispatcher uses
// when there is no queued retry to service, per the spec's 10ms
// figure.
const AcceptPollTimeout = 10 * time.Millisecond

// ReapWait bounds how long Reap waits on any single in-flight
// transaction before moving on, per the spec's 10ms figure.
const ReapWait = 10 * time.Millisecond

type failureRecord struct {
	client  *frontend.Client
	request []byte
	attempt int
}

// Loop is the single control loop: reap, probe, then either service a
// queued retry or accept one new client, dispatching to whichever
// backend the selection strategy names.
type Loop struct {
	Listener   *frontend.Listener
	Pool       *pool.Pool
	Manager    *transaction.Manager
	Selector   selector.Strategy
	Prober     *prober.Prober
	MaxRetries int

	failureQueue []failureRecord
}

// NewLoop wires together the components a dispatcher tick needs.
func NewLoop(ln *frontend.Listener, p *pool.Pool, mgr *transaction.Manager, strat selector.Strategy, pr *prober.Prober, maxRetries int) *Loop {
	return &Loop{Listener: ln, Pool: p, Manager: mgr, Selector: strat, Prober: pr, MaxRetries: maxRetries}
}

// Run ticks the loop until ctx is canceled.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		l.Tick(ctx)
	}
}

// Tick executes one pass of the control loop described in the spec:
// reap completed transactions, run due health probes, then either
// service the retry queue or accept a new client, and dispatch.
func (l *Loop) Tick(ctx context.Context) {
	l.reap()
	l.Prober.RunDue(ctx, time.Now())

	if len(l.failureQueue) > 0 {
		item := l.failureQueue[0]
		l.failureQueue = l.failureQueue[1:]
		l.dispatchOrFail(ctx, item.client, item.request, item.attempt)
		return
	}

	acc, ok := l.Listener.TryAcceptLatest(AcceptPollTimeout)
	if !ok {
		return // AcceptEmpty: recovered silently
	}
	l.dispatchOrFail(ctx, acc.Client, acc.Request, 0)
}

// dispatchOrFail short-circuits to a synthesized 503 when the pool is
// empty or every backend is inactive (including the mid-retry case
// where the pool has gone empty or all-inactive since a failure was
// queued — treated identically to AllInactive per the spec's resolved
// open question), otherwise asks the selector for a backend and hands
// the request to the transaction manager.
func (l *Loop) dispatchOrFail(ctx context.Context, client *frontend.Client, req []byte, attempt int) {
	if l.Pool.Len() == 0 {
		l.fail503(client, ErrPoolEmpty)
		return
	}

	backend := l.Selector.Select(l.Pool)
	if backend == nil {
		l.fail503(client, ErrAllInactive)
		return
	}

	l.Manager.Dispatch(ctx, backend, client, req, attempt, false)
}

func (l *Loop) fail503(client *frontend.Client, reason error) {
	octolog.L().Error("no usable upstream", zap.Error(reason))
	if err := l.Listener.Respond(client, wire.Build503()); err != nil {
		octolog.L().Warn("client write failed", zap.Error(ErrClientWriteFail), zap.Error(err))
	}
}

// reap drains completed transactions, writing responses, enqueuing
// retries, or clearing probe state as appropriate.
func (l *Loop) reap() {
	for _, o := range l.Manager.Reap(ReapWait, l.MaxRetries) {
		if o.IsProbe {
			l.Prober.ApplyOutcome(o)
			continue
		}

		backendAddr := o.Result.Backend.Addr()
		switch {
		case o.Success:
			l.Pool.SetInactive(o.Result.Backend, false)
			octometrics.ObserveDispatch(backendAddr, octometrics.OutcomeSuccess)
			if err := l.Listener.Respond(o.Result.Client, o.Result.Reply); err != nil {
				octolog.L().Warn("client write failed", zap.Error(ErrClientWriteFail), zap.Error(err))
			}
		case o.Retryable:
			l.Pool.SetInactive(o.Result.Backend, true)
			octometrics.ObserveDispatch(backendAddr, octometrics.OutcomeRetry)
			octolog.L().Debug("upstream attempt failed, queuing retry",
				zap.Error(ErrUpstreamFail), zap.Int("next_attempt", o.NextAttempt))
			l.failureQueue = append(l.failureQueue, failureRecord{
				client:  o.Result.Client,
				request: o.Request,
				attempt: o.NextAttempt,
			})
		default:
			l.Pool.SetInactive(o.Result.Backend, true)
			octometrics.ObserveDispatch(backendAddr, octometrics.OutcomeExhausted)
			octolog.L().Warn("retries exhausted, responding 503", zap.Int("attempt", o.Attempt))
			if err := l.Listener.Respond(o.Result.Client, wire.Build503()); err != nil {
				octolog.L().Warn("client write failed", zap.Error(ErrClientWriteFail), zap.Error(err))
			}
		}
		octometrics.SetInFlight(backendAddr, o.Result.Backend.InFlight())
	}
}

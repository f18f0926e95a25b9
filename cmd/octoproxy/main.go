// This file generalizes the root cobra.Command wiring of the
// teacher's cmd/cobra.go/cmd/main.go (Copyright 2015 Matthew Holt and
// The Caddy Authors, Apache License 2.0) from Caddy's subcommand tree
// to a single-purpose reverse-proxy binary: one command, flags for
// tuning the dispatcher, positional HOST PORT WEIGHT triples for the
// backend list.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/caddyserver/octoproxy/internal/config"
	"github.com/caddyserver/octoproxy/internal/dispatcher"
	"github.com/caddyserver/octoproxy/internal/frontend"
	"github.com/caddyserver/octoproxy/internal/octolog"
	"github.com/caddyserver/octoproxy/internal/octometrics"
	"github.com/caddyserver/octoproxy/internal/pool"
	"github.com/caddyserver/octoproxy/internal/prober"
	"github.com/caddyserver/octoproxy/internal/selector"
	"github.com/caddyserver/octoproxy/internal/transaction"
	"github.com/caddyserver/octoproxy/internal/upstreamclient"
)

var (
	flagPort        int
	flagStaleSecs   int
	flagRetries     int
	flagConnections int
	flagLogLevel    string
	flagConfigFile  string
	flagRobin       bool
	flagLeast       bool
	flagRandom      bool
	flagMetricsAddr string
	flagLogFile     string
	flagLogMaxSize  int
	flagLogMaxBack  int
	flagLogMaxAge   int
	flagLogCompress bool
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "octoproxy [flags] { HOST PORT WEIGHT }...",
		Short: "A layer-7 reverse proxy that dispatches across a weighted backend pool",
		RunE:  run,
	}

	var f *pflag.FlagSet = cmd.Flags()
	f.IntVarP(&flagPort, "port", "p", 40192, "listening port")
	f.IntVarP(&flagStaleSecs, "stale", "t", 30, "health-probe staleness timeout, in seconds")
	f.IntVarP(&flagRetries, "retries", "r", 3, "max retries per accepted request")
	f.IntVarP(&flagConnections, "connections", "c", 5, "listen backlog")
	f.StringVar(&flagLogLevel, "log", "info", "log level: debug, info, warn, error")
	f.StringVar(&flagConfigFile, "config", "", "backend-list file, used when no HOST PORT WEIGHT triples are given")
	f.BoolVar(&flagRobin, "robin", false, "select backends by weighted round-robin (default)")
	f.BoolVar(&flagLeast, "least", false, "select backends by least-connections")
	f.BoolVar(&flagRandom, "random", false, "select backends by uniform random choice")
	f.StringVar(&flagMetricsAddr, "metrics-addr", "127.0.0.1:9091", "loopback address to serve Prometheus metrics on; empty disables it")
	f.StringVar(&flagLogFile, "log-file", "", "rotate logs to this file instead of stderr; empty keeps stderr")
	f.IntVar(&flagLogMaxSize, "log-max-size-mb", 100, "max size in megabytes of a log file before it's rotated")
	f.IntVar(&flagLogMaxBack, "log-max-backups", 7, "max number of rotated log files to retain")
	f.IntVar(&flagLogMaxAge, "log-max-age-days", 28, "max age in days of a rotated log file before it's deleted")
	f.BoolVar(&flagLogCompress, "log-compress", false, "gzip rotated log files")

	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if err := octolog.SetLevel(flagLogLevel); err != nil {
		return err
	}
	if err := octolog.EnableFileRotation(flagLogFile, flagLogMaxSize, flagLogMaxBack, flagLogMaxAge, flagLogCompress); err != nil {
		return err
	}

	p, err := buildPool(cmd, args)
	if err != nil {
		return err
	}

	strat := selector.New(strategyName())
	mgr := transaction.NewManager(p, upstreamclient.DefaultRecvTimeout)
	pr := prober.New(p, mgr, time.Duration(flagStaleSecs)*time.Second)

	addr := fmt.Sprintf(":%d", flagPort)
	ln, err := frontend.Listen(addr, flagConnections)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	defer ln.Close()

	loop := dispatcher.NewLoop(ln, p, mgr, strat, pr, flagRetries)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	trapSignals(cancel)

	if flagMetricsAddr != "" {
		startMetricsServer(ctx, flagMetricsAddr)
	}

	octolog.L().Info("octoproxy listening", zap.String("addr", addr), zap.Int("backends", p.Len()))
	loop.Run(ctx)
	return nil
}

// buildPool assembles the backend pool from positional HOST PORT
// WEIGHT triples, falling back to --config when none are given. A
// malformed positional group is reported the same way a malformed
// config-file line is: a hard error that main turns into exit(1).
func buildPool(cmd *cobra.Command, args []string) (*pool.Pool, error) {
	p := pool.New()

	if len(args) > 0 {
		if len(args)%3 != 0 {
			return nil, fmt.Errorf("backend arguments must come in HOST PORT WEIGHT groups of three, got %d", len(args))
		}
		for i := 0; i < len(args); i += 3 {
			port, err := strconv.Atoi(args[i+1])
			if err != nil {
				return nil, fmt.Errorf("bad port %q: %w", args[i+1], err)
			}
			weight, err := strconv.Atoi(args[i+2])
			if err != nil {
				return nil, fmt.Errorf("bad weight %q: %w", args[i+2], err)
			}
			p.Add(args[i], port, weight)
		}
		return p, nil
	}

	if flagConfigFile == "" {
		return nil, fmt.Errorf("no backends given: pass HOST PORT WEIGHT triples or --config")
	}

	backends, err := config.Load(flagConfigFile)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", flagConfigFile, err)
	}
	for _, b := range backends {
		p.Add(b.Host, b.Port, b.Weight)
	}
	return p, nil
}

// startMetricsServer mounts octometrics.Handler on a dedicated
// loopback-only admin listener, separate from the data-plane listener
// octoproxy accepts clients on, mirroring the teacher's own isolated
// admin API listener. It shuts down when ctx is canceled.
func startMetricsServer(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", octometrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			octolog.L().Warn("metrics server stopped", zap.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

func strategyName() string {
	switch {
	case flagRandom:
		return "random"
	case flagLeast:
		return "least_conn"
	default:
		return "round_robin"
	}
}

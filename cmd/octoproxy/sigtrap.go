// This file is a direct adaptation of the teacher's caddy/sigtrap.go
// trapSignalsCrossPlatform (Copyright 2015 Matthew Holt and The Caddy
// Authors, Apache License 2.0): the first SIGINT requests a graceful
// stop, the second forces an immediate exit.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/caddyserver/octoproxy/internal/octolog"
)

// trapSignals starts a goroutine that cancels stop on the first SIGINT
// or SIGTERM it sees, letting the dispatcher loop drain, and calls
// os.Exit(1) immediately on a second SIGINT.
func trapSignals(stop func()) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sig
		octolog.L().Info("received interrupt, shutting down")
		stop()

		<-sig
		octolog.L().Warn("received second interrupt, forcing exit", zap.Int("code", 1))
		os.Exit(1)
	}()
}

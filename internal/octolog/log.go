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

// Package octolog provides the process-wide structured logger used
// throughout octoproxy. It mirrors the accessor pattern of Caddy's
// own Log(), trading the module-keyed logger registry for a single
// package-level instance, since this program has no plugin system.
package octolog

import (
	"fmt"
	"sync"

	"github.com/DeRuina/timberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu       sync.Mutex
	logger   *zap.Logger
	curLevel = zapcore.InfoLevel
	fileSink zapcore.WriteSyncer
)

func init() {
	logger, _ = zap.NewProduction()
}

// L returns the current process logger. Safe for concurrent use.
func L() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	return logger
}

// SetLevel rebuilds the process logger at the given level name
// (debug, info, warn, error). An unrecognized level is an error.
func SetLevel(level string) error {
	zl, err := parseLevel(level)
	if err != nil {
		return err
	}

	mu.Lock()
	curLevel = zl
	mu.Unlock()
	return rebuild()
}

func parseLevel(level string) (zapcore.Level, error) {
	switch level {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info", "":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return 0, fmt.Errorf("unrecognized log level %q", level)
	}
}

// EnableFileRotation points the process logger at a rotating log file
// instead of the default stderr sink, using timberjack the way the
// teacher's modules/logging.FileWriter rolls its own output: by
// maxSizeMB, keeping at most maxBackups old files, discarding any
// older than maxAgeDays, optionally gzip-compressing rotated files.
// Passing an empty path reverts to the default stderr sink.
func EnableFileRotation(path string, maxSizeMB, maxBackups, maxAgeDays int, compress bool) error {
	mu.Lock()
	if path == "" {
		fileSink = nil
	} else {
		fileSink = zapcore.AddSync(&timberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   compress,
		})
	}
	mu.Unlock()
	return rebuild()
}

// rebuild reconstructs the package logger from the current level and
// sink. Called with mu already released by its callers; it takes the
// lock itself around both reading and writing the shared state.
func rebuild() error {
	mu.Lock()
	defer mu.Unlock()

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(curLevel)

	if fileSink == nil {
		built, err := cfg.Build()
		if err != nil {
			return err
		}
		logger = built
		return nil
	}

	enc := zapcore.NewJSONEncoder(cfg.EncoderConfig)
	core := zapcore.NewCore(enc, fileSink, curLevel)
	logger = zap.New(core)
	return nil
}

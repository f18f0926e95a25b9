// This file generalizes the line-oriented tokenizer style of the
// legacy Caddyfile dispenser (Copyright 2015 Matthew Holt and The
// Caddy Authors, Apache License 2.0) to octoproxy's much simpler
// backend-list grammar: one "HOST PORT WEIGHT" triple per line.

// Package config loads a backend list from a file when the CLI is not
// given positional HOST PORT WEIGHT arguments directly.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Backend is one parsed backend-list line.
type Backend struct {
	Host   string
	Port   int
	Weight int
}

// Load reads path and returns every well-formed "HOST PORT WEIGHT"
// line, skipping blank lines and lines beginning with "#". The first
// malformed non-comment line is a hard error, naming the offending
// line number so the caller can report it the way a bad positional
// argument group is reported.
func Load(path string) ([]Backend, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return parse(f)
}

func parse(r io.Reader) ([]Backend, error) {
	var backends []Backend

	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("config: line %d: want \"HOST PORT WEIGHT\", got %q", lineNo, line)
		}

		port, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("config: line %d: bad port %q: %w", lineNo, fields[1], err)
		}
		weight, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("config: line %d: bad weight %q: %w", lineNo, fields[2], err)
		}

		backends = append(backends, Backend{Host: fields[0], Port: port, Weight: weight})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	return backends, nil
}

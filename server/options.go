// File: server/options.go
// Package server defines functional options for the echo server.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import "go.uber.org/zap"

// Option customizes server initialization.
type Option func(*EchoServer)

// WithLogger attaches a structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *EchoServer) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithWorkers overrides the number of worker loops.
func WithWorkers(n int) Option {
	return func(s *EchoServer) {
		s.cfg.Workers = n
	}
}

// WithPinnedWorkers pins worker i to CPU i modulo the CPU count.
func WithPinnedWorkers(pin bool) Option {
	return func(s *EchoServer) {
		s.cfg.PinWorkers = pin
	}
}

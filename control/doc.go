// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, logging, metrics and debug introspection layer around the
// pooled allocator.
//
// Provides:
//   - viper-backed configuration with environment overrides and file watch
//   - zap logger construction with an adjustable level
//   - a Prometheus collector over allocator statistics
//   - named debug probes served as JSON
package control

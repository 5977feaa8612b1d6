// Package logx is auditsched's structured logging layer, built on zerolog.
//
// It exposes a small Logger value type with key/value Field helpers and a
// Service that owns the configured sinks (console, JSON file). The Service can
// re-apply configuration at runtime, so a config hot reload changes log level
// and outputs without replacing loggers already handed out: loggers created
// from a Service stay "live" across Apply calls.
//
// The zero Logger is a safe no-op, which keeps optional dependencies simple:
// components accept a Logger by value and never need nil checks.
package logx

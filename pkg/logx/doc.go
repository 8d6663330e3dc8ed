// Package logx wraps zerolog behind a small structured-logging API.
//
// The zero Logger value is a safe no-op, so components can hold a Logger
// field without nil checks. Loggers created from a Service stay "live":
// Service.Apply() swaps sinks and level at runtime (config reload) without
// re-plumbing loggers through the app.
package logx

// Package diag serves the optional diagnostics HTTP endpoints:
// /healthz, /status, /metrics and (when enabled) /debug/pprof/.
//
// Binding to a non-loopback address requires a token unless AllowInsecure
// is set. With a token, requests authenticate with either
// "Authorization: Bearer <token>" or "?token=<token>".
package diag

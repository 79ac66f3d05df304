// Package api serves the admin HTTP interface for engage messages.
//
// Every route sits behind the same bearer token (header or ?token=). The
// server refuses to bind a non-loopback address without a token unless
// AllowInsecure is set. Profiling handlers are mounted under /debug when
// Pprof is enabled.
package api

// Package api exposes the HTTP transport of the agent server: task
// submission and control, shared runtime queries, diagnostics and the
// persistent connection endpoint.
//
// Every request passes through the same stages, outermost first: panic
// recovery and metrics, domain pinning, CORS, bounded body buffering, per
// client rate limiting, credential checks and finally the chi router. Route
// handlers return typed errors; the outermost wrapper turns them into the
// shared JSON error envelope.
package api

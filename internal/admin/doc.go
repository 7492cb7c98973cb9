// Package admin owns the operator HTTP surface of a running process.
//
// Ownership boundary:
// - health and per-link stats routes
// - Prometheus exposition
// - request logging and metrics middleware wiring
//
// Links are registered read-only; admin never writes to a link.
package admin

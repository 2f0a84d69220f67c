// Package app assembles the license entitlement consumption engine into
// a single HTTP server process.
//
// Wiring order is configuration, logging, telemetry, the engine core
// (license store, checkout ledger, grant registry, signing keyring,
// token exchange), the service layer and finally the chi router. The
// router applies request ID and real IP resolution to every request,
// then instruments the API group with tracing, structured logging,
// panic recovery, security headers and rate limiting. The Prometheus
// endpoint is mounted outside the instrumented group.
//
// Run blocks until SIGINT or SIGTERM, running the HTTP listener and the
// checkout reaper concurrently. Shutdown drains in-flight requests,
// persists the signing keyring when a file is configured and flushes
// telemetry exporters.
package app

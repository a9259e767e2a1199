// Package observer contains the chain.Observer implementations wired onto the
// service bus: structured logs, Prometheus metrics, OpenTelemetry spans, a
// websocket progress stream, Kafka verdict events and the SQLite audit trail.
//
// Observers run on the request goroutine (and on validator goroutines for
// panics in parallel runs). Each implementation is safe for concurrent use and
// never blocks on slow I/O longer than its configured timeout.
package observer

// Package api implements the HTTP REST API and WebSocket server for the
// rule engine.
//
// This package provides:
//   - REST endpoints to inspect, run, enable and disable rules
//   - the firing log and scheduled timers, with timer cancellation
//   - item reads, commands and state updates routed through the platform
//   - a WebSocket hub broadcasting rule.fired, timer.* and item events
//   - Prometheus scraping via promhttp plus a JSON metrics snapshot
//
// # Security
//
// Everything except /api/v1/health, /api/v1/metrics and the Prometheus
// endpoint requires an HS256 bearer token signed with security.jwt.secret.
// Tokens must carry an expiry and, when security.jwt.issuer is set, a
// matching issuer. There is no login endpoint: tokens are minted with
// IssueToken (see the "token" command of graylogic-rules).
//
// WebSocket connections use single-use tickets from POST
// /api/v1/auth/ws-ticket to keep tokens out of URLs.
//
// # Graceful Degradation
//
// The server operates without MQTT. Rules, timers and virtual items work as
// usual; commands to bridge-owned items return 500 while the broker is
// unreachable.
package api

// Package gateway orchestrates the parlor server components.
//
// # Overview
//
// The gateway owns the SQLite store, the realtime bus, the lock
// coordinator, the message service, and the followup scheduler, and
// exposes them over one HTTP server. New wires them; Run serves until
// its context ends; Shutdown tears them down in dependency order.
//
// # HTTP API
//
// Every /api/ route requires an identity (bearer JWT, or trusted proxy
// headers when no secret is configured):
//
//   - GET /api/accounts/me - Caller's account and balance
//   - GET /api/accounts/me/ledger - Recent balance changes
//   - POST /api/admin/accounts - Create an account (admin)
//   - POST /api/admin/accounts/{id}/grant - Credit coins (admin)
//   - GET, POST /api/conversations - List, or start with a participant
//   - GET, DELETE /api/conversations/{id} - Metadata, hard delete
//   - GET, POST /api/conversations/{id}/messages - History, send
//   - GET /api/conversations/{id}/events - SSE live events
//   - GET, POST /api/conversations/{id}/lock - Holder, acquire (operator)
//   - POST /api/conversations/{id}/unlock - Release (operator)
//   - GET /api/conversations/{id}/followups - Pending nudges (operator, admin)
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (database ping)
//
// # Error Mapping
//
// statusFor is the single place service errors become HTTP statuses:
// not found 404, insufficient funds 402, forbidden or missing lock 403,
// validation 400, everything else 500. A lock held by someone else is a
// 409 carrying the holder, and so is a replayed Idempotency-Key.
//
// # Listeners
//
// With tailscale.enabled the API is served from a tsnet node, over plain
// HTTP on :80, HTTPS with tailnet certificates, or publicly via Funnel.
// Otherwise it listens on server.http_addr.
package gateway

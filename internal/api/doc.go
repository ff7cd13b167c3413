// Package api implements the collaborator HTTP API and the in-app
// notification WebSocket of Gray Logic Sync.
//
// This package provides:
//   - REST queries and commands over integrations, schedules, the sync
//     queue, conflicts, devices, logs and notification preferences
//   - Inbound webhook receivers for platforms that push device state
//   - A WebSocket hub broadcasting in-app notifications per organization
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//   - Prometheus metrics and a database health check
//
// # Security
//
// Collaborator routes require a HS256 JWT bearer token. The organization
// every request is scoped to comes from the token's org_id claim, never
// from the request. Resources of other organizations answer 404.
//
// Webhook receivers are unauthenticated; each delivery must carry an
// HMAC-SHA256 signature of the body under the integration's webhook
// secret. WebSocket connections use single-use tickets so the JWT never
// appears in a URL.
package api

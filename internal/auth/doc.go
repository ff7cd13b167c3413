// Package auth holds the authorisation model of the Gray Logic Sync API.
//
// Access tokens carry one role per caller. Each role maps to a fixed set of
// permissions (compile-time, no database lookup):
//   - viewer: read integrations, devices, queue, conflicts and logs
//   - collaborator: viewer plus running syncs, resolving conflicts and
//     managing devices and notification preferences
//   - admin: collaborator plus managing integrations and schedules and
//     reading the audit log
//
// Tenant isolation is separate: every permission applies only inside the
// organization named by the token.
package auth

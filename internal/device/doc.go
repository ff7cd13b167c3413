// Package device is the canonical device registry the sync engine reconciles
// against external platforms.
//
// A Device is owned by an organisation and may be mapped to many
// integrations through Assignments, at most one per integration. Each
// assignment carries its own sync bookkeeping (status, retry count, next
// retry time, last successful sync and the fingerprint of the remote state
// seen at that sync).
//
// Devices are soft deleted so a local delete racing a remote update can be
// detected as a delete_vs_update conflict.
//
// Local edits go through Registry.UpdateDevice, which bumps updated_at and
// notifies the registered change hook (used to enqueue pushes). Values
// accepted from a remote platform go through Registry.ApplyRemote, which
// stamps updated_at with the sync time so the next run sees no local change.
package device

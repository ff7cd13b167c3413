// Package conflict detects divergence between a local device and the
// state an integration reports for it, and resolves it.
//
// Detection is field by field over the syncable fields. The assignment's
// last successful sync is the baseline: a side has changed when its
// timestamp postdates the baseline (and, for the remote side, when the
// fingerprint of its reported values moved). Only genuinely concurrent
// edits, or divergence with no baseline at all, produce a conflict row;
// a one-sided change is applied as latest wins.
//
// Conflicts are resolved by the integration strategy (local_wins,
// remote_wins, newest_wins, manual) or a per-field override, which may
// also be merge. Manual conflicts stay pending until a collaborator
// resolves them through the Resolver. A delete on one side racing an
// update on the other is always a pending delete_vs_update conflict.
package conflict

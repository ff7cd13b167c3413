// Package reconcile runs queued sync work against an integration's
// platform.
//
// A pull lists or fetches remote devices, matches each one to the local
// registry and routes divergent fields through the conflict detector. A
// push exports local devices edited since their last sync. A reconcile
// does both, limited by the integration's sync direction. Each device is
// one step: its failure is recorded on the device's assignment and does
// not stop the run.
package reconcile

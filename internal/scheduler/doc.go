// Package scheduler runs the auto-sync schedules of integrations.
//
// Each integration has at most one schedule. A schedule moves through
// idle, due and running: a tick picks up enabled schedules whose
// next_run_at has passed, selects the devices its filters admit and
// enqueues reconcile work; the dispatcher reports each finished entry back
// and the schedule returns to idle once none remain open, with next_run_at
// recomputed from the run start, the frequency and the time window.
//
// The tick only enqueues. It also queues device retries for assignments
// whose failed step has come due.
package scheduler

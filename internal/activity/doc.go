// Package activity records the append-only trail of sync runs and external
// calls.
//
// A SyncLog row is written per sync run attempt with its counts and outcome;
// an Entry row is written per HTTP or MQTT exchange with an external
// platform. Both carry a partition_month (YYYY-MM, UTC) so retention pruning
// can drop whole months.
package activity

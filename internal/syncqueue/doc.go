// Package syncqueue is the durable, priority ordered queue of sync work
// and the dispatcher that drains it.
//
// Entries are ordered by (priority ascending, created_at ascending) and
// become ready when pending with next_retry_at in the past. Within one
// integration entries run strictly one at a time; the claim itself
// refuses to start an entry while another of the same integration is
// running, so the guarantee holds across processes sharing the
// database. Different integrations run concurrently, bounded by the
// dispatcher's worker count.
//
// Each entry moves through an explicit state machine:
//
//	pending -> running -> done
//	                   -> pending (retry, retry_count+1, next_retry_at from backoff)
//	                   -> failed  (permanent error or retries exhausted)
//	                   -> pending (cancelled, no retry consumed)
//
// A failed entry is never re-enqueued automatically; the retry command
// resets it to pending with a zero retry count.
package syncqueue

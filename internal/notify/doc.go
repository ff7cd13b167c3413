// Package notify turns sync alerts into outbound notifications.
//
// Three events are raised: sync_failed when a queue entry fails for good,
// integration_error when the failure points at the integration itself
// (credentials, configuration or a missing adapter) and conflict_created
// when a conflict is left pending. Each organization maps events to
// channels through preferences; every delivery is a notification_log row
// that moves from pending to sent or failed with its own bounded retries.
//
// Channels:
//   - email: SMTP
//   - sms: Twilio-compatible REST form post
//   - webhook: JSON POST, HMAC signed when the preference has a secret
//   - in_app: broadcast on the organization's WebSocket channel
//
// Delivery is asynchronous through a buffered worker. Rows still pending
// when the process stops are picked up again by Start.
package notify

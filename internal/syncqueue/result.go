package syncqueue

// Result summarises one run of an entry.
type Result struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
	Skipped   int `json:"skipped"`
	Conflicts int `json:"conflicts"`

	// Cancelled is set when the run stopped early at a cancellation check.
	Cancelled bool `json:"cancelled,omitempty"`
}

// Add accumulates other into r.
func (r *Result) Add(other *Result) {
	if other == nil {
		return
	}
	r.Processed += other.Processed
	r.Succeeded += other.Succeeded
	r.Failed += other.Failed
	r.Created += other.Created
	r.Updated += other.Updated
	r.Deleted += other.Deleted
	r.Skipped += other.Skipped
	r.Conflicts += other.Conflicts
	r.Cancelled = r.Cancelled || other.Cancelled
}

// Data renders the counts for event payloads.
func (r *Result) Data() map[string]any {
	if r == nil {
		return map[string]any{}
	}
	return map[string]any{
		"processed": r.Processed,
		"succeeded": r.Succeeded,
		"failed":    r.Failed,
		"created":   r.Created,
		"updated":   r.Updated,
		"deleted":   r.Deleted,
		"skipped":   r.Skipped,
		"conflicts": r.Conflicts,
	}
}

package conflict

import (
	"time"

	"github.com/nerrad567/gray-logic-sync/internal/adapter"
	"github.com/nerrad567/gray-logic-sync/internal/device"
	"github.com/nerrad567/gray-logic-sync/internal/integration"
)

// Input is one local device paired with the state a platform reports.
type Input struct {
	Integration *integration.Integration
	Device      *device.Device

	// Assignment is nil when the device is not yet mapped.
	Assignment *device.Assignment

	Remote *adapter.RemoteDevice

	// Strategy overrides the integration default when set.
	Strategy integration.Strategy
}

// FieldOutcome is the decision for one divergent field.
type FieldOutcome struct {
	Field  string
	Local  any
	Remote any

	// Type is empty when only one side changed: no conflict is recorded.
	Type Type

	Strategy integration.Strategy

	// Winner is empty while the conflict is pending.
	Winner Side
	Value  any
}

// Conflict reports whether the outcome is recorded as a conflict.
func (o FieldOutcome) Conflict() bool { return o.Type != "" }

// Pending reports whether the outcome awaits a manual decision.
func (o FieldOutcome) Pending() bool { return o.Type != "" && o.Winner == "" }

// Deletion describes a device deleted on one side.
type Deletion struct {
	// Side is the side that deleted the device.
	Side Side

	// Conflict is set when the other side changed since the last sync.
	Conflict bool
}

// Detection is the result of comparing one device pair.
type Detection struct {
	Baseline      *time.Time
	LocalChanged  bool
	RemoteChanged bool
	LocalAt       time.Time
	RemoteAt      time.Time

	// Fingerprint is the fingerprint of the remote reported values.
	Fingerprint string

	Fields   []FieldOutcome
	Deletion *Deletion
}

// LocalUpdates returns the resolved values that must be written to the
// local device, keyed by field.
func (d *Detection) LocalUpdates() map[string]any {
	out := make(map[string]any)
	for _, o := range d.Fields {
		if o.Pending() || o.Winner == SideLocal {
			continue
		}
		if !Equal(o.Value, o.Local) {
			out[o.Field] = o.Value
		}
	}
	return out
}

// NeedsPush reports whether a resolved value differs from the remote.
func (d *Detection) NeedsPush() bool {
	for _, o := range d.Fields {
		if o.Pending() || o.Winner == SideRemote {
			continue
		}
		if !Equal(o.Value, o.Remote) {
			return true
		}
	}
	return false
}

// Conflicts returns the outcomes recorded as conflict rows.
func (d *Detection) Conflicts() []FieldOutcome {
	var out []FieldOutcome
	for _, o := range d.Fields {
		if o.Conflict() {
			out = append(out, o)
		}
	}
	return out
}

// PendingCount returns how many outcomes await a manual decision,
// counting a conflicting deletion as one.
func (d *Detection) PendingCount() int {
	n := 0
	for _, o := range d.Fields {
		if o.Pending() {
			n++
		}
	}
	if d.Deletion != nil && d.Deletion.Conflict {
		n++
	}
	return n
}

// Detect compares a local device with its remote state.
//
// The baseline is the assignment's last successful sync. Without one,
// every divergent field is a value_mismatch resolved by strategy. With
// one, each field is compared against the values both sides had at that
// sync: a field both sides changed is a concurrent_update resolved by
// strategy, a field only one side changed takes that side without a
// conflict, and a field neither changed is left alone. Fields missing
// from the stored baseline fall back to the device timestamps.
func Detect(in Input) *Detection {
	d, rd := in.Device, in.Remote
	det := &Detection{
		LocalAt:     localChangedAt(d),
		RemoteAt:    rd.ChangedAt(),
		Fingerprint: Fingerprint(rd),
	}
	if in.Assignment != nil && in.Assignment.LastSyncedAt != nil {
		b := in.Assignment.LastSyncedAt.UTC()
		det.Baseline = &b
		det.LocalChanged = det.LocalAt.After(b)
		det.RemoteChanged = det.RemoteAt.After(b) &&
			(in.Assignment.RemoteFingerprint == "" || in.Assignment.RemoteFingerprint != det.Fingerprint)
		if len(in.Assignment.LocalBaseline) > 0 {
			det.LocalChanged = det.LocalChanged && !Equal(Snapshot(d), map[string]any(in.Assignment.LocalBaseline))
		}
	}

	switch {
	case d.Deleted():
		det.Deletion = &Deletion{
			Side:     SideLocal,
			Conflict: !rd.Deleted && (det.Baseline == nil || det.RemoteChanged),
		}
		return det
	case rd.Deleted:
		det.Deletion = &Deletion{
			Side:     SideRemote,
			Conflict: det.Baseline == nil || det.LocalChanged,
		}
		return det
	}

	for _, field := range SyncableFields {
		rv, reported := RemoteValue(rd, field)
		if !reported {
			continue
		}
		lv := LocalValue(d, field)
		if Equal(lv, rv) {
			continue
		}

		o := FieldOutcome{Field: field, Local: lv, Remote: rv}
		if det.Baseline == nil {
			o.Type = TypeValueMismatch
		} else {
			local, remote := det.fieldChanged(in.Assignment, field, lv, rv)
			switch {
			case local && remote:
				o.Type = TypeConcurrentUpdate
			case remote:
				o.Winner, o.Value = SideRemote, rv
			case local:
				o.Winner, o.Value = SideLocal, lv
			default:
				continue
			}
		}
		if o.Type != "" {
			o.Strategy = StrategyFor(in.Integration, in.Strategy, field)
			o.Winner, o.Value = resolve(o.Strategy, lv, rv, det.LocalAt, det.RemoteAt)
		}
		det.Fields = append(det.Fields, o)
	}
	return det
}

// fieldChanged reports whether each side moved field off its baseline
// value.
func (d *Detection) fieldChanged(a *device.Assignment, field string, lv, rv any) (local, remote bool) {
	local, remote = d.LocalChanged, d.RemoteChanged
	if v, ok := a.LocalBaseline[field]; ok {
		local = !Equal(lv, v)
	}
	if v, ok := a.RemoteBaseline[field]; ok {
		remote = !Equal(rv, v)
	}
	return local, remote
}

package conflict

import (
	"errors"
	"time"

	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-sync/internal/integration"
)

// Type classifies a divergence.
type Type string

// Conflict types.
const (
	TypeValueMismatch    Type = "value_mismatch"
	TypeDeleteVsUpdate   Type = "delete_vs_update"
	TypeConcurrentUpdate Type = "concurrent_update"
)

// Status is the resolution state of a conflict.
type Status string

// Resolution statuses. Pending is the only non-terminal one.
const (
	StatusPending          Status = "pending"
	StatusAutoResolved     Status = "auto_resolved"
	StatusManuallyResolved Status = "manually_resolved"
	StatusIgnored          Status = "ignored"
)

// FieldDeleted is the field name of delete_vs_update conflicts.
const FieldDeleted = "deleted"

// Conflict is one detected divergence on one field of one device.
type Conflict struct {
	ID              string             `json:"id" db:"id"`
	OrganizationID  string             `json:"organization_id" db:"organization_id"`
	DeviceID        string             `json:"device_id" db:"device_id"`
	IntegrationID   string             `json:"integration_id" db:"integration_id"`
	FieldName       string             `json:"field_name" db:"field_name"`
	LocalValue      database.JSONValue `json:"local_value" db:"local_value"`
	RemoteValue     database.JSONValue `json:"remote_value" db:"remote_value"`
	LocalUpdatedAt  *time.Time         `json:"local_updated_at,omitempty" db:"local_updated_at"`
	RemoteUpdatedAt *time.Time         `json:"remote_updated_at,omitempty" db:"remote_updated_at"`
	ConflictType    Type               `json:"conflict_type" db:"conflict_type"`

	ResolutionStatus   Status             `json:"resolution_status" db:"resolution_status"`
	ResolutionStrategy string             `json:"resolution_strategy" db:"resolution_strategy"`
	ResolvedValue      database.JSONValue `json:"resolved_value" db:"resolved_value"`
	ResolvedBy         string             `json:"resolved_by" db:"resolved_by"`
	ResolutionNotes    string             `json:"resolution_notes" db:"resolution_notes"`
	ResolvedAt         *time.Time         `json:"resolved_at,omitempty" db:"resolved_at"`

	DetectedAt time.Time `json:"detected_at" db:"detected_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// Pending reports whether the conflict still awaits a decision.
func (c *Conflict) Pending() bool {
	return c.ResolutionStatus == StatusPending
}

// Action is a collaborator's decision on a pending conflict.
type Action string

// Resolution actions.
const (
	ActionUseLocal  Action = "use_local"
	ActionUseRemote Action = "use_remote"
	ActionCustom    Action = "custom"
	ActionIgnore    Action = "ignore"
)

// Resolution is a manual resolution command.
type Resolution struct {
	Action     Action             `json:"action" validate:"required,oneof=use_local use_remote custom ignore"`
	Value      database.JSONValue `json:"value"`
	ResolvedBy string             `json:"resolved_by"`
	Notes      string             `json:"notes" validate:"max=2000"`
}

// Filter narrows conflict listings. Zero values match everything.
type Filter struct {
	OrganizationID string
	IntegrationID  string
	DeviceID       string
	Status         Status
	Limit          int // default 50, max 500
	Offset         int
}

// Errors returned by the package.
var (
	ErrNotFound        = errors.New("conflict: not found")
	ErrNotPending      = errors.New("conflict: already resolved")
	ErrInvalidAction   = errors.New("conflict: invalid resolution action")
	ErrMissingValue    = errors.New("conflict: custom resolution requires a value")
	ErrUnknownField    = errors.New("conflict: unknown field")
	ErrInvalidValue    = errors.New("conflict: invalid field value")
	ErrInvalidStrategy = errors.New("conflict: invalid strategy")
)

// ValidStrategy reports whether s may be used for a field.
func ValidStrategy(s integration.Strategy) bool {
	switch s {
	case integration.StrategyLocalWins, integration.StrategyRemoteWins,
		integration.StrategyNewestWins, integration.StrategyManual, integration.StrategyMerge:
		return true
	}
	return false
}

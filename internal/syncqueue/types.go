package syncqueue

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-sync/internal/integration"
)

// Operation is the kind of sync work an entry describes.
type Operation string

// Operations.
const (
	OperationPush      Operation = "push"
	OperationPull      Operation = "pull"
	OperationReconcile Operation = "reconcile"
)

// Valid reports whether o is a known operation.
func (o Operation) Valid() bool {
	return o == OperationPush || o == OperationPull || o == OperationReconcile
}

// Status is the state of an entry.
type Status string

// Entry states. Done and failed are terminal.
const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Source records what created an entry.
type Source string

// Entry sources.
const (
	SourceManual    Source = "manual"
	SourceScheduled Source = "scheduled"
	SourceWebhook   Source = "webhook"
	SourceRetry     Source = "retry"
	SourceLocalEdit Source = "local_edit"
)

// Priorities by source. Lower runs sooner.
const (
	PriorityManual    = 1
	PriorityWebhook   = 3
	PriorityLocalEdit = 4
	PriorityScheduled = 5
	PriorityRetry     = 7
)

// PriorityFor returns the default priority of entries from src.
func PriorityFor(src Source) int {
	switch src {
	case SourceManual:
		return PriorityManual
	case SourceWebhook:
		return PriorityWebhook
	case SourceLocalEdit:
		return PriorityLocalEdit
	case SourceRetry:
		return PriorityRetry
	default:
		return PriorityScheduled
	}
}

// Error codes written by the dispatcher itself.
const (
	CodeCancelled  = "CANCELLED"
	CodeExhausted  = "RETRIES_EXHAUSTED"
	CodeNoAdapter  = "NO_ADAPTER"
	CodeIntegError = "INTEGRATION_UNAVAILABLE"
)

// Payload describes the unit of work. An empty device set means every
// device of the integration.
type Payload struct {
	DeviceIDs         []string              `json:"device_ids,omitempty"`
	ExternalIDs       []string              `json:"external_ids,omitempty"`
	DirectionOverride integration.Direction `json:"direction_override,omitempty"`
	StrategyOverride  integration.Strategy  `json:"strategy_override,omitempty"`
	DryRun            bool                  `json:"dry_run,omitempty"`
}

// AllDevices reports whether the payload targets the whole integration.
func (p Payload) AllDevices() bool {
	return len(p.DeviceIDs) == 0 && len(p.ExternalIDs) == 0
}

// Value implements driver.Valuer.
func (p Payload) Value() (driver.Value, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshalling payload: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (p *Payload) Scan(src any) error {
	var data []byte
	switch s := src.(type) {
	case nil:
		*p = Payload{}
		return nil
	case string:
		data = []byte(s)
	case []byte:
		data = s
	default:
		return fmt.Errorf("unsupported payload column type %T", src)
	}
	var out Payload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return fmt.Errorf("unmarshalling payload: %w", err)
		}
	}
	*p = out
	return nil
}

// Entry is one unit of queued sync work.
type Entry struct {
	ID             string    `json:"id" db:"id"`
	OrganizationID string    `json:"organization_id" db:"organization_id"`
	IntegrationID  string    `json:"integration_id" db:"integration_id"`
	Operation      Operation `json:"operation" db:"operation"`
	Payload        Payload   `json:"payload" db:"payload"`
	Priority       int       `json:"priority" db:"priority"`
	Status         Status    `json:"status" db:"status"`
	Source         Source    `json:"source" db:"source"`
	ScheduleID     *string   `json:"schedule_id,omitempty" db:"schedule_id"`

	RetryCount  int       `json:"retry_count" db:"retry_count"`
	MaxRetries  int       `json:"max_retries" db:"max_retries"`
	NextRetryAt time.Time `json:"next_retry_at" db:"next_retry_at"`
	LastError   string    `json:"last_error" db:"last_error"`
	ErrorCode   string    `json:"error_code" db:"error_code"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// Terminal reports whether the entry reached done or failed.
func (e *Entry) Terminal() bool {
	return e.Status == StatusDone || e.Status == StatusFailed
}

// Filter narrows queue listings. Zero values match everything.
type Filter struct {
	OrganizationID string
	IntegrationID  string
	ScheduleID     string
	Status         Status
	Limit          int // default 50, max 500
	Offset         int
}

// Errors returned by the package.
var (
	ErrNotFound         = errors.New("syncqueue: entry not found")
	ErrNoneReady        = errors.New("syncqueue: no entry ready")
	ErrInvalidState     = errors.New("syncqueue: entry is not in a valid state for this command")
	ErrInvalidOperation = errors.New("syncqueue: invalid operation")
	ErrAlreadyRunning   = errors.New("syncqueue: dispatcher already running")
)

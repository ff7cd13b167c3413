package activity

import "time"

// Type classifies an external exchange.
type Type string

// Activity types.
const (
	TypeTestConnection  Type = "test_connection"
	TypeListDevices     Type = "list_devices"
	TypeGetDevice       Type = "get_device"
	TypePushDevice      Type = "push_device"
	TypeWebhookReceived Type = "webhook_received"
	TypeMQTTMessage     Type = "mqtt_message"
	TypeMQTTPublish     Type = "mqtt_publish"
)

// Status is the outcome of one exchange.
type Status string

// Exchange outcomes.
const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// MaxBodyBytes bounds the request and response bodies kept per entry.
const MaxBodyBytes = 4096

// Entry is one external exchange.
type Entry struct {
	ID             string    `json:"id" db:"id"`
	OrganizationID string    `json:"organization_id" db:"organization_id"`
	IntegrationID  string    `json:"integration_id" db:"integration_id"`
	DeviceID       string    `json:"device_id" db:"device_id"`
	ActivityType   Type      `json:"activity_type" db:"activity_type"`
	Method         string    `json:"method" db:"method"`
	Endpoint       string    `json:"endpoint" db:"endpoint"`
	RequestBody    string    `json:"request_body" db:"request_body"`
	ResponseStatus int       `json:"response_status" db:"response_status"`
	ResponseBody   string    `json:"response_body" db:"response_body"`
	ResponseTimeMS int64     `json:"response_time_ms" db:"response_time_ms"`
	Status         Status    `json:"status" db:"status"`
	ErrorCode      string    `json:"error_code" db:"error_code"`
	ErrorMessage   string    `json:"error_message" db:"error_message"`
	PartitionMonth string    `json:"partition_month" db:"partition_month"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// RunStatus is the outcome of one sync run.
type RunStatus string

// Run outcomes.
const (
	RunSuccess   RunStatus = "success"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// SyncLog is the aggregate outcome of one sync run attempt.
type SyncLog struct {
	ID                string    `json:"id" db:"id"`
	OrganizationID    string    `json:"organization_id" db:"organization_id"`
	IntegrationID     string    `json:"integration_id" db:"integration_id"`
	QueueEntryID      string    `json:"queue_entry_id" db:"queue_entry_id"`
	Operation         string    `json:"operation" db:"operation"`
	Status            RunStatus `json:"status" db:"status"`
	StartedAt         time.Time `json:"started_at" db:"started_at"`
	CompletedAt       time.Time `json:"completed_at" db:"completed_at"`
	DevicesProcessed  int       `json:"devices_processed" db:"devices_processed"`
	DevicesSucceeded  int       `json:"devices_succeeded" db:"devices_succeeded"`
	DevicesFailed     int       `json:"devices_failed" db:"devices_failed"`
	DevicesCreated    int       `json:"devices_created" db:"devices_created"`
	DevicesUpdated    int       `json:"devices_updated" db:"devices_updated"`
	DevicesDeleted    int       `json:"devices_deleted" db:"devices_deleted"`
	DevicesSkipped    int       `json:"devices_skipped" db:"devices_skipped"`
	ConflictsDetected int       `json:"conflicts_detected" db:"conflicts_detected"`
	ErrorMessage      string    `json:"error_message" db:"error_message"`
	PartitionMonth    string    `json:"partition_month" db:"partition_month"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// Filter narrows log listings. Zero values match everything.
type Filter struct {
	OrganizationID string
	IntegrationID  string
	DeviceID       string
	Status         string
	Since          *time.Time
	Limit          int
	Offset         int
}

// PruneResult counts rows removed by a retention run.
type PruneResult struct {
	Months        []string `json:"months"`
	SyncLogs      int64    `json:"sync_logs"`
	Activity      int64    `json:"activity"`
	Notifications int64    `json:"notifications"`
}

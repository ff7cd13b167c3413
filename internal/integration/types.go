package integration

import (
	"encoding/json"
	"time"

	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/database"
)

// Type identifies the external platform behind an integration.
type Type string

// Integration types.
const (
	TypeGolioth  Type = "golioth"
	TypeAWSIoT   Type = "aws_iot"
	TypeAzureIoT Type = "azure_iot"
	TypeMQTT     Type = "mqtt"
	TypeWebhook  Type = "webhook"
	TypeHub      Type = "hub"
)

// AllTypes returns every supported integration type.
func AllTypes() []Type {
	return []Type{TypeGolioth, TypeAWSIoT, TypeAzureIoT, TypeMQTT, TypeWebhook, TypeHub}
}

// Direction controls which way device state may flow.
type Direction string

// Sync directions.
const (
	DirectionImport        Direction = "import"
	DirectionExport        Direction = "export"
	DirectionBidirectional Direction = "bidirectional"
	DirectionOff           Direction = "off"
)

// AllDirections returns every sync direction.
func AllDirections() []Direction {
	return []Direction{DirectionImport, DirectionExport, DirectionBidirectional, DirectionOff}
}

// CanImport reports whether remote state may be pulled into the registry.
func (d Direction) CanImport() bool {
	return d == DirectionImport || d == DirectionBidirectional
}

// CanExport reports whether local state may be pushed to the platform.
func (d Direction) CanExport() bool {
	return d == DirectionExport || d == DirectionBidirectional
}

// Strategy is a conflict resolution policy.
type Strategy string

// Conflict strategies. StrategyMerge is only valid as a per-field override.
const (
	StrategyLocalWins  Strategy = "local_wins"
	StrategyRemoteWins Strategy = "remote_wins"
	StrategyNewestWins Strategy = "newest_wins"
	StrategyManual     Strategy = "manual"
	StrategyMerge      Strategy = "merge"
)

// AllStrategies returns the strategies valid as an integration default.
func AllStrategies() []Strategy {
	return []Strategy{StrategyLocalWins, StrategyRemoteWins, StrategyNewestWins, StrategyManual}
}

// SyncStatus is the outcome written back to an integration after a run.
type SyncStatus string

// Sync outcomes.
const (
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusPartial SyncStatus = "partial"
	SyncStatusError   SyncStatus = "error"
)

// Well-known settings keys.
const (
	SettingProjectID       = "project_id"
	SettingRegion          = "region"
	SettingHubName         = "hub_name"
	SettingTopicPrefix     = "topic_prefix"
	SettingFieldStrategies = "field_strategies"
)

// Well-known credential keys.
const (
	CredAPIKey          = "api_key"
	CredAccessKeyID     = "access_key_id"
	CredSecretAccessKey = "secret_access_key"
	CredSessionToken    = "session_token"
	CredSharedAccessKey = "shared_access_key"
	CredPolicyName      = "policy_name"
	CredWebhookSecret   = "webhook_secret"
	CredUsername        = "username"
	CredPassword        = "password"
)

// Integration is a configured connection to one external IoT platform.
type Integration struct {
	ID             string `json:"id" db:"id"`
	OrganizationID string `json:"organization_id" db:"organization_id"`
	Name           string `json:"name" db:"name"`
	Type           Type   `json:"type" db:"type"`

	// CredentialsEncrypted is the sealed credential blob. It never leaves
	// the process in API responses.
	CredentialsEncrypted []byte `json:"-" db:"credentials_encrypted"`

	BaseEndpoint     string           `json:"base_endpoint" db:"base_endpoint"`
	Settings         database.JSONMap `json:"settings" db:"settings"`
	SyncDirection    Direction        `json:"sync_direction" db:"sync_direction"`
	IntervalSeconds  int              `json:"interval_seconds" db:"interval_seconds"`
	Enabled          bool             `json:"enabled" db:"enabled"`
	ConflictStrategy Strategy         `json:"conflict_strategy" db:"conflict_strategy"`
	MaxRetries       int              `json:"max_retries" db:"max_retries"`

	LastSyncAt     *time.Time `json:"last_sync_at,omitempty" db:"last_sync_at"`
	LastSyncStatus string     `json:"last_sync_status" db:"last_sync_status"`
	LastSyncError  string     `json:"last_sync_error" db:"last_sync_error"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Setting returns a string setting, or "" when absent or not a string.
func (i *Integration) Setting(key string) string {
	if i.Settings == nil {
		return ""
	}
	s, _ := i.Settings[key].(string)
	return s
}

// FieldStrategies returns the per-field strategy overrides from settings.
func (i *Integration) FieldStrategies() map[string]Strategy {
	out := make(map[string]Strategy)
	raw, ok := i.Settings[SettingFieldStrategies].(map[string]any)
	if !ok {
		return out
	}
	for field, v := range raw {
		if s, ok := v.(string); ok {
			out[field] = Strategy(s)
		}
	}
	return out
}

// DeepCopy returns an independent copy of the integration.
func (i *Integration) DeepCopy() *Integration {
	if i == nil {
		return nil
	}
	cp := *i
	if i.CredentialsEncrypted != nil {
		cp.CredentialsEncrypted = append([]byte(nil), i.CredentialsEncrypted...)
	}
	cp.Settings = cloneSettings(i.Settings)
	if i.LastSyncAt != nil {
		t := *i.LastSyncAt
		cp.LastSyncAt = &t
	}
	return &cp
}

func cloneSettings(m database.JSONMap) database.JSONMap {
	if m == nil {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		out := make(database.JSONMap, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	out := database.JSONMap{}
	_ = json.Unmarshal(b, &out) //nolint:errcheck // round trip of a marshalled map
	return out
}

// Credentials are the clear-text secrets of one integration.
type Credentials map[string]string

// Get returns the credential value for key, or "".
func (c Credentials) Get(key string) string {
	if c == nil {
		return ""
	}
	return c[key]
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	OrganizationID string
	Type           Type
	Enabled        *bool
}

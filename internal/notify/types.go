package notify

import (
	"fmt"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/database"
)

// EventType is an alert-worthy condition.
type EventType string

// Events.
const (
	EventSyncFailed       EventType = "sync_failed"
	EventConflictCreated  EventType = "conflict_created"
	EventIntegrationError EventType = "integration_error"
)

// AllEvents returns every event type.
func AllEvents() []EventType {
	return []EventType{EventSyncFailed, EventConflictCreated, EventIntegrationError}
}

// Channel is a delivery medium.
type Channel string

// Channels.
const (
	ChannelEmail   Channel = "email"
	ChannelSMS     Channel = "sms"
	ChannelWebhook Channel = "webhook"
	ChannelInApp   Channel = "in_app"
)

// Status is the state of one notification.
type Status string

// Notification states. Sent and failed are terminal.
const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Preference routes one event of an organization to one channel target.
// Target is an address, phone number or URL; in_app has none.
type Preference struct {
	ID             string    `json:"id" db:"id"`
	OrganizationID string    `json:"organization_id" db:"organization_id"`
	EventType      EventType `json:"event_type" db:"event_type"`
	Channel        Channel   `json:"channel" db:"channel"`
	Target         string    `json:"target" db:"target"`
	Secret         string    `json:"-" db:"secret"`
	Enabled        bool      `json:"enabled" db:"enabled"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// Validate checks a preference before it is stored.
func (p *Preference) Validate() error {
	if p.OrganizationID == "" {
		return fmt.Errorf("%w: organization_id is required", ErrInvalidPreference)
	}
	switch p.EventType {
	case EventSyncFailed, EventConflictCreated, EventIntegrationError:
	default:
		return fmt.Errorf("%w: event_type %q", ErrInvalidPreference, p.EventType)
	}

	target := strings.TrimSpace(p.Target)
	switch p.Channel {
	case ChannelEmail:
		if _, err := mail.ParseAddress(target); err != nil {
			return fmt.Errorf("%w: email target %q", ErrInvalidPreference, target)
		}
	case ChannelSMS:
		if !validPhone(target) {
			return fmt.Errorf("%w: sms target %q", ErrInvalidPreference, target)
		}
	case ChannelWebhook:
		u, err := url.Parse(target)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: webhook target %q", ErrInvalidPreference, target)
		}
	case ChannelInApp:
	default:
		return fmt.Errorf("%w: channel %q", ErrInvalidPreference, p.Channel)
	}
	return nil
}

// validPhone accepts E.164 numbers.
func validPhone(v string) bool {
	if len(v) < 8 || len(v) > 16 || v[0] != '+' {
		return false
	}
	for _, r := range v[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Message is the channel-independent content of a notification.
type Message struct {
	OrganizationID string           `json:"organization_id"`
	EventType      EventType        `json:"event_type"`
	Subject        string           `json:"subject"`
	Body           string           `json:"message"`
	Data           database.JSONMap `json:"data,omitempty"`
}

// Notification is one delivery of a message to one channel target.
type Notification struct {
	ID             string           `json:"id" db:"id"`
	OrganizationID string           `json:"organization_id" db:"organization_id"`
	EventType      EventType        `json:"event_type" db:"event_type"`
	Channel        Channel          `json:"channel" db:"channel"`
	Target         string           `json:"target" db:"target"`
	Subject        string           `json:"subject" db:"subject"`
	Message        string           `json:"message" db:"message"`
	Payload        database.JSONMap `json:"payload" db:"payload"`
	Status         Status           `json:"status" db:"status"`
	RetryCount     int              `json:"retry_count" db:"retry_count"`
	MaxRetries     int              `json:"max_retries" db:"max_retries"`
	LastError      string           `json:"last_error" db:"last_error"`
	SentAt         *time.Time       `json:"sent_at,omitempty" db:"sent_at"`
	PartitionMonth string           `json:"partition_month" db:"partition_month"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at" db:"updated_at"`
}

// Content returns the message carried by n.
func (n *Notification) Content() *Message {
	return &Message{
		OrganizationID: n.OrganizationID,
		EventType:      n.EventType,
		Subject:        n.Subject,
		Body:           n.Message,
		Data:           n.Payload,
	}
}

// Filter controls which notifications to return.
type Filter struct {
	OrganizationID string
	EventType      EventType
	Channel        Channel
	Status         Status
	Limit          int // default 50, max 500
	Offset         int
}

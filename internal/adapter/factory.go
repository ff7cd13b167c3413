package adapter

import (
	"time"

	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-sync/internal/integration"
)

// Deps are the collaborators shared by the built-in adapters.
type Deps struct {
	Recorder  ActivityRecorder
	Snapshots *SnapshotStore

	// Telemetry may be nil when no time series store is configured.
	Telemetry TelemetrySink

	Observer Observer
	MQTT     mqtt.Options
	Timeout  time.Duration
	Logger   Logger
}

// NewDefaultSet builds one adapter per supported integration type.
func NewDefaultSet(deps Deps) *Set {
	opts := []HTTPOption{WithTimeout(deps.Timeout)}
	if deps.Observer != nil {
		opts = append(opts, WithObserver(deps.Observer))
	}
	client := NewHTTPClient(deps.Recorder, opts...)
	client.SetLogger(deps.Logger)

	mq := NewMQTT(deps.MQTT, deps.Snapshots, deps.Telemetry, deps.Recorder)
	mq.SetLogger(deps.Logger)

	return NewSet(
		NewGolioth(client),
		NewAWSIoT(client),
		NewAzureIoT(client),
		mq,
		NewWebhook(client, deps.Snapshots),
		NewHub(client, deps.Snapshots),
	)
}

// MQTT returns the set's MQTT adapter, or nil.
func (s *Set) MQTT() *MQTT {
	m, _ := s.adapters[integration.TypeMQTT].(*MQTT)
	return m
}

package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-sync/internal/activity"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-sync/internal/integration"
	"github.com/nerrad567/gray-logic-sync/internal/syncerr"
)

// ingestTimeout bounds storing one received MQTT message.
const ingestTimeout = 10 * time.Second

// MQTTConn is the part of an MQTT connection the adapter uses.
type MQTTConn interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	PublishRetained(topic string, payload []byte) error
	IsConnected() bool
	Close() error
}

// DialMQTT connects to a broker.
type DialMQTT func(opts mqtt.Options) (MQTTConn, error)

func dialBroker(opts mqtt.Options) (MQTTConn, error) {
	c, err := mqtt.Connect(opts)
	if err != nil {
		return nil, err
	}
	return c, nil
}

type mqttSession struct {
	conn   MQTTConn
	topics mqtt.Topics
	broker string
}

// MQTT keeps one broker connection per integration. Device state
// messages are buffered in the snapshot store as they arrive; pushes are
// published retained to the device config topic.
type MQTT struct {
	ingestor

	defaults mqtt.Options
	dial     DialMQTT

	mu       sync.Mutex
	sessions map[string]*mqttSession

	now func() time.Time
}

// NewMQTT creates an MQTT adapter. defaults carries the service-wide
// connection settings; each integration supplies its broker endpoint.
func NewMQTT(defaults mqtt.Options, snapshots *SnapshotStore, telemetry TelemetrySink, recorder ActivityRecorder) *MQTT {
	return &MQTT{
		ingestor: ingestor{
			snapshots: snapshots,
			telemetry: telemetry,
			recorder:  recorder,
			logger:    noopLogger{},
		},
		defaults: defaults,
		dial:     dialBroker,
		sessions: make(map[string]*mqttSession),
		now:      time.Now,
	}
}

// SetDialer replaces the broker dialer.
func (m *MQTT) SetDialer(dial DialMQTT) {
	if dial != nil {
		m.dial = dial
	}
}

// SetLogger sets the logger for the adapter.
func (m *MQTT) SetLogger(logger Logger) {
	if logger != nil {
		m.logger = logger
	}
}

// Type implements Adapter.
func (m *MQTT) Type() integration.Type { return integration.TypeMQTT }

// Capabilities implements Adapter.
func (m *MQTT) Capabilities() Capabilities {
	return Capabilities{List: true, Get: true, Push: true, Subscribe: true, Batch: true}
}

func (m *MQTT) topics(t Target) mqtt.Topics {
	return mqtt.Topics{Prefix: t.Setting(integration.SettingTopicPrefix)}
}

func (m *MQTT) options(t Target) mqtt.Options {
	opts := m.defaults
	opts.BrokerURL = strings.TrimSpace(t.Integration.BaseEndpoint)
	base := opts.ClientID
	if base == "" {
		base = "graysync"
	}
	opts.ClientID = base + "-" + t.ID()
	if u := t.Credentials.Get(integration.CredUsername); u != "" {
		opts.Username = u
		opts.Password = t.Credentials.Get(integration.CredPassword)
	}
	opts.StatusTopic = m.topics(t).Status()
	return opts
}

// Start connects the integration and subscribes to device state. It is
// a no-op when a live session already exists for the same broker.
func (m *MQTT) Start(t Target) error {
	_, err := m.session(t)
	return err
}

// Stop closes the integration's connection.
func (m *MQTT) Stop(integrationID string) error {
	m.mu.Lock()
	s, ok := m.sessions[integrationID]
	delete(m.sessions, integrationID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return s.conn.Close()
}

// Connected reports whether the integration has a live session.
func (m *MQTT) Connected(integrationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[integrationID]
	return ok && s.conn.IsConnected()
}

func (m *MQTT) session(t Target) (*mqttSession, error) {
	if strings.TrimSpace(t.Integration.BaseEndpoint) == "" {
		return nil, syncerr.New(syncerr.KindValidation, "MISSING_SETTING", "mqtt integration has no broker endpoint")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[t.ID()]; ok {
		if s.broker == t.Integration.BaseEndpoint && s.conn.IsConnected() {
			return s, nil
		}
		s.conn.Close() //nolint:errcheck // replaced below
		delete(m.sessions, t.ID())
	}

	opts := m.options(t)
	conn, err := m.dial(opts)
	if err != nil {
		return nil, m.classify(err)
	}
	topics := m.topics(t)
	target := Target{Integration: t.Integration.DeepCopy(), Credentials: t.Credentials}
	if err := conn.Subscribe(topics.AllStates(), opts.QoS, func(topic string, payload []byte) error {
		return m.handleMessage(target, topics, topic, payload)
	}); err != nil {
		conn.Close() //nolint:errcheck // subscribe failed
		return nil, m.classify(err)
	}

	s := &mqttSession{conn: conn, topics: topics, broker: t.Integration.BaseEndpoint}
	m.sessions[t.ID()] = s
	m.logger.Info("mqtt integration connected",
		"integration_id", t.ID(),
		"broker", opts.BrokerURL,
		"topic", topics.AllStates(),
	)
	return s, nil
}

func (m *MQTT) classify(err error) error {
	switch {
	case errors.Is(err, mqtt.ErrInvalidBroker):
		return syncerr.Wrap(syncerr.KindValidation, "INVALID_BROKER", err)
	case errors.Is(err, mqtt.ErrConnectionFailed), errors.Is(err, mqtt.ErrNotConnected):
		return syncerr.Wrap(syncerr.KindTransient, "BROKER_UNAVAILABLE", err)
	default:
		return syncerr.Classify(err)
	}
}

// handleMessage buffers one device state message. The device ID comes
// from the topic.
func (m *MQTT) handleMessage(t Target, topics mqtt.Topics, topic string, payload []byte) error {
	externalID, ok := topics.DeviceFromState(topic)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
	defer cancel()

	received := m.now()
	entry := &activity.Entry{
		OrganizationID: t.Integration.OrganizationID,
		IntegrationID:  t.ID(),
		ActivityType:   activity.TypeMQTTMessage,
		Method:         "SUBSCRIBE",
		Endpoint:       topic,
		RequestBody:    string(payload),
		Status:         activity.StatusSuccess,
		CreatedAt:      received,
	}
	defer func() { m.record(ctx, entry) }()

	doc, err := decodeObject(payload)
	if err != nil {
		entry.Status = activity.StatusError
		entry.ErrorCode = string(syncerr.KindValidation)
		entry.ErrorMessage = err.Error()
		return err
	}
	ev := normalizeMQTT(doc)
	ev.DeviceID = externalID

	if _, err := m.store(ctx, t, ev.Remote(received)); err != nil {
		entry.Status = activity.StatusError
		entry.ErrorCode = string(syncerr.KindOf(err))
		entry.ErrorMessage = err.Error()
		return fmt.Errorf("buffering mqtt state for %s: %w", externalID, err)
	}
	return nil
}

// ListRemote returns the buffered devices, connecting first if needed.
func (m *MQTT) ListRemote(ctx context.Context, t Target) ([]RemoteDevice, error) {
	if _, err := m.session(t); err != nil {
		return nil, err
	}
	return m.snapshots.List(ctx, t.ID())
}

// GetRemote returns one buffered device.
func (m *MQTT) GetRemote(ctx context.Context, t Target, externalID string) (*RemoteDevice, error) {
	if _, err := m.session(t); err != nil {
		return nil, err
	}
	return m.snapshots.Get(ctx, t.ID(), externalID)
}

// PushLocal publishes the device retained on its config topic.
func (m *MQTT) PushLocal(ctx context.Context, t Target, req PushRequest) (*Result, error) {
	s, err := m.session(t)
	if err != nil {
		return nil, err
	}
	body, err := jsonBody(DevicePayload(req.Device, req.ExternalID))
	if err != nil {
		return nil, err
	}

	topic := s.topics.Config(req.ExternalID)
	start := m.now()
	pubErr := s.conn.PublishRetained(topic, body)
	entry := &activity.Entry{
		OrganizationID: t.Integration.OrganizationID,
		IntegrationID:  t.ID(),
		DeviceID:       req.Device.ID,
		ActivityType:   activity.TypeMQTTPublish,
		Method:         "PUBLISH",
		Endpoint:       topic,
		RequestBody:    string(body),
		ResponseTimeMS: m.now().Sub(start).Milliseconds(),
		Status:         activity.StatusSuccess,
		CreatedAt:      start,
	}
	if pubErr != nil {
		serr := m.classify(pubErr)
		entry.Status = activity.StatusError
		entry.ErrorCode = string(syncerr.KindOf(serr))
		entry.ErrorMessage = serr.Error()
		m.record(ctx, entry)
		return nil, serr
	}
	m.record(ctx, entry)
	return &Result{ExternalID: req.ExternalID, Status: http.StatusOK}, nil
}

// TestConnection dials the broker on a throwaway connection.
func (m *MQTT) TestConnection(ctx context.Context, t Target) error {
	if strings.TrimSpace(t.Integration.BaseEndpoint) == "" {
		return syncerr.New(syncerr.KindValidation, "MISSING_SETTING", "mqtt integration has no broker endpoint")
	}
	opts := m.options(t)
	opts.ClientID += "-test"
	opts.StatusTopic = ""

	start := m.now()
	conn, err := m.dial(opts)
	entry := &activity.Entry{
		OrganizationID: t.Integration.OrganizationID,
		IntegrationID:  t.ID(),
		ActivityType:   activity.TypeTestConnection,
		Method:         "CONNECT",
		Endpoint:       opts.BrokerURL,
		ResponseTimeMS: m.now().Sub(start).Milliseconds(),
		Status:         activity.StatusSuccess,
		CreatedAt:      start,
	}
	if err != nil {
		serr := m.classify(err)
		entry.Status = activity.StatusError
		entry.ErrorCode = string(syncerr.KindOf(serr))
		entry.ErrorMessage = serr.Error()
		m.record(ctx, entry)
		return serr
	}
	conn.Close() //nolint:errcheck // test connection only
	m.record(ctx, entry)
	return nil
}

// TranslateError implements Adapter.
func (m *MQTT) TranslateError(err error) *syncerr.Error {
	return translate(m.classify(err))
}

// Close disconnects every integration.
func (m *MQTT) Close() error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*mqttSession)
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

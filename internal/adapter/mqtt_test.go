package adapter

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-sync/internal/activity"
	"github.com/nerrad567/gray-logic-sync/internal/device"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-sync/internal/integration"
	"github.com/nerrad567/gray-logic-sync/internal/syncerr"
)

type published struct {
	topic   string
	payload []byte
}

type fakeConn struct {
	mu        sync.Mutex
	topic     string
	handler   mqtt.MessageHandler
	published []published
	closed    bool
}

func (f *fakeConn) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topic = topic
	f.handler = handler
	return nil
}

func (f *fakeConn) PublishRetained(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic: topic, payload: payload})
	return nil
}

func (f *fakeConn) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func newTestMQTT(t *testing.T) (*MQTT, Target, *fakeConn, *memRecorder, *[]mqtt.Options) {
	t.Helper()
	target := newTarget(integration.TypeMQTT, "tcp://broker:1883",
		database.JSONMap{integration.SettingTopicPrefix: "site-a"},
		integration.Credentials{integration.CredUsername: "svc", integration.CredPassword: "pw"})
	rec := &memRecorder{}
	conn := &fakeConn{}
	var dialled []mqtt.Options

	m := NewMQTT(mqtt.Options{ClientID: "graysync"}, newTestSnapshots(t, target), &memTelemetry{}, rec)
	m.now = func() time.Time { return testNow }
	m.SetDialer(func(opts mqtt.Options) (MQTTConn, error) {
		dialled = append(dialled, opts)
		return conn, nil
	})
	return m, target, conn, rec, &dialled
}

func TestMQTT_BuffersStateMessages(t *testing.T) {
	m, target, conn, rec, dialled := newTestMQTT(t)
	ctx := context.Background()

	require.NoError(t, m.Start(target))
	require.Len(t, *dialled, 1)
	opts := (*dialled)[0]
	assert.Equal(t, "graysync-int-1", opts.ClientID)
	assert.Equal(t, "svc", opts.Username)
	assert.Equal(t, "site-a/graysync/status", opts.StatusTopic)
	assert.Equal(t, "site-a/+/state", conn.topic)
	assert.True(t, m.Connected(target.ID()))

	require.NoError(t, conn.handler("site-a/m-7/state", []byte(`{"name":"Pump","status":"up"}`)))

	devices, err := m.ListRemote(ctx, target)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "m-7", devices[0].ExternalID)
	assert.Equal(t, "Pump", devices[0].Name)
	assert.Equal(t, device.StatusOnline, devices[0].Status)
	assert.Len(t, *dialled, 1, "session reused")

	entries := rec.all()
	require.Len(t, entries, 1)
	assert.Equal(t, activity.TypeMQTTMessage, entries[0].ActivityType)
	assert.Equal(t, "site-a/m-7/state", entries[0].Endpoint)
}

func TestMQTT_RejectsMalformedMessage(t *testing.T) {
	m, target, conn, rec, _ := newTestMQTT(t)
	require.NoError(t, m.Start(target))

	require.Error(t, conn.handler("site-a/m-7/state", []byte(`not json`)))
	entries := rec.all()
	require.Len(t, entries, 1)
	assert.Equal(t, activity.StatusError, entries[0].Status)

	assert.NoError(t, conn.handler("other/m-7/state", []byte(`{}`)), "foreign topic ignored")
}

func TestMQTT_PushPublishesRetainedConfig(t *testing.T) {
	m, target, conn, rec, _ := newTestMQTT(t)
	d := &device.Device{ID: "dev-1", Name: "Pump", Status: device.StatusOnline, UpdatedAt: testNow}

	res, err := m.PushLocal(context.Background(), target, PushRequest{Device: d, ExternalID: "m-7"})
	require.NoError(t, err)
	assert.Equal(t, "m-7", res.ExternalID)

	require.Len(t, conn.published, 1)
	assert.Equal(t, "site-a/m-7/config", conn.published[0].topic)
	var body map[string]any
	require.NoError(t, json.Unmarshal(conn.published[0].payload, &body))
	assert.Equal(t, "Pump", body["name"])

	entries := rec.all()
	require.Len(t, entries, 1)
	assert.Equal(t, activity.TypeMQTTPublish, entries[0].ActivityType)
	assert.Equal(t, "dev-1", entries[0].DeviceID)
}

func TestMQTT_TestConnectionClassifiesDialErrors(t *testing.T) {
	m, target, _, rec, _ := newTestMQTT(t)
	m.SetDialer(func(mqtt.Options) (MQTTConn, error) {
		return nil, mqtt.ErrConnectionFailed
	})

	err := m.TestConnection(context.Background(), target)
	require.Error(t, err)
	assert.Equal(t, syncerr.KindTransient, syncerr.KindOf(err))
	assert.True(t, m.TranslateError(err).Retryable())

	entries := rec.all()
	require.Len(t, entries, 1)
	assert.Equal(t, activity.TypeTestConnection, entries[0].ActivityType)
	assert.Equal(t, activity.StatusError, entries[0].Status)
}

func TestMQTT_StopClosesSession(t *testing.T) {
	m, target, conn, _, _ := newTestMQTT(t)
	require.NoError(t, m.Start(target))
	require.NoError(t, m.Stop(target.ID()))
	assert.True(t, conn.closed)
	assert.False(t, m.Connected(target.ID()))
}

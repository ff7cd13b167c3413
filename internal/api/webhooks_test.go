package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-sync/internal/activity"
	"github.com/nerrad567/gray-logic-sync/internal/adapter"
	"github.com/nerrad567/gray-logic-sync/internal/syncqueue"
)

const pumpDelivery = `{"device":{"id":"ext-1","name":"Pump","status":"online"}}`

// deliver posts a webhook body to path, signed with secret when it is set.
func (e *testEnv) deliver(t *testing.T, path, secret string, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if secret != "" {
		req.Header.Set(adapter.HeaderWebhookSignature, adapter.Sign(secret, body))
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func TestWebhook_AcceptedDeliveryQueuesPull(t *testing.T) {
	env := newTestEnv(t)

	w := env.deliver(t, "/api/v1/webhooks/"+env.hook.ID, testWebhookSecret, []byte(pumpDelivery), nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	resp := decode[map[string]any](t, w)
	assert.Equal(t, true, resp["accepted"])
	assert.Equal(t, "ext-1", resp["external_id"])

	entries := env.entries(t)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, resp["entry_id"], e.ID)
	assert.Equal(t, syncqueue.SourceWebhook, e.Source)
	assert.Equal(t, syncqueue.PriorityWebhook, e.Priority)
	assert.Equal(t, syncqueue.OperationPull, e.Operation)
	assert.Equal(t, []string{"ext-1"}, e.Payload.ExternalIDs)
	assert.Equal(t, 4, e.MaxRetries)

	logs, err := env.logs.ListActivity(context.Background(), activity.Filter{IntegrationID: env.hook.ID})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, activity.TypeWebhookReceived, logs[0].ActivityType)
	assert.Equal(t, activity.StatusSuccess, logs[0].Status)
}

func TestWebhook_IntegrationIDSources(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		header http.Header
	}{
		{"header", "/api/v1/webhooks", http.Header{HeaderIntegrationID: {"int-hook"}}},
		{"query", "/api/v1/webhooks?integration_id=int-hook", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			w := env.deliver(t, tt.path, testWebhookSecret, []byte(pumpDelivery), tt.header)
			require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
			assert.Len(t, env.entries(t), 1)
		})
	}
}

func TestWebhook_InvalidSignature(t *testing.T) {
	tests := []struct {
		name   string
		secret string
	}{
		{"wrong secret", "not-the-secret"},
		{"unsigned", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)

			w := env.deliver(t, "/api/v1/webhooks/"+env.hook.ID, tt.secret, []byte(pumpDelivery), nil)
			require.Equal(t, http.StatusUnauthorized, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), ErrCodeSignatureFailed)
			assert.Empty(t, env.entries(t))

			logs, err := env.logs.ListActivity(context.Background(), activity.Filter{IntegrationID: env.hook.ID})
			require.NoError(t, err)
			require.Len(t, logs, 1)
			assert.Equal(t, activity.StatusError, logs[0].Status)
			assert.Equal(t, "SignatureInvalid", logs[0].ErrorCode)
			assert.Equal(t, http.StatusUnauthorized, logs[0].ResponseStatus)
		})
	}
}

func TestWebhook_Rejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	disabled := *env.hook
	disabled.ID = "int-off"
	disabled.Name = "off"
	disabled.Enabled = false
	require.NoError(t, env.integrations.Create(ctx, &disabled, map[string]string{
		"webhook_secret": testWebhookSecret,
	}))

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"missing integration id", "/api/v1/webhooks", pumpDelivery, http.StatusBadRequest},
		{"unknown integration", "/api/v1/webhooks/int-missing", pumpDelivery, http.StatusNotFound},
		{"disabled integration", "/api/v1/webhooks/int-off", pumpDelivery, http.StatusNotFound},
		{"oversize body", "/api/v1/webhooks/" + env.hook.ID,
			`{"device":{"id":"ext-1","name":"` + strings.Repeat("x", 5000) + `"}}`, http.StatusRequestEntityTooLarge},
		{"no device id", "/api/v1/webhooks/" + env.hook.ID, `{"device":{"name":"Pump"}}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.deliver(t, tt.path, testWebhookSecret, []byte(tt.body), nil)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
	assert.Empty(t, env.entries(t))
}

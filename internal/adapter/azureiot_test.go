package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-sync/internal/device"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-sync/internal/integration"
)

const testAzureKey = "c2VjcmV0LWtleS1mb3ItdGVzdHM=" // base64("secret-key-for-tests")

func azureTarget(endpoint string) Target {
	return newTarget(integration.TypeAzureIoT, endpoint,
		database.JSONMap{integration.SettingHubName: "fleet-hub"},
		integration.Credentials{
			integration.CredSharedAccessKey: testAzureKey,
			integration.CredPolicyName:      "iothubowner",
		})
}

func newTestAzure(rec *memRecorder) *AzureIoT {
	a := NewAzureIoT(newTestClient(rec))
	a.now = func() time.Time { return testNow }
	return a
}

func TestSASToken(t *testing.T) {
	expiry := time.Unix(1791968400, 0)
	token, err := SASToken("fleet-hub.azure-devices.net", "iothubowner", testAzureKey, expiry)
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(token, "SharedAccessSignature "))
	values, err := url.ParseQuery(strings.TrimPrefix(token, "SharedAccessSignature "))
	require.NoError(t, err)
	assert.Equal(t, "fleet-hub.azure-devices.net", values.Get("sr"))
	assert.Equal(t, "1791968400", values.Get("se"))
	assert.Equal(t, "iothubowner", values.Get("skn"))
	assert.NotEmpty(t, values.Get("sig"))

	again, err := SASToken("fleet-hub.azure-devices.net", "iothubowner", testAzureKey, expiry)
	require.NoError(t, err)
	assert.Equal(t, token, again)

	_, err = SASToken("fleet-hub.azure-devices.net", "iothubowner", "", expiry)
	assert.Error(t, err)
}

func TestAzureIoT_ListRemoteFollowsContinuation(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/devices/query", r.URL.Path)
		assert.Equal(t, azureAPIVersion, r.URL.Query().Get("api-version"))
		assert.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "SharedAccessSignature sr="))

		if r.Header.Get("x-ms-continuation") == "" {
			w.Header().Set("x-ms-continuation", "next")
			fmt.Fprint(w, `[{"deviceId":"a-1","connectionState":"Connected","lastActivityTime":"2026-10-14T07:00:00Z",
				"tags":{"name":"Roof","deviceType":"sensor","labels":["roof"]},
				"properties":{"reported":{"battery":55,"rssi":-70,"firmwareVersion":"3.1",
					"$metadata":{"$lastUpdated":"2026-10-14T07:30:00Z"}}}}]`)
			return
		}
		fmt.Fprint(w, `[{"deviceId":"a-2","connectionState":"Disconnected"}]`)
	}))
	defer srv.Close()

	devices, err := newTestAzure(&memRecorder{}).ListRemote(context.Background(), azureTarget(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	require.Len(t, devices, 2)

	first := devices[0]
	assert.Equal(t, "a-1", first.ExternalID)
	assert.Equal(t, "Roof", first.Name)
	assert.Equal(t, device.StatusOnline, first.Status)
	assert.Equal(t, []string{"roof"}, first.Tags)
	assert.Equal(t, "3.1", first.FirmwareVersion)
	require.NotNil(t, first.SignalStrength)
	assert.Equal(t, -70, *first.SignalStrength)
	assert.Equal(t, time.Date(2026, 10, 14, 7, 30, 0, 0, time.UTC), first.ChangedAt())

	assert.Equal(t, device.StatusOffline, devices[1].Status)
}

func TestAzureIoT_PushLocalPatchesTwin(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/twins/a-1", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		fmt.Fprint(w, `{"deviceId":"a-1","tags":{"name":"Roof"}}`)
	}))
	defer srv.Close()

	d := &device.Device{ID: "dev-1", Name: "Roof", DeviceType: "sensor", Status: device.StatusOnline}
	res, err := newTestAzure(&memRecorder{}).PushLocal(context.Background(), azureTarget(srv.URL), PushRequest{Device: d, ExternalID: "a-1"})
	require.NoError(t, err)
	require.NotNil(t, res.Remote)

	tags := mapOf(got["tags"])
	assert.Equal(t, "Roof", tags["name"])
	assert.Equal(t, []any{}, tags["labels"])
	desired := mapOf(mapOf(got["properties"])["desired"])
	assert.Equal(t, "online", desired["status"])
}

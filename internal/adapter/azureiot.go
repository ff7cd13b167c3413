package adapter

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-sync/internal/activity"
	"github.com/nerrad567/gray-logic-sync/internal/device"
	"github.com/nerrad567/gray-logic-sync/internal/integration"
	"github.com/nerrad567/gray-logic-sync/internal/syncerr"
)

const (
	azureAPIVersion = "2021-04-12"
	azureTokenTTL   = time.Hour
)

// AzureIoT reads and writes device twins on an Azure IoT Hub.
type AzureIoT struct {
	http *HTTPClient
	now  func() time.Time
}

// NewAzureIoT creates an Azure IoT Hub adapter.
func NewAzureIoT(client *HTTPClient) *AzureIoT {
	return &AzureIoT{http: client, now: time.Now}
}

// Type implements Adapter.
func (a *AzureIoT) Type() integration.Type { return integration.TypeAzureIoT }

// Capabilities implements Adapter.
func (a *AzureIoT) Capabilities() Capabilities {
	return Capabilities{List: true, Get: true, Push: true, Webhook: true, Batch: true}
}

func (a *AzureIoT) check(t Target) error {
	return t.require(
		[]string{integration.CredSharedAccessKey, integration.CredPolicyName},
		[]string{integration.SettingHubName},
	)
}

func (a *AzureIoT) host(t Target) string {
	return t.Setting(integration.SettingHubName) + ".azure-devices.net"
}

func (a *AzureIoT) endpoint(t Target) string {
	return baseURL(t, "https://"+a.host(t))
}

func (a *AzureIoT) request(t Target, act activity.Type, method, path string, body []byte) (Request, error) {
	token, err := SASToken(a.host(t), t.Credentials.Get(integration.CredPolicyName),
		t.Credentials.Get(integration.CredSharedAccessKey), a.now().Add(azureTokenTTL))
	if err != nil {
		return Request{}, err
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	req := newRequest(t, act, method, a.endpoint(t)+path+sep+"api-version="+azureAPIVersion, body)
	req.Header.Set("Authorization", token)
	return req, nil
}

// SASToken builds an IoT Hub shared access signature for resource,
// valid until expiry. key is the base64 policy key; a key that does not
// decode is used as raw bytes.
func SASToken(resource, policy, key string, expiry time.Time) (string, error) {
	if resource == "" || key == "" {
		return "", syncerr.New(syncerr.KindAuth, "MISSING_CREDENTIAL", "shared access key and hub are required")
	}
	secret, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		secret = []byte(key)
	}
	sr := url.QueryEscape(strings.ToLower(resource))
	se := strconv.FormatInt(expiry.Unix(), 10)

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(sr + "\n" + se))
	sig := url.QueryEscape(base64.StdEncoding.EncodeToString(mac.Sum(nil)))

	token := fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%s", sr, sig, se)
	if policy != "" {
		token += "&skn=" + url.QueryEscape(policy)
	}
	return token, nil
}

// ListRemote runs a twin query, following continuation tokens.
func (a *AzureIoT) ListRemote(ctx context.Context, t Target) ([]RemoteDevice, error) {
	if err := a.check(t); err != nil {
		return nil, err
	}
	body, err := jsonBody(map[string]any{"query": "SELECT * FROM devices"})
	if err != nil {
		return nil, err
	}

	var out []RemoteDevice
	continuation := ""
	for page := 0; page < maxPages; page++ {
		req, err := a.request(t, activity.TypeListDevices, http.MethodPost, "/devices/query", body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("x-ms-max-item-count", strconv.Itoa(defaultPageSize))
		if continuation != "" {
			req.Header.Set("x-ms-continuation", continuation)
		}
		resp, err := a.http.Do(ctx, req)
		if err != nil {
			return nil, err
		}
		twins, err := listItems(resp)
		if err != nil {
			return nil, err
		}
		received := a.now().UTC()
		for _, twin := range twins {
			if rd := azureTwin(twin, received); rd.ExternalID != "" {
				out = append(out, rd)
			}
		}
		continuation = resp.Header.Get("x-ms-continuation")
		if continuation == "" {
			break
		}
	}
	return out, nil
}

// GetRemote fetches one twin.
func (a *AzureIoT) GetRemote(ctx context.Context, t Target, externalID string) (*RemoteDevice, error) {
	if err := a.check(t); err != nil {
		return nil, err
	}
	req, err := a.request(t, activity.TypeGetDevice, http.MethodGet, "/twins/"+url.PathEscape(externalID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.http.Do(ctx, req)
	if err != nil {
		if isNotFound(err) {
			return nil, notFound(externalID)
		}
		return nil, err
	}
	twin, err := objectItem(resp)
	if err != nil {
		return nil, err
	}
	rd := azureTwin(twin, a.now())
	if rd.ExternalID == "" {
		rd.ExternalID = externalID
	}
	return &rd, nil
}

// PushLocal patches twin tags with identity fields and desired
// properties with device state.
func (a *AzureIoT) PushLocal(ctx context.Context, t Target, req PushRequest) (*Result, error) {
	if err := a.check(t); err != nil {
		return nil, err
	}
	d := req.Device
	labels := []string(d.Tags)
	if labels == nil {
		labels = []string{}
	}
	desired := map[string]any{
		"status":          string(d.Status),
		"firmwareVersion": d.FirmwareVersion,
	}
	for k, v := range d.Metadata {
		if _, taken := desired[k]; !taken {
			desired[k] = v
		}
	}
	body, err := jsonBody(map[string]any{
		"tags": map[string]any{
			"name":         d.Name,
			"deviceType":   d.DeviceType,
			"serialNumber": d.SerialNumber,
			"labels":       labels,
		},
		"properties": map[string]any{"desired": desired},
	})
	if err != nil {
		return nil, err
	}

	r, err := a.request(t, activity.TypePushDevice, http.MethodPatch, "/twins/"+url.PathEscape(req.ExternalID), body)
	if err != nil {
		return nil, err
	}
	r.DeviceID = d.ID
	resp, err := a.http.Do(ctx, r)
	if err != nil {
		if isNotFound(err) {
			return nil, notFound(req.ExternalID)
		}
		return nil, err
	}

	result := &Result{ExternalID: req.ExternalID, Status: resp.Status}
	if twin, err := objectItem(resp); err == nil && len(twin) > 0 {
		if rd := azureTwin(twin, a.now()); rd.ExternalID != "" {
			result.Remote = &rd
		}
	}
	return result, nil
}

// TestConnection reads the hub's device statistics.
func (a *AzureIoT) TestConnection(ctx context.Context, t Target) error {
	if err := a.check(t); err != nil {
		return err
	}
	req, err := a.request(t, activity.TypeTestConnection, http.MethodGet, "/statistics/devices", nil)
	if err != nil {
		return err
	}
	_, err = a.http.Do(ctx, req)
	return err
}

// TranslateError implements Adapter.
func (a *AzureIoT) TranslateError(err error) *syncerr.Error {
	return translate(err)
}

func azureTwin(twin map[string]any, received time.Time) RemoteDevice {
	tags := mapOf(twin["tags"])
	props := mapOf(twin["properties"])
	reported := mapOf(props["reported"])
	reportedMeta := mapOf(reported["$metadata"])

	rd := RemoteDevice{
		ExternalID:      firstString(twin["deviceId"]),
		Name:            firstString(tags["name"]),
		SerialNumber:    firstString(tags["serialNumber"], tags["serial_number"]),
		DeviceType:      firstString(tags["deviceType"], tags["device_type"]),
		FirmwareVersion: firstString(reported["firmwareVersion"], reported["firmware_version"]),
		BatteryLevel:    firstFloat(reported["battery"], reported["batteryLevel"], reported["battery_level"]),
		SignalStrength:  firstInt(reported["signalStrength"], reported["signal_strength"], reported["rssi"]),
		LastSeen:        firstTime(twin["lastActivityTime"]),
		UpdatedAt:       firstTime(reportedMeta["$lastUpdated"]),
		ReceivedAt:      received.UTC(),
	}
	if _, ok := tags["labels"]; ok {
		rd.Tags = stringList(tags["labels"])
	}

	switch strings.ToLower(firstString(twin["connectionState"])) {
	case "connected":
		rd.Status = device.StatusOnline
	case "disconnected":
		rd.Status = device.StatusOffline
	}
	if s := normaliseStatus(reported["status"]); s != "" {
		if rd.Status == "" || s == device.StatusWarning || s == device.StatusError {
			rd.Status = s
		}
	}
	if strings.EqualFold(firstString(twin["status"]), "disabled") {
		rd.Status = device.StatusOffline
	}
	return rd
}

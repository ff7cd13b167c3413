package adapter

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nerrad567/gray-logic-sync/internal/activity"
	"github.com/nerrad567/gray-logic-sync/internal/integration"
	"github.com/nerrad567/gray-logic-sync/internal/syncerr"
)

// GoliothEndpoint is the public Golioth management API.
const GoliothEndpoint = "https://api.golioth.io"

// Golioth polls the Golioth management API.
type Golioth struct {
	http     *HTTPClient
	pageSize int
	now      func() time.Time
}

// NewGolioth creates a Golioth adapter.
func NewGolioth(client *HTTPClient) *Golioth {
	return &Golioth{http: client, pageSize: defaultPageSize, now: time.Now}
}

// Type implements Adapter.
func (g *Golioth) Type() integration.Type { return integration.TypeGolioth }

// Capabilities implements Adapter.
func (g *Golioth) Capabilities() Capabilities {
	return Capabilities{List: true, Get: true, Push: true, Webhook: true, Batch: true}
}

func (g *Golioth) projectURL(t Target) string {
	return baseURL(t, GoliothEndpoint) + "/v1/projects/" + url.PathEscape(t.Setting(integration.SettingProjectID))
}

func (g *Golioth) request(t Target, act activity.Type, method, u string, body []byte) Request {
	req := newRequest(t, act, method, u, body)
	req.Header.Set("x-api-key", t.Credentials.Get(integration.CredAPIKey))
	return req
}

func (g *Golioth) check(t Target) error {
	return t.require([]string{integration.CredAPIKey}, []string{integration.SettingProjectID})
}

// ListRemote pages through the project's devices.
func (g *Golioth) ListRemote(ctx context.Context, t Target) ([]RemoteDevice, error) {
	if err := g.check(t); err != nil {
		return nil, err
	}

	var out []RemoteDevice
	for page := 0; page < maxPages; page++ {
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("perPage", strconv.Itoa(g.pageSize))
		resp, err := g.http.Do(ctx, g.request(t, activity.TypeListDevices, http.MethodGet,
			g.projectURL(t)+"/devices?"+q.Encode(), nil))
		if err != nil {
			return nil, err
		}

		items, err := listItems(resp, "list", "data")
		if err != nil {
			return nil, err
		}
		received := g.now().UTC()
		for _, item := range items {
			if rd := goliothDevice(item, received); rd.ExternalID != "" {
				out = append(out, rd)
			}
		}

		var meta struct {
			Total *int `json:"total"`
		}
		_ = decodeResponse(resp, &meta) //nolint:errcheck // listItems already decoded the body
		if len(items) < g.pageSize || (meta.Total != nil && len(out) >= *meta.Total) {
			break
		}
	}
	return out, nil
}

// GetRemote fetches one device.
func (g *Golioth) GetRemote(ctx context.Context, t Target, externalID string) (*RemoteDevice, error) {
	if err := g.check(t); err != nil {
		return nil, err
	}
	resp, err := g.http.Do(ctx, g.request(t, activity.TypeGetDevice, http.MethodGet,
		g.projectURL(t)+"/devices/"+url.PathEscape(externalID), nil))
	if err != nil {
		if isNotFound(err) {
			return nil, notFound(externalID)
		}
		return nil, err
	}
	item, err := objectItem(resp, "data")
	if err != nil {
		return nil, err
	}
	rd := goliothDevice(item, g.now())
	if rd.ExternalID == "" {
		rd.ExternalID = externalID
	}
	return &rd, nil
}

// PushLocal patches the device name and tags.
func (g *Golioth) PushLocal(ctx context.Context, t Target, req PushRequest) (*Result, error) {
	if err := g.check(t); err != nil {
		return nil, err
	}
	tags := []string(req.Device.Tags)
	if tags == nil {
		tags = []string{}
	}
	body, err := jsonBody(map[string]any{"name": req.Device.Name, "tags": tags})
	if err != nil {
		return nil, err
	}
	r := g.request(t, activity.TypePushDevice, http.MethodPatch,
		g.projectURL(t)+"/devices/"+url.PathEscape(req.ExternalID), body)
	r.DeviceID = req.Device.ID
	resp, err := g.http.Do(ctx, r)
	if err != nil {
		if isNotFound(err) {
			return nil, notFound(req.ExternalID)
		}
		return nil, err
	}

	result := &Result{ExternalID: req.ExternalID, Status: resp.Status}
	if item, err := objectItem(resp, "data"); err == nil && len(item) > 0 {
		rd := goliothDevice(item, g.now())
		if rd.ExternalID != "" {
			result.Remote = &rd
		}
	}
	return result, nil
}

// TestConnection fetches the project.
func (g *Golioth) TestConnection(ctx context.Context, t Target) error {
	if err := g.check(t); err != nil {
		return err
	}
	_, err := g.http.Do(ctx, g.request(t, activity.TypeTestConnection, http.MethodGet, g.projectURL(t), nil))
	return err
}

// TranslateError implements Adapter.
func (g *Golioth) TranslateError(err error) *syncerr.Error {
	return translate(err)
}

func goliothDevice(item map[string]any, received time.Time) RemoteDevice {
	meta := mapOf(item["metadata"])
	rd := RemoteDevice{
		ExternalID:      firstString(item["id"]),
		Name:            firstString(item["name"]),
		SerialNumber:    firstString(firstOf(item["hardwareIds"]), item["hardware_id"], item["hardwareId"]),
		DeviceType:      firstString(item["blueprintId"], meta["device_type"]),
		Status:          normaliseStatus(firstString(item["status"], item["state"])),
		FirmwareVersion: firstString(meta["firmware_version"], meta["version"]),
		BatteryLevel:    firstFloat(meta["battery_level"]),
		SignalStrength:  firstInt(meta["signal_strength"], meta["rssi"]),
		Tags:            stringList(item["tags"]),
		LastSeen:        firstTime(item["lastSeenOnline"], item["last_seen"], item["lastReport"]),
		UpdatedAt:       firstTime(item["updatedAt"], item["updated_at"]),
		ReceivedAt:      received.UTC(),
	}
	if rd.Status == "" {
		if online, ok := item["online"].(bool); ok {
			rd.Status = normaliseStatus(online)
		}
	}
	return rd
}

// firstOf returns the first element of a JSON array.
func firstOf(v any) any {
	if arr, ok := v.([]any); ok && len(arr) > 0 {
		return arr[0]
	}
	return nil
}

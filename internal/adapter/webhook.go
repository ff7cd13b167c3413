package adapter

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-sync/internal/activity"
	"github.com/nerrad567/gray-logic-sync/internal/integration"
	"github.com/nerrad567/gray-logic-sync/internal/syncerr"
)

// Webhook serves integrations that deliver device state to the inbound
// receiver. Listing reads the snapshot buffer; pushing posts to the
// integration endpoint when one is configured.
type Webhook struct {
	http      *HTTPClient
	snapshots *SnapshotStore
}

// NewWebhook creates a webhook adapter.
func NewWebhook(client *HTTPClient, snapshots *SnapshotStore) *Webhook {
	return &Webhook{http: client, snapshots: snapshots}
}

// Type implements Adapter.
func (w *Webhook) Type() integration.Type { return integration.TypeWebhook }

// Capabilities implements Adapter. Webhook deliveries are per device, so
// scheduled work is enqueued per device as well.
func (w *Webhook) Capabilities() Capabilities {
	return Capabilities{List: true, Get: true, Push: true, Webhook: true}
}

// ListRemote returns the buffered devices.
func (w *Webhook) ListRemote(ctx context.Context, t Target) ([]RemoteDevice, error) {
	return w.snapshots.List(ctx, t.ID())
}

// GetRemote returns one buffered device.
func (w *Webhook) GetRemote(ctx context.Context, t Target, externalID string) (*RemoteDevice, error) {
	return w.snapshots.Get(ctx, t.ID(), externalID)
}

// PushLocal posts a device.updated event to the endpoint.
func (w *Webhook) PushLocal(ctx context.Context, t Target, req PushRequest) (*Result, error) {
	endpoint := strings.TrimSpace(t.Integration.BaseEndpoint)
	if endpoint == "" {
		return nil, ErrUnsupported
	}
	return postDevice(ctx, w.http, t, endpoint, req)
}

// TestConnection checks the credentials needed to verify deliveries.
func (w *Webhook) TestConnection(_ context.Context, t Target) error {
	return t.require([]string{integration.CredWebhookSecret}, nil)
}

// TranslateError implements Adapter.
func (w *Webhook) TranslateError(err error) *syncerr.Error {
	return translate(err)
}

// postDevice sends a signed device.updated event to endpoint.
func postDevice(ctx context.Context, client *HTTPClient, t Target, endpoint string, req PushRequest) (*Result, error) {
	body, err := jsonBody(map[string]any{
		"event":     EventDeviceUpdated,
		"device":    DevicePayload(req.Device, req.ExternalID),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}
	r := newRequest(t, activity.TypePushDevice, http.MethodPost, endpoint, body)
	r.DeviceID = req.Device.ID
	if secret := t.Credentials.Get(integration.CredWebhookSecret); secret != "" {
		r.Header.Set(HeaderWebhookSignature, Sign(secret, body))
	}
	resp, err := client.Do(ctx, r)
	if err != nil {
		return nil, err
	}
	return &Result{ExternalID: req.ExternalID, Status: resp.Status}, nil
}

// Hub is a webhook integration that can also be polled.
type Hub struct {
	*Webhook
	now func() time.Time
}

// NewHub creates a hub adapter.
func NewHub(client *HTTPClient, snapshots *SnapshotStore) *Hub {
	return &Hub{Webhook: NewWebhook(client, snapshots), now: time.Now}
}

// Type implements Adapter.
func (h *Hub) Type() integration.Type { return integration.TypeHub }

// Capabilities implements Adapter.
func (h *Hub) Capabilities() Capabilities {
	return Capabilities{List: true, Get: true, Push: true, Webhook: true, Batch: true}
}

func hubEndpoint(t Target) string {
	return strings.TrimRight(strings.TrimSpace(t.Integration.BaseEndpoint), "/")
}

// ListRemote polls the hub when it has an endpoint and merges the result
// with buffered deliveries, keeping the newer state per device.
func (h *Hub) ListRemote(ctx context.Context, t Target) ([]RemoteDevice, error) {
	buffered, err := h.snapshots.List(ctx, t.ID())
	if err != nil {
		return nil, err
	}
	endpoint := hubEndpoint(t)
	if endpoint == "" {
		return buffered, nil
	}

	resp, err := h.http.Do(ctx, newRequest(t, activity.TypeListDevices, http.MethodGet, endpoint+"/devices", nil))
	if err != nil {
		return nil, err
	}
	items, err := listItems(resp, "devices", "data")
	if err != nil {
		return nil, err
	}

	byID := make(map[string]int, len(buffered))
	for i, rd := range buffered {
		byID[rd.ExternalID] = i
	}
	received := h.now().UTC()
	for _, item := range items {
		polled := hubDevice(item, received)
		if polled.ExternalID == "" {
			continue
		}
		i, ok := byID[polled.ExternalID]
		if !ok {
			byID[polled.ExternalID] = len(buffered)
			buffered = append(buffered, polled)
			continue
		}
		if polled.ChangedAt().After(buffered[i].ChangedAt()) {
			buffered[i].Merge(polled)
		}
	}
	return buffered, nil
}

// GetRemote returns the buffered device, falling back to the hub.
func (h *Hub) GetRemote(ctx context.Context, t Target, externalID string) (*RemoteDevice, error) {
	rd, err := h.snapshots.Get(ctx, t.ID(), externalID)
	if err == nil || hubEndpoint(t) == "" {
		return rd, err
	}
	resp, err := h.http.Do(ctx, newRequest(t, activity.TypeGetDevice, http.MethodGet,
		hubEndpoint(t)+"/devices/"+url.PathEscape(externalID), nil))
	if err != nil {
		if isNotFound(err) {
			return nil, notFound(externalID)
		}
		return nil, err
	}
	item, err := objectItem(resp, "device", "data")
	if err != nil {
		return nil, err
	}
	polled := hubDevice(item, h.now())
	if polled.ExternalID == "" {
		polled.ExternalID = externalID
	}
	return &polled, nil
}

// PushLocal posts the device to {endpoint}/devices/{id}.
func (h *Hub) PushLocal(ctx context.Context, t Target, req PushRequest) (*Result, error) {
	endpoint := hubEndpoint(t)
	if endpoint == "" {
		return nil, ErrUnsupported
	}
	return postDevice(ctx, h.http, t, endpoint+"/devices/"+url.PathEscape(req.ExternalID), req)
}

// TestConnection calls the hub health endpoint when one is configured.
func (h *Hub) TestConnection(ctx context.Context, t Target) error {
	if err := t.require([]string{integration.CredWebhookSecret}, nil); err != nil {
		return err
	}
	endpoint := hubEndpoint(t)
	if endpoint == "" {
		return nil
	}
	_, err := h.http.Do(ctx, newRequest(t, activity.TypeTestConnection, http.MethodGet, endpoint+"/health", nil))
	return err
}

// hubDevice reads a hub device in the generic payload shape.
func hubDevice(item map[string]any, received time.Time) RemoteDevice {
	ev := normalizeGeneric(map[string]any{"device": item})
	rd := ev.Remote(received)
	rd.ExternalID = firstString(item["id"], item["external_id"], item["deviceId"], item["device_id"])
	rd.Description = firstString(item["description"])
	rd.DeviceType = firstString(item["device_type"], item["deviceType"], item["type"])
	rd.SerialNumber = firstString(item["serial_number"], item["serialNumber"])
	if rd.FirmwareVersion == "" {
		rd.FirmwareVersion = firstString(item["firmware_version"], item["firmwareVersion"])
	}
	if rd.BatteryLevel == nil {
		rd.BatteryLevel = firstFloat(item["battery_level"], item["batteryLevel"])
	}
	if rd.SignalStrength == nil {
		rd.SignalStrength = firstInt(item["signal_strength"], item["signalStrength"], item["rssi"])
	}
	if _, ok := item["tags"]; ok {
		rd.Tags = stringList(item["tags"])
	}
	rd.UpdatedAt = firstTime(item["updated_at"], item["updatedAt"])
	return rd
}

package adapter

import (
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-sync/internal/integration"
	"github.com/nerrad567/gray-logic-sync/internal/syncerr"
)

// Inbound event names.
const (
	EventDeviceUpdated   = "device.updated"
	EventDeviceDeleted   = "device.deleted"
	EventDeviceTelemetry = "device.telemetry"
	EventUnknown         = "unknown"
)

// Event is an inbound platform payload in a vendor-neutral shape.
type Event struct {
	Event      string
	DeviceID   string
	DeviceName string

	// SerialNumber is set when the platform identifies the device by a
	// hardware name rather than its own ID.
	SerialNumber string

	Status    string
	LastSeen  *time.Time
	Metadata  map[string]any
	Telemetry map[string]any
	Timestamp *time.Time
}

// Normalize decodes body according to the integration type's payload format.
func Normalize(t integration.Type, body []byte) (*Event, error) {
	doc, err := decodeObject(body)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindValidation, "INVALID_PAYLOAD", err)
	}

	var ev *Event
	switch t {
	case integration.TypeGolioth:
		ev = normalizeGolioth(doc)
	case integration.TypeAWSIoT:
		ev = normalizeAWS(doc)
	case integration.TypeAzureIoT:
		ev = normalizeAzure(doc)
	case integration.TypeMQTT:
		ev = normalizeMQTT(doc)
	default:
		ev = normalizeGeneric(doc)
	}
	if ev.DeviceID == "" && ev.SerialNumber == "" {
		return nil, syncerr.New(syncerr.KindValidation, "MISSING_DEVICE_ID", "payload does not identify a device")
	}
	return ev, nil
}

// Golioth nests the device under "device" or "data"; telemetry events
// carry device_name and telemetry at the top level.
func normalizeGolioth(doc map[string]any) *Event {
	dev := firstMap(doc["device"], doc["data"])
	telemetry := mapOf(doc["telemetry"])
	deviceName := firstString(doc["device_name"], dev["name"])

	ev := &Event{
		Event:      firstString(doc["event"], EventUnknown),
		DeviceID:   firstString(dev["id"], dev["deviceId"], dev["device_id"], doc["device_id"], doc["deviceId"]),
		DeviceName: deviceName,
		Status:     firstString(dev["status"], dev["state"], doc["status"]),
		Metadata:   firstMap(dev["metadata"], dev["tags"], doc["metadata"]),
		Telemetry:  telemetry,
		Timestamp:  firstTime(telemetry["timestamp"], doc["timestamp"]),
	}
	if top := firstString(doc["device_name"]); top != "" {
		ev.SerialNumber = top
	}
	if ev.DeviceID == "" && ev.SerialNumber == "" {
		ev.DeviceID = deviceName
	}
	ev.LastSeen = firstTime(dev["lastSeen"], dev["last_seen"], dev["lastSeenOnline"], telemetry["timestamp"], doc["timestamp"])
	return ev
}

func normalizeAWS(doc map[string]any) *Event {
	dev := firstMap(doc["device"])
	if dev == nil {
		dev = doc
	}
	return &Event{
		Event:      firstString(doc["event"], EventDeviceUpdated),
		DeviceID:   firstString(doc["deviceId"], dev["deviceId"], doc["thingName"], dev["thingName"]),
		DeviceName: firstString(dev["name"], dev["thingName"]),
		Status:     firstString(doc["connectionState"], dev["connectionState"], dev["status"]),
		LastSeen:   firstTime(doc["eventTime"], dev["eventTime"], doc["timestamp"]),
		Metadata:   firstMap(doc["attributes"], dev["attributes"], dev["metadata"]),
		Telemetry:  mapOf(doc["telemetry"]),
		Timestamp:  firstTime(doc["eventTime"], doc["timestamp"]),
	}
}

func normalizeAzure(doc map[string]any) *Event {
	dev := firstMap(doc["device"], doc["data"])
	if dev == nil {
		dev = doc
	}
	return &Event{
		Event:      firstString(doc["event"], EventDeviceUpdated),
		DeviceID:   firstString(doc["deviceId"], dev["deviceId"]),
		DeviceName: firstString(dev["name"]),
		Status:     firstString(dev["connectionState"], dev["status"]),
		LastSeen:   firstTime(doc["lastActivityTime"], dev["lastActivityTime"], doc["eventTime"], doc["timestamp"]),
		Metadata:   firstMap(doc["properties"], dev["properties"], dev["tags"], dev["metadata"]),
		Telemetry:  mapOf(doc["telemetry"]),
		Timestamp:  firstTime(doc["eventTime"], doc["timestamp"]),
	}
}

func normalizeMQTT(doc map[string]any) *Event {
	dev := firstMap(doc["device"], doc["data"])
	if dev == nil {
		dev = doc
	}
	return &Event{
		Event:      firstString(doc["event"], EventDeviceUpdated),
		DeviceID:   firstString(doc["device_id"], doc["deviceId"], dev["device_id"], dev["deviceId"], dev["id"]),
		DeviceName: firstString(dev["name"]),
		Status:     firstString(dev["status"], dev["state"]),
		LastSeen:   firstTime(dev["last_seen"], dev["lastSeen"], doc["timestamp"]),
		Metadata:   firstMap(dev["metadata"]),
		Telemetry:  firstMap(doc["telemetry"], dev["telemetry"]),
		Timestamp:  firstTime(doc["timestamp"], dev["updated_at"]),
	}
}

// normalizeGeneric handles webhook, hub and unknown formats.
func normalizeGeneric(doc map[string]any) *Event {
	dev := firstMap(doc["device"], doc["data"])
	if dev == nil {
		dev = map[string]any{}
	}
	return &Event{
		Event:      firstString(doc["event"], EventDeviceUpdated),
		DeviceID:   firstString(dev["deviceId"], dev["device_id"], dev["id"], doc["deviceId"], doc["device_id"]),
		DeviceName: firstString(dev["name"], doc["name"]),
		Status:     firstString(dev["status"], dev["state"]),
		LastSeen:   firstTime(dev["lastSeen"], dev["last_seen"], doc["timestamp"]),
		Metadata:   firstMap(dev["metadata"]),
		Telemetry:  firstMap(doc["telemetry"], dev["telemetry"]),
		Timestamp:  firstTime(doc["timestamp"], dev["updated_at"]),
	}
}

func firstMap(vals ...any) map[string]any {
	for _, v := range vals {
		if m := mapOf(v); m != nil {
			return m
		}
	}
	return nil
}

// Remote converts the event into a snapshot observed at receivedAt.
//
// Battery, signal and firmware are lifted out of metadata when the
// platform reports them there.
func (e *Event) Remote(receivedAt time.Time) RemoteDevice {
	rd := RemoteDevice{
		ExternalID:   e.DeviceID,
		Name:         e.DeviceName,
		SerialNumber: e.SerialNumber,
		Status:       normaliseStatus(e.Status),
		LastSeen:     e.LastSeen,
		UpdatedAt:    e.Timestamp,
		ReceivedAt:   receivedAt.UTC(),
		Deleted:      strings.EqualFold(e.Event, EventDeviceDeleted),
	}
	if rd.ExternalID == "" {
		rd.ExternalID = e.SerialNumber
	}
	if e.Metadata != nil {
		meta := make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			meta[k] = v
		}
		rd.BatteryLevel = firstFloat(meta["battery_level"], meta["batteryLevel"], meta["battery"])
		rd.SignalStrength = firstInt(meta["signal_strength"], meta["signalStrength"], meta["rssi"])
		rd.FirmwareVersion = firstString(meta["firmware_version"], meta["firmwareVersion"], meta["firmware"])
		for _, k := range []string{
			"battery_level", "batteryLevel", "battery",
			"signal_strength", "signalStrength", "rssi",
			"firmware_version", "firmwareVersion", "firmware",
			"telemetry",
		} {
			delete(meta, k)
		}
		if tags := stringList(meta["tags"]); tags != nil {
			rd.Tags = tags
			delete(meta, "tags")
		}
		if len(meta) > 0 {
			rd.Metadata = meta
		}
	}
	if len(e.Telemetry) > 0 {
		rd.Telemetry = e.Telemetry
	}
	return rd
}

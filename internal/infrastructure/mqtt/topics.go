package mqtt

import (
	"fmt"
	"strings"
)

// DefaultPrefix is used when an integration does not configure a topic prefix.
const DefaultPrefix = "devices"

// Topics builds the topics of one integration's prefix.
//
//	topics := mqtt.Topics{Prefix: "fleet"}
//	topics.State("sensor-01")  // "fleet/sensor-01/state"
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	p := strings.Trim(t.Prefix, "/")
	if p == "" {
		return DefaultPrefix
	}
	return p
}

// State returns the topic a device publishes its state on.
func (t Topics) State(externalID string) string {
	return fmt.Sprintf("%s/%s/state", t.prefix(), externalID)
}

// AllStates returns the wildcard subscription covering every device state.
func (t Topics) AllStates() string {
	return t.prefix() + "/+/state"
}

// Config returns the retained topic carrying the desired device configuration.
func (t Topics) Config(externalID string) string {
	return fmt.Sprintf("%s/%s/config", t.prefix(), externalID)
}

// Status returns the retained graysync presence topic (also the LWT topic).
func (t Topics) Status() string {
	return t.prefix() + "/graysync/status"
}

// DeviceFromState extracts the external device ID from a state topic.
// Returns false when topic is not a state topic under this prefix.
func (t Topics) DeviceFromState(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, t.prefix()+"/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/state")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

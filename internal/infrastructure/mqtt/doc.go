// Package mqtt provides MQTT client connectivity for graysync.
//
// This package manages:
//   - One broker connection per MQTT integration, with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support, restored on reconnect
//   - Last Will and Testament (LWT) so device publishers see graysync go away
//
// # Topic layout
//
// Every MQTT integration owns a topic prefix (settings.topic_prefix). Devices
// publish their state and graysync publishes desired configuration:
//
//	{prefix}/{external_id}/state    device → graysync
//	{prefix}/{external_id}/config   graysync → device (retained)
//	{prefix}/graysync/status        graysync online/offline (retained, LWT)
//
// # Security Considerations
//
//   - Use ssl:// (or mqtts://) broker URLs outside local development
//   - Credentials come from the integration's sealed credential blob
//   - Message payloads are not encrypted beyond TLS transport
//
// # Usage
//
//	client, err := mqtt.Connect(opts)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topics := mqtt.Topics{Prefix: "fleet"}
//	err = client.Subscribe(topics.AllStates(), 1,
//	    func(topic string, payload []byte) error {
//	        id, _ := topics.DeviceFromState(topic)
//	        return buffer(id, payload)
//	    })
package mqtt

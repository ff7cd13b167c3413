// Package adapter connects graysync to external IoT platforms.
//
// Every integration type has one Adapter implementation exposing the same
// capability set: list and get remote devices, push a local device, test
// the connection and classify failures into the syncerr taxonomy. The
// reconcile executor and the sync queue are written once against the
// Adapter interface.
//
// Polling adapters (Golioth, AWS IoT Core, Azure IoT Hub) call the vendor
// REST API through HTTPClient, which records one activity row per
// exchange. Push-based adapters (MQTT, webhook, hub) buffer inbound device
// state in the remote snapshot store and serve ListRemote from it.
package adapter

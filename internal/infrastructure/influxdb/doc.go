// Package influxdb writes device telemetry and sync run statistics to InfluxDB.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, non-blocking batched writes and health monitoring.
//
// # Measurements
//
//   - device_telemetry: numeric readings reported by a platform for a device
//     (battery, signal, sensor values), tagged by organization, integration
//     and device
//   - sync_runs: one point per sync run attempt with its device counts
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteTelemetry(influxdb.Telemetry{
//	    OrganizationID: "org-1",
//	    IntegrationID:  "int-1",
//	    DeviceID:       "dev-1",
//	    Fields:         map[string]any{"temperature": 21.5},
//	})
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are delivered to the
// SetOnError callback. Connection and health check errors are returned directly.
package influxdb

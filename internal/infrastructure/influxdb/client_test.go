package influxdb_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/influxdb"
)

// fakeInflux answers /ping and records line protocol posted to /api/v2/write.
type fakeInflux struct {
	mu    sync.Mutex
	lines []string
}

func (f *fakeInflux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/ping":
		w.WriteHeader(http.StatusNoContent)
	case "/api/v2/write":
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.lines = append(f.lines, strings.Split(strings.TrimSpace(string(body)), "\n")...)
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeInflux) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func testConfig(url string) config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           url,
		Token:         "test-token",
		Org:           "graysync",
		Bucket:        "telemetry",
		BatchSize:     10,
		FlushInterval: 1,
	}
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Enabled = false

	_, err := influxdb.Connect(cfg)
	if !errors.Is(err, influxdb.ErrDisabled) {
		t.Fatalf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := influxdb.Connect(testConfig("http://127.0.0.1:1"))
	if !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Fatalf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestClient_WritesTelemetryAndRuns(t *testing.T) {
	fake := &fakeInflux{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	client, err := influxdb.Connect(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ok := client.WriteTelemetry(influxdb.Telemetry{
		OrganizationID: "org-1",
		IntegrationID:  "int-1",
		DeviceID:       "dev-1",
		Fields:         map[string]any{"temperature": 21.5, "label": "ignored"},
		At:             at,
	})
	if !ok {
		t.Fatal("WriteTelemetry() = false")
	}
	client.WriteSyncRun(influxdb.SyncRun{IntegrationID: "int-1", Operation: "pull", Status: "success", Processed: 3, At: at})
	client.Flush()

	lines := fake.written()
	if len(lines) != 2 {
		t.Fatalf("written lines = %v", lines)
	}
	if !strings.HasPrefix(lines[0], "device_telemetry,") || !strings.Contains(lines[0], "temperature=21.5") {
		t.Errorf("telemetry line = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "sync_runs,") || !strings.Contains(lines[1], "processed=3i") {
		t.Errorf("sync run line = %q", lines[1])
	}
}

func TestTelemetryPoint(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]any
		want   []string
		isNil  bool
	}{
		{
			name:   "numeric and bool kept",
			fields: map[string]any{"battery": 87.0, "rssi": -70, "charging": true},
			want:   []string{"battery=87", "rssi=-70i", "charging=true"},
		},
		{
			name:   "strings dropped",
			fields: map[string]any{"fw": "1.2.0"},
			isNil:  true,
		},
		{
			name:  "empty",
			isNil: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := influxdb.TelemetryPoint(influxdb.Telemetry{DeviceID: "d", Fields: tt.fields, Sensor: "s1", At: time.Unix(100, 0)})
			if tt.isNil {
				if p != nil {
					t.Fatalf("expected nil point, got %v", write.PointToLineProtocol(p, time.Second))
				}
				return
			}
			line := write.PointToLineProtocol(p, time.Second)
			for _, w := range tt.want {
				if !strings.Contains(line, w) {
					t.Errorf("line %q missing %q", line, w)
				}
			}
			if !strings.Contains(line, "sensor=s1") {
				t.Errorf("line %q missing sensor tag", line)
			}
		})
	}
}

func TestClose_Nil(t *testing.T) {
	var c *influxdb.Client
	if err := c.Close(); err != nil {
		t.Errorf("Close() on nil client = %v", err)
	}
	if c.WriteTelemetry(influxdb.Telemetry{Fields: map[string]any{"x": 1.0}}) {
		t.Error("WriteTelemetry() on nil client = true")
	}
}

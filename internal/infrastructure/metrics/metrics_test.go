package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestAdapterObserver(t *testing.T) {
	before := testutil.ToFloat64(AdapterRequestsTotal.WithLabelValues("golioth", "list_devices", "503"))

	AdapterObserver{}.ObserveExchange("golioth", "list_devices", 503, 120*time.Millisecond)

	after := testutil.ToFloat64(AdapterRequestsTotal.WithLabelValues("golioth", "list_devices", "503"))
	if after-before != 1 {
		t.Errorf("requests_total delta = %v, want 1", after-before)
	}
}

func TestHandler_ExposesNamespace(t *testing.T) {
	QueueEntriesTotal.WithLabelValues("golioth", "pull", "done").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "graysync_queue_entries_total") {
		t.Error("scrape output missing graysync_queue_entries_total")
	}
}

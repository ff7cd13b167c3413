package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/gray-logic-sync/internal/conflict"
	"github.com/nerrad567/gray-logic-sync/internal/syncqueue"
)

// SystemStatus is the JSON snapshot served by GET /system/status.
// Prometheus series are served separately on /metrics.
type SystemStatus struct {
	Timestamp     string          `json:"timestamp"`
	Version       string          `json:"version"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Runtime       RuntimeMetrics  `json:"runtime"`
	WebSocket     WSMetrics       `json:"websocket"`
	Queue         map[string]int  `json:"queue"`
	Conflicts     ConflictMetrics `json:"conflicts"`
	Workers       WorkerMetrics   `json:"workers"`
	Database      DatabaseMetrics `json:"database"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// ConflictMetrics counts conflicts awaiting review.
type ConflictMetrics struct {
	Pending int `json:"pending"`
}

// WorkerMetrics reports which background loops are running.
type WorkerMetrics struct {
	Dispatcher bool `json:"dispatcher"`
	Scheduler  bool `json:"scheduler"`
	Notifier   bool `json:"notifier"`
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleSystemStatus returns queue depth, pending conflicts and runtime
// statistics for the caller's organization.
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	status := SystemStatus{
		Timestamp:     s.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(s.Now().Sub(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
		},
		Queue: make(map[string]int),
		Workers: WorkerMetrics{
			Dispatcher: s.queue.IsRunning(),
			Scheduler:  s.scheduler.IsRunning(),
			Notifier:   s.notifier != nil && s.notifier.IsRunning(),
		},
	}

	org := orgID(r)
	for _, st := range []syncqueue.Status{syncqueue.StatusPending, syncqueue.StatusRunning, syncqueue.StatusFailed} {
		_, total, err := s.queue.Repository().List(r.Context(), syncqueue.Filter{OrganizationID: org, Status: st, Limit: 1})
		if err != nil {
			s.writeDomainError(w, err, "count queue entries")
			return
		}
		status.Queue[string(st)] = total
	}

	_, pending, err := s.conflicts.Repository().List(r.Context(), conflict.Filter{
		OrganizationID: org,
		Status:         conflict.StatusPending,
		Limit:          1,
	})
	if err != nil {
		s.writeDomainError(w, err, "count conflicts")
		return
	}
	status.Conflicts.Pending = pending

	if s.db != nil {
		dbStats := s.db.Stats()
		status.Database = DatabaseMetrics{
			OpenConnections: dbStats.OpenConnections,
			InUse:           dbStats.InUse,
			Idle:            dbStats.Idle,
			WaitCount:       dbStats.WaitCount,
		}
	}

	writeJSON(w, http.StatusOK, status)
}

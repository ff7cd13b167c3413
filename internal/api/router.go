package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-sync/internal/auth"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/metrics"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Unauthenticated operational endpoints
		r.Get("/health", s.handleHealth)
		r.Handle("/metrics", metrics.Handler())

		// Inbound webhooks authenticate by body signature
		r.Group(func(r chi.Router) {
			r.Use(s.webhookBodyLimitMiddleware)
			r.Post("/webhooks", s.handleWebhook)
			r.Post("/webhooks/{integrationID}", s.handleWebhook)
		})

		// WebSocket (auth via ticket, validated in handler)
		r.Get("/ws", s.handleWebSocket)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.bodySizeLimitMiddleware)
			r.Use(s.authMiddleware)

			r.Post("/auth/ws-ticket", s.handleWSTicket)

			read := s.requirePermission(auth.PermRead)
			manage := s.requirePermission(auth.PermIntegrationManage)
			run := s.requirePermission(auth.PermSyncRun)

			r.With(read).Get("/system/status", s.handleSystemStatus)

			r.Route("/integrations", func(r chi.Router) {
				r.With(read).Get("/", s.handleListIntegrations)
				r.With(manage).Post("/", s.handleCreateIntegration)

				r.Route("/{id}", func(r chi.Router) {
					r.With(read).Get("/", s.handleGetIntegration)
					r.With(manage).Patch("/", s.handleUpdateIntegration)
					r.With(manage).Delete("/", s.handleDeleteIntegration)
					r.With(run).Post("/test", s.handleTestIntegration)
					r.With(run).Post("/sync", s.handleSyncNow)

					r.Route("/schedule", func(r chi.Router) {
						r.With(read).Get("/", s.handleGetSchedule)
						r.With(manage).Put("/", s.handlePutSchedule)
						r.With(manage).Delete("/", s.handleDeleteSchedule)
						r.With(manage).Post("/enable", s.handleEnableSchedule)
						r.With(manage).Post("/disable", s.handleDisableSchedule)
					})
				})
			})

			r.With(read).Get("/schedules", s.handleListSchedules)

			r.Route("/queue", func(r chi.Router) {
				r.With(read).Get("/", s.handleListQueue)
				r.With(read).Get("/{id}", s.handleGetQueueEntry)
				r.With(run).Post("/{id}/retry", s.handleRetryQueueEntry)
				r.With(run).Post("/{id}/cancel", s.handleCancelQueueEntry)
			})

			r.Route("/conflicts", func(r chi.Router) {
				r.With(read).Get("/", s.handleListConflicts)
				r.With(read).Get("/{id}", s.handleGetConflict)
				r.With(s.requirePermission(auth.PermConflictResolve)).Post("/{id}/resolve", s.handleResolveConflict)
			})

			r.Route("/devices", func(r chi.Router) {
				devices := s.requirePermission(auth.PermDeviceManage)
				r.With(read).Get("/", s.handleListDevices)
				r.With(devices).Post("/", s.handleCreateDevice)

				r.Route("/{id}", func(r chi.Router) {
					r.With(read).Get("/", s.handleGetDevice)
					r.With(devices).Put("/", s.handleUpdateDevice)
					r.With(devices).Delete("/", s.handleDeleteDevice)
					r.With(devices).Post("/restore", s.handleRestoreDevice)
					r.With(read).Get("/assignments", s.handleListAssignments)
					r.With(devices).Post("/assignments", s.handleCreateAssignment)
					r.With(read).Get("/firmware", s.handleFirmwareHistory)
				})
			})

			r.With(read).Get("/sync-logs", s.handleListSyncLogs)
			r.With(read).Get("/activity-logs", s.handleListActivityLogs)
			r.With(s.requirePermission(auth.PermAuditRead)).Get("/audit-logs", s.handleListAuditLogs)
			r.With(read).Get("/notifications", s.handleListNotifications)

			r.Route("/notification-preferences", func(r chi.Router) {
				prefs := s.requirePermission(auth.PermNotificationManage)
				r.With(read).Get("/", s.handleListPreferences)
				r.With(prefs).Put("/", s.handlePutPreference)
				r.With(prefs).Delete("/{id}", s.handleDeletePreference)
			})
		})
	})

	return r
}

// handleHealth reports the server and database health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":    "ok",
		"version":   s.version,
		"ws_client": s.hub.ClientCount(),
	}
	if s.db != nil {
		if err := s.db.HealthCheck(r.Context()); err != nil {
			resp["status"] = "degraded"
			resp["database"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		resp["database"] = "ok"
	}
	writeJSON(w, http.StatusOK, resp)
}

package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/nerrad567/gray-logic-sync/internal/adapter"
	"github.com/nerrad567/gray-logic-sync/internal/audit"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-sync/internal/integration"
	"github.com/nerrad567/gray-logic-sync/internal/scheduler"
	"github.com/nerrad567/gray-logic-sync/internal/syncerr"
)

// Audit entity types.
const (
	entityIntegration = "integration"
	entitySchedule    = "schedule"
	entityQueueEntry  = "queue_entry"
	entityConflict    = "conflict"
	entityDevice      = "device"
	entityPreference  = "notification_preference"
)

// createIntegrationRequest is the body of POST /integrations.
type createIntegrationRequest struct {
	Name             string                  `json:"name" validate:"required,max=200"`
	Type             integration.Type        `json:"type" validate:"required"`
	Credentials      integration.Credentials `json:"credentials"`
	BaseEndpoint     string                  `json:"base_endpoint" validate:"omitempty,url"`
	Settings         database.JSONMap        `json:"settings"`
	SyncDirection    integration.Direction   `json:"sync_direction"`
	IntervalSeconds  int                     `json:"interval_seconds" validate:"gte=0"`
	Enabled          *bool                   `json:"enabled"`
	ConflictStrategy integration.Strategy    `json:"conflict_strategy"`
	MaxRetries       int                     `json:"max_retries" validate:"gte=0,lte=20"`
}

// updateIntegrationRequest is the body of PATCH /integrations/{id}.
// Absent fields keep their stored value.
type updateIntegrationRequest struct {
	Name             *string                 `json:"name" validate:"omitempty,max=200"`
	Credentials      integration.Credentials `json:"credentials"`
	BaseEndpoint     *string                 `json:"base_endpoint"`
	Settings         database.JSONMap        `json:"settings"`
	SyncDirection    *integration.Direction  `json:"sync_direction"`
	IntervalSeconds  *int                    `json:"interval_seconds" validate:"omitempty,gte=0"`
	Enabled          *bool                   `json:"enabled"`
	ConflictStrategy *integration.Strategy   `json:"conflict_strategy"`
	MaxRetries       *int                    `json:"max_retries" validate:"omitempty,gte=0,lte=20"`
}

// testConnectionResponse reports the outcome of POST /integrations/{id}/test.
type testConnectionResponse struct {
	Success   bool   `json:"success"`
	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// syncNowRequest is the optional body of POST /integrations/{id}/sync.
type syncNowRequest struct {
	DeviceIDs []string              `json:"device_ids" validate:"max=1000"`
	Direction integration.Direction `json:"direction"`
	Strategy  integration.Strategy  `json:"strategy"`
	DryRun    bool                  `json:"dry_run"`
}

// scheduleRequest is the body of PUT /integrations/{id}/schedule.
type scheduleRequest struct {
	Enabled            bool                   `json:"enabled"`
	FrequencyMinutes   int                    `json:"frequency_minutes" validate:"gte=0"`
	Direction          integration.Direction  `json:"direction"`
	DeviceFilter       scheduler.DeviceFilter `json:"device_filter"`
	DeviceTags         []string               `json:"device_tags"`
	FilterExpression   string                 `json:"filter_expression" validate:"max=1000"`
	OnlyOnline         bool                   `json:"only_online"`
	TimeWindowEnabled  bool                   `json:"time_window_enabled"`
	TimeWindowStart    string                 `json:"time_window_start"`
	TimeWindowEnd      string                 `json:"time_window_end"`
	Timezone           string                 `json:"timezone"`
	ConflictResolution integration.Strategy   `json:"conflict_resolution"`
}

// ownedIntegration loads the {id} integration of the caller's organization.
// It writes a 404 for missing integrations and those of other organizations.
func (s *Server) ownedIntegration(w http.ResponseWriter, r *http.Request) (*integration.Integration, bool) {
	in, err := s.integrations.Get(r.Context(), pathID(r))
	if err != nil {
		s.writeDomainError(w, err, "get integration")
		return nil, false
	}
	if in.OrganizationID != orgID(r) {
		writeNotFound(w, "integration not found")
		return nil, false
	}
	return in, true
}

// handleListIntegrations returns the integrations of the caller's organization.
//
// Query parameters:
//   - type: filter by integration type
//   - enabled: filter by enabled flag (true/false)
func (s *Server) handleListIntegrations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := integration.ListFilter{
		OrganizationID: orgID(r),
		Type:           integration.Type(q.Get("type")),
	}
	if v := q.Get("enabled"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			writeBadRequest(w, "enabled must be true or false")
			return
		}
		filter.Enabled = &enabled
	}

	items, err := s.integrations.List(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, err, "list integrations")
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, Total: len(items)})
}

// handleGetIntegration returns one integration.
func (s *Server) handleGetIntegration(w http.ResponseWriter, r *http.Request) {
	in, ok := s.ownedIntegration(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, in)
}

// handleCreateIntegration creates an integration for the caller's organization.
func (s *Server) handleCreateIntegration(w http.ResponseWriter, r *http.Request) {
	var req createIntegrationRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	in := &integration.Integration{
		OrganizationID:   orgID(r),
		Name:             req.Name,
		Type:             req.Type,
		BaseEndpoint:     req.BaseEndpoint,
		Settings:         req.Settings,
		SyncDirection:    req.SyncDirection,
		IntervalSeconds:  req.IntervalSeconds,
		Enabled:          true,
		ConflictStrategy: req.ConflictStrategy,
		MaxRetries:       req.MaxRetries,
	}
	if req.Enabled != nil {
		in.Enabled = *req.Enabled
	}
	creds := req.Credentials
	if creds == nil {
		creds = integration.Credentials{}
	}

	if err := s.integrations.Create(r.Context(), in, creds); err != nil {
		s.writeDomainError(w, err, "create integration")
		return
	}
	s.auditLog(r, audit.ActionCreate, entityIntegration, in.ID, map[string]any{
		"name": in.Name,
		"type": string(in.Type),
	})
	writeJSON(w, http.StatusCreated, in)
}

// handleUpdateIntegration applies a partial update to an integration.
func (s *Server) handleUpdateIntegration(w http.ResponseWriter, r *http.Request) {
	existing, ok := s.ownedIntegration(w, r)
	if !ok {
		return
	}
	var req updateIntegrationRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	in := existing.DeepCopy()
	if req.Name != nil {
		in.Name = *req.Name
	}
	if req.BaseEndpoint != nil {
		in.BaseEndpoint = *req.BaseEndpoint
	}
	if req.Settings != nil {
		in.Settings = req.Settings
	}
	if req.SyncDirection != nil {
		in.SyncDirection = *req.SyncDirection
	}
	if req.IntervalSeconds != nil {
		in.IntervalSeconds = *req.IntervalSeconds
	}
	if req.Enabled != nil {
		in.Enabled = *req.Enabled
	}
	if req.ConflictStrategy != nil {
		in.ConflictStrategy = *req.ConflictStrategy
	}
	if req.MaxRetries != nil {
		in.MaxRetries = *req.MaxRetries
	}

	if err := s.integrations.Update(r.Context(), in, req.Credentials); err != nil {
		s.writeDomainError(w, err, "update integration")
		return
	}
	s.auditLog(r, audit.ActionUpdate, entityIntegration, in.ID, map[string]any{
		"credentials_rotated": req.Credentials != nil,
	})
	writeJSON(w, http.StatusOK, in)
}

// handleDeleteIntegration removes an integration and its schedule.
func (s *Server) handleDeleteIntegration(w http.ResponseWriter, r *http.Request) {
	in, ok := s.ownedIntegration(w, r)
	if !ok {
		return
	}
	if err := s.scheduler.Delete(r.Context(), in.ID); err != nil && !errors.Is(err, scheduler.ErrScheduleNotFound) {
		s.writeDomainError(w, err, "delete schedule")
		return
	}
	if err := s.integrations.Delete(r.Context(), in.ID); err != nil {
		s.writeDomainError(w, err, "delete integration")
		return
	}
	s.auditLog(r, audit.ActionDelete, entityIntegration, in.ID, nil)
	w.WriteHeader(http.StatusNoContent)
}

// handleTestIntegration verifies the credentials of an integration against
// its platform. A failed check is reported in the body with status 200.
func (s *Server) handleTestIntegration(w http.ResponseWriter, r *http.Request) {
	in, ok := s.ownedIntegration(w, r)
	if !ok {
		return
	}
	if s.adapters == nil {
		writeNotFound(w, "no adapter for integration type")
		return
	}
	ad, err := s.adapters.For(in.Type)
	if err != nil {
		s.writeDomainError(w, err, "test integration")
		return
	}
	creds, err := s.integrations.Credentials(r.Context(), in.ID)
	if err != nil {
		s.writeDomainError(w, err, "load integration credentials")
		return
	}

	resp := testConnectionResponse{Success: true}
	if err := ad.TestConnection(r.Context(), adapter.Target{Integration: in, Credentials: creds}); err != nil {
		serr := syncerr.Classify(err)
		resp = testConnectionResponse{
			Success:   false,
			ErrorCode: string(serr.Kind),
			Error:     serr.Error(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSyncNow queues a manual reconcile of an integration.
func (s *Server) handleSyncNow(w http.ResponseWriter, r *http.Request) {
	in, ok := s.ownedIntegration(w, r)
	if !ok {
		return
	}
	var req syncNowRequest
	if r.ContentLength != 0 {
		if !s.decodeJSON(w, r, &req) {
			return
		}
	}

	entries, err := s.scheduler.SyncNow(r.Context(), in.ID, scheduler.SyncRequest{
		DeviceIDs: req.DeviceIDs,
		Direction: req.Direction,
		Strategy:  req.Strategy,
		DryRun:    req.DryRun,
	})
	if err != nil {
		s.writeDomainError(w, err, "queue sync")
		return
	}
	s.auditLog(r, audit.ActionSync, entityIntegration, in.ID, map[string]any{
		"entries": len(entries),
		"dry_run": req.DryRun,
	})
	writeJSON(w, http.StatusAccepted, listResponse{Items: entries, Total: len(entries)})
}

// handleGetSchedule returns the schedule of an integration.
func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	in, ok := s.ownedIntegration(w, r)
	if !ok {
		return
	}
	sch, err := s.scheduler.Get(r.Context(), in.ID)
	if err != nil {
		s.writeDomainError(w, err, "get schedule")
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

// handlePutSchedule creates or replaces the schedule of an integration.
func (s *Server) handlePutSchedule(w http.ResponseWriter, r *http.Request) {
	in, ok := s.ownedIntegration(w, r)
	if !ok {
		return
	}
	var req scheduleRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	sch, err := s.scheduler.Configure(r.Context(), &scheduler.Schedule{
		IntegrationID:      in.ID,
		Enabled:            req.Enabled,
		FrequencyMinutes:   req.FrequencyMinutes,
		Direction:          req.Direction,
		DeviceFilter:       req.DeviceFilter,
		DeviceTags:         req.DeviceTags,
		FilterExpression:   req.FilterExpression,
		OnlyOnline:         req.OnlyOnline,
		TimeWindowEnabled:  req.TimeWindowEnabled,
		TimeWindowStart:    req.TimeWindowStart,
		TimeWindowEnd:      req.TimeWindowEnd,
		Timezone:           req.Timezone,
		ConflictResolution: req.ConflictResolution,
	})
	if err != nil {
		s.writeDomainError(w, err, "configure schedule")
		return
	}
	s.auditLog(r, audit.ActionUpdate, entitySchedule, sch.ID, map[string]any{
		"integration_id":    in.ID,
		"enabled":           sch.Enabled,
		"frequency_minutes": sch.FrequencyMinutes,
	})
	writeJSON(w, http.StatusOK, sch)
}

// handleDeleteSchedule removes the schedule of an integration.
func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	in, ok := s.ownedIntegration(w, r)
	if !ok {
		return
	}
	if err := s.scheduler.Delete(r.Context(), in.ID); err != nil {
		s.writeDomainError(w, err, "delete schedule")
		return
	}
	s.auditLog(r, audit.ActionDelete, entitySchedule, in.ID, nil)
	w.WriteHeader(http.StatusNoContent)
}

// handleEnableSchedule turns on automatic syncing.
func (s *Server) handleEnableSchedule(w http.ResponseWriter, r *http.Request) {
	s.toggleSchedule(w, r, true)
}

// handleDisableSchedule turns off automatic syncing.
func (s *Server) handleDisableSchedule(w http.ResponseWriter, r *http.Request) {
	s.toggleSchedule(w, r, false)
}

func (s *Server) toggleSchedule(w http.ResponseWriter, r *http.Request, enabled bool) {
	in, ok := s.ownedIntegration(w, r)
	if !ok {
		return
	}
	sch, err := s.scheduler.SetEnabled(r.Context(), in.ID, enabled)
	if err != nil {
		s.writeDomainError(w, err, "toggle schedule")
		return
	}
	action := audit.ActionDisable
	if enabled {
		action = audit.ActionEnable
	}
	s.auditLog(r, action, entitySchedule, sch.ID, map[string]any{"integration_id": in.ID})
	writeJSON(w, http.StatusOK, sch)
}

// handleListSchedules returns every schedule of the caller's organization.
func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	items, err := s.scheduler.List(r.Context(), orgID(r))
	if err != nil {
		s.writeDomainError(w, err, "list schedules")
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, Total: len(items)})
}

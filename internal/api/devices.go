package api

import (
	"net/http"
	"strconv"

	"github.com/nerrad567/gray-logic-sync/internal/audit"
	"github.com/nerrad567/gray-logic-sync/internal/device"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-sync/internal/integration"
)

// deviceRequest is the body of POST /devices and PUT /devices/{id}.
type deviceRequest struct {
	Name            string           `json:"name" validate:"required,max=200"`
	Description     string           `json:"description" validate:"max=2000"`
	SerialNumber    string           `json:"serial_number" validate:"max=200"`
	DeviceType      string           `json:"device_type" validate:"max=100"`
	Status          device.Status    `json:"status"`
	BatteryLevel    *float64         `json:"battery_level" validate:"omitempty,gte=0,lte=100"`
	SignalStrength  *int             `json:"signal_strength"`
	FirmwareVersion string           `json:"firmware_version" validate:"max=100"`
	Tags            []string         `json:"tags" validate:"max=50"`
	Metadata        database.JSONMap `json:"metadata"`
}

// apply copies the editable fields onto d.
func (req *deviceRequest) apply(d *device.Device) {
	d.Name = req.Name
	d.Description = req.Description
	d.SerialNumber = req.SerialNumber
	d.DeviceType = req.DeviceType
	d.Status = req.Status
	d.BatteryLevel = req.BatteryLevel
	d.SignalStrength = req.SignalStrength
	d.FirmwareVersion = req.FirmwareVersion
	d.Tags = req.Tags
	d.Metadata = req.Metadata
}

// assignmentRequest is the body of POST /devices/{id}/assignments.
type assignmentRequest struct {
	IntegrationID    string                `json:"integration_id" validate:"required"`
	ExternalDeviceID string                `json:"external_device_id" validate:"required,max=255"`
	SyncDirection    integration.Direction `json:"sync_direction"`
}

// ownedDevice loads the {id} device of the caller's organization.
func (s *Server) ownedDevice(w http.ResponseWriter, r *http.Request) (*device.Device, bool) {
	d, err := s.devices.GetDevice(r.Context(), pathID(r))
	if err != nil {
		s.writeDomainError(w, err, "get device")
		return nil, false
	}
	if d.OrganizationID != orgID(r) {
		writeNotFound(w, "device not found")
		return nil, false
	}
	return d, true
}

// handleListDevices returns the devices of the caller's organization.
//
// Query parameters:
//   - integration_id: devices mapped to an integration
//   - status: online, offline, warning or error
//   - tags: comma separated, any of
//   - include_deleted: include soft-deleted devices
//   - limit, offset: pagination
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset := parsePage(r)
	filter := device.ListFilter{
		OrganizationID: orgID(r),
		IntegrationID:  q.Get("integration_id"),
		Status:         device.Status(q.Get("status")),
		Tags:           queryList(r, "tags"),
		Limit:          limit,
		Offset:         offset,
	}
	if v := q.Get("include_deleted"); v != "" {
		inc, err := strconv.ParseBool(v)
		if err != nil {
			writeBadRequest(w, "include_deleted must be true or false")
			return
		}
		filter.IncludeDeleted = inc
	}

	items, err := s.devices.ListDevices(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, err, "list devices")
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, Total: len(items), Limit: limit, Offset: offset})
}

// handleGetDevice returns one device.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.ownedDevice(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleCreateDevice registers a device in the caller's organization.
func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	d := &device.Device{OrganizationID: orgID(r)}
	req.apply(d)

	if err := s.devices.CreateDevice(r.Context(), d); err != nil {
		s.writeDomainError(w, err, "create device")
		return
	}
	s.auditLog(r, audit.ActionCreate, entityDevice, d.ID, map[string]any{"name": d.Name})
	writeJSON(w, http.StatusCreated, d)
}

// handleUpdateDevice applies a local edit. Export integrations the device
// is mapped to receive the change through the queue.
func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	existing, ok := s.ownedDevice(w, r)
	if !ok {
		return
	}
	var req deviceRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	d := existing.DeepCopy()
	req.apply(d)

	if err := s.devices.UpdateDevice(r.Context(), d); err != nil {
		s.writeDomainError(w, err, "update device")
		return
	}
	s.auditLog(r, audit.ActionUpdate, entityDevice, d.ID, nil)
	writeJSON(w, http.StatusOK, d)
}

// handleDeleteDevice soft deletes a device.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.ownedDevice(w, r)
	if !ok {
		return
	}
	if err := s.devices.DeleteDevice(r.Context(), d.ID); err != nil {
		s.writeDomainError(w, err, "delete device")
		return
	}
	s.auditLog(r, audit.ActionDelete, entityDevice, d.ID, nil)
	w.WriteHeader(http.StatusNoContent)
}

// handleRestoreDevice clears a soft delete.
func (s *Server) handleRestoreDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.ownedDevice(w, r)
	if !ok {
		return
	}
	restored, err := s.devices.RestoreDevice(r.Context(), d.ID)
	if err != nil {
		s.writeDomainError(w, err, "restore device")
		return
	}
	s.auditLog(r, audit.ActionUpdate, entityDevice, d.ID, map[string]any{"restored": true})
	writeJSON(w, http.StatusOK, restored)
}

// handleListAssignments returns the integration mappings of a device.
func (s *Server) handleListAssignments(w http.ResponseWriter, r *http.Request) {
	d, ok := s.ownedDevice(w, r)
	if !ok {
		return
	}
	items, err := s.devices.Assignments().ListByDevice(r.Context(), d.ID)
	if err != nil {
		s.writeDomainError(w, err, "list assignments")
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, Total: len(items)})
}

// handleCreateAssignment maps a device to an external ID of an integration
// in the same organization.
func (s *Server) handleCreateAssignment(w http.ResponseWriter, r *http.Request) {
	d, ok := s.ownedDevice(w, r)
	if !ok {
		return
	}
	var req assignmentRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	in, err := s.integrations.Get(r.Context(), req.IntegrationID)
	if err != nil || in.OrganizationID != d.OrganizationID {
		writeNotFound(w, "integration not found")
		return
	}

	a := &device.Assignment{
		DeviceID:         d.ID,
		IntegrationID:    in.ID,
		ExternalDeviceID: req.ExternalDeviceID,
		SyncDirection:    req.SyncDirection,
	}
	if err := s.devices.Assign(r.Context(), a); err != nil {
		s.writeDomainError(w, err, "create assignment")
		return
	}
	s.auditLog(r, audit.ActionCreate, entityDevice, d.ID, map[string]any{
		"integration_id":     in.ID,
		"external_device_id": a.ExternalDeviceID,
	})
	writeJSON(w, http.StatusCreated, a)
}

// handleFirmwareHistory returns the recorded firmware changes of a device.
func (s *Server) handleFirmwareHistory(w http.ResponseWriter, r *http.Request) {
	d, ok := s.ownedDevice(w, r)
	if !ok {
		return
	}
	items, err := s.devices.FirmwareHistory(r.Context(), d.ID)
	if err != nil {
		s.writeDomainError(w, err, "list firmware history")
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, Total: len(items)})
}

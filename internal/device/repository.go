package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/database"
)

const devicesTable = "devices"

var deviceStruct = database.NewStruct(new(Device))

// Repository defines persistence for canonical devices.
type Repository interface {
	// GetByID returns the device, including soft-deleted ones.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetByID(ctx context.Context, id string) (*Device, error)

	// List returns devices matching filter ordered by name.
	List(ctx context.Context, filter ListFilter) ([]Device, error)

	// FindByExternalID finds a live device imported from integrationID
	// under externalID.
	FindByExternalID(ctx context.Context, integrationID, externalID string) (*Device, error)

	// FindBySerial finds a live device by serial number within an organisation.
	FindBySerial(ctx context.Context, organizationID, serial string) (*Device, error)

	// FindByName finds a live device by exact name within an organisation.
	FindByName(ctx context.Context, organizationID, name string) (*Device, error)

	Create(ctx context.Context, d *Device) error

	// Update rewrites every mutable column, including updated_at as given.
	Update(ctx context.Context, d *Device) error

	// SoftDelete stamps deleted_at and updated_at.
	SoftDelete(ctx context.Context, id string, at time.Time) error

	// Delete removes the row. Assignments and conflicts cascade.
	Delete(ctx context.Context, id string) error
}

// SQLRepository implements Repository using SQLite through sqlx.
type SQLRepository struct {
	db *sqlx.DB
}

// NewSQLRepository creates a new SQLite-backed device repository.
func NewSQLRepository(db *sqlx.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

// GetByID retrieves a device by its unique identifier.
func (r *SQLRepository) GetByID(ctx context.Context, id string) (*Device, error) {
	sb := deviceStruct.SelectFrom(devicesTable)
	sb.Where(sb.Equal("id", id))
	query, args := sb.Build()
	return r.getOne(ctx, query, args)
}

// List retrieves devices matching filter.
func (r *SQLRepository) List(ctx context.Context, filter ListFilter) ([]Device, error) {
	sb := deviceStruct.SelectFrom(devicesTable)
	if filter.OrganizationID != "" {
		sb.Where(sb.Equal("organization_id", filter.OrganizationID))
	}
	if filter.IntegrationID != "" {
		sb.Where("id IN (SELECT device_id FROM device_service_assignments WHERE integration_id = " +
			sb.Var(filter.IntegrationID) + ")")
	}
	if len(filter.IDs) > 0 {
		sb.Where(sb.In("id", toArgs(filter.IDs)...))
	}
	if filter.Status != "" {
		sb.Where(sb.Equal("status", string(filter.Status)))
	}
	if len(filter.Tags) > 0 {
		vars := make([]string, len(filter.Tags))
		for i, t := range filter.Tags {
			vars[i] = sb.Var(t)
		}
		sb.Where("EXISTS (SELECT 1 FROM json_each(devices.tags) WHERE json_each.value IN (" +
			strings.Join(vars, ", ") + "))")
	}
	if !filter.IncludeDeleted {
		sb.Where(sb.IsNull("deleted_at"))
	}
	sb.OrderBy("name", "id").Asc()
	if filter.Limit > 0 {
		sb.Limit(filter.Limit).Offset(filter.Offset)
	}

	query, args := sb.Build()
	devices := []Device{}
	if err := r.db.SelectContext(ctx, &devices, query, args...); err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	return devices, nil
}

// FindByExternalID finds a device by the integration that imported it.
func (r *SQLRepository) FindByExternalID(ctx context.Context, integrationID, externalID string) (*Device, error) {
	sb := deviceStruct.SelectFrom(devicesTable)
	sb.Where(
		sb.Equal("integration_id", integrationID),
		sb.Equal("external_device_id", externalID),
		sb.IsNull("deleted_at"),
	)
	sb.Limit(1)
	query, args := sb.Build()
	return r.getOne(ctx, query, args)
}

// FindBySerial finds a device by serial number.
func (r *SQLRepository) FindBySerial(ctx context.Context, organizationID, serial string) (*Device, error) {
	if serial == "" {
		return nil, ErrDeviceNotFound
	}
	sb := deviceStruct.SelectFrom(devicesTable)
	sb.Where(
		sb.Equal("organization_id", organizationID),
		sb.Equal("serial_number", serial),
		sb.IsNull("deleted_at"),
	)
	sb.OrderBy("created_at").Asc().Limit(1)
	query, args := sb.Build()
	return r.getOne(ctx, query, args)
}

// FindByName finds a device by exact name.
func (r *SQLRepository) FindByName(ctx context.Context, organizationID, name string) (*Device, error) {
	if name == "" {
		return nil, ErrDeviceNotFound
	}
	sb := deviceStruct.SelectFrom(devicesTable)
	sb.Where(
		sb.Equal("organization_id", organizationID),
		sb.Equal("name", name),
		sb.IsNull("deleted_at"),
	)
	sb.OrderBy("created_at").Asc().Limit(1)
	query, args := sb.Build()
	return r.getOne(ctx, query, args)
}

// Create inserts a new device.
func (r *SQLRepository) Create(ctx context.Context, d *Device) error {
	ib := deviceStruct.InsertInto(devicesTable, d)
	query, args := ib.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		if database.IsUniqueViolation(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("inserting device: %w", err)
	}
	return nil
}

// Update rewrites an existing device.
func (r *SQLRepository) Update(ctx context.Context, d *Device) error {
	ub := database.NewUpdateBuilder()
	ub.Update(devicesTable).Set(
		ub.Assign("name", d.Name),
		ub.Assign("description", d.Description),
		ub.Assign("serial_number", d.SerialNumber),
		ub.Assign("device_type", d.DeviceType),
		ub.Assign("status", string(d.Status)),
		ub.Assign("battery_level", d.BatteryLevel),
		ub.Assign("signal_strength", d.SignalStrength),
		ub.Assign("firmware_version", d.FirmwareVersion),
		ub.Assign("tags", d.Tags),
		ub.Assign("metadata", d.Metadata),
		ub.Assign("external_device_id", d.ExternalDeviceID),
		ub.Assign("integration_id", d.IntegrationID),
		ub.Assign("last_seen_at", database.UTCPtr(d.LastSeenAt)),
		ub.Assign("updated_at", d.UpdatedAt.UTC()),
		ub.Assign("deleted_at", database.UTCPtr(d.DeletedAt)),
	).Where(ub.Equal("id", d.ID))

	query, args := ub.Build()
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating device: %w", err)
	}
	return requireOneRow(res, ErrDeviceNotFound)
}

// SoftDelete marks a device deleted.
func (r *SQLRepository) SoftDelete(ctx context.Context, id string, at time.Time) error {
	ub := database.NewUpdateBuilder()
	ub.Update(devicesTable).Set(
		ub.Assign("deleted_at", at.UTC()),
		ub.Assign("updated_at", at.UTC()),
	).Where(ub.Equal("id", id), ub.IsNull("deleted_at"))

	query, args := ub.Build()
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("soft deleting device: %w", err)
	}
	return requireOneRow(res, ErrDeviceNotFound)
}

// Delete removes a device row.
func (r *SQLRepository) Delete(ctx context.Context, id string) error {
	db := database.NewDeleteBuilder()
	db.DeleteFrom(devicesTable).Where(db.Equal("id", id))

	query, args := db.Build()
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	return requireOneRow(res, ErrDeviceNotFound)
}

func (r *SQLRepository) getOne(ctx context.Context, query string, args []any) (*Device, error) {
	var d Device
	err := r.db.GetContext(ctx, &d, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying device: %w", err)
	}
	return &d, nil
}

func requireOneRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func toArgs(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

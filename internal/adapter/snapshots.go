package adapter

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/database"
)

const snapshotTable = "remote_snapshots"

type snapshotRow struct {
	IntegrationID    string    `db:"integration_id"`
	ExternalDeviceID string    `db:"external_device_id"`
	Payload          string    `db:"payload"`
	ReceivedAt       time.Time `db:"received_at"`
}

var snapshotStruct = database.NewStruct(new(snapshotRow))

// SnapshotStore is the durable buffer of remote device state for
// integrations that deliver state to us (MQTT, webhook, hub).
type SnapshotStore struct {
	db *sqlx.DB
}

// NewSnapshotStore creates a snapshot store over an open database.
func NewSnapshotStore(db *sqlx.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Put merges rd into the stored snapshot for its device and returns the
// merged state.
func (s *SnapshotStore) Put(ctx context.Context, integrationID string, rd RemoteDevice) (RemoteDevice, error) {
	if rd.ExternalID == "" {
		return rd, ErrMissingExternalID
	}
	if rd.ReceivedAt.IsZero() {
		rd.ReceivedAt = time.Now().UTC()
	}

	merged := rd
	err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		existing, err := getSnapshot(ctx, tx, integrationID, rd.ExternalID)
		if err != nil && !errors.Is(err, ErrRemoteNotFound) {
			return err
		}
		if existing != nil {
			existing.Merge(rd)
			merged = *existing
		}

		payload, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("encoding snapshot: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO remote_snapshots (integration_id, external_device_id, payload, received_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (integration_id, external_device_id)
			DO UPDATE SET payload = excluded.payload, received_at = excluded.received_at`,
			integrationID, merged.ExternalID, string(payload), merged.ReceivedAt.UTC())
		if err != nil {
			return fmt.Errorf("storing snapshot: %w", err)
		}
		return nil
	})
	return merged, err
}

// Get returns the buffered state of one device, or ErrRemoteNotFound.
func (s *SnapshotStore) Get(ctx context.Context, integrationID, externalID string) (*RemoteDevice, error) {
	return getSnapshot(ctx, s.db, integrationID, externalID)
}

// List returns every buffered device of an integration.
func (s *SnapshotStore) List(ctx context.Context, integrationID string) ([]RemoteDevice, error) {
	sb := snapshotStruct.SelectFrom(snapshotTable)
	sb.Where(sb.Equal("integration_id", integrationID))
	sb.OrderBy("external_device_id")
	query, args := sb.Build()

	var rows []snapshotRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	out := make([]RemoteDevice, 0, len(rows))
	for _, row := range rows {
		rd, err := row.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, *rd)
	}
	return out, nil
}

// Delete drops a buffered device.
func (s *SnapshotStore) Delete(ctx context.Context, integrationID, externalID string) error {
	db := database.NewDeleteBuilder()
	db.DeleteFrom(snapshotTable)
	db.Where(db.Equal("integration_id", integrationID), db.Equal("external_device_id", externalID))
	query, args := db.Build()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	return nil
}

func getSnapshot(ctx context.Context, q sqlx.QueryerContext, integrationID, externalID string) (*RemoteDevice, error) {
	sb := snapshotStruct.SelectFrom(snapshotTable)
	sb.Where(sb.Equal("integration_id", integrationID), sb.Equal("external_device_id", externalID))
	query, args := sb.Build()

	var row snapshotRow
	if err := sqlx.GetContext(ctx, q, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRemoteNotFound
		}
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}
	return row.decode()
}

func (r snapshotRow) decode() (*RemoteDevice, error) {
	var rd RemoteDevice
	if err := json.Unmarshal([]byte(r.Payload), &rd); err != nil {
		return nil, fmt.Errorf("decoding snapshot %s/%s: %w", r.IntegrationID, r.ExternalDeviceID, err)
	}
	rd.ExternalID = r.ExternalDeviceID
	return &rd, nil
}

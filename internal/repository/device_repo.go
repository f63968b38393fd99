package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"shadegate/internal/models"
)

// DeviceSQLite keeps device records in the devices table.
type DeviceSQLite struct {
	db *sql.DB
}

func NewDeviceSQLite(db *sql.DB) *DeviceSQLite {
	return &DeviceSQLite{db: db}
}

var _ DeviceStore = (*DeviceSQLite)(nil)

const (
	upsertDeviceSQL = `
		INSERT INTO devices (chip_id, name, model, firmware_version, raw_position, current_percent, online, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chip_id) DO UPDATE SET
			name=excluded.name,
			model=excluded.model,
			firmware_version=excluded.firmware_version,
			raw_position=excluded.raw_position,
			current_percent=excluded.current_percent,
			online=excluded.online,
			first_seen=excluded.first_seen,
			last_seen=excluded.last_seen
	`

	selectDevicesSQL = `
		SELECT chip_id, name, model, firmware_version, raw_position, current_percent, online, first_seen, last_seen
		FROM devices ORDER BY chip_id
	`
)

// Save upserts every record in one transaction. Records are never deleted,
// so an upsert of the whole set is the same as overwriting the snapshot.
func (r *DeviceSQLite) Save(ctx context.Context, records []models.DeviceRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin device snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, upsertDeviceSQL)
	if err != nil {
		return fmt.Errorf("prepare device upsert: %w", err)
	}
	defer stmt.Close()

	for _, d := range records {
		if _, err := stmt.ExecContext(ctx,
			d.ChipID,
			d.Name,
			d.Model,
			d.FirmwareVersion,
			d.RawPosition,
			d.CurrentPercent,
			d.Online,
			toUTC(d.FirstSeen),
			toUTC(d.LastSeen),
		); err != nil {
			return fmt.Errorf("upsert device %s: %w", d.ChipID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit device snapshot: %w", err)
	}
	return nil
}

// Load returns all stored device records ordered by chip id.
func (r *DeviceSQLite) Load(ctx context.Context) ([]models.DeviceRecord, error) {
	rows, err := r.db.QueryContext(ctx, selectDevicesSQL)
	if err != nil {
		return nil, fmt.Errorf("select devices: %w", err)
	}
	defer rows.Close()

	var out []models.DeviceRecord
	for rows.Next() {
		var d models.DeviceRecord
		if err := rows.Scan(
			&d.ChipID,
			&d.Name,
			&d.Model,
			&d.FirmwareVersion,
			&d.RawPosition,
			&d.CurrentPercent,
			&d.Online,
			&d.FirstSeen,
			&d.LastSeen,
		); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		d.FirstSeen = d.FirstSeen.UTC()
		d.LastSeen = d.LastSeen.UTC()
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// toUTC normalizes non-zero time to UTC, preserving zero values.
func toUTC(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}

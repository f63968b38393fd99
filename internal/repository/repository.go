package repository

import (
	"context"
	"database/sql"
	"time"

	"shadegate/internal/models"
)

type Authorization interface {
	Create(ctx context.Context, username, hash string) (int, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
}

// DeviceStore persists the full set of device records as one snapshot.
// Load on a store that was never written returns no records and no error.
type DeviceStore interface {
	Load(ctx context.Context) ([]models.DeviceRecord, error)
	Save(ctx context.Context, records []models.DeviceRecord) error
}

type EventRepo interface {
	Append(ctx context.Context, e models.LogEntry) error
	List(ctx context.Context, f EventFilter) ([]models.LogEntry, error)
}

// EventFilter narrows an event log query. Zero fields are ignored.
type EventFilter struct {
	From   time.Time
	To     time.Time
	Type   string
	ChipID string
}

type Repository struct {
	Devices   DeviceStore
	EventRepo EventRepo
	Auth      Authorization
}

// NewRepository builds the SQLite-backed repositories. devices may be nil,
// in which case device records are kept in SQLite as well.
func NewRepository(db *sql.DB, devices DeviceStore) *Repository {
	if devices == nil {
		devices = NewDeviceSQLite(db)
	}
	return &Repository{
		Devices:   devices,
		EventRepo: NewEventSQLite(db),
		Auth:      NewUserRepository(db),
	}
}

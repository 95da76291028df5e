package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/m-mcgowan/usb-device/internal/models"
	"github.com/m-mcgowan/usb-device/internal/repository/db"
)

// InitDB opens the SQLite event-log database, creating the schema if needed.
func InitDB(path string) (*sql.DB, error) {
	return db.InitDB(path)
}

// EventRepo is the append-only hub event log: device arrivals and removals,
// mode changes, and hub connection transitions.
type EventRepo interface {
	Append(ctx context.Context, e models.HubEvent) error
	List(ctx context.Context, from, to time.Time, typ string) ([]models.HubEvent, error)
}

type Repository struct {
	Events EventRepo
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{
		Events: NewEventSQLite(db),
	}
}

package store

import (
	"context"
	"time"

	"psamonitor/models"
)

// ReadingStore is the append-only telemetry series.
type ReadingStore interface {
	// InsertReading stores the reading unless its (plant, line, timestamp) key
	// already exists. The check and the insert are one atomic operation.
	InsertReading(ctx context.Context, reading *models.TelemetryReading) (bool, error)
	// ListReadings returns readings in [from, to) ordered by timestamp, then line.
	ListReadings(ctx context.Context, plantID string, from, to time.Time, limit int) ([]*models.TelemetryReading, error)
}

// StateStore persists the live AlarmState of every line.
type StateStore interface {
	LoadState(ctx context.Context, key models.LineKey) (*models.AlarmState, error)
	// ListStates returns all states of a plant, or of every plant when plantID is empty.
	ListStates(ctx context.Context, plantID string) ([]*models.AlarmState, error)
	// SaveState stores the state and, when event is not nil, appends the event
	// in the same transaction.
	SaveState(ctx context.Context, state *models.AlarmState, event *models.AlarmEvent) error
}

// EventQuery filters alarm events. Zero values mean no filter.
type EventQuery struct {
	PlantID string
	LineID  string
	From    time.Time
	To      time.Time
	Limit   int
	// Descending returns the newest events first.
	Descending bool
}

type EventStore interface {
	ListEvents(ctx context.Context, q EventQuery) ([]*models.AlarmEvent, error)
	// LastEventBefore returns the latest event of the line strictly before t.
	LastEventBefore(ctx context.Context, key models.LineKey, t time.Time) (*models.AlarmEvent, error)
}

type PlantStore interface {
	// TouchPlant records the latest reading of a plant, registering the plant
	// on first contact.
	TouchPlant(ctx context.Context, reading *models.TelemetryReading) error
	PutPlant(ctx context.Context, plant *models.Plant) error
	GetPlant(ctx context.Context, plantID string) (*models.Plant, error)
	ListPlants(ctx context.Context) ([]*models.Plant, error)
	// AddEquipment fails with models.ErrConflict on a duplicated patrimony number.
	AddEquipment(ctx context.Context, equipment *models.Equipment) error
	ListEquipment(ctx context.Context, plantID string) ([]*models.Equipment, error)
}

type IdentityStore interface {
	GetIdentity(ctx context.Context, chatID int64) (*models.ChatIdentity, error)
	SaveIdentity(ctx context.Context, identity *models.ChatIdentity) error
	ListIdentities(ctx context.Context) ([]*models.ChatIdentity, error)
}

type DeliveryFailureStore interface {
	RecordDeliveryFailure(ctx context.Context, failure *models.DeliveryFailure) error
}

// Store is the full persistence port of the service.
type Store interface {
	ReadingStore
	StateStore
	EventStore
	PlantStore
	IdentityStore
	DeliveryFailureStore
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

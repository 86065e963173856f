package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"psamonitor/models"
)

type readingKey struct {
	plantID string
	lineID  string
	ts      int64
}

// MemoryStore keeps everything in process memory. It backs tests and
// deployments without DATABASE_URL.
type MemoryStore struct {
	mu         sync.RWMutex
	readingSet map[readingKey]struct{}
	readings   map[string][]*models.TelemetryReading
	states     map[models.LineKey]*models.AlarmState
	events     []*models.AlarmEvent
	plants     map[string]*models.Plant
	equipment  map[string][]*models.Equipment
	patrimony  map[string]string
	identities map[int64]*models.ChatIdentity
	failures   []*models.DeliveryFailure
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		readingSet: make(map[readingKey]struct{}),
		readings:   make(map[string][]*models.TelemetryReading),
		states:     make(map[models.LineKey]*models.AlarmState),
		plants:     make(map[string]*models.Plant),
		equipment:  make(map[string][]*models.Equipment),
		patrimony:  make(map[string]string),
		identities: make(map[int64]*models.ChatIdentity),
	}
}

func (m *MemoryStore) InsertReading(ctx context.Context, reading *models.TelemetryReading) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key := readingKey{plantID: reading.PlantID, lineID: reading.LineID, ts: reading.Timestamp.UnixNano()}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.readingSet[key]; exists {
		return false, nil
	}
	m.readingSet[key] = struct{}{}
	stored := *reading
	m.readings[reading.PlantID] = append(m.readings[reading.PlantID], &stored)
	return true, nil
}

func (m *MemoryStore) ListReadings(ctx context.Context, plantID string, from, to time.Time, limit int) ([]*models.TelemetryReading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	series := m.readings[plantID]
	out := make([]*models.TelemetryReading, 0, len(series))
	for _, r := range series {
		if inWindow(r.Timestamp, from, to) {
			c := *r
			out = append(out, &c)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].LineID < out[j].LineID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func inWindow(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}

func (m *MemoryStore) LoadState(ctx context.Context, key models.LineKey) (*models.AlarmState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.states[key]
	if !ok {
		return nil, fmt.Errorf("state %s: %w", key, models.ErrNotFound)
	}
	return state.Clone(), nil
}

func (m *MemoryStore) ListStates(ctx context.Context, plantID string) ([]*models.AlarmState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]*models.AlarmState, 0, len(m.states))
	for key, state := range m.states {
		if plantID == "" || key.PlantID == plantID {
			out = append(out, state.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].PlantID != out[j].PlantID {
			return out[i].PlantID < out[j].PlantID
		}
		return out[i].LineID < out[j].LineID
	})
	return out, nil
}

func (m *MemoryStore) SaveState(ctx context.Context, state *models.AlarmState, event *models.AlarmEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.Key()] = state.Clone()
	if event != nil {
		ev := *event
		m.events = append(m.events, &ev)
	}
	return nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, q EventQuery) ([]*models.AlarmEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]*models.AlarmEvent, 0)
	for _, ev := range m.events {
		if q.PlantID != "" && ev.PlantID != q.PlantID {
			continue
		}
		if q.LineID != "" && ev.LineID != q.LineID {
			continue
		}
		if !inWindow(ev.At, q.From, q.To) {
			continue
		}
		c := *ev
		out = append(out, &c)
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if q.Descending {
			return out[i].At.After(out[j].At)
		}
		return out[i].At.Before(out[j].At)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryStore) LastEventBefore(ctx context.Context, key models.LineKey, t time.Time) (*models.AlarmEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var last *models.AlarmEvent
	for _, ev := range m.events {
		if ev.Key() != key || !ev.At.Before(t) {
			continue
		}
		if last == nil || !ev.At.Before(last.At) {
			last = ev
		}
	}
	if last == nil {
		return nil, fmt.Errorf("event before %s for %s: %w", t.Format(time.RFC3339), key, models.ErrNotFound)
	}
	c := *last
	return &c, nil
}

func (m *MemoryStore) TouchPlant(ctx context.Context, reading *models.TelemetryReading) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	plant, ok := m.plants[reading.PlantID]
	if !ok {
		plant = &models.Plant{
			ID:               reading.PlantID,
			Name:             models.DefaultPlantName(reading.PlantID),
			InstallationType: models.InstallationSimplex,
		}
		m.plants[reading.PlantID] = plant
	}
	if reading.Name != "" {
		plant.Name = reading.Name
	}
	last := *reading
	plant.LastReading = &last
	plant.LastSeen = reading.ReceivedAt
	return nil
}

func (m *MemoryStore) PutPlant(ctx context.Context, plant *models.Plant) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p := *plant
	p.Lines = append([]string(nil), plant.Lines...)
	m.plants[plant.ID] = &p
	return nil
}

func (m *MemoryStore) GetPlant(ctx context.Context, plantID string) (*models.Plant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	plant, ok := m.plants[plantID]
	if !ok {
		return nil, fmt.Errorf("plant %s: %w", plantID, models.ErrNotFound)
	}
	return copyPlant(plant), nil
}

func (m *MemoryStore) ListPlants(ctx context.Context) ([]*models.Plant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]*models.Plant, 0, len(m.plants))
	for _, plant := range m.plants {
		out = append(out, copyPlant(plant))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func copyPlant(p *models.Plant) *models.Plant {
	c := *p
	c.Lines = append([]string(nil), p.Lines...)
	if p.LastReading != nil {
		r := *p.LastReading
		c.LastReading = &r
	}
	return &c
}

func (m *MemoryStore) AddEquipment(ctx context.Context, equipment *models.Equipment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !equipment.Type.Valid() {
		return fmt.Errorf("equipment type %q: %w", equipment.Type, models.ErrInvalidPayload)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plants[equipment.PlantID]; !ok {
		return fmt.Errorf("plant %s: %w", equipment.PlantID, models.ErrNotFound)
	}
	if owner, taken := m.patrimony[equipment.Patrimony]; taken {
		return fmt.Errorf("patrimony %s already assigned to %s: %w", equipment.Patrimony, owner, models.ErrConflict)
	}
	e := *equipment
	m.patrimony[e.Patrimony] = e.PlantID
	m.equipment[e.PlantID] = append(m.equipment[e.PlantID], &e)
	return nil
}

func (m *MemoryStore) ListEquipment(ctx context.Context, plantID string) ([]*models.Equipment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Equipment, 0, len(m.equipment[plantID]))
	for _, e := range m.equipment[plantID] {
		c := *e
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Position < out[j].Position
	})
	return out, nil
}

func (m *MemoryStore) GetIdentity(ctx context.Context, chatID int64) (*models.ChatIdentity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	identity, ok := m.identities[chatID]
	if !ok {
		return nil, fmt.Errorf("chat identity %d: %w", chatID, models.ErrNotFound)
	}
	return identity.Clone(), nil
}

func (m *MemoryStore) SaveIdentity(ctx context.Context, identity *models.ChatIdentity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identities[identity.ChatID] = identity.Clone()
	return nil
}

func (m *MemoryStore) ListIdentities(ctx context.Context) ([]*models.ChatIdentity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]*models.ChatIdentity, 0, len(m.identities))
	for _, identity := range m.identities {
		out = append(out, identity.Clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out, nil
}

func (m *MemoryStore) RecordDeliveryFailure(ctx context.Context, failure *models.DeliveryFailure) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f := *failure
	m.failures = append(m.failures, &f)
	return nil
}

// DeliveryFailures returns the recorded failures.
func (m *MemoryStore) DeliveryFailures() []*models.DeliveryFailure {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.DeliveryFailure, len(m.failures))
	copy(out, m.failures)
	return out
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryStore) Close() error {
	return nil
}

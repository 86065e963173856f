package services

import (
	"context"
	"sync"
	"time"

	"psamonitor/config"
	"psamonitor/models"
	"psamonitor/store"
)

var testEpoch = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func testConfig() *config.Config {
	return &config.Config{
		Timezone:             "UTC",
		DeviceAPIKey:         "device-key",
		JWTSecret:            "jwt-secret",
		AdminChatID:          1000,
		StoreTimeout:         time.Second,
		DebounceCount:        3,
		StalenessTimeout:     5 * time.Minute,
		MaxClockSkew:         time.Minute,
		SuppressionWindow:    10 * time.Minute,
		MaxRetryAttempts:     3,
		RetryBaseDelay:       time.Millisecond,
		RetryMaxDelay:        5 * time.Millisecond,
		DeliveryTimeout:      time.Second,
		DispatchConcurrency:  4,
		FirebaseBatchSize:    3,
		FirebaseBatchTimeout: 20 * time.Millisecond,
	}
}

// recordingSink collects published events.
type recordingSink struct {
	mu     sync.Mutex
	events []*models.AlarmEvent
}

func (s *recordingSink) Publish(_ context.Context, event *models.AlarmEvent) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

func (s *recordingSink) Events() []*models.AlarmEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.AlarmEvent(nil), s.events...)
}

// healthyReading is the reference reading of a plant in production.
func healthyReading(plantID, lineID string, ts time.Time) *models.TelemetryReading {
	return &models.TelemetryReading{
		PlantID:      plantID,
		LineID:       lineID,
		Timestamp:    ts,
		ReceivedAt:   ts,
		PressureBar:  5.2,
		TemperatureC: 28.5,
		PurityPct:    95.3,
		FlowNm3h:     45.0,
		Mode:         models.ProductionMode,
	}
}

func readingWithPurity(plantID, lineID string, ts time.Time, purity float64) *models.TelemetryReading {
	r := healthyReading(plantID, lineID, ts)
	r.PurityPct = purity
	return r
}

// flakyStore fails state loads or saves on demand.
type flakyStore struct {
	*store.MemoryStore
	mu      sync.Mutex
	loadErr error
	saveErr error
}

func (f *flakyStore) LoadState(ctx context.Context, key models.LineKey) (*models.AlarmState, error) {
	f.mu.Lock()
	err := f.loadErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.MemoryStore.LoadState(ctx, key)
}

func (f *flakyStore) SaveState(ctx context.Context, state *models.AlarmState, event *models.AlarmEvent) error {
	f.mu.Lock()
	err := f.saveErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.MemoryStore.SaveState(ctx, state, event)
}

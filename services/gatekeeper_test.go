package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"psamonitor/auth"
	"psamonitor/models"
	"psamonitor/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const scenarioPayload = `{"planta_id":"hospital_central","presion_bar":5.2,"temperatura_c":28.5,"pureza_pct":95.3,"flujo_nm3h":45.0,"modo":"Producción","alarma":false,"timestamp":"2025-03-10T07:59:00Z"}`

type countingEvaluator struct {
	mu       sync.Mutex
	readings []*models.TelemetryReading
	entered  chan struct{}
	block    chan struct{}
}

func (c *countingEvaluator) Evaluate(_ context.Context, r *models.TelemetryReading) *models.AlarmEvent {
	if c.block != nil {
		c.entered <- struct{}{}
		<-c.block
	}
	c.mu.Lock()
	c.readings = append(c.readings, r)
	c.mu.Unlock()
	return nil
}

func (c *countingEvaluator) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.readings)
}

func newTestGatekeeper(evaluator ReadingEvaluator) (*TelemetryGatekeeper, *store.MemoryStore) {
	cfg := testConfig()
	st := store.NewMemoryStore()
	aggregator := NewHistoricalAggregator(cfg, st, zap.NewNop())
	g := NewTelemetryGatekeeper(cfg, auth.NewVerifier(cfg.DeviceAPIKey, cfg.JWTSecret), aggregator, evaluator, zap.NewNop()).
		WithClock(newFakeClock(testEpoch))
	return g, st
}

var deviceCreds = auth.Credentials{APIKey: "device-key"}

func TestIngest_Idempotent(t *testing.T) {
	evaluator := &countingEvaluator{}
	g, st := newTestGatekeeper(evaluator)
	ctx := context.Background()

	first, err := g.Ingest(ctx, deviceCreds, []byte(scenarioPayload))
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, models.DefaultLineID, first.LineID)

	second, err := g.Ingest(ctx, deviceCreds, []byte(scenarioPayload))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)

	readings, err := st.ListReadings(ctx, "hospital_central", time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, readings, 1)
	assert.Equal(t, 1, evaluator.count())
}

func TestIngest_SubMicrosecondTimestampsAreOneReading(t *testing.T) {
	evaluator := &countingEvaluator{}
	g, st := newTestGatekeeper(evaluator)
	ctx := context.Background()

	payload := `{"planta_id":"hospital_central","presion_bar":5.2,"temperatura_c":28.5,"pureza_pct":95.3,"flujo_nm3h":45.0,"timestamp":"%s"}`
	first, err := g.Ingest(ctx, deviceCreds, []byte(fmt.Sprintf(payload, "2025-03-10T07:59:00.123456100Z")))
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	second, err := g.Ingest(ctx, deviceCreds, []byte(fmt.Sprintf(payload, "2025-03-10T07:59:00.123456900Z")))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)

	readings, err := st.ListReadings(ctx, "hospital_central", time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, 123456000, readings[0].Timestamp.Nanosecond())
	assert.Equal(t, 1, evaluator.count())
}

func TestIngest_DuplicateDoesNotAdvanceDebounce(t *testing.T) {
	cfg := testConfig()
	st := store.NewMemoryStore()
	clock := newFakeClock(testEpoch)
	evaluator := NewAlarmEvaluator(cfg, st, NewThresholdClassifier(nil), zap.NewNop(), WithEvaluatorClock(clock))
	g := NewTelemetryGatekeeper(cfg, auth.NewVerifier(cfg.DeviceAPIKey, ""), NewHistoricalAggregator(cfg, st, zap.NewNop()), evaluator, zap.NewNop()).
		WithClock(clock)

	bad := `{"planta_id":"p","presion_bar":5.2,"temperatura_c":28.5,"pureza_pct":91,"flujo_nm3h":45,"timestamp":"2025-03-10T07:59:00Z"}`
	for i := 0; i < 5; i++ {
		_, err := g.Ingest(context.Background(), deviceCreds, []byte(bad))
		require.NoError(t, err)
	}
	state, ok := evaluator.State(models.LineKey{PlantID: "p", LineID: "1"})
	require.True(t, ok)
	assert.Equal(t, models.LevelNormal, state.Level)
	assert.Equal(t, 1, state.BreachCount)
}

func TestIngest_Unauthorized(t *testing.T) {
	evaluator := &countingEvaluator{}
	g, st := newTestGatekeeper(evaluator)

	for _, creds := range []auth.Credentials{{}, {APIKey: "wrong"}, {BearerToken: "not-a-jwt"}} {
		_, err := g.Ingest(context.Background(), creds, []byte(scenarioPayload))
		assert.ErrorIs(t, err, models.ErrUnauthorized)
	}
	readings, _ := st.ListReadings(context.Background(), "hospital_central", time.Time{}, time.Time{}, 0)
	assert.Empty(t, readings)
	assert.Zero(t, evaluator.count())
}

func TestParse_Validation(t *testing.T) {
	g, _ := newTestGatekeeper(&countingEvaluator{})

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"malformed", `{"planta_id":`, "body"},
		{"missing plant", `{"presion_bar":5,"temperatura_c":28,"pureza_pct":95,"flujo_nm3h":45}`, "planta_id"},
		{"missing pressure", `{"planta_id":"p","temperatura_c":28,"pureza_pct":95,"flujo_nm3h":45}`, "presion_bar"},
		{"wrong type", `{"planta_id":"p","presion_bar":"alta","temperatura_c":28,"pureza_pct":95,"flujo_nm3h":45}`, "presion_bar"},
		{"purity above 100", `{"planta_id":"p","presion_bar":5,"temperatura_c":28,"pureza_pct":101,"flujo_nm3h":45}`, "pureza_pct"},
		{"negative flow", `{"planta_id":"p","presion_bar":5,"temperatura_c":28,"pureza_pct":95,"flujo_nm3h":-1}`, "flujo_nm3h"},
		{"bad timestamp", `{"planta_id":"p","presion_bar":5,"temperatura_c":28,"pureza_pct":95,"flujo_nm3h":45,"timestamp":"ayer"}`, "timestamp"},
		{"future timestamp", `{"planta_id":"p","presion_bar":5,"temperatura_c":28,"pureza_pct":95,"flujo_nm3h":45,"timestamp":"2025-03-10T09:00:00Z"}`, "timestamp"},
		{"negative hours", `{"planta_id":"p","presion_bar":5,"temperatura_c":28,"pureza_pct":95,"flujo_nm3h":45,"horas_operacion":-3}`, "horas_operacion"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.Parse([]byte(tt.body))
			require.Error(t, err)
			assert.ErrorIs(t, err, models.ErrInvalidPayload)
			var ipe *models.InvalidPayloadError
			require.True(t, errors.As(err, &ipe))
			assert.Equal(t, tt.field, ipe.Field)
		})
	}
}

func TestParse_Defaults(t *testing.T) {
	g, _ := newTestGatekeeper(&countingEvaluator{})

	r, err := g.Parse([]byte(`{"planta_id":" p ","presion_bar":5,"temperatura_c":28,"pureza_pct":95,"flujo_nm3h":45}`))
	require.NoError(t, err)
	assert.Equal(t, "p", r.PlantID)
	assert.Equal(t, models.DefaultLineID, r.LineID)
	assert.Equal(t, models.DefaultMode, r.Mode)
	assert.True(t, r.Timestamp.Equal(testEpoch))

	r, err = g.Parse([]byte(`{"planta_id":"p","linea_id":"2","presion_bar":5,"temperatura_c":28,"pureza_pct":95,"flujo_nm3h":45,"timestamp":"2025-03-10 07:30:00"}`))
	require.NoError(t, err)
	assert.Equal(t, "2", r.LineID)
	assert.True(t, r.Timestamp.Equal(testEpoch.Add(-30*time.Minute)))
}

func TestIngestBatch_PerItemOutcome(t *testing.T) {
	evaluator := &countingEvaluator{}
	g, _ := newTestGatekeeper(evaluator)

	body := `[` + scenarioPayload + `,{"planta_id":"p"},` + scenarioPayload + `]`
	results, err := g.IngestBatch(context.Background(), deviceCreds, []byte(body))
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Empty(t, results[0].Error)
	assert.False(t, results[0].Result.Duplicate)
	assert.Equal(t, "presion_bar", results[1].Field)
	assert.True(t, results[2].Result.Duplicate)
	assert.Equal(t, 1, evaluator.count())

	_, err = g.IngestBatch(context.Background(), deviceCreds, []byte(scenarioPayload))
	assert.ErrorIs(t, err, models.ErrInvalidPayload)
}

func TestShutdown_WaitsForInFlight(t *testing.T) {
	evaluator := &countingEvaluator{entered: make(chan struct{}, 1), block: make(chan struct{})}
	g, _ := newTestGatekeeper(evaluator)

	done := make(chan error, 1)
	go func() {
		_, err := g.Ingest(context.Background(), deviceCreds, []byte(scenarioPayload))
		done <- err
	}()
	<-evaluator.entered

	// The ingest is parked inside the evaluator; a short drain must time out.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, g.Shutdown(ctx), context.DeadlineExceeded)

	_, err := g.Ingest(context.Background(), deviceCreds, []byte(scenarioPayload))
	assert.ErrorIs(t, err, models.ErrShuttingDown)

	close(evaluator.block)
	require.NoError(t, <-done)
	assert.NoError(t, g.Shutdown(context.Background()))
}

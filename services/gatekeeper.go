package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"psamonitor/auth"
	"psamonitor/config"
	"psamonitor/metrics"
	"psamonitor/models"

	"go.uber.org/zap"
)

const (
	SourceHTTP = "http"
	SourceAMQP = "amqp"

	maxIDLength = 64
)

// localTimestampLayout is accepted from PLCs without timezone support and
// interpreted in the configured timezone.
const localTimestampLayout = "2006-01-02 15:04:05"

// ReadingRecorder appends accepted readings. Record returns false for duplicates.
type ReadingRecorder interface {
	Record(ctx context.Context, reading *models.TelemetryReading) (bool, error)
}

// ReadingEvaluator feeds newly recorded readings to the alarm state machine.
type ReadingEvaluator interface {
	Evaluate(ctx context.Context, reading *models.TelemetryReading) *models.AlarmEvent
}

// IngestResult is what the device gets back for an accepted reading
type IngestResult struct {
	PlantID   string    `json:"planta_id"`
	LineID    string    `json:"linea_id"`
	Timestamp time.Time `json:"timestamp"`
	Duplicate bool      `json:"duplicado"`
}

// BatchItemResult is the outcome of one element of a batch
type BatchItemResult struct {
	Index  int           `json:"indice"`
	Result *IngestResult `json:"resultado,omitempty"`
	Error  string        `json:"error,omitempty"`
	Field  string        `json:"campo,omitempty"`
}

// TelemetryGatekeeper authenticates, validates and deduplicates device telemetry
type TelemetryGatekeeper struct {
	verifier  *auth.Verifier
	recorder  ReadingRecorder
	evaluator ReadingEvaluator
	logger    *zap.Logger
	clock     Clock
	location  *time.Location
	maxSkew   time.Duration

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

func NewTelemetryGatekeeper(cfg *config.Config, verifier *auth.Verifier, recorder ReadingRecorder, evaluator ReadingEvaluator, logger *zap.Logger) *TelemetryGatekeeper {
	return &TelemetryGatekeeper{
		verifier:  verifier,
		recorder:  recorder,
		evaluator: evaluator,
		logger:    logger,
		clock:     systemClock{},
		location:  loadLocation(cfg.Timezone, logger),
		maxSkew:   cfg.MaxClockSkew,
	}
}

// WithClock overrides the clock used for defaulted timestamps.
func (g *TelemetryGatekeeper) WithClock(clock Clock) *TelemetryGatekeeper {
	g.clock = clock
	return g
}

// enter registers an in-flight ingest unless the gatekeeper is shutting down.
func (g *TelemetryGatekeeper) enter() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return false
	}
	g.inflight.Add(1)
	return true
}

// Ingest accepts one JSON reading received over HTTP.
func (g *TelemetryGatekeeper) Ingest(ctx context.Context, creds auth.Credentials, raw []byte) (*IngestResult, error) {
	return g.IngestFrom(ctx, SourceHTTP, creds, raw)
}

// IngestFrom accepts one JSON reading received through source.
func (g *TelemetryGatekeeper) IngestFrom(ctx context.Context, source string, creds auth.Credentials, raw []byte) (*IngestResult, error) {
	started := time.Now()
	if !g.enter() {
		return nil, models.ErrShuttingDown
	}
	defer g.inflight.Done()

	if _, err := g.verifier.Authenticate(creds, auth.RoleAdmin); err != nil {
		metrics.ObserveIngest(source, metrics.ResultRejected, started)
		return nil, err
	}

	result, err := g.ingestOne(ctx, raw)
	metrics.ObserveIngest(source, ingestOutcome(result, err), started)
	return result, err
}

// IngestBatch accepts a JSON array of readings. Credentials are checked once;
// every element gets its own outcome.
func (g *TelemetryGatekeeper) IngestBatch(ctx context.Context, creds auth.Credentials, raw []byte) ([]BatchItemResult, error) {
	if !g.enter() {
		return nil, models.ErrShuttingDown
	}
	defer g.inflight.Done()

	if _, err := g.verifier.Authenticate(creds, auth.RoleAdmin); err != nil {
		metrics.ObserveIngest(SourceHTTP, metrics.ResultRejected, time.Now())
		return nil, err
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, models.NewInvalidPayload("body", "expected a JSON array of readings")
	}

	results := make([]BatchItemResult, 0, len(items))
	for i, item := range items {
		started := time.Now()
		result, err := g.ingestOne(ctx, item)
		metrics.ObserveIngest(SourceHTTP, ingestOutcome(result, err), started)

		out := BatchItemResult{Index: i, Result: result}
		if err != nil {
			out.Error = err.Error()
			var ipe *models.InvalidPayloadError
			if errors.As(err, &ipe) {
				out.Field = ipe.Field
			}
		}
		results = append(results, out)
	}
	return results, nil
}

func ingestOutcome(result *IngestResult, err error) string {
	switch {
	case err == nil && result.Duplicate:
		return metrics.ResultDuplicate
	case err == nil:
		return metrics.ResultAccepted
	case errors.Is(err, models.ErrInvalidPayload):
		return metrics.ResultRejected
	default:
		return metrics.ResultError
	}
}

func (g *TelemetryGatekeeper) ingestOne(ctx context.Context, raw []byte) (*IngestResult, error) {
	reading, err := g.Parse(raw)
	if err != nil {
		return nil, err
	}

	inserted, err := g.recorder.Record(ctx, reading)
	if err != nil {
		g.logger.Error("Failed to record reading",
			zap.String("plant_id", reading.PlantID),
			zap.String("line_id", reading.LineID),
			zap.Error(err))
		return nil, err
	}

	result := &IngestResult{
		PlantID:   reading.PlantID,
		LineID:    reading.LineID,
		Timestamp: reading.Timestamp,
		Duplicate: !inserted,
	}
	if !inserted {
		g.logger.Debug("Duplicate reading ignored",
			zap.String("plant_id", reading.PlantID),
			zap.String("line_id", reading.LineID),
			zap.Time("timestamp", reading.Timestamp))
		return result, nil
	}

	g.evaluator.Evaluate(ctx, reading)
	return result, nil
}

// Parse decodes and validates one payload into a reading.
func (g *TelemetryGatekeeper) Parse(raw []byte) (*models.TelemetryReading, error) {
	var p models.TelemetryPayload
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(&p); err != nil {
		return nil, decodeError(err)
	}
	return g.validate(&p, g.clock.Now())
}

func decodeError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return models.NewInvalidPayload(typeErr.Field, "expected %s", typeErr.Type.String())
	}
	return models.NewInvalidPayload("body", "malformed JSON: %v", err)
}

func (g *TelemetryGatekeeper) validate(p *models.TelemetryPayload, now time.Time) (*models.TelemetryReading, error) {
	plantID := strings.TrimSpace(p.PlantID)
	if plantID == "" {
		return nil, models.NewInvalidPayload("planta_id", "is required")
	}
	if len(plantID) > maxIDLength {
		return nil, models.NewInvalidPayload("planta_id", "longer than %d characters", maxIDLength)
	}
	lineID := strings.TrimSpace(p.LineID)
	if lineID == "" {
		lineID = models.DefaultLineID
	}
	if len(lineID) > maxIDLength {
		return nil, models.NewInvalidPayload("linea_id", "longer than %d characters", maxIDLength)
	}

	ts := now
	if raw := strings.TrimSpace(p.Timestamp); raw != "" {
		parsed, err := g.parseTimestamp(raw)
		if err != nil {
			return nil, models.NewInvalidPayload("timestamp", "expected RFC3339, got %q", raw)
		}
		if parsed.After(now.Add(g.maxSkew)) {
			return nil, models.NewInvalidPayload("timestamp", "more than %s in the future", g.maxSkew)
		}
		ts = parsed
	}
	// Storage keeps microseconds; readings must compare equal across stores.
	ts = ts.Truncate(time.Microsecond)

	pressure, err := requiredFinite("presion_bar", p.PressureBar)
	if err != nil {
		return nil, err
	}
	temperature, err := requiredFinite("temperatura_c", p.TemperatureC)
	if err != nil {
		return nil, err
	}
	purity, err := requiredFinite("pureza_pct", p.PurityPct)
	if err != nil {
		return nil, err
	}
	if purity < 0 || purity > 100 {
		return nil, models.NewInvalidPayload("pureza_pct", "must be between 0 and 100")
	}
	flow, err := requiredFinite("flujo_nm3h", p.FlowNm3h)
	if err != nil {
		return nil, err
	}
	if flow < 0 {
		return nil, models.NewInvalidPayload("flujo_nm3h", "must not be negative")
	}

	var hours float64
	if p.OperatingHours != nil {
		hours = *p.OperatingHours
		if math.IsNaN(hours) || math.IsInf(hours, 0) || hours < 0 {
			return nil, models.NewInvalidPayload("horas_operacion", "must be a non-negative number")
		}
	}

	mode := strings.TrimSpace(p.Mode)
	if mode == "" {
		mode = models.DefaultMode
	}

	return &models.TelemetryReading{
		PlantID:        plantID,
		LineID:         lineID,
		Name:           strings.TrimSpace(p.Name),
		Timestamp:      ts.UTC(),
		ReceivedAt:     now.UTC(),
		PressureBar:    pressure,
		TemperatureC:   temperature,
		PurityPct:      purity,
		FlowNm3h:       flow,
		Mode:           mode,
		Alarm:          p.Alarm,
		AlarmMessage:   strings.TrimSpace(p.AlarmMessage),
		OperatingHours: hours,
	}, nil
}

func (g *TelemetryGatekeeper) parseTimestamp(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}
	return time.ParseInLocation(localTimestampLayout, raw, g.location)
}

func requiredFinite(field string, v *float64) (float64, error) {
	if v == nil {
		return 0, models.NewInvalidPayload(field, "is required")
	}
	if math.IsNaN(*v) || math.IsInf(*v, 0) {
		return 0, models.NewInvalidPayload(field, "must be a finite number")
	}
	return *v, nil
}

// Shutdown stops accepting readings and waits for in-flight ones until ctx expires.
func (g *TelemetryGatekeeper) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.logger.Info("Gatekeeper drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gatekeeper drain: %w", ctx.Err())
	}
}

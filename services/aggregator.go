package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"psamonitor/config"
	"psamonitor/models"
	"psamonitor/store"

	"go.uber.org/zap"
)

// AggregatorStore is the persistence the aggregator reads and appends to.
type AggregatorStore interface {
	store.ReadingStore
	store.StateStore
	store.EventStore
	store.PlantStore
}

// FieldStats summarizes one numeric telemetry field
type FieldStats struct {
	Count  int     `json:"conteo"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"promedio"`
	StdDev float64 `json:"desviacion"`
}

// LineUptime is the time-weighted availability of one line over a window
type LineUptime struct {
	LineID string        `json:"linea_id"`
	Ratio  float64       `json:"ratio"`
	Up     time.Duration `json:"segundos_disponible"`
	Window time.Duration `json:"segundos_ventana"`
}

// PlantStats are the statistics of a plant over a window
type PlantStats struct {
	PlantID             string         `json:"planta_id"`
	From                time.Time      `json:"desde"`
	To                  time.Time      `json:"hasta"`
	Readings            int            `json:"total_lecturas"`
	Pressure            FieldStats     `json:"presion_bar"`
	Temperature         FieldStats     `json:"temperatura_c"`
	Purity              FieldStats     `json:"pureza_pct"`
	Flow                FieldStats     `json:"flujo_nm3h"`
	AlarmReadings       int            `json:"total_alarmas"`
	ModeCounts          map[string]int `json:"modos"`
	AvailabilityPct     float64        `json:"disponibilidad"`
	PurityCompliancePct float64        `json:"cumplimiento_pureza"`
	Uptime              float64        `json:"uptime"`
	Lines               []LineUptime   `json:"lineas"`
}

// LineStatus is the live level of one line
type LineStatus struct {
	LineID   string            `json:"linea_id"`
	Level    models.AlarmLevel `json:"estado"`
	Since    time.Time         `json:"desde,omitempty"`
	LastSeen time.Time         `json:"ultima_lectura,omitempty"`
}

// PlantStatus is a plant with its rolled-up status
type PlantStatus struct {
	Plant *models.Plant     `json:"planta"`
	Level models.AlarmLevel `json:"estado"`
	Lines []LineStatus      `json:"lineas"`
}

// HistoricalAggregator owns the telemetry series and everything derived from it
type HistoricalAggregator struct {
	store        AggregatorStore
	thresholds   *config.ThresholdSet
	logger       *zap.Logger
	clock        Clock
	storeTimeout time.Duration
}

func NewHistoricalAggregator(cfg *config.Config, st AggregatorStore, logger *zap.Logger) *HistoricalAggregator {
	return &HistoricalAggregator{
		store:        st,
		thresholds:   cfg.Thresholds,
		logger:       logger,
		clock:        systemClock{},
		storeTimeout: cfg.StoreTimeout,
	}
}

// WithClock overrides the clock used to clip windows to the present.
func (a *HistoricalAggregator) WithClock(clock Clock) *HistoricalAggregator {
	a.clock = clock
	return a
}

// Record appends a reading. It returns false when the reading was already stored.
func (a *HistoricalAggregator) Record(ctx context.Context, reading *models.TelemetryReading) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, a.storeTimeout)
	defer cancel()

	inserted, err := a.store.InsertReading(ctx, reading)
	if err != nil {
		return false, fmt.Errorf("failed to record reading: %w", err)
	}
	return inserted, nil
}

// History returns readings of a plant in [from, to), oldest first.
func (a *HistoricalAggregator) History(ctx context.Context, plantID string, from, to time.Time, limit int) ([]*models.TelemetryReading, error) {
	ctx, cancel := context.WithTimeout(ctx, a.storeTimeout)
	defer cancel()
	return a.store.ListReadings(ctx, plantID, from, to, limit)
}

// Stats computes field statistics and time-weighted uptime over [from, to).
func (a *HistoricalAggregator) Stats(ctx context.Context, plantID string, from, to time.Time) (*PlantStats, error) {
	readings, err := a.History(ctx, plantID, from, to, 0)
	if err != nil {
		return nil, err
	}

	stats := &PlantStats{
		PlantID:    plantID,
		From:       from,
		To:         to,
		Readings:   len(readings),
		ModeCounts: map[string]int{},
	}

	pressure := make([]float64, 0, len(readings))
	temperature := make([]float64, 0, len(readings))
	purity := make([]float64, 0, len(readings))
	flow := make([]float64, 0, len(readings))
	purityMin := a.thresholds.For(plantID).PurityMinWarning
	production, compliant := 0, 0

	for _, r := range readings {
		pressure = append(pressure, r.PressureBar)
		temperature = append(temperature, r.TemperatureC)
		purity = append(purity, r.PurityPct)
		flow = append(flow, r.FlowNm3h)
		if r.Alarm {
			stats.AlarmReadings++
		}
		stats.ModeCounts[r.Mode]++
		if r.Mode == models.ProductionMode {
			production++
		}
		if r.PurityPct >= purityMin {
			compliant++
		}
	}

	stats.Pressure = summarize(pressure)
	stats.Temperature = summarize(temperature)
	stats.Purity = summarize(purity)
	stats.Flow = summarize(flow)
	if n := len(readings); n > 0 {
		stats.AvailabilityPct = round2(float64(production) / float64(n) * 100)
		stats.PurityCompliancePct = round2(float64(compliant) / float64(n) * 100)
	}

	uptime, lines, err := a.PlantUptime(ctx, plantID, from, to)
	if err != nil {
		return nil, err
	}
	stats.Uptime = uptime
	stats.Lines = lines
	return stats, nil
}

func summarize(values []float64) FieldStats {
	if len(values) == 0 {
		return FieldStats{}
	}
	fs := FieldStats{Count: len(values), Min: values[0], Max: values[0]}
	sum := 0.0
	for _, v := range values {
		sum += v
		fs.Min = math.Min(fs.Min, v)
		fs.Max = math.Max(fs.Max, v)
	}
	mean := sum / float64(len(values))
	fs.Mean = round2(mean)
	if len(values) > 1 {
		sq := 0.0
		for _, v := range values {
			sq += (v - mean) * (v - mean)
		}
		fs.StdDev = round2(math.Sqrt(sq / float64(len(values)-1)))
	}
	return fs
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// PlantUptime returns the mean line uptime of a plant and the per-line detail.
func (a *HistoricalAggregator) PlantUptime(ctx context.Context, plantID string, from, to time.Time) (float64, []LineUptime, error) {
	lineIDs, err := a.lineIDs(ctx, plantID)
	if err != nil {
		return 0, nil, err
	}
	if len(lineIDs) == 0 {
		return 0, nil, nil
	}

	lines := make([]LineUptime, 0, len(lineIDs))
	sum := 0.0
	for _, lineID := range lineIDs {
		lu, err := a.LineUptime(ctx, models.LineKey{PlantID: plantID, LineID: lineID}, from, to)
		if err != nil {
			return 0, nil, err
		}
		lines = append(lines, lu)
		sum += lu.Ratio
	}
	return sum / float64(len(lines)), lines, nil
}

func (a *HistoricalAggregator) lineIDs(ctx context.Context, plantID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.storeTimeout)
	defer cancel()

	states, err := a.store.ListStates(ctx, plantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list line states: %w", err)
	}
	ids := make([]string, 0, len(states))
	for _, st := range states {
		ids = append(ids, st.LineID)
	}
	sort.Strings(ids)
	return ids, nil
}

// LineUptime computes the fraction of [from, to) the line spent Normal or
// Warning, weighted by how long each level persisted. The window is clipped
// to the present.
func (a *HistoricalAggregator) LineUptime(ctx context.Context, key models.LineKey, from, to time.Time) (LineUptime, error) {
	result := LineUptime{LineID: key.LineID}
	end := to
	if now := a.clock.Now(); end.IsZero() || end.After(now) {
		end = now
	}
	if !from.Before(end) {
		return result, nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.storeTimeout)
	defer cancel()

	events, err := a.store.ListEvents(ctx, store.EventQuery{PlantID: key.PlantID, LineID: key.LineID, From: from, To: end})
	if err != nil {
		return result, fmt.Errorf("failed to list alarm events: %w", err)
	}
	level, since, err := a.levelAt(ctx, key, from, events)
	if err != nil {
		return result, err
	}

	var up time.Duration
	cursor := since
	for _, ev := range events {
		if level.IsUp() && ev.At.After(cursor) {
			up += ev.At.Sub(cursor)
		}
		level = ev.To
		if ev.At.After(cursor) {
			cursor = ev.At
		}
	}
	if level.IsUp() && end.After(cursor) {
		up += end.Sub(cursor)
	}

	result.Up = up
	result.Window = end.Sub(from)
	result.Ratio = float64(up) / float64(result.Window)
	return result, nil
}

// levelAt resolves the level a line had at the start of a window and the
// instant that level starts counting. Time before a line first reported is
// Unknown, so since moves past from for lines registered inside the window.
func (a *HistoricalAggregator) levelAt(ctx context.Context, key models.LineKey, from time.Time, events []*models.AlarmEvent) (models.AlarmLevel, time.Time, error) {
	prev, err := a.store.LastEventBefore(ctx, key, from)
	if err == nil {
		return prev.To, from, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return "", from, fmt.Errorf("failed to load previous alarm event: %w", err)
	}

	st, err := a.store.LoadState(ctx, key)
	switch {
	case errors.Is(err, models.ErrNotFound):
		return models.LevelUnknown, from, nil
	case err != nil:
		return "", from, fmt.Errorf("failed to load alarm state: %w", err)
	}

	level := st.Level
	if len(events) > 0 {
		level = events[0].From
	}
	since := from
	if st.FirstSeen.After(from) {
		since = st.FirstSeen
	}
	return level, since, nil
}

// PlantOverview lists every plant with its rolled-up status.
func (a *HistoricalAggregator) PlantOverview(ctx context.Context) ([]*PlantStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, a.storeTimeout)
	defer cancel()

	plants, err := a.store.ListPlants(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list plants: %w", err)
	}
	states, err := a.store.ListStates(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list line states: %w", err)
	}
	byPlant := map[string][]*models.AlarmState{}
	for _, st := range states {
		byPlant[st.PlantID] = append(byPlant[st.PlantID], st)
	}

	out := make([]*PlantStatus, 0, len(plants))
	for _, p := range plants {
		out = append(out, rollUp(p, byPlant[p.ID]))
	}
	return out, nil
}

// PlantStatus returns one plant with its rolled-up status.
func (a *HistoricalAggregator) PlantStatus(ctx context.Context, plantID string) (*PlantStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, a.storeTimeout)
	defer cancel()

	plant, err := a.store.GetPlant(ctx, plantID)
	if err != nil {
		return nil, err
	}
	states, err := a.store.ListStates(ctx, plantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list line states: %w", err)
	}
	return rollUp(plant, states), nil
}

// rollUp derives the plant status as the worst of its lines. Configured lines
// without state count as unknown.
func rollUp(plant *models.Plant, states []*models.AlarmState) *PlantStatus {
	byLine := map[string]*models.AlarmState{}
	for _, st := range states {
		byLine[st.LineID] = st
	}
	ids := make([]string, 0, len(byLine)+len(plant.Lines))
	seen := map[string]bool{}
	for _, id := range plant.Lines {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for id := range byLine {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	ps := &PlantStatus{Plant: plant, Lines: make([]LineStatus, 0, len(ids))}
	levels := make([]models.AlarmLevel, 0, len(ids))
	for _, id := range ids {
		ls := LineStatus{LineID: id, Level: models.LevelUnknown}
		if st, ok := byLine[id]; ok {
			ls.Level = st.Level
			ls.Since = st.LastTransition
			ls.LastSeen = st.LastSeen
		}
		ps.Lines = append(ps.Lines, ls)
		levels = append(levels, ls.Level)
	}
	ps.Level = models.WorstLevel(levels...)
	return ps
}

// RecentEvents returns alarm events newest first.
func (a *HistoricalAggregator) RecentEvents(ctx context.Context, plantID string, since time.Time, limit int) ([]*models.AlarmEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, a.storeTimeout)
	defer cancel()
	return a.store.ListEvents(ctx, store.EventQuery{PlantID: plantID, From: since, Limit: limit, Descending: true})
}

// Equipment lists the equipment of a plant.
func (a *HistoricalAggregator) Equipment(ctx context.Context, plantID string) ([]*models.Equipment, error) {
	ctx, cancel := context.WithTimeout(ctx, a.storeTimeout)
	defer cancel()
	if _, err := a.store.GetPlant(ctx, plantID); err != nil {
		return nil, err
	}
	return a.store.ListEquipment(ctx, plantID)
}

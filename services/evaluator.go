package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"psamonitor/config"
	"psamonitor/metrics"
	"psamonitor/models"
	"psamonitor/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventSink receives committed alarm events. Publish is called while the
// line is still locked, so implementations must not block.
type EventSink interface {
	Publish(ctx context.Context, event *models.AlarmEvent)
}

// Clock provides time for evaluation and scheduling.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// EvaluatorStore is the persistence the evaluator needs.
type EvaluatorStore interface {
	store.StateStore
	TouchPlant(ctx context.Context, reading *models.TelemetryReading) error
}

// lineSlot owns the state of one line. state is nil until first loaded.
type lineSlot struct {
	mu    sync.Mutex
	state *models.AlarmState
}

// AlarmEvaluator runs the debounced alarm state machine of every plant line
type AlarmEvaluator struct {
	store        EvaluatorStore
	classifier   *ThresholdClassifier
	sinks        []EventSink
	logger       *zap.Logger
	clock        Clock
	debounce     int
	staleAfter   time.Duration
	storeTimeout time.Duration

	mu    sync.RWMutex
	slots map[models.LineKey]*lineSlot
}

type EvaluatorOption func(*AlarmEvaluator)

// WithEventSinks registers the consumers of alarm events.
func WithEventSinks(sinks ...EventSink) EvaluatorOption {
	return func(e *AlarmEvaluator) {
		for _, s := range sinks {
			if s != nil {
				e.sinks = append(e.sinks, s)
			}
		}
	}
}

func WithEvaluatorClock(clock Clock) EvaluatorOption {
	return func(e *AlarmEvaluator) {
		if clock != nil {
			e.clock = clock
		}
	}
}

func NewAlarmEvaluator(cfg *config.Config, st EvaluatorStore, classifier *ThresholdClassifier, logger *zap.Logger, opts ...EvaluatorOption) *AlarmEvaluator {
	e := &AlarmEvaluator{
		store:        st,
		classifier:   classifier,
		logger:       logger,
		clock:        systemClock{},
		debounce:     cfg.DebounceCount,
		staleAfter:   cfg.StalenessTimeout,
		storeTimeout: cfg.StoreTimeout,
		slots:        make(map[models.LineKey]*lineSlot),
	}
	if e.debounce < 1 {
		e.debounce = 1
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *AlarmEvaluator) slot(key models.LineKey) *lineSlot {
	e.mu.RLock()
	s, ok := e.slots[key]
	e.mu.RUnlock()
	if ok {
		return s
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok = e.slots[key]; ok {
		return s
	}
	s = &lineSlot{}
	e.slots[key] = s
	return s
}

func (e *AlarmEvaluator) snapshotSlots() []*lineSlot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*lineSlot, 0, len(e.slots))
	for _, s := range e.slots {
		out = append(out, s)
	}
	return out
}

// Restore loads persisted states so lines that never report again still go stale.
func (e *AlarmEvaluator) Restore(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()

	states, err := e.store.ListStates(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to restore alarm states: %w", err)
	}
	for _, st := range states {
		s := e.slot(st.Key())
		s.mu.Lock()
		if s.state == nil {
			s.state = st
		}
		s.mu.Unlock()
	}
	e.logger.Info("Restored alarm states", zap.Int("lines", len(states)))
	return nil
}

// Evaluate applies one accepted reading to its line and returns the event
// it produced, if any.
func (e *AlarmEvaluator) Evaluate(ctx context.Context, reading *models.TelemetryReading) *models.AlarmEvent {
	ctx = context.WithoutCancel(ctx)
	key := reading.Key()
	s := e.slot(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := e.clock.Now()
	if s.state == nil {
		s.state = e.loadState(ctx, key, now)
	}
	st := s.state

	if !st.LastReadingAt.IsZero() && reading.Timestamp.Before(st.LastReadingAt) {
		e.logger.Debug("Skipping out-of-order reading",
			zap.String("line", key.String()),
			zap.Time("timestamp", reading.Timestamp),
			zap.Time("last_reading_at", st.LastReadingAt))
		return nil
	}
	st.LastSeen = now
	st.LastReadingAt = reading.Timestamp

	classification := e.classifier.Classify(reading)
	event := e.advance(st, classification, reading, now)

	e.persist(ctx, st, event)
	e.touchPlant(ctx, reading)

	if event != nil {
		e.emit(ctx, event)
	}
	return event
}

func (e *AlarmEvaluator) loadState(ctx context.Context, key models.LineKey, now time.Time) *models.AlarmState {
	ctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()

	st, err := e.store.LoadState(ctx, key)
	switch {
	case err == nil:
		return st
	case errors.Is(err, models.ErrNotFound):
		e.logger.Info("New line registered for alarm evaluation", zap.String("line", key.String()))
		return &models.AlarmState{PlantID: key.PlantID, LineID: key.LineID, Level: models.LevelNormal, LastTransition: now, FirstSeen: now}
	default:
		e.logger.Error("Failed to load alarm state, line set to unknown",
			zap.String("line", key.String()),
			zap.Error(err))
		metrics.IncEvaluatorFailSafe("load_state")
		return &models.AlarmState{PlantID: key.PlantID, LineID: key.LineID, Level: models.LevelUnknown, LastTransition: now, FirstSeen: now}
	}
}

// advance runs the debounce state machine for one classified reading.
func (e *AlarmEvaluator) advance(st *models.AlarmState, c Classification, reading *models.TelemetryReading, now time.Time) *models.AlarmEvent {
	level := c.Level
	current := st.Level

	switch {
	case current == models.LevelUnknown:
		// Leaving unknown takes a full streak and commits the worst level seen.
		st.RecoveryCount = 0
		st.BreachCount++
		if st.PendingLevel == "" || level.Severity() > st.PendingLevel.Severity() {
			st.PendingLevel = level
			st.PendingReason = c.Reason()
		}
		if st.BreachCount >= e.debounce {
			return e.commit(st, st.PendingLevel, st.PendingReason, reading, now)
		}

	case level == current:
		st.ResetStreaks()

	case level.Severity() > current.Severity():
		if st.RecoveryCount > 0 {
			st.ResetStreaks()
		}
		st.BreachCount++
		if st.PendingLevel == "" || level.Severity() < st.PendingLevel.Severity() {
			st.PendingLevel = level
			st.PendingReason = c.Reason()
		}
		if st.BreachCount >= e.debounce {
			return e.commit(st, st.PendingLevel, st.PendingReason, reading, now)
		}

	default:
		if st.BreachCount > 0 {
			st.ResetStreaks()
		}
		st.RecoveryCount++
		if st.PendingLevel == "" || level.Severity() > st.PendingLevel.Severity() {
			st.PendingLevel = level
			st.PendingReason = c.Reason()
		}
		if st.RecoveryCount >= e.debounce {
			return e.commit(st, st.PendingLevel, st.PendingReason, reading, now)
		}
	}
	return nil
}

func (e *AlarmEvaluator) commit(st *models.AlarmState, to models.AlarmLevel, reason string, reading *models.TelemetryReading, now time.Time) *models.AlarmEvent {
	from := st.Level
	st.ResetStreaks()
	if from == to {
		return nil
	}
	st.Level = to
	st.LastTransition = now

	event := &models.AlarmEvent{
		ID:      uuid.NewString(),
		PlantID: st.PlantID,
		LineID:  st.LineID,
		From:    from,
		To:      to,
		At:      now,
		Reason:  reason,
	}
	if reading != nil {
		ts := reading.Timestamp
		event.ReadingTimestamp = &ts
	}
	return event
}

func (e *AlarmEvaluator) persist(ctx context.Context, st *models.AlarmState, event *models.AlarmEvent) {
	ctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()

	if err := e.store.SaveState(ctx, st.Clone(), event); err != nil {
		fields := []zap.Field{zap.String("line", st.Key().String()), zap.Error(err)}
		if event != nil {
			fields = append(fields, zap.String("event_id", event.ID))
		}
		e.logger.Error("Failed to persist alarm state", fields...)
		metrics.IncEvaluatorFailSafe("save_state")
	}
}

func (e *AlarmEvaluator) touchPlant(ctx context.Context, reading *models.TelemetryReading) {
	ctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()

	if err := e.store.TouchPlant(ctx, reading); err != nil {
		e.logger.Warn("Failed to update plant last reading",
			zap.String("plant_id", reading.PlantID),
			zap.Error(err))
	}
}

func (e *AlarmEvaluator) emit(ctx context.Context, event *models.AlarmEvent) {
	metrics.IncAlarmTransition(string(event.From), string(event.To))
	e.logger.Info("Alarm level changed",
		zap.String("event_id", event.ID),
		zap.String("plant_id", event.PlantID),
		zap.String("line_id", event.LineID),
		zap.String("from", string(event.From)),
		zap.String("to", string(event.To)),
		zap.String("reason", event.Reason))

	for _, sink := range e.sinks {
		sink.Publish(ctx, event)
	}
}

// ExpireStale forces every line without a reading for longer than the
// staleness timeout to unknown. It returns the events it emitted.
func (e *AlarmEvaluator) ExpireStale(ctx context.Context) []*models.AlarmEvent {
	var events []*models.AlarmEvent
	for _, s := range e.snapshotSlots() {
		if ev := e.expireSlot(ctx, s); ev != nil {
			events = append(events, ev)
		}
	}
	return events
}

func (e *AlarmEvaluator) expireSlot(ctx context.Context, s *lineSlot) *models.AlarmEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state
	if st == nil || st.Level == models.LevelUnknown {
		return nil
	}
	now := e.clock.Now()
	silence := now.Sub(st.LastSeen)
	if silence <= e.staleAfter {
		return nil
	}

	e.logger.Warn("Line stopped reporting",
		zap.String("line", st.Key().String()),
		zap.Time("last_seen", st.LastSeen),
		zap.Duration("silence", silence))

	event := e.commit(st, models.LevelUnknown, fmt.Sprintf("sin lecturas desde hace %s", formatDuration(silence)), nil, now)
	e.persist(ctx, st, event)
	if event != nil {
		e.emit(ctx, event)
	}
	return event
}

// State returns a copy of the live state of a line.
func (e *AlarmEvaluator) State(key models.LineKey) (*models.AlarmState, bool) {
	e.mu.RLock()
	s, ok := e.slots[key]
	e.mu.RUnlock()
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return nil, false
	}
	return s.state.Clone(), true
}

// LevelCounts counts tracked lines per level.
func (e *AlarmEvaluator) LevelCounts() map[string]int {
	counts := map[string]int{}
	for _, s := range e.snapshotSlots() {
		s.mu.Lock()
		if s.state != nil {
			counts[string(s.state.Level)]++
		}
		s.mu.Unlock()
	}
	return counts
}

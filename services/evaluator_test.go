package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"psamonitor/models"
	"psamonitor/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type evaluatorFixture struct {
	evaluator *AlarmEvaluator
	store     *store.MemoryStore
	sink      *recordingSink
	clock     *fakeClock
}

func newEvaluatorFixture(t *testing.T) *evaluatorFixture {
	t.Helper()
	st := store.NewMemoryStore()
	sink := &recordingSink{}
	clock := newFakeClock(testEpoch)
	e := NewAlarmEvaluator(testConfig(), st, NewThresholdClassifier(nil), zap.NewNop(),
		WithEventSinks(sink), WithEvaluatorClock(clock))
	return &evaluatorFixture{evaluator: e, store: st, sink: sink, clock: clock}
}

// feed evaluates a reading one second after the previous one.
func (f *evaluatorFixture) feed(purity float64) *models.AlarmEvent {
	f.clock.Advance(time.Second)
	return f.evaluator.Evaluate(context.Background(), readingWithPurity("hospital_central", "1", f.clock.Now(), purity))
}

func TestEvaluate_DebounceScenario(t *testing.T) {
	f := newEvaluatorFixture(t)
	key := models.LineKey{PlantID: "hospital_central", LineID: "1"}

	assert.Nil(t, f.feed(95.3))
	assert.Nil(t, f.feed(92.0))
	assert.Nil(t, f.feed(92.0))
	event := f.feed(92.0)
	require.NotNil(t, event)
	assert.Equal(t, models.LevelNormal, event.From)
	assert.Equal(t, models.LevelWarning, event.To)
	assert.Contains(t, event.Reason, "pureza")
	require.Len(t, f.sink.Events(), 1)

	// Recovery needs its own full streak.
	assert.Nil(t, f.feed(95.3))
	st, ok := f.evaluator.State(key)
	require.True(t, ok)
	assert.Equal(t, models.LevelWarning, st.Level)
	assert.Equal(t, 1, st.RecoveryCount)

	assert.Nil(t, f.feed(95.3))
	event = f.feed(95.3)
	require.NotNil(t, event)
	assert.Equal(t, models.LevelWarning, event.From)
	assert.Equal(t, models.LevelNormal, event.To)
	assert.Len(t, f.sink.Events(), 2)

	events, err := f.store.ListEvents(context.Background(), store.EventQuery{PlantID: "hospital_central"})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestEvaluate_InterruptedStreakNeverTransitions(t *testing.T) {
	f := newEvaluatorFixture(t)

	for _, purity := range []float64{92, 92, 95, 92, 92, 95, 89, 89, 95} {
		assert.Nil(t, f.feed(purity))
	}
	assert.Empty(t, f.sink.Events())
}

func TestEvaluate_MixedStreakCommitsMildestLevel(t *testing.T) {
	f := newEvaluatorFixture(t)

	assert.Nil(t, f.feed(89))
	assert.Nil(t, f.feed(92))
	event := f.feed(89)
	require.NotNil(t, event)
	assert.Equal(t, models.LevelWarning, event.To)
	assert.Equal(t, "pureza 92.0% bajo el mínimo de 93.0%", event.Reason, "reason comes from the reading that set the level")

	// From warning, three critical readings escalate again.
	assert.Nil(t, f.feed(89))
	assert.Nil(t, f.feed(89))
	event = f.feed(89)
	require.NotNil(t, event)
	assert.Equal(t, models.LevelCritical, event.To)
	assert.True(t, event.IsEscalation())
	assert.Equal(t, "pureza 89.0% bajo el mínimo de 90.0%", event.Reason)

	st, err := f.store.LoadState(context.Background(), models.LineKey{PlantID: "hospital_central", LineID: "1"})
	require.NoError(t, err)
	assert.Empty(t, st.PendingReason)
	assert.True(t, st.FirstSeen.Equal(testEpoch.Add(time.Second)))
}

func TestEvaluate_OutOfOrderReadingIgnored(t *testing.T) {
	f := newEvaluatorFixture(t)
	ctx := context.Background()
	base := testEpoch.Add(time.Hour)

	f.evaluator.Evaluate(ctx, readingWithPurity("p", "1", base, 92))
	f.evaluator.Evaluate(ctx, readingWithPurity("p", "1", base.Add(-time.Minute), 92))
	f.evaluator.Evaluate(ctx, readingWithPurity("p", "1", base.Add(-2*time.Minute), 92))

	st, ok := f.evaluator.State(models.LineKey{PlantID: "p", LineID: "1"})
	require.True(t, ok)
	assert.Equal(t, models.LevelNormal, st.Level)
	assert.Equal(t, 1, st.BreachCount)
}

func TestEvaluate_LinesAreIndependent(t *testing.T) {
	f := newEvaluatorFixture(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		ts := testEpoch.Add(time.Duration(i) * time.Second)
		f.evaluator.Evaluate(ctx, readingWithPurity("p", "1", ts, 92))
		f.evaluator.Evaluate(ctx, readingWithPurity("p", "2", ts, 95))
	}

	one, _ := f.evaluator.State(models.LineKey{PlantID: "p", LineID: "1"})
	two, _ := f.evaluator.State(models.LineKey{PlantID: "p", LineID: "2"})
	assert.Equal(t, models.LevelWarning, one.Level)
	assert.Equal(t, models.LevelNormal, two.Level)
}

func TestExpireStale(t *testing.T) {
	f := newEvaluatorFixture(t)
	ctx := context.Background()
	key := models.LineKey{PlantID: "hospital_central", LineID: "1"}

	f.feed(95.3)
	f.clock.Advance(4 * time.Minute)
	assert.Empty(t, f.evaluator.ExpireStale(ctx))

	f.clock.Advance(2 * time.Minute)
	events := f.evaluator.ExpireStale(ctx)
	require.Len(t, events, 1)
	assert.Equal(t, models.LevelUnknown, events[0].To)
	assert.Nil(t, events[0].ReadingTimestamp)
	assert.Contains(t, events[0].Reason, "sin lecturas")

	// Already unknown: nothing more to emit.
	f.clock.Advance(time.Hour)
	assert.Empty(t, f.evaluator.ExpireStale(ctx))

	// Leaving unknown takes a full streak.
	assert.Nil(t, f.feed(95.3))
	assert.Nil(t, f.feed(95.3))
	event := f.feed(95.3)
	require.NotNil(t, event)
	assert.Equal(t, models.LevelUnknown, event.From)
	assert.Equal(t, models.LevelNormal, event.To)

	persisted, err := f.store.LoadState(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, models.LevelNormal, persisted.Level)
	assert.Len(t, f.sink.Events(), 2)
}

func TestExpireStale_LeavingUnknownCommitsWorstSeen(t *testing.T) {
	f := newEvaluatorFixture(t)
	f.feed(95.3)
	f.clock.Advance(10 * time.Minute)
	require.Len(t, f.evaluator.ExpireStale(context.Background()), 1)

	f.feed(95.3)
	f.feed(89)
	event := f.feed(95.3)
	require.NotNil(t, event)
	assert.Equal(t, models.LevelCritical, event.To)
}

func TestRestore_StaleLinesExpireWithoutNewReadings(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.SaveState(ctx, &models.AlarmState{
		PlantID: "p", LineID: "1", Level: models.LevelWarning,
		LastSeen: testEpoch, LastTransition: testEpoch,
	}, nil))

	clock := newFakeClock(testEpoch.Add(time.Hour))
	sink := &recordingSink{}
	e := NewAlarmEvaluator(testConfig(), st, NewThresholdClassifier(nil), zap.NewNop(),
		WithEventSinks(sink), WithEvaluatorClock(clock))
	require.NoError(t, e.Restore(ctx))

	events := e.ExpireStale(ctx)
	require.Len(t, events, 1)
	assert.Equal(t, models.LevelWarning, events[0].From)
	assert.Equal(t, map[string]int{"unknown": 1}, e.LevelCounts())
}

func TestEvaluate_LoadFailureFailsSafeToUnknown(t *testing.T) {
	st := &flakyStore{MemoryStore: store.NewMemoryStore(), loadErr: errors.New("connection reset")}
	sink := &recordingSink{}
	e := NewAlarmEvaluator(testConfig(), st, NewThresholdClassifier(nil), zap.NewNop(),
		WithEventSinks(sink), WithEvaluatorClock(newFakeClock(testEpoch)))

	// A healthy reading must not be reported as normal while the state is unknown.
	e.Evaluate(context.Background(), healthyReading("p", "1", testEpoch))
	state, ok := e.State(models.LineKey{PlantID: "p", LineID: "1"})
	require.True(t, ok)
	assert.Equal(t, models.LevelUnknown, state.Level)
	assert.Empty(t, sink.Events())
}

func TestEvaluate_SaveFailureKeepsEvaluating(t *testing.T) {
	st := &flakyStore{MemoryStore: store.NewMemoryStore(), saveErr: errors.New("disk full")}
	sink := &recordingSink{}
	clock := newFakeClock(testEpoch)
	e := NewAlarmEvaluator(testConfig(), st, NewThresholdClassifier(nil), zap.NewNop(),
		WithEventSinks(sink), WithEvaluatorClock(clock))

	var event *models.AlarmEvent
	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		event = e.Evaluate(context.Background(), readingWithPurity("p", "1", clock.Now(), 89))
	}
	require.NotNil(t, event)
	assert.Len(t, sink.Events(), 1)
}

func TestEvaluate_ConcurrentLines(t *testing.T) {
	st := store.NewMemoryStore()
	e := NewAlarmEvaluator(testConfig(), st, NewThresholdClassifier(nil), zap.NewNop())

	var wg sync.WaitGroup
	for line := 1; line <= 5; line++ {
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(line, i int) {
				defer wg.Done()
				ts := testEpoch.Add(time.Duration(i) * time.Second)
				e.Evaluate(context.Background(), readingWithPurity("p", fmt.Sprint(line), ts, 89))
			}(line, i)
		}
	}
	wg.Wait()

	counts := e.LevelCounts()
	total := 0
	for _, n := range counts {
		total += n
	}
	assert.Equal(t, 5, total)

	states, err := st.ListStates(context.Background(), "p")
	require.NoError(t, err)
	assert.Len(t, states, 5)
}

package services

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"psamonitor/models"
	"psamonitor/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

func newTestAggregator(t *testing.T, now time.Time) (*HistoricalAggregator, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return NewHistoricalAggregator(testConfig(), st, zap.NewNop()).WithClock(newFakeClock(now)), st
}

// register stores the state of a line first seen at the given time.
func register(t *testing.T, st *store.MemoryStore, lineID string, level models.AlarmLevel, at time.Time) {
	t.Helper()
	require.NoError(t, st.SaveState(context.Background(), &models.AlarmState{
		PlantID: "hospital_central", LineID: lineID, Level: level, FirstSeen: at, LastTransition: at, LastSeen: at,
	}, nil))
}

// transition stores an event and the resulting state, as the evaluator does.
func transition(t *testing.T, st *store.MemoryStore, lineID string, from, to models.AlarmLevel, at time.Time) {
	t.Helper()
	firstSeen := at
	if prev, err := st.LoadState(context.Background(), models.LineKey{PlantID: "hospital_central", LineID: lineID}); err == nil {
		firstSeen = prev.FirstSeen
	}
	state := &models.AlarmState{PlantID: "hospital_central", LineID: lineID, Level: to,
		FirstSeen: firstSeen, LastTransition: at, LastSeen: at}
	event := &models.AlarmEvent{ID: at.String() + lineID, PlantID: "hospital_central", LineID: lineID, From: from, To: to, At: at}
	require.NoError(t, st.SaveState(context.Background(), state, event))
}

func TestLineUptime_SyntheticWindow(t *testing.T) {
	a, st := newTestAggregator(t, testEpoch.Add(12*time.Hour))
	h := func(n int) time.Time { return testEpoch.Add(time.Duration(n) * time.Hour) }

	register(t, st, "1", models.LevelNormal, h(-1))
	transition(t, st, "1", models.LevelNormal, models.LevelCritical, h(2))
	transition(t, st, "1", models.LevelCritical, models.LevelWarning, h(5))
	transition(t, st, "1", models.LevelWarning, models.LevelUnknown, h(6))
	transition(t, st, "1", models.LevelUnknown, models.LevelNormal, h(8))

	lu, err := a.LineUptime(context.Background(), models.LineKey{PlantID: "hospital_central", LineID: "1"}, h(0), h(10))
	require.NoError(t, err)
	assert.Equal(t, 10*time.Hour, lu.Window)
	assert.Equal(t, 5*time.Hour, lu.Up)
	assert.InDelta(t, 0.5, lu.Ratio, 1e-9)

	// A line that never changed counts its current level for the whole window.
	register(t, st, "2", models.LevelNormal, h(-1))
	uptime, lines, err := a.PlantUptime(context.Background(), "hospital_central", h(0), h(10))
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.InDelta(t, 1.0, lines[1].Ratio, 1e-9)
	assert.InDelta(t, 0.75, uptime, 1e-9)
}

func TestLineUptime_UnknownBeforeFirstReport(t *testing.T) {
	a, st := newTestAggregator(t, testEpoch.Add(12*time.Hour))
	h := func(n int) time.Time { return testEpoch.Add(time.Duration(n) * time.Hour) }

	register(t, st, "1", models.LevelNormal, h(4))
	transition(t, st, "1", models.LevelNormal, models.LevelCritical, h(6))
	lu, err := a.LineUptime(context.Background(), models.LineKey{PlantID: "hospital_central", LineID: "1"}, h(0), h(10))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, lu.Up)
	assert.InDelta(t, 0.2, lu.Ratio, 1e-9)

	register(t, st, "2", models.LevelNormal, h(5))
	lu, err = a.LineUptime(context.Background(), models.LineKey{PlantID: "hospital_central", LineID: "2"}, h(0), h(10))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, lu.Ratio, 1e-9)

	lu, err = a.LineUptime(context.Background(), models.LineKey{PlantID: "hospital_central", LineID: "9"}, h(0), h(10))
	require.NoError(t, err)
	assert.Zero(t, lu.Up)
}

func TestLineUptime_LevelCarriedIntoWindow(t *testing.T) {
	a, st := newTestAggregator(t, testEpoch.Add(12*time.Hour))
	transition(t, st, "1", models.LevelNormal, models.LevelCritical, testEpoch.Add(-time.Hour))

	lu, err := a.LineUptime(context.Background(), models.LineKey{PlantID: "hospital_central", LineID: "1"},
		testEpoch, testEpoch.Add(4*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, lu.Ratio)
}

func TestLineUptime_ClippedToPresent(t *testing.T) {
	a, st := newTestAggregator(t, testEpoch.Add(12*time.Hour))
	transition(t, st, "1", models.LevelUnknown, models.LevelNormal, testEpoch)

	lu, err := a.LineUptime(context.Background(), models.LineKey{PlantID: "hospital_central", LineID: "1"},
		testEpoch.Add(11*time.Hour), testEpoch.Add(14*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, time.Hour, lu.Window)
	assert.InDelta(t, 1.0, lu.Ratio, 1e-9)

	lu, err = a.LineUptime(context.Background(), models.LineKey{PlantID: "hospital_central", LineID: "1"},
		testEpoch.Add(13*time.Hour), testEpoch.Add(14*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, lu.Window)
}

func TestStats(t *testing.T) {
	a, _ := newTestAggregator(t, testEpoch.Add(time.Hour))
	ctx := context.Background()

	for i, purity := range []float64{95, 92, 96} {
		r := readingWithPurity("hospital_central", "1", testEpoch.Add(time.Duration(i)*time.Minute), purity)
		if i == 2 {
			r.Mode = "Falla"
			r.Alarm = true
		}
		inserted, err := a.Record(ctx, r)
		require.NoError(t, err)
		assert.True(t, inserted)
	}
	inserted, err := a.Record(ctx, readingWithPurity("hospital_central", "1", testEpoch, 95))
	require.NoError(t, err)
	assert.False(t, inserted)

	stats, err := a.Stats(ctx, "hospital_central", testEpoch, testEpoch.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Readings)
	assert.Equal(t, 1, stats.AlarmReadings)
	assert.Equal(t, 92.0, stats.Purity.Min)
	assert.Equal(t, 96.0, stats.Purity.Max)
	assert.Equal(t, 94.33, stats.Purity.Mean)
	assert.Equal(t, 2.08, stats.Purity.StdDev)
	assert.Equal(t, 66.67, stats.AvailabilityPct)
	assert.Equal(t, 66.67, stats.PurityCompliancePct)
	assert.Equal(t, map[string]int{models.ProductionMode: 2, "Falla": 1}, stats.ModeCounts)
}

func TestStats_EmptyWindow(t *testing.T) {
	a, _ := newTestAggregator(t, testEpoch)
	stats, err := a.Stats(context.Background(), "nada", testEpoch.Add(-time.Hour), testEpoch)
	require.NoError(t, err)
	assert.Zero(t, stats.Readings)
	assert.Zero(t, stats.AvailabilityPct)
	assert.Empty(t, stats.Lines)
}

func TestPlantStatus_RollUp(t *testing.T) {
	a, st := newTestAggregator(t, testEpoch)
	ctx := context.Background()
	require.NoError(t, st.PutPlant(ctx, &models.Plant{
		ID: "hospital_central", Name: "Hospital Central",
		InstallationType: models.InstallationTriplex, Lines: []string{"1", "2", "3"},
	}))
	transition(t, st, "1", models.LevelUnknown, models.LevelNormal, testEpoch)
	transition(t, st, "2", models.LevelNormal, models.LevelWarning, testEpoch)

	ps, err := a.PlantStatus(ctx, "hospital_central")
	require.NoError(t, err)
	require.Len(t, ps.Lines, 3)
	assert.Equal(t, models.LevelUnknown, ps.Lines[2].Level)
	assert.Equal(t, models.LevelUnknown, ps.Level)

	transition(t, st, "3", models.LevelUnknown, models.LevelCritical, testEpoch)
	ps, err = a.PlantStatus(ctx, "hospital_central")
	require.NoError(t, err)
	assert.Equal(t, models.LevelCritical, ps.Level)

	overview, err := a.PlantOverview(ctx)
	require.NoError(t, err)
	require.Len(t, overview, 1)
	assert.Equal(t, models.LevelCritical, overview[0].Level)

	_, err = a.PlantStatus(ctx, "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRecentEventsAndEquipment(t *testing.T) {
	a, st := newTestAggregator(t, testEpoch)
	ctx := context.Background()
	transition(t, st, "1", models.LevelNormal, models.LevelWarning, testEpoch)
	transition(t, st, "1", models.LevelWarning, models.LevelNormal, testEpoch.Add(time.Minute))

	events, err := a.RecentEvents(ctx, "hospital_central", testEpoch.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.LevelNormal, events[0].To)

	_, err = a.Equipment(ctx, "hospital_central")
	assert.ErrorIs(t, err, models.ErrNotFound)

	require.NoError(t, st.PutPlant(ctx, &models.Plant{ID: "hospital_central", Name: "HC"}))
	require.NoError(t, st.AddEquipment(ctx, &models.Equipment{ID: "e1", PlantID: "hospital_central", Type: models.EquipmentCompressor, Patrimony: "PAT-1", Position: 1}))
	equipment, err := a.Equipment(ctx, "hospital_central")
	require.NoError(t, err)
	assert.Len(t, equipment, 1)
}

func TestExportCSV_Deterministic(t *testing.T) {
	a, _ := newTestAggregator(t, testEpoch.Add(time.Hour))
	ctx := context.Background()
	_, err := a.Record(ctx, healthyReading("hospital_central", "2", testEpoch.Add(time.Minute)))
	require.NoError(t, err)
	_, err = a.Record(ctx, healthyReading("hospital_central", "1", testEpoch))
	require.NoError(t, err)

	var first, second bytes.Buffer
	require.NoError(t, a.ExportCSV(ctx, &first, "hospital_central", testEpoch, testEpoch.Add(time.Hour)))
	require.NoError(t, a.ExportCSV(ctx, &second, "hospital_central", testEpoch, testEpoch.Add(time.Hour)))
	assert.Equal(t, first.String(), second.String())

	lines := strings.Split(strings.TrimSpace(first.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, strings.Join(exportHeader, ","), lines[0])
	assert.Equal(t, "hospital_central,1,2025-03-10T08:00:00Z,5.2,28.5,95.3,45,Producción,false,,0", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "hospital_central,2,"))
}

func TestExportXLSX(t *testing.T) {
	a, _ := newTestAggregator(t, testEpoch.Add(time.Hour))
	ctx := context.Background()
	_, err := a.Record(ctx, healthyReading("hospital_central", "1", testEpoch.Add(250*time.Millisecond)))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, a.ExportXLSX(ctx, &buf, "hospital_central", testEpoch, testEpoch.Add(time.Hour)))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(exportSheet)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "planta_id", rows[0][0])
	assert.Equal(t, "hospital_central", rows[1][0])
	assert.Equal(t, "2025-03-10T08:00:00.25Z", rows[1][2])

	var csvBuf bytes.Buffer
	require.NoError(t, a.ExportCSV(ctx, &csvBuf, "hospital_central", testEpoch, testEpoch.Add(time.Hour)))
	assert.Contains(t, csvBuf.String(), ","+rows[1][2]+",")
}

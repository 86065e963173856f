package services

import (
	"context"
	"testing"
	"time"

	"psamonitor/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisSuppressor(t *testing.T, window time.Duration) (*RedisSuppressor, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisSuppressor(client, window), mr
}

func TestSuppressors(t *testing.T) {
	redisSuppressor, _ := newRedisSuppressor(t, 10*time.Minute)
	suppressors := map[string]Suppressor{
		"memory": NewMemorySuppressor(10 * time.Minute),
		"redis":  redisSuppressor,
	}

	for name, s := range suppressors {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			line := models.LineKey{PlantID: "hospital_central", LineID: "1"}
			other := models.LineKey{PlantID: "hospital_central", LineID: "2"}

			allowed, err := s.Allow(ctx, line, models.LevelCritical, testEpoch)
			require.NoError(t, err)
			assert.True(t, allowed)

			allowed, err = s.Allow(ctx, line, models.LevelCritical, testEpoch.Add(5*time.Minute))
			require.NoError(t, err)
			assert.False(t, allowed, "same level inside the window")

			allowed, err = s.Allow(ctx, other, models.LevelCritical, testEpoch.Add(5*time.Minute))
			require.NoError(t, err)
			assert.True(t, allowed, "lines are independent")

			allowed, err = s.Allow(ctx, line, models.LevelNormal, testEpoch.Add(6*time.Minute))
			require.NoError(t, err)
			assert.True(t, allowed, "level changed")

			allowed, err = s.Allow(ctx, line, models.LevelCritical, testEpoch.Add(7*time.Minute))
			require.NoError(t, err)
			assert.True(t, allowed, "previous level was normal")

			allowed, err = s.Allow(ctx, line, models.LevelCritical, testEpoch.Add(18*time.Minute))
			require.NoError(t, err)
			assert.True(t, allowed, "window elapsed")
		})
	}
}

func TestSuppressors_CoalesceFlapping(t *testing.T) {
	redisSuppressor, _ := newRedisSuppressor(t, 10*time.Minute)
	suppressors := map[string]Suppressor{
		"memory": NewMemorySuppressor(10 * time.Minute),
		"redis":  redisSuppressor,
	}

	steps := []struct {
		level models.AlarmLevel
		want  bool
	}{
		{models.LevelWarning, true},
		{models.LevelNormal, true},
		{models.LevelWarning, false},
		{models.LevelNormal, false},
		{models.LevelWarning, false},
		{models.LevelCritical, true},
		{models.LevelWarning, false},
		{models.LevelNormal, true},
		{models.LevelUnknown, true},
		{models.LevelUnknown, false},
	}
	for name, s := range suppressors {
		t.Run(name, func(t *testing.T) {
			line := models.LineKey{PlantID: "hospital_central", LineID: "1"}
			for i, step := range steps {
				allowed, err := s.Allow(context.Background(), line, step.level, testEpoch.Add(time.Duration(i)*30*time.Second))
				require.NoError(t, err)
				assert.Equal(t, step.want, allowed, "step %d (%s)", i, step.level)
			}
		})
	}
}

func TestRedisSuppressor_KeyExpires(t *testing.T) {
	s, mr := newRedisSuppressor(t, time.Minute)
	line := models.LineKey{PlantID: "p", LineID: "1"}

	allowed, err := s.Allow(context.Background(), line, models.LevelWarning, testEpoch)
	require.NoError(t, err)
	require.True(t, allowed)
	assert.True(t, mr.Exists("psamonitor:notified:p/1"))

	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists("psamonitor:notified:p/1"))
}

func TestRedisSuppressor_Unavailable(t *testing.T) {
	s, mr := newRedisSuppressor(t, time.Minute)
	mr.Close()

	_, err := s.Allow(context.Background(), models.LineKey{PlantID: "p", LineID: "1"}, models.LevelWarning, testEpoch)
	assert.Error(t, err)
}

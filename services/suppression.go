package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"psamonitor/models"

	"github.com/go-redis/redis/v8"
)

// Suppressor decides whether a notification for a line is delivered or
// coalesced. Allow records the notification when it returns true.
type Suppressor interface {
	Allow(ctx context.Context, key models.LineKey, level models.AlarmLevel, now time.Time) (bool, error)
}

// bypassesWindow reports whether an event moving the line to level is
// delivered inside the window as long as the line was last notified at a
// different level: escalation to Critical and recovery to Normal.
func bypassesWindow(level models.AlarmLevel) bool {
	return level == models.LevelCritical || level == models.LevelNormal
}

type lineNotifications struct {
	last models.AlarmLevel
	at   map[models.AlarmLevel]time.Time
}

// MemorySuppressor keeps, per line, the last delivered level and when each
// level was last delivered, in process memory
type MemorySuppressor struct {
	window time.Duration
	mu     sync.Mutex
	lines  map[models.LineKey]*lineNotifications
}

func NewMemorySuppressor(window time.Duration) *MemorySuppressor {
	return &MemorySuppressor{window: window, lines: make(map[models.LineKey]*lineNotifications)}
}

func (s *MemorySuppressor) Allow(_ context.Context, key models.LineKey, level models.AlarmLevel, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ln, ok := s.lines[key]
	if !ok {
		ln = &lineNotifications{at: make(map[models.AlarmLevel]time.Time)}
		s.lines[key] = ln
	}
	if !(bypassesWindow(level) && ln.last != level) {
		if at, seen := ln.at[level]; seen && now.Sub(at) < s.window {
			return false, nil
		}
	}
	ln.last = level
	ln.at[level] = now
	return true, nil
}

// allowScript compares and records in one round trip so instances sharing
// the key never both deliver. The hash holds the last delivered level and
// one delivery time per level.
var allowScript = redis.NewScript(`
local level = ARGV[1]
local now = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local last = redis.call('HGET', KEYS[1], 'last')
if not (ARGV[4] == '1' and last ~= level) then
  local at = tonumber(redis.call('HGET', KEYS[1], 'at:' .. level))
  if at ~= nil and (now - at) < window then
    return 0
  end
end
redis.call('HSET', KEYS[1], 'last', level, 'at:' .. level, ARGV[2])
redis.call('PEXPIRE', KEYS[1], window)
return 1
`)

// RedisSuppressor shares suppression state between service instances
type RedisSuppressor struct {
	client *redis.Client
	window time.Duration
	prefix string
}

func NewRedisSuppressor(client *redis.Client, window time.Duration) *RedisSuppressor {
	return &RedisSuppressor{client: client, window: window, prefix: "psamonitor:notified:"}
}

func (s *RedisSuppressor) key(k models.LineKey) string {
	return s.prefix + k.String()
}

func (s *RedisSuppressor) Allow(ctx context.Context, key models.LineKey, level models.AlarmLevel, now time.Time) (bool, error) {
	if s.window <= 0 {
		return true, nil
	}
	bypass := "0"
	if bypassesWindow(level) {
		bypass = "1"
	}
	res, err := allowScript.Run(ctx, s.client, []string{s.key(key)},
		string(level), now.UnixMilli(), s.window.Milliseconds(), bypass).Int()
	if err != nil {
		return false, fmt.Errorf("suppression check: %w", err)
	}
	return res == 1, nil
}

package models

import (
	"time"
)

// AlarmLevel is the evaluated condition of a plant line
type AlarmLevel string

const (
	LevelNormal   AlarmLevel = "normal"
	LevelWarning  AlarmLevel = "warning"
	LevelCritical AlarmLevel = "critical"
	LevelUnknown  AlarmLevel = "unknown"
)

// Severity orders the levels a reading can be classified into.
// Unknown has no severity and ranks below Normal.
func (l AlarmLevel) Severity() int {
	switch l {
	case LevelNormal:
		return 1
	case LevelWarning:
		return 2
	case LevelCritical:
		return 3
	default:
		return 0
	}
}

// StatusRank orders levels for plant roll-up: an unreported line is worse
// than a warning but better than a confirmed critical condition.
func (l AlarmLevel) StatusRank() int {
	switch l {
	case LevelNormal:
		return 0
	case LevelWarning:
		return 1
	case LevelUnknown:
		return 2
	case LevelCritical:
		return 3
	default:
		return 2
	}
}

// IsUp reports whether the level counts as available for uptime.
func (l AlarmLevel) IsUp() bool {
	return l == LevelNormal || l == LevelWarning
}

func (l AlarmLevel) Valid() bool {
	switch l {
	case LevelNormal, LevelWarning, LevelCritical, LevelUnknown:
		return true
	}
	return false
}

// WorstLevel returns the level with the highest status rank.
func WorstLevel(levels ...AlarmLevel) AlarmLevel {
	if len(levels) == 0 {
		return LevelUnknown
	}
	worst := levels[0]
	for _, l := range levels[1:] {
		if l.StatusRank() > worst.StatusRank() {
			worst = l
		}
	}
	return worst
}

// AlarmState is the live evaluation state of one line
type AlarmState struct {
	PlantID        string     `json:"planta_id"`
	LineID         string     `json:"linea_id"`
	Level          AlarmLevel `json:"nivel"`
	BreachCount    int        `json:"conteo_escalada"`
	RecoveryCount  int        `json:"conteo_recuperacion"`
	PendingLevel   AlarmLevel `json:"nivel_pendiente,omitempty"`
	PendingReason  string     `json:"motivo_pendiente,omitempty"`
	FirstSeen      time.Time  `json:"primera_lectura"`
	LastTransition time.Time  `json:"ultima_transicion"`
	LastSeen       time.Time  `json:"ultima_lectura"`
	LastReadingAt  time.Time  `json:"ultimo_timestamp"`
}

func (s *AlarmState) Key() LineKey {
	return LineKey{PlantID: s.PlantID, LineID: s.LineID}
}

// ResetStreaks clears both debounce streaks.
func (s *AlarmState) ResetStreaks() {
	s.BreachCount = 0
	s.RecoveryCount = 0
	s.PendingLevel = ""
	s.PendingReason = ""
}

// Clone returns a copy safe to hand out of the evaluator.
func (s *AlarmState) Clone() *AlarmState {
	c := *s
	return &c
}

// AlarmEvent records one committed level change of a line
type AlarmEvent struct {
	ID               string     `json:"id"`
	PlantID          string     `json:"planta_id"`
	LineID           string     `json:"linea_id"`
	From             AlarmLevel `json:"desde"`
	To               AlarmLevel `json:"hacia"`
	At               time.Time  `json:"fecha"`
	ReadingTimestamp *time.Time `json:"timestamp_lectura,omitempty"`
	Reason           string     `json:"motivo"`
}

func (e *AlarmEvent) Key() LineKey {
	return LineKey{PlantID: e.PlantID, LineID: e.LineID}
}

// IsEscalation reports whether the event moved to a worse status.
func (e *AlarmEvent) IsEscalation() bool {
	return e.To.StatusRank() > e.From.StatusRank()
}

// GetLevelEmoji returns the marker used in chat messages
func (l AlarmLevel) GetLevelEmoji() string {
	switch l {
	case LevelNormal:
		return "🟢"
	case LevelWarning:
		return "🟡"
	case LevelCritical:
		return "🔴"
	default:
		return "⚪"
	}
}

// DisplayName returns the Spanish label shown to operators
func (l AlarmLevel) DisplayName() string {
	switch l {
	case LevelNormal:
		return "Normal"
	case LevelWarning:
		return "Advertencia"
	case LevelCritical:
		return "Crítico"
	default:
		return "Sin datos"
	}
}

// LineStatusSnapshot is the live status of a line mirrored to external dashboards
type LineStatusSnapshot struct {
	PlantID string     `json:"planta_id"`
	LineID  string     `json:"linea_id"`
	Level   AlarmLevel `json:"nivel"`
	Since   time.Time  `json:"desde"`
	Reason  string     `json:"motivo"`
}

// DeliveryFailure records a notification dropped after exhausting retries
type DeliveryFailure struct {
	EventID   string     `json:"evento_id"`
	ChatID    int64      `json:"chat_id"`
	PlantID   string     `json:"planta_id"`
	LineID    string     `json:"linea_id"`
	Level     AlarmLevel `json:"nivel"`
	Attempts  int        `json:"intentos"`
	LastError string     `json:"ultimo_error"`
	At        time.Time  `json:"fecha"`
}

package services

import (
	"fmt"
	"strings"

	"psamonitor/config"
	"psamonitor/models"
)

// Breach is one threshold crossed by a reading
type Breach struct {
	Field     string
	Level     models.AlarmLevel
	Value     float64
	Threshold float64
	Detail    string
}

// Classification is the instantaneous level of a single reading
type Classification struct {
	Level    models.AlarmLevel
	Breaches []Breach
}

// Reason summarizes the breaches that produced the level.
func (c Classification) Reason() string {
	if len(c.Breaches) == 0 {
		return "lecturas dentro de rango"
	}
	parts := make([]string, 0, len(c.Breaches))
	for _, b := range c.Breaches {
		parts = append(parts, b.Detail)
	}
	return strings.Join(parts, "; ")
}

type ThresholdClassifier struct {
	thresholds *config.ThresholdSet
}

func NewThresholdClassifier(thresholds *config.ThresholdSet) *ThresholdClassifier {
	return &ThresholdClassifier{thresholds: thresholds}
}

// Classify checks a reading against its plant's limits. The result is the
// most severe level among all breaches.
func (tc *ThresholdClassifier) Classify(r *models.TelemetryReading) Classification {
	t := tc.thresholds.For(r.PlantID)
	var breaches []Breach

	// Device alarm flag
	if r.Alarm {
		level := models.LevelWarning
		if t.DeviceAlarmCritical {
			level = models.LevelCritical
		}
		detail := "alarma reportada por el equipo"
		if r.AlarmMessage != "" {
			detail += ": " + r.AlarmMessage
		}
		breaches = append(breaches, Breach{Field: "alarma", Level: level, Detail: detail})
	}

	// Purity
	if b, ok := below("pureza_pct", r.PurityPct, t.PurityMinCritical, t.PurityMinWarning,
		"pureza %.1f%% bajo el mínimo de %.1f%%"); ok {
		breaches = append(breaches, b)
	}

	// Pressure
	if b, ok := below("presion_bar", r.PressureBar, t.PressureMinCritical, t.PressureMinWarning,
		"presión %.2f bar bajo el mínimo de %.2f bar"); ok {
		breaches = append(breaches, b)
	}
	if b, ok := above("presion_bar", r.PressureBar, t.PressureMaxCritical, t.PressureMaxWarning,
		"presión %.2f bar sobre el máximo de %.2f bar"); ok {
		breaches = append(breaches, b)
	}

	// Temperature
	if b, ok := above("temperatura_c", r.TemperatureC, t.TemperatureMaxCritical, t.TemperatureMaxWarning,
		"temperatura %.1f°C sobre el máximo de %.1f°C"); ok {
		breaches = append(breaches, b)
	}

	// Flow (warning only)
	if t.FlowMinWarning > 0 && r.FlowNm3h < t.FlowMinWarning {
		breaches = append(breaches, Breach{
			Field: "flujo_nm3h", Level: models.LevelWarning, Value: r.FlowNm3h, Threshold: t.FlowMinWarning,
			Detail: fmt.Sprintf("flujo %.1f Nm³/h bajo el mínimo de %.1f Nm³/h", r.FlowNm3h, t.FlowMinWarning),
		})
	}

	level := models.LevelNormal
	for _, b := range breaches {
		if b.Level.Severity() > level.Severity() {
			level = b.Level
		}
	}
	return Classification{Level: level, Breaches: breaches}
}

func below(field string, value, critical, warning float64, format string) (Breach, bool) {
	switch {
	case critical > 0 && value < critical:
		return Breach{Field: field, Level: models.LevelCritical, Value: value, Threshold: critical,
			Detail: fmt.Sprintf(format, value, critical)}, true
	case warning > 0 && value < warning:
		return Breach{Field: field, Level: models.LevelWarning, Value: value, Threshold: warning,
			Detail: fmt.Sprintf(format, value, warning)}, true
	}
	return Breach{}, false
}

func above(field string, value, critical, warning float64, format string) (Breach, bool) {
	switch {
	case critical > 0 && value > critical:
		return Breach{Field: field, Level: models.LevelCritical, Value: value, Threshold: critical,
			Detail: fmt.Sprintf(format, value, critical)}, true
	case warning > 0 && value > warning:
		return Breach{Field: field, Level: models.LevelWarning, Value: value, Threshold: warning,
			Detail: fmt.Sprintf(format, value, warning)}, true
	}
	return Breach{}, false
}

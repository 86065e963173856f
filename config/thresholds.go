package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Thresholds are the alarm limits for one plant. A zero limit is disabled.
type Thresholds struct {
	PurityMinWarning       float64 `yaml:"purity_min_warning"`
	PurityMinCritical      float64 `yaml:"purity_min_critical"`
	PressureMinWarning     float64 `yaml:"pressure_min_warning"`
	PressureMinCritical    float64 `yaml:"pressure_min_critical"`
	PressureMaxWarning     float64 `yaml:"pressure_max_warning"`
	PressureMaxCritical    float64 `yaml:"pressure_max_critical"`
	TemperatureMaxWarning  float64 `yaml:"temperature_max_warning"`
	TemperatureMaxCritical float64 `yaml:"temperature_max_critical"`
	FlowMinWarning         float64 `yaml:"flow_min_warning"`
	// DeviceAlarmCritical maps the device alarm flag to Critical instead of Warning.
	DeviceAlarmCritical bool `yaml:"device_alarm_critical"`
}

// DefaultThresholds returns the documented production limits:
// 93% purity (USP 93% oxygen), 90% as the absolute floor, 7 bar and 45°C maxima.
func DefaultThresholds() Thresholds {
	return Thresholds{
		PurityMinWarning:       93.0,
		PurityMinCritical:      90.0,
		PressureMinWarning:     4.0,
		PressureMinCritical:    3.0,
		PressureMaxWarning:     7.0,
		PressureMaxCritical:    8.0,
		TemperatureMaxWarning:  45.0,
		TemperatureMaxCritical: 55.0,
		DeviceAlarmCritical:    true,
	}
}

// thresholdOverride mirrors Thresholds with optional fields for YAML merging
type thresholdOverride struct {
	PurityMinWarning       *float64 `yaml:"purity_min_warning"`
	PurityMinCritical      *float64 `yaml:"purity_min_critical"`
	PressureMinWarning     *float64 `yaml:"pressure_min_warning"`
	PressureMinCritical    *float64 `yaml:"pressure_min_critical"`
	PressureMaxWarning     *float64 `yaml:"pressure_max_warning"`
	PressureMaxCritical    *float64 `yaml:"pressure_max_critical"`
	TemperatureMaxWarning  *float64 `yaml:"temperature_max_warning"`
	TemperatureMaxCritical *float64 `yaml:"temperature_max_critical"`
	FlowMinWarning         *float64 `yaml:"flow_min_warning"`
	DeviceAlarmCritical    *bool    `yaml:"device_alarm_critical"`
}

func (o *thresholdOverride) apply(t Thresholds) Thresholds {
	set := func(dst *float64, src *float64) {
		if src != nil {
			*dst = *src
		}
	}
	set(&t.PurityMinWarning, o.PurityMinWarning)
	set(&t.PurityMinCritical, o.PurityMinCritical)
	set(&t.PressureMinWarning, o.PressureMinWarning)
	set(&t.PressureMinCritical, o.PressureMinCritical)
	set(&t.PressureMaxWarning, o.PressureMaxWarning)
	set(&t.PressureMaxCritical, o.PressureMaxCritical)
	set(&t.TemperatureMaxWarning, o.TemperatureMaxWarning)
	set(&t.TemperatureMaxCritical, o.TemperatureMaxCritical)
	set(&t.FlowMinWarning, o.FlowMinWarning)
	if o.DeviceAlarmCritical != nil {
		t.DeviceAlarmCritical = *o.DeviceAlarmCritical
	}
	return t
}

type thresholdFile struct {
	Defaults thresholdOverride            `yaml:"defaults"`
	Plants   map[string]thresholdOverride `yaml:"plants"`
}

// ThresholdSet resolves the limits for each plant
type ThresholdSet struct {
	Defaults Thresholds
	Plants   map[string]Thresholds
}

// For returns the limits for a plant, falling back to the defaults.
func (s *ThresholdSet) For(plantID string) Thresholds {
	if s == nil {
		return DefaultThresholds()
	}
	if t, ok := s.Plants[plantID]; ok {
		return t
	}
	return s.Defaults
}

// LoadThresholds reads a YAML threshold file. An empty path yields the defaults.
func LoadThresholds(path string) (*ThresholdSet, error) {
	set := &ThresholdSet{Defaults: DefaultThresholds(), Plants: map[string]Thresholds{}}
	if path == "" {
		return set, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return set, fmt.Errorf("failed to read thresholds file: %w", err)
	}
	return ParseThresholds(data)
}

// ParseThresholds decodes threshold YAML on top of the defaults.
func ParseThresholds(data []byte) (*ThresholdSet, error) {
	var file thresholdFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse thresholds: %w", err)
	}
	set := &ThresholdSet{
		Defaults: file.Defaults.apply(DefaultThresholds()),
		Plants:   make(map[string]Thresholds, len(file.Plants)),
	}
	for plantID, override := range file.Plants {
		set.Plants[plantID] = override.apply(set.Defaults)
	}
	if err := set.validate(); err != nil {
		return nil, err
	}
	return set, nil
}

func (s *ThresholdSet) validate() error {
	check := func(name string, t Thresholds) error {
		if t.PurityMinCritical > 0 && t.PurityMinWarning > 0 && t.PurityMinCritical > t.PurityMinWarning {
			return fmt.Errorf("thresholds %s: purity_min_critical above purity_min_warning", name)
		}
		if t.PressureMaxCritical > 0 && t.PressureMaxWarning > 0 && t.PressureMaxCritical < t.PressureMaxWarning {
			return fmt.Errorf("thresholds %s: pressure_max_critical below pressure_max_warning", name)
		}
		if t.TemperatureMaxCritical > 0 && t.TemperatureMaxWarning > 0 && t.TemperatureMaxCritical < t.TemperatureMaxWarning {
			return fmt.Errorf("thresholds %s: temperature_max_critical below temperature_max_warning", name)
		}
		return nil
	}
	if err := check("defaults", s.Defaults); err != nil {
		return err
	}
	for plantID, t := range s.Plants {
		if err := check(plantID, t); err != nil {
			return err
		}
	}
	return nil
}

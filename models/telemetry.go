package models

import (
	"time"
)

// DefaultLineID is used when a device does not report a line.
const DefaultLineID = "1"

// DefaultMode is stored when a device does not report its operating mode.
const DefaultMode = "Desconocido"

// ProductionMode is the mode PSA controllers report while producing oxygen.
const ProductionMode = "Producción"

// TelemetryPayload is the JSON document pushed by ESP32/PLC devices
type TelemetryPayload struct {
	PlantID        string   `json:"planta_id"`
	Name           string   `json:"nombre,omitempty"`
	LineID         string   `json:"linea_id,omitempty"`
	Timestamp      string   `json:"timestamp,omitempty"`
	PressureBar    *float64 `json:"presion_bar"`
	TemperatureC   *float64 `json:"temperatura_c"`
	PurityPct      *float64 `json:"pureza_pct"`
	FlowNm3h       *float64 `json:"flujo_nm3h"`
	Mode           string   `json:"modo,omitempty"`
	Alarm          bool     `json:"alarma"`
	AlarmMessage   string   `json:"mensaje_alarma,omitempty"`
	OperatingHours *float64 `json:"horas_operacion,omitempty"`
}

// TelemetryReading is an accepted, immutable reading for one plant line
type TelemetryReading struct {
	PlantID        string    `json:"planta_id"`
	LineID         string    `json:"linea_id"`
	Name           string    `json:"nombre,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	ReceivedAt     time.Time `json:"recibido"`
	PressureBar    float64   `json:"presion_bar"`
	TemperatureC   float64   `json:"temperatura_c"`
	PurityPct      float64   `json:"pureza_pct"`
	FlowNm3h       float64   `json:"flujo_nm3h"`
	Mode           string    `json:"modo"`
	Alarm          bool      `json:"alarma"`
	AlarmMessage   string    `json:"mensaje_alarma,omitempty"`
	OperatingHours float64   `json:"horas_operacion,omitempty"`
}

// Key returns the line the reading belongs to.
func (r *TelemetryReading) Key() LineKey {
	return LineKey{PlantID: r.PlantID, LineID: r.LineID}
}

// LineKey addresses one independently evaluated plant line
type LineKey struct {
	PlantID string
	LineID  string
}

func (k LineKey) String() string {
	return k.PlantID + "/" + k.LineID
}

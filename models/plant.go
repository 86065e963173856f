package models

import (
	"fmt"
	"time"
)

// InstallationType is the line redundancy of a plant
type InstallationType string

const (
	InstallationSimplex InstallationType = "simplex"
	InstallationDuplex  InstallationType = "duplex"
	InstallationTriplex InstallationType = "triplex"
)

// LineCount returns how many lines the installation type implies.
func (t InstallationType) LineCount() int {
	switch t {
	case InstallationDuplex:
		return 2
	case InstallationTriplex:
		return 3
	default:
		return 1
	}
}

// Plant is a PSA oxygen installation at a hospital
type Plant struct {
	ID               string            `json:"id"`
	Name             string            `json:"nombre"`
	InstallationType InstallationType  `json:"tipo_instalacion"`
	Lines            []string          `json:"lineas"`
	LastSeen         time.Time         `json:"ultima_actualizacion"`
	LastReading      *TelemetryReading `json:"ultima_lectura,omitempty"`
}

// LineIDs returns the configured lines, falling back to the installation type.
func (p *Plant) LineIDs() []string {
	if len(p.Lines) > 0 {
		return p.Lines
	}
	n := p.InstallationType.LineCount()
	ids := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		ids = append(ids, fmt.Sprintf("%d", i))
	}
	return ids
}

// DefaultPlantName is used when a plant registers itself by reporting.
func DefaultPlantName(plantID string) string {
	return "Planta " + plantID
}

// EquipmentType is one entry of the fixed equipment catalog
type EquipmentType string

const (
	EquipmentCompressor      EquipmentType = "compressor"
	EquipmentDryer           EquipmentType = "dryer"
	EquipmentPSAGenerator    EquipmentType = "psa_generator"
	EquipmentBackupGenerator EquipmentType = "backup_generator"
	EquipmentO2Compressor    EquipmentType = "o2_compressor"
	EquipmentTank            EquipmentType = "tank"
	EquipmentAnalyzer        EquipmentType = "analyzer"
)

var equipmentLabels = map[EquipmentType]string{
	EquipmentCompressor:      "Compresor de aire",
	EquipmentDryer:           "Secador",
	EquipmentPSAGenerator:    "Generador PSA",
	EquipmentBackupGenerator: "Grupo electrógeno",
	EquipmentO2Compressor:    "Compresor de O2",
	EquipmentTank:            "Tanque",
	EquipmentAnalyzer:        "Analizador",
}

func (t EquipmentType) Valid() bool {
	_, ok := equipmentLabels[t]
	return ok
}

func (t EquipmentType) Label() string {
	if label, ok := equipmentLabels[t]; ok {
		return label
	}
	return string(t)
}

// Equipment belongs to exactly one plant; Patrimony is unique system-wide
type Equipment struct {
	ID        string        `json:"id"`
	PlantID   string        `json:"planta_id"`
	Type      EquipmentType `json:"tipo"`
	Patrimony string        `json:"numero_patrimonio"`
	Position  int           `json:"posicion"`
	Brand     string        `json:"marca,omitempty"`
	Model     string        `json:"modelo,omitempty"`
	Notes     string        `json:"notas,omitempty"`
}

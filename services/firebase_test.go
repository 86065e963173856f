package services

import (
	"testing"

	"psamonitor/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusUpdates(t *testing.T) {
	updates := statusUpdates([]*models.LineStatusSnapshot{
		{PlantID: "hospital.central", LineID: "1", Level: models.LevelCritical, Since: testEpoch, Reason: "pureza baja"},
		{PlantID: "clinica_sur", LineID: "2", Level: models.LevelNormal, Since: testEpoch},
	})

	require.Len(t, updates, 2)
	entry, ok := updates["hospital_central/1"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "hospital.central", entry["planta_id"])
	assert.Equal(t, "critical", entry["nivel"])
	assert.Equal(t, "2025-03-10T08:00:00Z", entry["desde"])
	assert.Contains(t, updates, "clinica_sur/2")
}

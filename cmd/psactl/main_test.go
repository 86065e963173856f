package main

import (
	"context"
	"testing"

	"psamonitor/models"
	"psamonitor/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const registryYAML = `
plantas:
  - id: hospital_central
    nombre: Hospital Central
    tipo_instalacion: duplex
    equipos:
      - tipo: compressor
        numero_patrimonio: PAT-001
      - tipo: compressor
        numero_patrimonio: PAT-002
      - tipo: psa_generator
        numero_patrimonio: PAT-003
        marca: Atlas Copco
  - id: hospital_norte
`

func TestParseRegistry(t *testing.T) {
	plants, equipment, err := parseRegistry([]byte(registryYAML))
	require.NoError(t, err)
	require.Len(t, plants, 2)

	assert.Equal(t, []string{"1", "2"}, plants[0].Lines)
	assert.Equal(t, models.InstallationSimplex, plants[1].InstallationType)
	assert.Equal(t, models.DefaultPlantName("hospital_norte"), plants[1].Name)

	require.Len(t, equipment, 3)
	assert.Equal(t, 1, equipment[0].Position)
	assert.Equal(t, 2, equipment[1].Position)
	assert.Equal(t, 1, equipment[2].Position)
	assert.NotEmpty(t, equipment[0].ID)
}

func TestParseRegistry_ReportsEveryProblem(t *testing.T) {
	_, _, err := parseRegistry([]byte(`
plantas:
  - nombre: sin id
  - id: a
    tipo_instalacion: quadruplex
  - id: b
    equipos:
      - tipo: toaster
        numero_patrimonio: X
      - tipo: tank
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "id is required")
	assert.Contains(t, err.Error(), "quadruplex")
	assert.Contains(t, err.Error(), "toaster")
	assert.Contains(t, err.Error(), "numero_patrimonio is required")
}

func TestSeed_IsRepeatable(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	plants, equipment, err := parseRegistry([]byte(registryYAML))
	require.NoError(t, err)

	added, skipped, err := seed(ctx, st, plants, equipment)
	require.NoError(t, err)
	assert.Equal(t, 3, added)
	assert.Equal(t, 0, skipped)

	added, skipped, err = seed(ctx, st, plants, equipment)
	require.NoError(t, err)
	assert.Equal(t, 0, added)
	assert.Equal(t, 3, skipped)

	list, err := st.ListEquipment(ctx, "hospital_central")
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

package services

import (
	"errors"
	"fmt"
	"testing"

	"psamonitor/models"

	"github.com/stretchr/testify/assert"
)

func TestClassifyIngestError(t *testing.T) {
	assert.Equal(t, actionAck, classifyIngestError(nil))
	assert.Equal(t, actionDrop, classifyIngestError(models.NewInvalidPayload("pureza_pct", "out of range")))
	assert.Equal(t, actionDrop, classifyIngestError(fmt.Errorf("device: %w", models.ErrUnauthorized)))
	assert.Equal(t, actionRequeue, classifyIngestError(errors.New("connection reset")))
	assert.Equal(t, actionRequeue, classifyIngestError(models.ErrShuttingDown))
}

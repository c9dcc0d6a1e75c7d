package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carecircle/crisis/internal/shared/errors"
)

type sample struct {
	UserID   string  `json:"userId" validate:"required"`
	Severity string  `json:"severity" validate:"required,severity"`
	Method   string  `json:"method" validate:"contact_method"`
	Lat      float64 `json:"lat" validate:"latitude"`
}

func TestStructAcceptsValidInput(t *testing.T) {
	assert.NoError(t, Struct(sample{UserID: "u1", Severity: "critical", Method: "sms", Lat: 45}))
}

func TestStructReportsFields(t *testing.T) {
	err := Struct(sample{Severity: "apocalyptic", Method: "pigeon", Lat: 120})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrValidation))

	var appErr *errors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "userId is required", appErr.Details["userId"])
	assert.Contains(t, appErr.Details["severity"], "must be one of")
	assert.Contains(t, appErr.Details, "method")
	assert.Contains(t, appErr.Details, "lat")
}

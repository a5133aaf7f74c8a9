package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationNamesAllFields(t *testing.T) {
	err := Validation("missing required fields", "first_name", "password")

	assert.Equal(t, http.StatusUnprocessableEntity, err.HTTPStatus)
	assert.Equal(t, []string{"first_name", "password"}, err.Fields)
	assert.Equal(t, "VALIDATION_ERROR: missing required fields (first_name, password)", err.Error())
}

func TestInternalKeepsCauseOutOfMessage(t *testing.T) {
	cause := errors.New("connection reset by peer")
	err := Internal(fmt.Errorf("find user: %w", cause))

	assert.Equal(t, "Unexpected server error", err.Message)
	assert.NotContains(t, err.Error(), "connection reset")
	assert.ErrorIs(t, err, cause)
}

func TestHasCode(t *testing.T) {
	wrapped := fmt.Errorf("sign in: %w", Unauthorized("could not authorize"))

	require.True(t, HasCode(wrapped, CodeUnauthorized))
	require.False(t, HasCode(wrapped, CodeConflict))
	require.False(t, HasCode(errors.New("plain"), CodeUnauthorized))
}

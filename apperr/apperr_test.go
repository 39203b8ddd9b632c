package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrappedSentinelMatchesIs(t *testing.T) {
	cause := errors.New("UsernameExistsException: taken")
	err := fmt.Errorf("register: %w", ErrDuplicateIdentity.Wrap(cause))

	assert.ErrorIs(t, err, ErrDuplicateIdentity)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrWeakCredential)
}

func TestWithMessageKeepsIdentity(t *testing.T) {
	err := ErrMissingFields.WithMessage("%s is required", "email")

	require.ErrorIs(t, err, ErrMissingFields)
	assert.Equal(t, "email is required", err.Message)
	assert.Equal(t, "MISSING_FIELDS", err.Code)
	assert.Equal(t, "required fields are missing", ErrMissingFields.Message, "sentinel must not be mutated")
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindNotConfirmed, KindOf(fmt.Errorf("x: %w", ErrNotConfirmed)))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.True(t, KindOf(ErrStoreUnavailable).Retryable())
	assert.False(t, KindOf(ErrInvalidKey).Retryable())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "validation", KindValidation.String())
	assert.Equal(t, "kind(99)", Kind(99).String())
}

//go:build testing

package boxd

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelErrors(t *testing.T) {
	sentinels := []error{
		ErrCapacityExceeded,
		ErrImageUnavailable,
		ErrProvisionFailed,
		ErrSessionNotFound,
		ErrDuplicateSession,
		ErrDockerUnavailable,
		ErrProfileNotFound,
		ErrInvalidProfile,
	}

	for i, err := range sentinels {
		require.Error(t, err)
		require.NotEmpty(t, err.Error())
		for j, other := range sentinels {
			if i != j {
				assert.NotErrorIs(t, err, other)
			}
		}
	}
}

func TestSentinelErrors_WrapSurvivesIs(t *testing.T) {
	wrapped := fmt.Errorf("%w: limit 10", ErrCapacityExceeded)
	assert.True(t, errors.Is(wrapped, ErrCapacityExceeded))

	double := fmt.Errorf("create session: %w", wrapped)
	assert.True(t, errors.Is(double, ErrCapacityExceeded))
}

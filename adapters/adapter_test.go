package adapters

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"ErrConcurrencyConflict", ErrConcurrencyConflict},
		{"ErrStreamNotFound", ErrStreamNotFound},
		{"ErrEmptyStreamID", ErrEmptyStreamID},
		{"ErrNoEvents", ErrNoEvents},
		{"ErrInvalidVersion", ErrInvalidVersion},
		{"ErrAdapterClosed", ErrAdapterClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name+" has strata prefix", func(t *testing.T) {
			assert.Contains(t, tt.err.Error(), "strata:")
		})

		t.Run(tt.name+" is distinct", func(t *testing.T) {
			for _, other := range tests {
				if tt.name != other.name {
					assert.False(t, errors.Is(tt.err, other.err),
						"%s should not match %s", tt.name, other.name)
				}
			}
		})
	}
}

func TestSentinelMessages(t *testing.T) {
	t.Run("ErrConcurrencyConflict message", func(t *testing.T) {
		assert.Equal(t, "strata: concurrency conflict", ErrConcurrencyConflict.Error())
	})

	t.Run("ErrStreamNotFound message", func(t *testing.T) {
		assert.Equal(t, "strata: stream not found", ErrStreamNotFound.Error())
	})

	t.Run("ErrAdapterClosed message", func(t *testing.T) {
		assert.Equal(t, "strata: adapter is closed", ErrAdapterClosed.Error())
	})
}

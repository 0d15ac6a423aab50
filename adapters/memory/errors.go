package memory

import (
	"errors"

	"github.com/stratastore/strata/adapters"
)

// ErrNoOutboxStore is returned by AppendWithOutbox when the adapter was
// built without WithOutbox.
var ErrNoOutboxStore = errors.New("strata: memory adapter has no outbox store")

// Aliases to the shared adapter errors so callers can match with errors.Is
// without importing the adapters package.
var (
	ErrAdapterClosed       = adapters.ErrAdapterClosed
	ErrEmptyStreamID       = adapters.ErrEmptyStreamID
	ErrNoEvents            = adapters.ErrNoEvents
	ErrConcurrencyConflict = adapters.ErrConcurrencyConflict
	ErrStreamNotFound      = adapters.ErrStreamNotFound
	ErrInvalidVersion      = adapters.ErrInvalidVersion
)

package strata

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/stratastore/strata/adapters"
)

// Idempotency types are defined in adapters so storage backends can
// implement them without importing the root package.
type (
	// IdempotencyStore tracks processed commands for deduplication.
	IdempotencyStore = adapters.IdempotencyStore

	// IdempotencyRecord is the stored outcome of a processed command.
	IdempotencyRecord = adapters.IdempotencyRecord
)

// IdempotencyReplayError reports that a command with the same key already
// ran and failed; the stored failure is returned instead of re-running.
type IdempotencyReplayError struct {
	Key     string
	Message string
}

func (e *IdempotencyReplayError) Error() string {
	if e.Message != "" {
		return "strata: command already processed with key " + e.Key + ": " + e.Message
	}
	return "strata: command already processed with key " + e.Key
}

func (e *IdempotencyReplayError) Is(target error) bool {
	return target == ErrCommandAlreadyProcessed
}

func (e *IdempotencyReplayError) Unwrap() error {
	return ErrCommandAlreadyProcessed
}

// NewIdempotencyRecord builds a record from a command's result.
func NewIdempotencyRecord(key, cmdType string, result CommandResult, ttl time.Duration) *IdempotencyRecord {
	now := time.Now()
	record := &IdempotencyRecord{
		Key:         key,
		CommandType: cmdType,
		AggregateID: result.AggregateID,
		Version:     result.Version,
		Success:     result.IsSuccess(),
		ProcessedAt: now,
		ExpiresAt:   now.Add(ttl),
	}
	if result.Error != nil {
		record.Error = result.Error.Error()
	}
	return record
}

// IdempotencyRecordToResult replays a stored record as a CommandResult.
func IdempotencyRecordToResult(r *IdempotencyRecord) CommandResult {
	if r.Success {
		return NewSuccessResult(r.AggregateID, r.Version)
	}
	message := r.Error
	if message == "" {
		message = "unknown error"
	}
	return NewErrorResult(&IdempotencyReplayError{
		Key:     r.Key,
		Message: message,
	})
}

// GenerateIdempotencyKey derives a deterministic key from the command type
// and its JSON content, so identical commands dedupe.
func GenerateIdempotencyKey(cmd Command) string {
	data, err := json.Marshal(cmd)
	if err != nil {
		// unencodable command: hash the type alone so the key stays
		// deterministic
		typeHash := sha256.Sum256([]byte(cmd.CommandType()))
		return cmd.CommandType() + ":type-only:" + hex.EncodeToString(typeHash[:16])
	}

	hash := sha256.Sum256(data)
	return cmd.CommandType() + ":" + hex.EncodeToString(hash[:16])
}

// GetIdempotencyKey prefers the command's own IdempotencyKey and falls back
// to a content-derived one.
func GetIdempotencyKey(cmd Command) string {
	if ic, ok := cmd.(IdempotentCommand); ok {
		return ic.IdempotencyKey()
	}
	return GenerateIdempotencyKey(cmd)
}

// IdempotencyConfig configures IdempotencyMiddleware.
type IdempotencyConfig struct {
	Store IdempotencyStore

	// TTL bounds how long records dedupe. Default 24h.
	TTL time.Duration

	// KeyGenerator defaults to GetIdempotencyKey.
	KeyGenerator func(Command) string

	// StoreErrors also records failures, so replays of a failed command
	// return the same error instead of retrying.
	StoreErrors bool

	// SkipCommands bypasses deduplication for the listed types.
	SkipCommands []string
}

// DefaultIdempotencyConfig returns the standard configuration.
func DefaultIdempotencyConfig(store IdempotencyStore) IdempotencyConfig {
	return IdempotencyConfig{
		Store:        store,
		TTL:          24 * time.Hour,
		KeyGenerator: GetIdempotencyKey,
	}
}

// IdempotencyMiddleware short-circuits commands whose key was already
// processed, returning the stored result. Store failures never fail the
// command.
func IdempotencyMiddleware(config IdempotencyConfig) Middleware {
	if config.TTL <= 0 {
		config.TTL = 24 * time.Hour
	}
	if config.KeyGenerator == nil {
		config.KeyGenerator = GetIdempotencyKey
	}

	skipSet := make(map[string]bool, len(config.SkipCommands))
	for _, t := range config.SkipCommands {
		skipSet[t] = true
	}

	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			if skipSet[cmd.CommandType()] {
				return next(ctx, cmd)
			}

			key := config.KeyGenerator(cmd)

			record, err := config.Store.Get(ctx, key)
			if err != nil {
				// a broken store must not block writes
				return next(ctx, cmd)
			}
			if record != nil && !record.IsExpired() {
				return IdempotencyRecordToResult(record), nil
			}

			result, cmdErr := next(ctx, cmd)

			shouldStore := result.IsSuccess() || (config.StoreErrors && cmdErr != nil)
			if shouldStore {
				_ = config.Store.Store(ctx, NewIdempotencyRecord(key, cmd.CommandType(), result, config.TTL))
			}

			return result, cmdErr
		}
	}
}

// IdempotencyKeyPrefix returns a key generator that prefixes the standard
// key, for multi-service deployments sharing one store.
func IdempotencyKeyPrefix(prefix string) func(Command) string {
	return func(cmd Command) string {
		return prefix + ":" + GetIdempotencyKey(cmd)
	}
}

// IdempotencyKeyFromField builds keys from one command field, falling back
// to the content-derived key when the field is empty.
func IdempotencyKeyFromField(fieldGetter func(Command) string) func(Command) string {
	return func(cmd Command) string {
		if key := fieldGetter(cmd); key != "" {
			return cmd.CommandType() + ":" + key
		}
		return GenerateIdempotencyKey(cmd)
	}
}

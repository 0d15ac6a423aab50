package strata

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type placeOrder struct {
	CommandBase

	OrderID    string `json:"orderId"`
	CustomerID string `json:"customerId"`
}

func (c placeOrder) CommandType() string { return "PlaceOrder" }

func (c placeOrder) AggregateID() string { return c.OrderID }

func (c placeOrder) Validate() error {
	if c.CustomerID == "" {
		return NewValidationError("PlaceOrder", "customerId", "is required")
	}
	return nil
}

type shipOrder struct {
	CommandBase

	OrderID string `json:"orderId"`
	Carrier string `json:"carrier"`
	Key     string `json:"key"`
}

func (c shipOrder) CommandType() string { return "ShipOrder" }

func (c shipOrder) AggregateID() string { return c.OrderID }

func (c shipOrder) Validate() error {
	if c.OrderID == "" {
		return NewValidationError("ShipOrder", "orderId", "is required")
	}
	return nil
}

func (c shipOrder) IdempotencyKey() string { return c.Key }

func TestCommandBase(t *testing.T) {
	base := CommandBase{}.
		WithCommandID("cmd-1").
		WithCorrelationID("corr-1").
		WithCausationID("cause-1").
		WithMetadata("source", "api")

	assert.Equal(t, "cmd-1", base.GetCommandID())
	assert.Equal(t, "corr-1", base.GetCorrelationID())
	assert.Equal(t, "cause-1", base.GetCausationID())
	assert.Equal(t, "api", base.GetMetadata("source"))
	assert.Equal(t, "", base.GetMetadata("missing"))
}

func TestCommandBase_WithMetadataCopies(t *testing.T) {
	first := CommandBase{}.WithMetadata("a", "1")
	second := first.WithMetadata("b", "2")
	assert.Len(t, first.Metadata, 1)
	assert.Len(t, second.Metadata, 2)
}

func TestCommandResult(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		result := NewSuccessResult("ord-1", 3)
		assert.True(t, result.IsSuccess())
		assert.False(t, result.IsError())
		assert.Equal(t, "ord-1", result.AggregateID)
		assert.Equal(t, int64(3), result.Version)
	})

	t.Run("success with data", func(t *testing.T) {
		result := NewSuccessResultWithData("ord-1", 1, "payload")
		assert.True(t, result.IsSuccess())
		assert.Equal(t, "payload", result.Data)
	})

	t.Run("error", func(t *testing.T) {
		result := NewErrorResult(errors.New("boom"))
		assert.False(t, result.IsSuccess())
		assert.True(t, result.IsError())
		assert.EqualError(t, result.Error, "boom")
	})
}

func TestCommandContext(t *testing.T) {
	ctx := NewCommandContext(context.Background(), placeOrder{CustomerID: "c"})

	ctx.Set("tenant", "acme")
	v, ok := ctx.Get("tenant")
	require.True(t, ok)
	assert.Equal(t, "acme", v)
	assert.Equal(t, "acme", ctx.GetString("tenant"))
	assert.Equal(t, "", ctx.GetString("missing"))

	ctx.SetSuccess("ord-1", 2)
	assert.True(t, ctx.Result.IsSuccess())

	ctx.SetError(errors.New("boom"))
	assert.True(t, ctx.Result.IsError())
}

func TestValidationError(t *testing.T) {
	t.Run("with field", func(t *testing.T) {
		err := NewValidationError("PlaceOrder", "customerId", "is required")
		assert.Contains(t, err.Error(), "PlaceOrder")
		assert.Contains(t, err.Error(), "customerId")
		assert.ErrorIs(t, err, ErrValidationFailed)
	})

	t.Run("without field", func(t *testing.T) {
		err := NewValidationError("PlaceOrder", "", "malformed")
		assert.Contains(t, err.Error(), "malformed")
		assert.NotContains(t, err.Error(), "field")
	})

	t.Run("with cause", func(t *testing.T) {
		cause := errors.New("parse error")
		err := NewValidationErrorWithCause("PlaceOrder", "total", "not a number", cause)
		assert.Equal(t, cause, errors.Unwrap(err))
	})
}

func TestMultiValidationError(t *testing.T) {
	multi := NewMultiValidationError("PlaceOrder")
	assert.False(t, multi.HasErrors())
	assert.Nil(t, multi.Unwrap())

	multi.AddField("customerId", "is required")
	multi.AddField("total", "must be positive")

	assert.True(t, multi.HasErrors())
	assert.Len(t, multi.Errors, 2)
	assert.Contains(t, multi.Error(), "2 error(s)")
	assert.ErrorIs(t, multi, ErrValidationFailed)
	assert.Equal(t, "customerId", multi.Errors[0].Field)
}

func TestValidatorFunc(t *testing.T) {
	validator := ValidatorFunc(func(cmd Command) error {
		if cmd.CommandType() != "PlaceOrder" {
			return errors.New("unexpected command")
		}
		return nil
	})

	assert.NoError(t, validator.Validate(placeOrder{}))
	assert.Error(t, validator.Validate(shipOrder{}))
}

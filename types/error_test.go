package types

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Error(t *testing.T) {
	err := NewError(ErrValidation, "missing start node")
	assert.Equal(t, "[validation_error] missing start node", err.Error())

	cause := errors.New("boom")
	err = NewError(ErrExternalService, "tool call failed").WithCause(cause)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestError_Builders(t *testing.T) {
	err := NewError(ErrNodeExecution, "run failed").
		WithNode("llm_1").
		WithRetryable(true)

	assert.Equal(t, "llm_1", err.NodeID)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, ErrNodeExecution, KindOf(err))
}

func TestKindOf_PlainError(t *testing.T) {
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestAsError_WrapsUnknown(t *testing.T) {
	plain := errors.New("plain")
	wrapped := AsError(plain)
	assert.Equal(t, ErrNodeExecution, wrapped.Kind)
	assert.Equal(t, plain, wrapped.Cause)

	typed := NewError(ErrTimeout, "budget exhausted")
	assert.Same(t, typed, AsError(typed))
}

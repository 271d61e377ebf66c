package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEntityErrorsWrapNotFound(t *testing.T) {
	t.Parallel()

	assert.True(t, errors.Is(ErrTaskNotFound, ErrNotFound))
	assert.True(t, errors.Is(ErrRecordNotFound, ErrNotFound))
	assert.True(t, IsNotFoundError(ErrTaskNotFound))
	assert.False(t, IsNotFoundError(ErrUpdateFailed))
}

func TestStoreError(t *testing.T) {
	t.Parallel()

	inner := errors.New("connection refused")
	err := NewStoreError("task", "create", "insert failed", inner)

	assert.Contains(t, err.Error(), "create operation on task failed")
	assert.Contains(t, err.Error(), "connection refused")
	assert.True(t, errors.Is(err, inner), "StoreError unwraps to the original error")

	bare := NewStoreError("record", "delete", "gone", nil)
	assert.Equal(t, "delete operation on record failed: gone", bare.Error())
}

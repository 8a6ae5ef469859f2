package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategoryOfUnwrapsCategorizedError(t *testing.T) {
	base := errors.New("connection reset")
	wrapped := NewError(CategoryTransient, base)

	assert.Equal(t, CategoryTransient, CategoryOf(wrapped))
	assert.True(t, errors.Is(wrapped, base))
}

func TestCategoryOfDefaultsToInternal(t *testing.T) {
	assert.Equal(t, CategoryInternal, CategoryOf(errors.New("plain")))
}

func TestCategoryOfNilIsEmpty(t *testing.T) {
	assert.Equal(t, ErrorCategory(""), CategoryOf(nil))
}

func TestRetryable(t *testing.T) {
	assert.True(t, CategoryTransient.Retryable())
	assert.True(t, CategoryTimeout.Retryable())
	assert.True(t, CategoryDependency.Retryable())
	assert.False(t, CategoryDataQuality.Retryable())
	assert.False(t, CategoryConfiguration.Retryable())
	assert.False(t, CategoryInternal.Retryable())
}

package gzerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByCode(t *testing.T) {
	err := New(CodeTaskTimeout, "timed out")
	target := New(CodeTaskTimeout, "")
	assert.True(t, errors.Is(err, target))

	other := New(CodeTaskExecutionFailed, "")
	assert.False(t, errors.Is(err, other))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("boom")
	err := Wrap(CodeInternalError, cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "boom")
}

func TestDefaultRetryable(t *testing.T) {
	assert.True(t, DefaultRetryable(CodeProviderTimeout))
	assert.False(t, DefaultRetryable(CodeTaskExecutionFailed))
	assert.False(t, DefaultRetryable(CodeInvalidParams))
}

func TestIsRetryableNonTaxonomyError(t *testing.T) {
	assert.False(t, IsRetryable(fmt.Errorf("plain error")))
}

func TestCodeOfDefaultsToInternal(t *testing.T) {
	assert.Equal(t, CodeInternalError, CodeOf(fmt.Errorf("plain")))
	assert.Equal(t, CodeTaskTimeout, CodeOf(New(CodeTaskTimeout, "")))
}

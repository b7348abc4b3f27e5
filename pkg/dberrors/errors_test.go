package dberrors

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIOError(t *testing.T) {
	err := IOError("read page", io.ErrUnexpectedEOF)

	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.True(t, IsRetryable(err))
	assert.Nil(t, IOError("noop", nil))

	// re-wrapping keeps a single ErrIO in the chain
	again := IOError("get", err)
	assert.ErrorIs(t, again, ErrIO)
	assert.Contains(t, again.Error(), "get: read page")
}

func TestCorruption(t *testing.T) {
	err := Corruption("page %d crc mismatch", 7)

	assert.ErrorIs(t, err, ErrCorruption)
	assert.Contains(t, err.Error(), "page 7 crc mismatch")
	assert.False(t, IsRetryable(err))
	assert.False(t, IsRetryable(IOError("read", err)))
	assert.False(t, IsRetryable(errors.New("plain")))
}

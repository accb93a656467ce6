package merrors

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessageIncludesOpAndComponent(t *testing.T) {
	err := NewComponent("queue.write", "queue", ErrCodeQueueFull, "no room for record")
	assert.Contains(t, err.Error(), "no room for record")
	assert.Contains(t, err.Error(), "op=queue.write")
	assert.Contains(t, err.Error(), "component=queue")
}

func TestWrapPreservesCode(t *testing.T) {
	inner := New("queue.open", ErrCodeQueueCorrupt, "bad sentinel")
	wrapped := Wrap("queue.recover", inner)
	assert.Equal(t, ErrCodeQueueCorrupt, wrapped.Code)
	assert.Equal(t, "queue.recover", wrapped.Op)
}

func TestWrapMapsErrno(t *testing.T) {
	wrapped := Wrap("procmem.read", syscall.ENOENT)
	assert.Equal(t, ErrCodeNotFound, wrapped.Code)
	assert.Equal(t, syscall.ENOENT, wrapped.Errno)
}

func TestIsMatchesByCode(t *testing.T) {
	err := New("ratelimit.check", ErrCodeRateLimited, "denied")
	assert.True(t, Is(err, ErrCodeRateLimited))
	assert.False(t, Is(err, ErrCodeQueueFull))
}

func TestErrorsAsUnwraps(t *testing.T) {
	inner := errors.New("disk full")
	wrapped := Wrap("queue.flush", inner)
	var target *Error
	assert.True(t, errors.As(wrapped, &target))
	assert.Equal(t, inner, wrapped.Unwrap())
}

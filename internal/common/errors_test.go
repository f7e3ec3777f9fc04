package common

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := NewFetchError("https://cdn.example.com/seg0.ts", 404, nil)

	assert.True(t, errors.Is(err, ErrFetch))
	assert.False(t, errors.Is(err, ErrTimeout))

	wrapped := fmt.Errorf("failed to download segment 3: %w", err)
	assert.True(t, errors.Is(wrapped, ErrFetch))

	var classified *Error
	if assert.True(t, errors.As(wrapped, &classified)) {
		assert.Equal(t, 404, classified.StatusCode)
	}
}

func TestErrorMessage(t *testing.T) {
	err := NewError(CodeDecryption, "https://cdn.example.com/seg1.ts", "decryption failed", errors.New("bad block"))
	assert.Equal(t, "decryption failed (https://cdn.example.com/seg1.ts): bad block", err.Error())
	assert.Equal(t, "media playlist has no segments", ErrNoSegments.Error())
}

func TestFromContext(t *testing.T) {
	base := errors.New("io failure")

	t.Run("nil error", func(t *testing.T) {
		assert.NoError(t, FromContext(context.Background(), context.Background(), "", nil))
	})

	t.Run("operation deadline becomes timeout", func(t *testing.T) {
		op, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
		defer cancel()
		<-op.Done()

		err := FromContext(context.Background(), op, "u", base)
		assert.True(t, errors.Is(err, ErrTimeout))
		assert.False(t, IsCancelled(err))
	})

	t.Run("parent cancellation wins", func(t *testing.T) {
		parent, cancel := context.WithCancel(context.Background())
		cancel()

		err := FromContext(parent, parent, "u", base)
		assert.True(t, errors.Is(err, ErrCancelled))
		assert.True(t, IsCancelled(err))
	})

	t.Run("parent deadline becomes timeout", func(t *testing.T) {
		parent, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
		defer cancel()
		<-parent.Done()

		err := FromContext(parent, parent, "u", base)
		assert.True(t, errors.Is(err, ErrTimeout))
		assert.False(t, IsCancelled(err))
	})

	t.Run("unrelated error passes through", func(t *testing.T) {
		err := FromContext(context.Background(), context.Background(), "u", base)
		assert.Same(t, base, err)
	})
}

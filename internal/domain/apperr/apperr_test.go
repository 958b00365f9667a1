package apperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	err := NotFound("rental", "abc")
	assert.Equal(t, KindNotFound, KindOf(err))

	wrapped := Wrap(KindStorage, "scan row", errors.New("boom"))
	assert.Equal(t, KindStorage, KindOf(wrapped))

	assert.Equal(t, KindInternalInvariant, KindOf(errors.New("plain")))
}

func TestInsufficientCredits(t *testing.T) {
	err := InsufficientCredits(10, 1000)
	require.True(t, Is(err, KindInsufficientFunds))
	assert.Equal(t, int64(10), err.Fields["available"])
	assert.Equal(t, int64(1000), err.Fields["required"])
	assert.Contains(t, err.Error(), "available 10")
}

func TestInvalidStateTransition(t *testing.T) {
	err := InvalidStateTransition("active", "pending")
	assert.True(t, Is(err, KindInvalidState))
	assert.Contains(t, err.Error(), "active -> pending")
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindTimeout, "ssh dial", cause)
	assert.ErrorIs(t, err, cause)
}

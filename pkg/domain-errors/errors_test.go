package domainerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasCode(t *testing.T) {
	t.Run("matches wrapped coded error", func(t *testing.T) {
		err := fmt.Errorf("outer: %w", New(CodeNotFound, "book not found"))
		assert.True(t, HasCode(err, CodeNotFound))
		assert.False(t, HasCode(err, CodeConflict))
	})

	t.Run("walks nested domain errors", func(t *testing.T) {
		inner := New(CodeTimeout, "upstream deadline")
		err := Wrap(inner, CodeInternal, "run failed")
		assert.True(t, HasCode(err, CodeInternal))
		assert.True(t, HasCode(err, CodeTimeout))
	})

	t.Run("plain errors carry no code", func(t *testing.T) {
		assert.False(t, HasCode(errors.New("boom"), CodeInternal))
		assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
	})
}

func TestErrorIs(t *testing.T) {
	err := Wrap(errors.New("pq: deadlock"), CodeConflict, "book is processing")
	require.ErrorIs(t, err, New(CodeConflict, "book is processing"))
	require.ErrorIs(t, err, &Error{Code: CodeConflict})
	assert.NotErrorIs(t, err, New(CodeConflict, "other message"))
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, CodeInternal, "ignored"))
}

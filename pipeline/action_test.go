package pipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapActionBands(t *testing.T) {
	tests := []struct {
		score int
		want  Action
	}{
		{0, Safe},
		{25, Safe},
		{30, Safe},
		{31, Flag},
		{60, Flag},
		{61, Tag},
		{67, Tag},
		{85, Tag},
		{86, Quarantine},
		{92, Quarantine},
		{100, Quarantine},
	}
	for _, tt := range tests {
		got, err := MapAction(tt.score)
		require.NoError(t, err, "score %d", tt.score)
		assert.Equal(t, tt.want, got, "score %d", tt.score)
	}
}

func TestMapActionRejectsOutOfRange(t *testing.T) {
	for _, score := range []int{-1, 101, 1000} {
		_, err := MapAction(score)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidScore))

		var scoreErr *InvalidScoreError
		require.True(t, errors.As(err, &scoreErr))
		assert.Equal(t, score, scoreErr.Score)
	}
}

func TestParseAction(t *testing.T) {
	for _, a := range Actions {
		got, err := ParseAction(a.String())
		require.NoError(t, err)
		assert.Equal(t, a, got)
	}

	got, err := ParseAction("QUARANTINE")
	require.NoError(t, err)
	assert.Equal(t, Quarantine, got)

	_, err = ParseAction("delete")
	assert.Error(t, err)
	assert.Equal(t, "action(9)", Action(9).String())
}

func TestActionText(t *testing.T) {
	text, err := Tag.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "tag", string(text))

	var a Action
	require.NoError(t, a.UnmarshalText([]byte("flag")))
	assert.Equal(t, Flag, a)
	assert.Error(t, a.UnmarshalText([]byte("nope")))
}

package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitEmailAddress(t *testing.T) {
	local, domain, err := SplitEmailAddress(" Alice@Example.COM ")
	require.NoError(t, err)
	assert.Equal(t, "alice", local)
	assert.Equal(t, "example.com", domain)

	for _, bad := range []string{"", "alice", "@example.com", "alice@"} {
		_, _, err := SplitEmailAddress(bad)
		assert.Error(t, err, bad)
	}
}

func TestNewArchiveKey(t *testing.T) {
	key, err := NewArchiveKey("runs", "alice@example.com", "r1", "pipeline.log")
	require.NoError(t, err)
	assert.Equal(t, "runs/example.com/alice/r1/pipeline.log", key)

	key, err = NewArchiveKey("", "alice@example.com", "r1", "outcomes-r1.json")
	require.NoError(t, err)
	assert.Equal(t, "example.com/alice/r1/outcomes-r1.json", key)
}

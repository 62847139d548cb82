package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskSecrets(t *testing.T) {
	args := []string{"imap_action.py", "--password", "hunter2", "--login=user:hunter2"}
	masked := MaskSecrets(args, "hunter2", "")

	assert.Equal(t, []string{"imap_action.py", "--password", Redacted, "--login=user:" + Redacted}, masked)
	assert.Equal(t, "hunter2", args[2], "input is not modified")
}

func TestMaskSensitive(t *testing.T) {
	assert.Equal(t, "a1 LOGIN user [REDACTED]", MaskSensitive("a1 LOGIN user secret", "LOGIN"))
	assert.Equal(t, "a1 LOGIN user", MaskSensitive("a1 LOGIN user", "LOGIN"))
	assert.Equal(t, "a1 SELECT INBOX", MaskSensitive("a1 SELECT INBOX", "LOGIN"))
}

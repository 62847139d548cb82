package helpers

import (
	"fmt"
	"path"
	"strings"
)

// SplitEmailAddress returns the lower-cased local part and domain of email.
func SplitEmailAddress(email string) (string, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "", "", fmt.Errorf("invalid email address %q", email)
	}
	return email[:at], email[at+1:], nil
}

// NewArchiveKey constructs the object key of a run artifact:
// <prefix>/<domain>/<local part>/<run id>/<name>.
func NewArchiveKey(prefix, email, runID, name string) (string, error) {
	local, domain, err := SplitEmailAddress(email)
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(path.Join(prefix, domain, local, runID, name), "/"), nil
}

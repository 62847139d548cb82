// Package privilege centralizes the questions "who is running this process"
// and "may it perform privileged operations".
//
// Components never read the effective user themselves. A single Checker is
// built at startup and handed to whatever needs it, so tests can substitute
// a Static checker.
package privilege

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"strconv"
)

// ErrNotPrivileged is returned by Require when the process lacks elevation.
var ErrNotPrivileged = errors.New("operation requires elevated privilege")

// Checker reports the identity and elevation of the invoking principal.
type Checker interface {
	// IsPrivileged reports whether privileged operations are allowed.
	IsPrivileged() bool
	// Actor is the name written into every audit and pipeline record.
	Actor() string
}

// OSChecker queries the operating system. Elevation means effective uid 0.
type OSChecker struct{}

// NewOSChecker returns the production checker.
func NewOSChecker() OSChecker {
	return OSChecker{}
}

func (OSChecker) IsPrivileged() bool {
	return os.Geteuid() == 0
}

func (OSChecker) Actor() string {
	uid := os.Geteuid()
	if u, err := user.LookupId(strconv.Itoa(uid)); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "uid:" + strconv.Itoa(uid)
}

// Static is a fixed answer, used by tests and by the forked pipeline body,
// which inherits its parent's identity.
type Static struct {
	Name       string
	Privileged bool
}

func (s Static) IsPrivileged() bool { return s.Privileged }

func (s Static) Actor() string {
	if s.Name == "" {
		return "unknown"
	}
	return s.Name
}

// Require returns an error wrapping ErrNotPrivileged when c is not elevated.
func Require(c Checker, operation string) error {
	if c.IsPrivileged() {
		return nil
	}
	return fmt.Errorf("%s as %q: %w", operation, c.Actor(), ErrNotPrivileged)
}

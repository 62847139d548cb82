package privilege

import (
	"errors"
	"testing"
)

func TestRequire(t *testing.T) {
	if err := Require(Static{Name: "root", Privileged: true}, "reset"); err != nil {
		t.Fatalf("expected nil error for privileged checker, got %v", err)
	}

	err := Require(Static{Name: "alice"}, "reset")
	if !errors.Is(err, ErrNotPrivileged) {
		t.Fatalf("expected ErrNotPrivileged, got %v", err)
	}
}

func TestStaticActorDefault(t *testing.T) {
	if got := (Static{}).Actor(); got != "unknown" {
		t.Errorf("expected 'unknown', got %q", got)
	}
}

func TestOSCheckerActorNotEmpty(t *testing.T) {
	if NewOSChecker().Actor() == "" {
		t.Error("expected a non-empty actor name")
	}
}

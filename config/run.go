package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ExecutionMode selects how the pipeline body is isolated from the controller.
type ExecutionMode int

const (
	// ModeSubshellIsolated is the zero value and the default.
	ModeSubshellIsolated ExecutionMode = iota
	ModeForkIsolated
	ModeThreadShared
)

// ErrInvalidMode is returned by ParseMode for unknown names.
var ErrInvalidMode = errors.New("invalid execution mode")

func (m ExecutionMode) String() string {
	switch m {
	case ModeForkIsolated:
		return "fork"
	case ModeThreadShared:
		return "thread"
	case ModeSubshellIsolated:
		return "subshell"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// MarshalText lets snapshots carry the mode by name.
func (m ExecutionMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText parses a mode name.
func (m *ExecutionMode) UnmarshalText(text []byte) error {
	parsed, _, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ParseMode parses a mode name. An empty name yields the default mode and
// defaulted=true so the caller can record that the default was applied.
func ParseMode(name string) (mode ExecutionMode, defaulted bool, err error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "":
		return ModeSubshellIsolated, true, nil
	case "fork", "forkisolated", "fork_isolated", "process":
		return ModeForkIsolated, false, nil
	case "thread", "threadshared", "thread_shared", "shared":
		return ModeThreadShared, false, nil
	case "subshell", "subshellisolated", "subshell_isolated", "isolated":
		return ModeSubshellIsolated, false, nil
	default:
		return ModeSubshellIsolated, false, fmt.Errorf("%w: %q (want fork, thread or subshell)", ErrInvalidMode, name)
	}
}

// ValidationError describes a configuration problem. Missing distinguishes an
// absent required parameter from an invalid value.
type ValidationError struct {
	Field   string
	Missing bool
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Missing {
		return fmt.Sprintf("missing required parameter %s", e.Field)
	}
	return fmt.Sprintf("invalid value for %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// RunOptions are the per-invocation switches that are not part of the file.
type RunOptions struct {
	RunID    string
	Reset    bool
	StopOnly bool
}

// RunConfig is the immutable snapshot of one run. It is built once by the
// controller and passed by value to every other component.
type RunConfig struct {
	RunID         string        `toml:"run_id"`
	Email         string        `toml:"email"`
	Password      string        `toml:"password"`
	Limit         int           `toml:"limit"`
	Mode          ExecutionMode `toml:"mode"`
	ModeDefaulted bool          `toml:"mode_defaulted"`
	ModeName      string        `toml:"-"`
	LogDir        string        `toml:"log_dir"`
	AutoStart     bool          `toml:"auto_start"`
	Reset         bool          `toml:"reset"`
	StopOnly      bool          `toml:"stop_only"`
	Settings      Config        `toml:"settings"`
}

// NewRunConfig snapshots cfg. The mode is parsed leniently here; Validate
// reports an unparseable mode.
func NewRunConfig(cfg Config, opts RunOptions) RunConfig {
	mode, defaulted, _ := ParseMode(cfg.Pipeline.Mode)
	return RunConfig{
		RunID:         opts.RunID,
		Email:         cfg.Mailbox.Address,
		Password:      cfg.Mailbox.Password,
		Limit:         cfg.Pipeline.Limit,
		Mode:          mode,
		ModeDefaulted: defaulted,
		ModeName:      cfg.Pipeline.Mode,
		LogDir:        cfg.Logging.GetDir(),
		AutoStart:     cfg.Service.AutoStart,
		Reset:         opts.Reset,
		StopOnly:      opts.StopOnly,
		Settings:      cfg,
	}
}

// Validate checks the snapshot. Invalid values are reported before missing
// ones so a typo is never masked by an absent credential.
func (rc RunConfig) Validate() error {
	if _, _, err := ParseMode(rc.ModeName); err != nil {
		return &ValidationError{Field: "mode", Err: err}
	}
	if rc.Limit <= 0 {
		return &ValidationError{Field: "limit", Err: fmt.Errorf("must be greater than zero, got %d", rc.Limit)}
	}
	if err := validateScores(rc.Settings.Classifier.Scores); err != nil {
		return err
	}
	executor := rc.Settings.Actions.GetExecutor()
	if executor != "imap" && executor != "command" {
		return &ValidationError{Field: "actions.executor", Err: fmt.Errorf("unknown executor %q", executor)}
	}
	for _, d := range []struct {
		field string
		value string
	}{
		{"service.start_interval", rc.Settings.Service.StartInterval},
		{"service.stop_grace", rc.Settings.Service.StopGrace},
		{"classifier.timeout", rc.Settings.Classifier.Timeout},
		{"mailbox.dial_timeout", rc.Settings.Mailbox.DialTimeout},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return &ValidationError{Field: d.field, Err: err}
		}
	}

	// Stop-only and reset never touch the mailbox.
	if rc.StopOnly || rc.Reset {
		return nil
	}
	if rc.Email == "" {
		return &ValidationError{Field: "email", Missing: true}
	}
	if !strings.Contains(rc.Email, "@") {
		return &ValidationError{Field: "email", Err: fmt.Errorf("%q is not an email address", rc.Email)}
	}
	if rc.Password == "" {
		return &ValidationError{Field: "password", Missing: true}
	}
	if executor == "command" && len(rc.Settings.Actions.Command) == 0 {
		return &ValidationError{Field: "actions.command", Missing: true}
	}
	if n := rc.Settings.Notify; n.Enabled {
		if n.SMTPAddr == "" {
			return &ValidationError{Field: "notify.smtp_addr", Missing: true}
		}
		if len(n.To) == 0 {
			return &ValidationError{Field: "notify.to", Missing: true}
		}
	}
	// Live classification needs every prediction class mapped to a score.
	if rc.Settings.Pipeline.Fixture == "" {
		scores := rc.Settings.Classifier.Scores
		for _, entry := range []struct {
			name  string
			value *int
		}{
			{"classifier.scores.phishing", scores.Phishing},
			{"classifier.scores.legitimate", scores.Legitimate},
			{"classifier.scores.suspicious", scores.Suspicious},
		} {
			if entry.value == nil {
				return &ValidationError{Field: entry.name, Missing: true}
			}
		}
	}
	return nil
}

func validateScores(s ScoreConfig) error {
	for _, entry := range []struct {
		name  string
		value *int
	}{
		{"classifier.scores.phishing", s.Phishing},
		{"classifier.scores.legitimate", s.Legitimate},
		{"classifier.scores.suspicious", s.Suspicious},
	} {
		if entry.value == nil {
			continue
		}
		if *entry.value < 0 || *entry.value > 100 {
			return &ValidationError{Field: entry.name, Err: fmt.Errorf("score %d outside 0..100", *entry.value)}
		}
	}
	return nil
}

// WriteSnapshot stores rc as the transient credentials/config artifact. The
// file holds the mailbox password, so it is created owner-only.
func WriteSnapshot(path string, rc RunConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(rc); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	return os.Rename(tmp, path)
}

// ReadSnapshot loads a snapshot written by WriteSnapshot.
func ReadSnapshot(path string) (RunConfig, error) {
	var rc RunConfig
	if _, err := toml.DecodeFile(path, &rc); err != nil {
		return RunConfig{}, fmt.Errorf("failed to read snapshot %s: %w", path, err)
	}
	rc.ModeName = rc.Mode.String()
	return rc, nil
}

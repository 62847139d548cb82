package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/inboxguard/inboxguard/consts"
)

// Defaults shared by the configuration file and the command line.
const (
	DefaultLogDir         = "/var/log/inboxguard"
	DefaultConfigFile     = "inboxguard.toml"
	DefaultLimit          = 10
	DefaultServicePort    = 8000
	DefaultIMAPServer     = "imap.gmail.com:993"
	DefaultConcurrency    = 4
	DefaultTagMailbox     = "Suspect"
	DefaultQuarantineBox  = "[Gmail]/Spam"
	AuditLogFile          = "audit.log"
	PipelineLogFile       = "pipeline.log"
	StateDirName          = "state"
	SnapshotFile          = "run.snapshot"
	ArtifactsDirName      = "artifacts"
	DefaultLedgerFileName = "ledger.db"
)

// MailboxConfig holds the IMAP account the pipeline reads from and acts on.
type MailboxConfig struct {
	Address       string `toml:"address"`
	Password      string `toml:"password"`
	Server        string `toml:"server"`         // host:port, default imap.gmail.com:993
	Insecure      bool   `toml:"insecure"`       // Plain TCP, only for local test servers
	AuthMechanism string `toml:"auth_mechanism"` // "login" (default) or "plain" (SASL PLAIN)
	Folder        string `toml:"folder"`         // Mailbox to extract from, default INBOX
	DialTimeout   string `toml:"dial_timeout"`
	Debug         bool   `toml:"debug"` // Log the IMAP exchange with credentials redacted
}

// GetDialTimeout parses the IMAP dial timeout
func (m *MailboxConfig) GetDialTimeout() (time.Duration, error) {
	if m.DialTimeout == "" {
		return 30 * time.Second, nil
	}
	return time.ParseDuration(m.DialTimeout)
}

// GetServer returns the IMAP server address with the default applied
func (m *MailboxConfig) GetServer() string {
	if m.Server == "" {
		return DefaultIMAPServer
	}
	return m.Server
}

// GetFolder returns the extraction folder with the default applied
func (m *MailboxConfig) GetFolder() string {
	if m.Folder == "" {
		return "INBOX"
	}
	return m.Folder
}

// ServiceConfig describes the inference service supervised by the controller.
type ServiceConfig struct {
	Host          string   `toml:"host"`
	Port          int      `toml:"port"`       // Well-known port the service binds, default 8000
	Entrypoint    string   `toml:"entrypoint"` // Executable that launches the service
	Args          []string `toml:"args"`
	WorkDir       string   `toml:"work_dir"`
	LogFile       string   `toml:"log_file"` // Service stdout/stderr, default <log-dir>/service.log
	AutoStart     bool     `toml:"auto_start"`
	Optional      bool     `toml:"optional"` // Run even when the service is absent (fixture runs)
	StartRetries  int      `toml:"start_retries"`
	StartInterval string   `toml:"start_interval"`
	StopGrace     string   `toml:"stop_grace"`
	HealthCheck   string   `toml:"health_interval"` // Health monitor interval while the body runs
}

// GetPort returns the service port with the default applied
func (s *ServiceConfig) GetPort() int {
	if s.Port <= 0 {
		return DefaultServicePort
	}
	return s.Port
}

// GetHost returns the service host with the default applied
func (s *ServiceConfig) GetHost() string {
	if s.Host == "" {
		return "127.0.0.1"
	}
	return s.Host
}

// GetStartRetries returns the number of readiness polls after launching the service
func (s *ServiceConfig) GetStartRetries() int {
	if s.StartRetries <= 0 {
		return 10
	}
	return s.StartRetries
}

// GetStartInterval parses the sleep between readiness polls
func (s *ServiceConfig) GetStartInterval() (time.Duration, error) {
	if s.StartInterval == "" {
		return time.Second, nil
	}
	return time.ParseDuration(s.StartInterval)
}

// GetStopGrace parses how long to wait after SIGTERM before SIGKILL
func (s *ServiceConfig) GetStopGrace() (time.Duration, error) {
	if s.StopGrace == "" {
		return 5 * time.Second, nil
	}
	return time.ParseDuration(s.StopGrace)
}

// GetHealthInterval parses the health monitor interval
func (s *ServiceConfig) GetHealthInterval() (time.Duration, error) {
	if s.HealthCheck == "" {
		return 15 * time.Second, nil
	}
	return time.ParseDuration(s.HealthCheck)
}

// ScoreConfig maps each classifier prediction class to a 0..100 score.
// Unset classes cannot be scored; no conversion formula is applied.
type ScoreConfig struct {
	Phishing   *int `toml:"phishing"`
	Legitimate *int `toml:"legitimate"`
	Suspicious *int `toml:"suspicious"`
}

// ClassifierConfig holds the inference service client settings.
type ClassifierConfig struct {
	URL        string      `toml:"url"` // Default http://<service.host>:<service.port>
	Timeout    string      `toml:"timeout"`
	MaxRetries int         `toml:"max_retries"`
	Scores     ScoreConfig `toml:"scores"`
}

// GetTimeout parses the classifier request timeout
func (c *ClassifierConfig) GetTimeout() (time.Duration, error) {
	if c.Timeout == "" {
		return 120 * time.Second, nil
	}
	return time.ParseDuration(c.Timeout)
}

// PipelineConfig holds settings for the pipeline body.
type PipelineConfig struct {
	Limit       int    `toml:"limit"`       // Number of newest messages to extract
	Mode        string `toml:"mode"`        // fork, thread or subshell
	Concurrency int    `toml:"concurrency"` // Upper bound on concurrent action invocations
	Fixture     string `toml:"fixture"`     // JSON file of {"item": score}; skips extraction and classification
}

// GetConcurrency returns the action pool size with the default applied
func (p *PipelineConfig) GetConcurrency() int {
	if p.Concurrency <= 0 {
		return DefaultConcurrency
	}
	return p.Concurrency
}

// ActionsConfig selects and configures the action executor.
type ActionsConfig struct {
	Executor          string   `toml:"executor"` // "imap" (default) or "command"
	Command           []string `toml:"command"`  // Template; {id}, {action}, {email}, {password}, {server} are substituted
	CommandTimeout    string   `toml:"command_timeout"`
	TagMailbox        string   `toml:"tag_mailbox"`
	QuarantineMailbox string   `toml:"quarantine_mailbox"`
	EnsureLabels      bool     `toml:"ensure_labels"`
	Labels            []string `toml:"labels"`
}

// GetCommandTimeout parses the per-invocation timeout of the command executor
func (a *ActionsConfig) GetCommandTimeout() (time.Duration, error) {
	if a.CommandTimeout == "" {
		return 60 * time.Second, nil
	}
	return time.ParseDuration(a.CommandTimeout)
}

// GetExecutor returns the executor kind with the default applied
func (a *ActionsConfig) GetExecutor() string {
	if a.Executor == "" {
		return "imap"
	}
	return strings.ToLower(a.Executor)
}

// GetTagMailbox returns the tag destination with the default applied
func (a *ActionsConfig) GetTagMailbox() string {
	if a.TagMailbox == "" {
		return DefaultTagMailbox
	}
	return a.TagMailbox
}

// GetQuarantineMailbox returns the quarantine destination with the default applied
func (a *ActionsConfig) GetQuarantineMailbox() string {
	if a.QuarantineMailbox == "" {
		return DefaultQuarantineBox
	}
	return a.QuarantineMailbox
}

// LoggingConfig holds diagnostic logging and sink locations.
type LoggingConfig struct {
	Output string `toml:"output"` // Diagnostic log output: "stderr", "stdout" or file path
	Format string `toml:"format"` // Diagnostic log format: "json" or "console"
	Level  string `toml:"level"`  // Diagnostic log level: "debug", "info", "warn", "error"
	Dir    string `toml:"dir"`    // Directory of the audit and pipeline sinks
}

// GetDir returns the sink directory with the default applied
func (l *LoggingConfig) GetDir() string {
	if l.Dir == "" {
		return DefaultLogDir
	}
	return l.Dir
}

// LedgerConfig controls the local run history database.
type LedgerConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"` // Default <log-dir>/state/ledger.db
	// SkipRepeated drops items whose action was already applied to the same content
	SkipRepeated bool `toml:"skip_repeated"`
}

// ArchiveConfig holds S3 settings for archiving run artifacts.
type ArchiveConfig struct {
	Enabled    bool   `toml:"enabled"`
	Endpoint   string `toml:"endpoint"`
	DisableTLS bool   `toml:"disable_tls"`
	AccessKey  string `toml:"access_key"`
	SecretKey  string `toml:"secret_key"`
	Bucket     string `toml:"bucket"`
	Prefix     string `toml:"prefix"`
	Debug      bool   `toml:"debug"`

	// EncryptionKey enables client-side AES-256-GCM when set (64 hex characters)
	EncryptionKey string `toml:"encryption_key"`
}

// MetricsConfig controls the Prometheus endpoint served during a run.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// GetAddr returns the listen address with the default applied
func (m *MetricsConfig) GetAddr() string {
	if m.Addr == "" {
		return "127.0.0.1:9108"
	}
	return m.Addr
}

// NotifyConfig controls the run report mail.
type NotifyConfig struct {
	Enabled   bool     `toml:"enabled"`
	SMTPAddr  string   `toml:"smtp_addr"`
	TLS       string   `toml:"tls"`        // "starttls" (default), "tls" or "none"
	TLSVerify *bool    `toml:"tls_verify"` // Verify the relay certificate, default true
	Username  string   `toml:"username"`
	Password  string   `toml:"password"`
	From      string   `toml:"from"`
	To        []string `toml:"to"`
}

// GetTLS returns the relay TLS mode with the default applied
func (n *NotifyConfig) GetTLS() string {
	switch strings.ToLower(n.TLS) {
	case "tls", "none":
		return strings.ToLower(n.TLS)
	default:
		return "starttls"
	}
}

// GetTLSVerify reports whether the relay certificate is verified
func (n *NotifyConfig) GetTLSVerify() bool {
	if n.TLSVerify == nil {
		return true
	}
	return *n.TLSVerify
}

// Config is the whole configuration file.
type Config struct {
	Mailbox    MailboxConfig    `toml:"mailbox"`
	Service    ServiceConfig    `toml:"service"`
	Classifier ClassifierConfig `toml:"classifier"`
	Pipeline   PipelineConfig   `toml:"pipeline"`
	Actions    ActionsConfig    `toml:"actions"`
	Logging    LoggingConfig    `toml:"logging"`
	Ledger     LedgerConfig     `toml:"ledger"`
	Archive    ArchiveConfig    `toml:"archive"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Notify     NotifyConfig     `toml:"notify"`
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() Config {
	return Config{
		Mailbox: MailboxConfig{
			Server:        DefaultIMAPServer,
			AuthMechanism: "login",
			Folder:        "INBOX",
		},
		Service: ServiceConfig{
			Host: "127.0.0.1",
			Port: DefaultServicePort,
		},
		Pipeline: PipelineConfig{
			Limit:       DefaultLimit,
			Concurrency: DefaultConcurrency,
		},
		Actions: ActionsConfig{
			Executor:          "imap",
			TagMailbox:        DefaultTagMailbox,
			QuarantineMailbox: DefaultQuarantineBox,
			Labels:            append([]string(nil), consts.DefaultLabels...),
		},
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
			Dir:    DefaultLogDir,
		},
	}
}

// ClassifierURL returns the classifier base URL, derived from the service
// address when not configured explicitly.
func (c *Config) ClassifierURL() string {
	if c.Classifier.URL != "" {
		return strings.TrimRight(c.Classifier.URL, "/")
	}
	return fmt.Sprintf("http://%s:%d", c.Service.GetHost(), c.Service.GetPort())
}

// AuditLogPath is the long-lived audit sink.
func (c *Config) AuditLogPath() string {
	return filepath.Join(c.Logging.GetDir(), AuditLogFile)
}

// PipelineLogPath is the per-run pipeline sink.
func (c *Config) PipelineLogPath() string {
	return filepath.Join(c.Logging.GetDir(), PipelineLogFile)
}

// StateDir holds the snapshot artifact, run artifacts and the ledger.
func (c *Config) StateDir() string {
	return filepath.Join(c.Logging.GetDir(), StateDirName)
}

// SnapshotPath is the transient credentials/config artifact read by the pipeline body.
func (c *Config) SnapshotPath() string {
	return filepath.Join(c.StateDir(), SnapshotFile)
}

// ArtifactsDir holds per-run outcome files.
func (c *Config) ArtifactsDir() string {
	return filepath.Join(c.StateDir(), ArtifactsDirName)
}

// LedgerPath returns the ledger database location with the default applied
func (c *Config) LedgerPath() string {
	if c.Ledger.Path != "" {
		return c.Ledger.Path
	}
	return filepath.Join(c.StateDir(), DefaultLedgerFileName)
}

// ServiceLogPath returns where the inference service writes its output
func (c *Config) ServiceLogPath() string {
	if c.Service.LogFile != "" {
		return c.Service.LogFile
	}
	return filepath.Join(c.Logging.GetDir(), "service.log")
}

// LoadConfigFromFile loads configuration from a TOML file
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	// Warn about unknown keys (might be typos or deprecated settings)
	if len(metadata.Undecoded()) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range metadata.Undecoded() {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// enhanceConfigError adds hints to common TOML mistakes
func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "has already been defined") {
		return fmt.Errorf("%w\n\nHINT: You have a duplicate configuration key in your TOML file.\n"+
			"Please remove or comment out the duplicate entry.", err)
	}

	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: Invalid boolean value in your TOML configuration file.\n"+
			"In TOML, boolean values must be exactly 'true' or 'false' (lowercase, unquoted)", err)
	}

	if strings.Contains(errMsg, "expected") || strings.Contains(errMsg, "invalid") {
		return fmt.Errorf("%w\n\nHINT: There is a syntax error in your TOML configuration file.\n"+
			"Please check that strings are quoted and brackets are balanced.", err)
	}

	return err
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))

	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			elem := v.Index(i)
			if elem.Kind() == reflect.String {
				elem.SetString(strings.TrimSpace(elem.String()))
			} else {
				trimStringFields(elem)
			}
		}

	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			field := v.Field(i)
			if field.CanSet() {
				trimStringFields(field)
			}
		}

	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}

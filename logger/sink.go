package logger

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level is the severity of a sink record.
type Level int

const (
	LevelInfo Level = iota
	LevelWarning
	LevelError
	LevelSuccess
)

// SlogLevelSuccess is LevelSuccess as a slog level, between Info and Warn.
const SlogLevelSuccess = slog.LevelInfo + 2

func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	case LevelSuccess:
		return "SUCCESS"
	default:
		return "INFO"
	}
}

// TimestampLayout is the one-second resolution timestamp of every sink line.
const TimestampLayout = "2006-01-02 15:04:05"

const (
	dirPerm  fs.FileMode = 0755
	filePerm fs.FileMode = 0644

	sinkBuffer = 256
	// sinkStall bounds how long Write waits for room in a full buffer before
	// the record goes to the diagnostic log instead.
	sinkStall = 250 * time.Millisecond
)

// LogSetupError is returned when a sink cannot be established.
type LogSetupError struct {
	Path           string
	Op             string
	NeedsPrivilege bool
	Err            error
}

func (e *LogSetupError) Error() string {
	if e.NeedsPrivilege {
		return fmt.Sprintf("log setup: %s %s requires elevated privilege: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("log setup: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *LogSetupError) Unwrap() error {
	return e.Err
}

func setupError(op, path string, err error) *LogSetupError {
	return &LogSetupError{
		Path:           path,
		Op:             op,
		NeedsPrivilege: errors.Is(err, fs.ErrPermission),
		Err:            err,
	}
}

// message kinds handled by the writer goroutine
type sinkOp int

const (
	opWrite sinkOp = iota
	opTruncate
	opFlush
)

type sinkMsg struct {
	op    sinkOp
	line  []byte
	reply chan error
}

// Sink is an append-only record channel backed by one file. A single writer
// goroutine owns the file; callers only enqueue records, so concurrent
// writers never interleave partial lines.
type Sink struct {
	name  string
	path  string
	actor string
	now   func() time.Time

	mu     sync.RWMutex // guards closed against sends on a closed channel
	closed bool
	ch     chan sinkMsg
	done   chan struct{}
	stall  time.Duration

	file     *os.File
	degraded atomic.Bool
}

// OpenSink creates the sink directory and file if needed and starts the
// writer. Calling it for an existing, writable file is a no-op success.
func OpenSink(name, path, actor string) (*Sink, error) {
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	f, err := ensureFile(path)
	if err != nil {
		return nil, err
	}

	s := &Sink{
		name:  name,
		path:  path,
		actor: actor,
		now:   time.Now,
		ch:    make(chan sinkMsg, sinkBuffer),
		done:  make(chan struct{}),
		stall: sinkStall,
		file:  f,
	}
	go s.run()
	return s, nil
}

func ensureDir(dir string) error {
	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return &LogSetupError{Path: dir, Op: "create directory", Err: fmt.Errorf("not a directory")}
		}
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return setupError("stat directory", dir, err)
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return setupError("create directory", dir, err)
	}
	// MkdirAll is subject to the umask
	if err := os.Chmod(dir, dirPerm); err != nil {
		return setupError("chmod directory", dir, err)
	}
	return nil
}

func ensureFile(path string) (*os.File, error) {
	_, statErr := os.Stat(path)
	created := errors.Is(statErr, fs.ErrNotExist)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return nil, setupError("open", path, err)
	}
	if created {
		if err := f.Chmod(filePerm); err != nil {
			f.Close()
			return nil, setupError("chmod", path, err)
		}
	}
	return f, nil
}

func (s *Sink) run() {
	defer close(s.done)
	for msg := range s.ch {
		switch msg.op {
		case opWrite:
			s.persist(msg.line)
		case opTruncate:
			msg.reply <- s.truncate()
		case opFlush:
			var err error
			if !s.degraded.Load() {
				err = s.file.Sync()
			}
			msg.reply <- err
		}
	}
	if err := s.file.Close(); err != nil {
		Warnf("[LOGGER] failed to close %s sink %s: %v", s.name, s.path, err)
	}
}

func (s *Sink) persist(line []byte) {
	if !s.degraded.Load() {
		_, err := s.file.Write(line)
		if err == nil {
			return
		}
		s.degraded.Store(true)
		Warnf("[LOGGER] %s sink %s is not writable, falling back to diagnostic log: %v", s.name, s.path, err)
	}
	Info(strings.TrimRight(string(line), "\n"), "sink", s.name)
}

func (s *Sink) truncate() error {
	if err := s.file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate %s: %w", s.path, err)
	}
	if _, err := s.file.Seek(0, 0); err != nil {
		return fmt.Errorf("failed to rewind %s: %w", s.path, err)
	}
	return nil
}

// Name returns the sink name ("audit" or "pipeline").
func (s *Sink) Name() string { return s.name }

// Path returns the backing file path.
func (s *Sink) Path() string { return s.path }

// Degraded reports whether the sink fell back to the diagnostic log.
func (s *Sink) Degraded() bool { return s.degraded.Load() }

// FormatLine renders one record in the sink line format.
func FormatLine(ts time.Time, actor string, level Level, message string) string {
	message = strings.ReplaceAll(message, "\n", " ")
	return fmt.Sprintf("%s : %s : %s : %s\n", ts.Format(TimestampLayout), actor, level, message)
}

// Write enqueues one record. It never returns an error and never waits on
// the disk: records written after Close, records that cannot be persisted and
// records that find the buffer full for longer than the stall bound go to the
// diagnostic log.
func (s *Sink) Write(level Level, message string) {
	line := []byte(FormatLine(s.now(), s.actor, level, message))

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		Info(strings.TrimRight(string(line), "\n"), "sink", s.name)
		return
	}

	msg := sinkMsg{op: opWrite, line: line}
	select {
	case s.ch <- msg:
		return
	default:
	}

	stall := time.NewTimer(s.stall)
	defer stall.Stop()
	select {
	case s.ch <- msg:
	case <-stall.C:
		Warn(strings.TrimRight(string(line), "\n"), "sink", s.name, "reason", "sink writer stalled")
	}
}

func (s *Sink) Infof(format string, args ...any) {
	s.Write(LevelInfo, fmt.Sprintf(format, args...))
}

func (s *Sink) Warningf(format string, args ...any) {
	s.Write(LevelWarning, fmt.Sprintf(format, args...))
}

func (s *Sink) Errorf(format string, args ...any) {
	s.Write(LevelError, fmt.Sprintf(format, args...))
}

func (s *Sink) Successf(format string, args ...any) {
	s.Write(LevelSuccess, fmt.Sprintf(format, args...))
}

func (s *Sink) request(op sinkOp) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("%s sink is closed", s.name)
	}
	reply := make(chan error, 1)
	s.ch <- sinkMsg{op: op, reply: reply}
	return <-reply
}

// Flush blocks until every record enqueued before the call is written.
func (s *Sink) Flush() error {
	return s.request(opFlush)
}

// Truncate empties the backing file. Only the reset operation uses it.
func (s *Sink) Truncate() error {
	return s.request(opTruncate)
}

// Close drains pending records and closes the file. Safe to call twice.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()
	<-s.done
}

// Slog adapts the sink to a *slog.Logger. Attributes are appended to the
// message as key=value pairs.
func (s *Sink) Slog() *slog.Logger {
	return slog.New(&sinkHandler{sink: s})
}

type sinkHandler struct {
	sink  *Sink
	attrs []slog.Attr
}

func (h *sinkHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelInfo
}

func (h *sinkHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Message)
	appendAttr := func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value.Any())
		return true
	}
	for _, a := range h.attrs {
		appendAttr(a)
	}
	r.Attrs(appendAttr)

	level := LevelInfo
	switch {
	case r.Level >= slog.LevelError:
		level = LevelError
	case r.Level >= slog.LevelWarn:
		level = LevelWarning
	case r.Level == SlogLevelSuccess:
		level = LevelSuccess
	}
	h.sink.Write(level, b.String())
	return nil
}

func (h *sinkHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	copy(newAttrs[len(h.attrs):], attrs)
	return &sinkHandler{sink: h.sink, attrs: newAttrs}
}

func (h *sinkHandler) WithGroup(_ string) slog.Handler {
	return h
}

// Sinks bundles the audit and pipeline channels.
type Sinks struct {
	Audit    *Sink
	Pipeline *Sink
}

// InitializeAudit opens only the audit sink. The controller does this first
// so that even a run rejected for bad parameters leaves an audit trail.
func InitializeAudit(auditPath, actor string) (*Sinks, error) {
	audit, err := OpenSink("audit", auditPath, actor)
	if err != nil {
		return nil, err
	}
	return &Sinks{Audit: audit}, nil
}

// InitializeSinks opens both sinks.
func InitializeSinks(auditPath, pipelinePath, actor string) (*Sinks, error) {
	sinks, err := InitializeAudit(auditPath, actor)
	if err != nil {
		return nil, err
	}
	if err := sinks.OpenPipeline(pipelinePath); err != nil {
		sinks.Close()
		return nil, err
	}
	return sinks, nil
}

// OpenPipeline opens the pipeline sink next to an already open audit sink.
func (s *Sinks) OpenPipeline(pipelinePath string) error {
	if s.Pipeline != nil {
		return nil
	}
	pipeline, err := OpenSink("pipeline", pipelinePath, s.Audit.actor)
	if err != nil {
		return err
	}
	s.Pipeline = pipeline
	return nil
}

// Close closes both sinks.
func (s *Sinks) Close() {
	if s == nil {
		return
	}
	if s.Pipeline != nil {
		s.Pipeline.Close()
	}
	if s.Audit != nil {
		s.Audit.Close()
	}
}

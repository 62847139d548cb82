package mailbox

import (
	"bytes"
	"io"
	"strings"
	"sync"

	"github.com/inboxguard/inboxguard/helpers"
	"github.com/inboxguard/inboxguard/logger"
)

// TraceWriter logs an IMAP protocol exchange line by line with credentials
// redacted. It is installed as the imapclient debug writer when
// [mailbox] debug is set.
type TraceWriter struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	emit func(line string)
}

// NewTraceWriter returns a writer that hands every redacted line to emit.
// A nil emit logs at debug level.
func NewTraceWriter(emit func(line string)) *TraceWriter {
	if emit == nil {
		emit = func(line string) { logger.Debugf("[IMAP] %s", line) }
	}
	return &TraceWriter{emit: emit}
}

var _ io.Writer = (*TraceWriter)(nil)

func (w *TraceWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(w.buf.Next(i+1)), "\r\n")
		if line != "" {
			w.emit(redactLine(line))
		}
	}
	return len(p), nil
}

// redactLine masks the arguments of credential-bearing commands. Client
// lines are "<tag> <command> <args>".
func redactLine(line string) string {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return line
	}
	switch cmd := strings.ToUpper(fields[1]); cmd {
	case "LOGIN", "AUTHENTICATE":
		return helpers.MaskSensitive(line, cmd)
	}
	return line
}

// Package notify mails a run report to operators through an SMTP relay.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/inboxguard/inboxguard/config"
	"github.com/inboxguard/inboxguard/logger"
	"github.com/inboxguard/inboxguard/pipeline"
	"github.com/inboxguard/inboxguard/pkg/metrics"
	"github.com/inboxguard/inboxguard/pkg/retry"
)

// maxListedFailures bounds the failure section of a report.
const maxListedFailures = 50

// SendError wraps a relay error with whether retrying could help.
// 5xx replies are permanent, 4xx replies and network errors are not.
type SendError struct {
	Err       error
	Permanent bool
}

func (e *SendError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("temporary failure: %v", e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// IsPermanentError reports whether err is a permanent SMTP failure.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr.Permanent
	}
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}
	return false
}

// Report is everything a run report mail says about one run.
type Report struct {
	RunID      string
	Mailbox    string
	Mode       string
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
	Summary    pipeline.Summary
	Outcomes   []pipeline.ActionOutcome
	Archived   []string
}

// Subject is the one-line report title.
func (r Report) Subject() string {
	status := "ok"
	if r.ExitCode != 0 {
		status = fmt.Sprintf("exit %d", r.ExitCode)
	}
	return fmt.Sprintf("[inboxguard] run %s: %d items, %d failed (%s)", r.RunID, r.Summary.Total, r.Summary.Failed, status)
}

// Text renders the plain-text report body.
func (r Report) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run:       %s\n", r.RunID)
	fmt.Fprintf(&b, "Mailbox:   %s\n", r.Mailbox)
	fmt.Fprintf(&b, "Mode:      %s\n", r.Mode)
	fmt.Fprintf(&b, "Exit code: %d\n", r.ExitCode)
	if !r.StartedAt.IsZero() {
		fmt.Fprintf(&b, "Started:   %s\n", r.StartedAt.UTC().Format(time.RFC3339))
	}
	if !r.FinishedAt.IsZero() {
		fmt.Fprintf(&b, "Finished:  %s\n", r.FinishedAt.UTC().Format(time.RFC3339))
	}

	fmt.Fprintf(&b, "\nItems: %d total, %d succeeded, %d failed\n", r.Summary.Total, r.Summary.Succeeded, r.Summary.Failed)
	for _, a := range pipeline.Actions {
		fmt.Fprintf(&b, "  %-10s %d\n", a.String(), r.Summary.ByAction[a.String()])
	}

	var failed []pipeline.ActionOutcome
	for _, o := range r.Outcomes {
		if !o.Succeeded {
			failed = append(failed, o)
		}
	}
	if len(failed) > 0 {
		sort.Slice(failed, func(i, j int) bool { return failed[i].ItemID < failed[j].ItemID })
		b.WriteString("\nFailures:\n")
		for i, o := range failed {
			if i == maxListedFailures {
				fmt.Fprintf(&b, "  ... and %d more\n", len(failed)-maxListedFailures)
				break
			}
			fmt.Fprintf(&b, "  %s (score %d, %s): %s\n", o.ItemID, o.Score, o.Action, o.Detail)
		}
	}

	if len(r.Archived) > 0 {
		b.WriteString("\nArchived artifacts:\n")
		for _, key := range r.Archived {
			fmt.Fprintf(&b, "  %s\n", key)
		}
	}
	return b.String()
}

// BuildMessage renders the report as an RFC 5322 message.
func BuildMessage(from string, to []string, r Report, now time.Time) ([]byte, error) {
	fromAddr, err := mail.ParseAddress(from)
	if err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", from, err)
	}
	rcpts := make([]*mail.Address, 0, len(to))
	for _, addr := range to {
		parsed, err := mail.ParseAddress(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid recipient %q: %w", addr, err)
		}
		rcpts = append(rcpts, parsed)
	}

	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{fromAddr})
	h.SetAddressList("To", rcpts)
	h.SetSubject(r.Subject())
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("X-Inboxguard-Run", r.RunID)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("failed to generate message id: %w", err)
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}
	if _, err := w.Write([]byte(r.Text())); err != nil {
		return nil, fmt.Errorf("failed to write report body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish message: %w", err)
	}
	return buf.Bytes(), nil
}

// Mailer sends run reports through one SMTP relay.
type Mailer struct {
	Addr      string
	TLSMode   string
	TLSConfig *tls.Config
	Username  string
	Password  string
	From      string
	To        []string
	Retry     retry.BackoffConfig
	now       func() time.Time
}

// NewMailer builds a mailer from the [notify] section. The sender defaults to
// the monitored mailbox.
func NewMailer(cfg config.NotifyConfig, mailbox string) (*Mailer, error) {
	if cfg.SMTPAddr == "" {
		return nil, fmt.Errorf("notify: smtp_addr is required")
	}
	if len(cfg.To) == 0 {
		return nil, fmt.Errorf("notify: at least one recipient is required")
	}
	from := cfg.From
	if from == "" {
		from = mailbox
	}
	host := cfg.SMTPAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return &Mailer{
		Addr:    cfg.SMTPAddr,
		TLSMode: cfg.GetTLS(),
		TLSConfig: &tls.Config{
			ServerName:         host,
			MinVersion:         tls.VersionTLS12,
			Renegotiation:      tls.RenegotiateNever,
			InsecureSkipVerify: !cfg.GetTLSVerify(),
		},
		Username: cfg.Username,
		Password: cfg.Password,
		From:     from,
		To:       cfg.To,
		Retry: retry.BackoffConfig{
			InitialInterval: time.Second,
			MaxInterval:     10 * time.Second,
			Multiplier:      2.0,
			Jitter:          true,
			MaxRetries:      2,
		},
		now: time.Now,
	}, nil
}

// Send mails the report to every recipient. Permanent relay failures are not
// retried.
func (m *Mailer) Send(ctx context.Context, r Report) error {
	msg, err := BuildMessage(m.From, m.To, r, m.now())
	if err != nil {
		metrics.ReportsSent.WithLabelValues("failure").Inc()
		return err
	}

	err = retry.WithRetryAdvanced(ctx, func() error {
		if err := m.deliver(msg); err != nil {
			if IsPermanentError(err) {
				return retry.Stop(err)
			}
			logger.Debugf("[NOTIFY] report for run %s not delivered yet: %v", r.RunID, err)
			return err
		}
		return nil
	}, m.Retry)
	if err != nil {
		metrics.ReportsSent.WithLabelValues("failure").Inc()
		return fmt.Errorf("failed to send report for run %s: %w", r.RunID, err)
	}

	metrics.ReportsSent.WithLabelValues("success").Inc()
	logger.Infof("[NOTIFY] report for run %s sent to %d recipient(s) via %s", r.RunID, len(m.To), m.Addr)
	return nil
}

func (m *Mailer) dial() (*smtp.Client, error) {
	switch m.TLSMode {
	case "none":
		return smtp.Dial(m.Addr)
	case "tls":
		return smtp.DialTLS(m.Addr, m.TLSConfig)
	default:
		return smtp.DialStartTLS(m.Addr, m.TLSConfig)
	}
}

func (m *Mailer) deliver(msg []byte) error {
	c, err := m.dial()
	if err != nil {
		return &SendError{Err: fmt.Errorf("failed to connect to %s: %w", m.Addr, err)}
	}
	defer c.Close()

	if m.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", m.Username, m.Password)); err != nil {
			return &SendError{Err: fmt.Errorf("authentication failed: %w", err), Permanent: IsPermanentError(err)}
		}
	}

	if err := c.Mail(m.From, nil); err != nil {
		return &SendError{Err: fmt.Errorf("failed to set sender: %w", err), Permanent: IsPermanentError(err)}
	}
	for _, rcpt := range m.To {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return &SendError{Err: fmt.Errorf("failed to set recipient %s: %w", rcpt, err), Permanent: IsPermanentError(err)}
		}
	}

	wc, err := c.Data()
	if err != nil {
		return &SendError{Err: fmt.Errorf("failed to start data: %w", err), Permanent: IsPermanentError(err)}
	}
	if _, err := wc.Write(msg); err != nil {
		_ = wc.Close()
		return &SendError{Err: fmt.Errorf("failed to write message: %w", err)}
	}
	if err := wc.Close(); err != nil {
		return &SendError{Err: fmt.Errorf("failed to close data writer: %w", err), Permanent: IsPermanentError(err)}
	}

	// The relay already accepted the message.
	if err := c.Quit(); err != nil {
		logger.Warn("[NOTIFY] failed to send QUIT", "error", err)
	}
	return nil
}

package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-sasl"

	"github.com/inboxguard/inboxguard/config"
	"github.com/inboxguard/inboxguard/logger"
	"github.com/inboxguard/inboxguard/pkg/retry"
)

// ErrAuthFailed is returned when the server rejects the credentials. It is
// never retried.
var ErrAuthFailed = errors.New("IMAP authentication failed")

// Dialer opens authenticated sessions.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// Auth mechanisms accepted by IMAPDialer.
const (
	AuthLogin = "login"
	AuthPlain = "plain"
)

// IMAPDialer dials a real IMAP server.
type IMAPDialer struct {
	Address   string
	Username  string
	Password  string
	Mechanism string
	Insecure  bool
	Timeout   time.Duration
	Debug     bool
	TLSConfig *tls.Config
	Retry     retry.BackoffConfig
}

// NewDialer builds a dialer from the mailbox section and the run credentials.
func NewDialer(cfg config.MailboxConfig, email, password string) (*IMAPDialer, error) {
	timeout, err := cfg.GetDialTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid mailbox dial_timeout: %w", err)
	}
	return &IMAPDialer{
		Address:   cfg.GetServer(),
		Username:  email,
		Password:  password,
		Mechanism: strings.ToLower(cfg.AuthMechanism),
		Insecure:  cfg.Insecure,
		Timeout:   timeout,
		Debug:     cfg.Debug,
		Retry: retry.BackoffConfig{
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     5 * time.Second,
			Multiplier:      2.0,
			Jitter:          true,
			MaxRetries:      3,
		},
	}, nil
}

// Dial connects, upgrades to TLS unless Insecure is set, and authenticates.
// Network failures are retried with backoff; rejected credentials are not.
func (d *IMAPDialer) Dial(ctx context.Context) (Session, error) {
	var session Session
	err := retry.WithRetryAdvanced(ctx, func() error {
		c, err := d.connect(ctx)
		if err != nil {
			logger.Debugf("[IMAP] dial %s failed: %v", d.Address, err)
			return err
		}
		if err := d.authenticate(c); err != nil {
			c.Close()
			return retry.Stop(err)
		}
		session = &imapSession{c: c}
		return nil
	}, d.Retry)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (d *IMAPDialer) connect(ctx context.Context) (*imapclient.Client, error) {
	dialer := &net.Dialer{Timeout: d.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", d.Address, err)
	}

	if !d.Insecure {
		tlsConfig := d.TLSConfig
		if tlsConfig == nil {
			host, _, splitErr := net.SplitHostPort(d.Address)
			if splitErr != nil {
				host = d.Address
			}
			tlsConfig = &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
		}
		tlsConn := tls.Client(conn, tlsConfig)
		hsCtx, cancel := context.WithTimeout(ctx, d.Timeout)
		defer cancel()
		if err := tlsConn.HandshakeContext(hsCtx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("TLS handshake with %s failed: %w", d.Address, err)
		}
		conn = tlsConn
	}

	opts := &imapclient.Options{
		WordDecoder: &mime.WordDecoder{CharsetReader: charset.Reader},
	}
	if d.Debug {
		opts.DebugWriter = NewTraceWriter(nil)
	}
	return imapclient.New(conn, opts), nil
}

func (d *IMAPDialer) authenticate(c *imapclient.Client) error {
	var err error
	switch d.Mechanism {
	case AuthPlain:
		err = c.Authenticate(sasl.NewPlainClient("", d.Username, d.Password))
	case AuthLogin, "":
		err = c.Login(d.Username, d.Password).Wait()
	default:
		return fmt.Errorf("unsupported auth mechanism %q", d.Mechanism)
	}
	if err != nil {
		return fmt.Errorf("%w for %s: %v", ErrAuthFailed, d.Username, err)
	}
	return nil
}

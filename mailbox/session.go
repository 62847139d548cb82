// Package mailbox reads messages from the monitored IMAP account and applies
// remediation actions to them.
//
// All server access goes through a Session obtained from a Dialer. The
// production Session wraps a go-imap v2 client; tests substitute an in-memory
// one.
package mailbox

import (
	"fmt"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/inboxguard/inboxguard/pkg/metrics"
)

// RawMessage is one fetched message before parsing.
type RawMessage struct {
	UID imap.UID
	Raw []byte
}

// Session is an authenticated connection. Implementations are not safe for
// concurrent use; executors open one session per action.
type Session interface {
	// Select opens a mailbox and returns its message count.
	Select(mailbox string) (uint32, error)
	// FetchRange returns the full RFC 822 content of messages with sequence
	// numbers start..stop, without setting \Seen.
	FetchRange(start, stop uint32) ([]RawMessage, error)
	AddFlags(uid imap.UID, flags ...imap.Flag) error
	Copy(uid imap.UID, dest string) error
	Move(uid imap.UID, dest string) error
	// ListMailboxes returns the names of every mailbox of the account.
	ListMailboxes() ([]string, error)
	Create(mailbox string) error
	Close() error
}

type imapSession struct {
	c *imapclient.Client
}

func observe(command string, err error) error {
	metrics.IMAPCommands.WithLabelValues(command, metrics.Result(err)).Inc()
	if err != nil {
		return fmt.Errorf("IMAP %s failed: %w", strings.ToUpper(command), err)
	}
	return nil
}

func (s *imapSession) Select(mailbox string) (uint32, error) {
	data, err := s.c.Select(mailbox, &imap.SelectOptions{ReadOnly: false}).Wait()
	if err := observe("select", err); err != nil {
		return 0, err
	}
	return data.NumMessages, nil
}

func (s *imapSession) FetchRange(start, stop uint32) ([]RawMessage, error) {
	section := &imap.FetchItemBodySection{Peek: true}
	msgs, err := s.c.Fetch(imap.SeqSet{{Start: start, Stop: stop}}, &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err := observe("fetch", err); err != nil {
		return nil, err
	}

	raws := make([]RawMessage, 0, len(msgs))
	for _, msg := range msgs {
		body := msg.FindBodySection(section)
		if body == nil {
			continue
		}
		raws = append(raws, RawMessage{UID: msg.UID, Raw: body})
	}
	return raws, nil
}

func (s *imapSession) AddFlags(uid imap.UID, flags ...imap.Flag) error {
	err := s.c.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  flags,
	}, nil).Close()
	return observe("store", err)
}

func (s *imapSession) Copy(uid imap.UID, dest string) error {
	_, err := s.c.Copy(imap.UIDSetNum(uid), dest).Wait()
	return observe("copy", err)
}

func (s *imapSession) Move(uid imap.UID, dest string) error {
	_, err := s.c.Move(imap.UIDSetNum(uid), dest).Wait()
	return observe("move", err)
}

func (s *imapSession) ListMailboxes() ([]string, error) {
	list, err := s.c.List("", "*", nil).Collect()
	if err := observe("list", err); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(list))
	for _, mbox := range list {
		names = append(names, mbox.Mailbox)
	}
	return names, nil
}

func (s *imapSession) Create(mailbox string) error {
	return observe("create", s.c.Create(mailbox, nil).Wait())
}

func (s *imapSession) Close() error {
	logoutErr := s.c.Logout().Wait()
	closeErr := s.c.Close()
	if logoutErr != nil {
		return logoutErr
	}
	return closeErr
}

package testutils

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/emersion/go-imap/v2"

	"github.com/inboxguard/inboxguard/mailbox"
)

// FakeMailbox is an in-memory account implementing mailbox.Dialer. Every
// Dial returns a new session over the same shared state.
type FakeMailbox struct {
	mu        sync.Mutex
	mailboxes map[string][]fakeMessage
	nextUID   imap.UID

	DialErr   error
	FailOn    map[string]error // command name -> error, e.g. "move"
	Dials     int
	Commands  []string
	OpenCount int
}

type fakeMessage struct {
	uid   imap.UID
	raw   []byte
	flags []imap.Flag
}

// NewFakeMailbox creates an account with an empty INBOX.
func NewFakeMailbox() *FakeMailbox {
	return &FakeMailbox{
		mailboxes: map[string][]fakeMessage{"INBOX": nil},
		nextUID:   1,
		FailOn:    map[string]error{},
	}
}

// Deliver appends a raw message to name and returns its UID.
func (f *FakeMailbox) Deliver(name string, raw string) imap.UID {
	f.mu.Lock()
	defer f.mu.Unlock()
	uid := f.nextUID
	f.nextUID++
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	raw = strings.ReplaceAll(raw, "\n", "\r\n")
	f.mailboxes[name] = append(f.mailboxes[name], fakeMessage{uid: uid, raw: []byte(raw)})
	return uid
}

// AddMailbox creates an empty mailbox.
func (f *FakeMailbox) AddMailbox(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.mailboxes[name]; !ok {
		f.mailboxes[name] = nil
	}
}

// UIDs returns the UIDs stored in name.
func (f *FakeMailbox) UIDs(name string) []imap.UID {
	f.mu.Lock()
	defer f.mu.Unlock()
	var uids []imap.UID
	for _, m := range f.mailboxes[name] {
		uids = append(uids, m.uid)
	}
	return uids
}

// Flags returns the flags of uid in name.
func (f *FakeMailbox) Flags(name string, uid imap.UID) []imap.Flag {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.mailboxes[name] {
		if m.uid == uid {
			return append([]imap.Flag(nil), m.flags...)
		}
	}
	return nil
}

// Mailboxes returns every mailbox name, sorted.
func (f *FakeMailbox) Mailboxes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.mailboxes))
	for name := range f.mailboxes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OpenSessions returns the number of sessions not yet closed.
func (f *FakeMailbox) OpenSessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.OpenCount
}

// Dial implements mailbox.Dialer.
func (f *FakeMailbox) Dial(ctx context.Context) (mailbox.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Dials++
	if f.DialErr != nil {
		return nil, f.DialErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.OpenCount++
	return &fakeSession{f: f}, nil
}

type fakeSession struct {
	f        *FakeMailbox
	selected string
	closed   bool
}

func (s *fakeSession) begin(command string) error {
	s.f.Commands = append(s.f.Commands, command)
	if s.closed {
		return fmt.Errorf("session closed")
	}
	return s.f.FailOn[command]
}

func (s *fakeSession) Select(name string) (uint32, error) {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	if err := s.begin("select"); err != nil {
		return 0, err
	}
	msgs, ok := s.f.mailboxes[name]
	if !ok {
		return 0, fmt.Errorf("no such mailbox %s", name)
	}
	s.selected = name
	return uint32(len(msgs)), nil
}

func (s *fakeSession) FetchRange(start, stop uint32) ([]mailbox.RawMessage, error) {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	if err := s.begin("fetch"); err != nil {
		return nil, err
	}
	msgs := s.f.mailboxes[s.selected]
	var out []mailbox.RawMessage
	for seq := start; seq <= stop && int(seq) <= len(msgs); seq++ {
		m := msgs[seq-1]
		out = append(out, mailbox.RawMessage{UID: m.uid, Raw: append([]byte(nil), m.raw...)})
	}
	return out, nil
}

func (s *fakeSession) find(uid imap.UID) (int, error) {
	for i, m := range s.f.mailboxes[s.selected] {
		if m.uid == uid {
			return i, nil
		}
	}
	return -1, fmt.Errorf("no message with UID %d in %s", uid, s.selected)
}

func (s *fakeSession) AddFlags(uid imap.UID, flags ...imap.Flag) error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	if err := s.begin("store"); err != nil {
		return err
	}
	i, err := s.find(uid)
	if err != nil {
		return err
	}
	msgs := s.f.mailboxes[s.selected]
	msgs[i].flags = append(msgs[i].flags, flags...)
	return nil
}

func (s *fakeSession) transfer(command string, uid imap.UID, dest string, remove bool) error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	if err := s.begin(command); err != nil {
		return err
	}
	if _, ok := s.f.mailboxes[dest]; !ok {
		return fmt.Errorf("[TRYCREATE] no such mailbox %s", dest)
	}
	i, err := s.find(uid)
	if err != nil {
		return err
	}
	msgs := s.f.mailboxes[s.selected]
	m := msgs[i]
	copied := fakeMessage{uid: s.f.nextUID, raw: m.raw, flags: append([]imap.Flag(nil), m.flags...)}
	s.f.nextUID++
	s.f.mailboxes[dest] = append(s.f.mailboxes[dest], copied)
	if remove {
		s.f.mailboxes[s.selected] = append(msgs[:i:i], msgs[i+1:]...)
	}
	return nil
}

func (s *fakeSession) Copy(uid imap.UID, dest string) error {
	return s.transfer("copy", uid, dest, false)
}

func (s *fakeSession) Move(uid imap.UID, dest string) error {
	return s.transfer("move", uid, dest, true)
}

func (s *fakeSession) ListMailboxes() ([]string, error) {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	if err := s.begin("list"); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(s.f.mailboxes))
	for name := range s.f.mailboxes {
		names = append(names, name)
	}
	return names, nil
}

func (s *fakeSession) Create(name string) error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	if err := s.begin("create"); err != nil {
		return err
	}
	if _, ok := s.f.mailboxes[name]; ok {
		return fmt.Errorf("mailbox %s already exists", name)
	}
	s.f.mailboxes[name] = nil
	return nil
}

func (s *fakeSession) Close() error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.f.OpenCount--
	}
	return nil
}

package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"

	"github.com/inboxguard/inboxguard/config"
	"github.com/inboxguard/inboxguard/logger"
	"github.com/inboxguard/inboxguard/pipeline"
)

// IMAPExecutor applies actions directly over IMAP. Item ids are message UIDs
// in the configured folder. Each Apply uses its own session so concurrent
// invocations share nothing.
type IMAPExecutor struct {
	dialer     Dialer
	folder     string
	tagBox     string
	quarantine string
	events     *slog.Logger
}

// NewIMAPExecutor creates an executor from the actions section.
func NewIMAPExecutor(dialer Dialer, folder string, actions config.ActionsConfig, events *slog.Logger) *IMAPExecutor {
	if events == nil {
		events = logger.Get()
	}
	if folder == "" {
		folder = "INBOX"
	}
	return &IMAPExecutor{
		dialer:     dialer,
		folder:     folder,
		tagBox:     actions.GetTagMailbox(),
		quarantine: actions.GetQuarantineMailbox(),
		events:     events,
	}
}

// ParseUID converts an item id to a UID.
func ParseUID(itemID string) (imap.UID, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(itemID), 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("item id %q is not a message UID", itemID)
	}
	return imap.UID(n), nil
}

// Apply implements pipeline.Executor.
func (x *IMAPExecutor) Apply(ctx context.Context, itemID string, action pipeline.Action) error {
	uid, err := ParseUID(itemID)
	if err != nil {
		return err
	}
	if action == pipeline.Safe {
		return nil
	}

	session, err := x.dialer.Dial(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	if _, err := session.Select(x.folder); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	switch action {
	case pipeline.Flag:
		return session.AddFlags(uid, imap.FlagFlagged)
	case pipeline.Tag:
		if err := ensureMailbox(session, x.tagBox); err != nil {
			return err
		}
		return session.Copy(uid, x.tagBox)
	case pipeline.Quarantine:
		return session.Move(uid, x.quarantine)
	default:
		return fmt.Errorf("unsupported action %s", action)
	}
}

func ensureMailbox(session Session, name string) error {
	_, err := ensureMailboxCreated(session, name)
	return err
}

// ensureMailboxCreated creates name unless a mailbox with the same name,
// compared case-insensitively, already exists. It reports whether it created
// one.
func ensureMailboxCreated(session Session, name string) (bool, error) {
	names, err := session.ListMailboxes()
	if err != nil {
		return false, err
	}
	for _, existing := range names {
		if strings.EqualFold(existing, name) {
			return false, nil
		}
	}
	if err := session.Create(name); err != nil {
		// A concurrent action may have created it in between
		if again, listErr := session.ListMailboxes(); listErr == nil {
			for _, existing := range again {
				if strings.EqualFold(existing, name) {
					return false, nil
				}
			}
		}
		return false, err
	}
	return true, nil
}

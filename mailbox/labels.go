package mailbox

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/inboxguard/inboxguard/logger"
)

// EnsureLabels creates every label mailbox that does not exist yet. Gmail
// exposes labels as mailboxes, so this is plain CREATE. A failure on one
// label is logged and the rest are still attempted; the returned error names
// every label that failed.
func EnsureLabels(ctx context.Context, dialer Dialer, labels []string, events *slog.Logger) error {
	if len(labels) == 0 {
		return nil
	}
	if events == nil {
		events = logger.Get()
	}

	session, err := dialer.Dial(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	var failed []string
	for _, label := range labels {
		created, err := ensureMailboxCreated(session, label)
		switch {
		case err != nil:
			events.Warn(fmt.Sprintf("label %s could not be created: %v", label, err))
			failed = append(failed, label)
		case created:
			events.Info(fmt.Sprintf("label %s created", label))
		default:
			logger.Debugf("[IMAP] label %s already exists", label)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("failed to ensure labels %v", failed)
	}
	return nil
}

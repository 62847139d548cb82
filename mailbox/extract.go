package mailbox

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"lukechampine.com/blake3"

	"github.com/inboxguard/inboxguard/classifier"
	"github.com/inboxguard/inboxguard/helpers"
	"github.com/inboxguard/inboxguard/logger"
	"github.com/inboxguard/inboxguard/pipeline"
	"github.com/inboxguard/inboxguard/pkg/metrics"
)

// Message is a parsed mailbox message. ID is the decimal UID and is what the
// rest of the pipeline calls the item id.
type Message struct {
	UID     imap.UID
	ID      string
	Sender  string
	Subject string
	Date    time.Time
	Body    string
	Size    int
	Digest  string
}

// Email converts the message to the classifier request shape.
func (m Message) Email() classifier.Email {
	return classifier.Email{
		ID:      m.ID,
		Sender:  m.Sender,
		Subject: m.Subject,
		Body:    m.Body,
	}
}

// Digest returns the hex blake3 hash of raw message bytes.
func Digest(raw []byte) string {
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// ParseMessage decodes raw RFC 822 content. Headers are charset decoded and
// the body is reduced to text; a message without a text part keeps an empty
// body rather than failing.
func ParseMessage(uid imap.UID, raw []byte) (Message, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return Message{}, fmt.Errorf("failed to parse message %d: %w", uid, err)
	}

	header := mail.Header{Header: entity.Header}
	msg := Message{
		UID:    uid,
		ID:     strconv.FormatUint(uint64(uid), 10),
		Size:   len(raw),
		Digest: Digest(raw),
	}

	if subject, err := header.Subject(); err == nil {
		msg.Subject = helpers.SanitizeUTF8(subject)
	} else {
		msg.Subject = helpers.SanitizeUTF8(header.Get("Subject"))
	}
	if from, err := header.AddressList("From"); err == nil && len(from) > 0 {
		msg.Sender = from[0].String()
	} else {
		msg.Sender = helpers.SanitizeUTF8(header.Get("From"))
	}
	if date, err := header.Date(); err == nil {
		msg.Date = date
	}

	body, err := helpers.ExtractText(entity)
	if err != nil && !errors.Is(err, helpers.ErrNoTextPart) {
		return Message{}, fmt.Errorf("failed to read body of message %d: %w", uid, err)
	}
	msg.Body = body
	return msg, nil
}

// Extractor fetches the newest messages of one folder.
type Extractor struct {
	dialer Dialer
	folder string
	events *slog.Logger
}

// NewExtractor creates an extractor. events receives per-run records and may
// be nil.
func NewExtractor(dialer Dialer, folder string, events *slog.Logger) *Extractor {
	if folder == "" {
		folder = "INBOX"
	}
	if events == nil {
		events = logger.Get()
	}
	return &Extractor{dialer: dialer, folder: folder, events: events}
}

// Fetch returns up to limit of the newest messages, newest first. Messages
// that cannot be parsed are skipped with a warning.
func (e *Extractor) Fetch(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("invalid extraction limit %d", limit)
	}

	session, err := e.dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	count, err := session.Select(e.folder)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		e.events.Info(fmt.Sprintf("mailbox %s is empty, nothing to extract", e.folder))
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := uint32(1)
	if count > uint32(limit) {
		start = count - uint32(limit) + 1
	}
	raws, err := session.FetchRange(start, count)
	if err != nil {
		return nil, err
	}

	msgs := make([]Message, 0, len(raws))
	for _, raw := range raws {
		msg, err := ParseMessage(raw.UID, raw.Raw)
		if err != nil {
			e.events.Warn(fmt.Sprintf("skipping message %d: %v", raw.UID, err))
			continue
		}
		msgs = append(msgs, msg)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].UID > msgs[j].UID })

	metrics.ItemsExtracted.Add(float64(len(msgs)))
	e.events.Info(fmt.Sprintf("extracted %d of %d messages from %s", len(msgs), count, e.folder))
	return msgs, nil
}

// Items implements pipeline.Source.
func (e *Extractor) Items(ctx context.Context, limit int) ([]pipeline.Item, error) {
	msgs, err := e.Fetch(ctx, limit)
	if err != nil {
		return nil, err
	}
	items := make([]pipeline.Item, len(msgs))
	for i, m := range msgs {
		items[i] = pipeline.Item{Email: m.Email(), Digest: m.Digest}
	}
	return items, nil
}

package helpers

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/emersion/go-message"
	"github.com/k3a/html2text"
)

// MaxTextPartSize bounds how much of a single text part is read.
const MaxTextPartSize = 1 << 20

var base64DataURI = regexp.MustCompile(`data:[a-zA-Z0-9.+/-]+;base64,[A-Za-z0-9+/=]{50,}`)

// stripBase64DataURIs replaces embedded base64 payloads (inline images in
// newsletters) before HTML conversion.
func stripBase64DataURIs(s string) string {
	return base64DataURI.ReplaceAllString(s, "[embedded-image]")
}

// ExtractText walks the MIME tree of msg and returns its readable body. The
// first text/plain part wins; otherwise the first text/html part is converted
// to text. Attachments are skipped. Transfer encodings are already undone by
// go-message when the entity was read with message.Read.
func ExtractText(msg *message.Entity) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("nil message entity")
	}

	var plain, html *string

	var walk func(*message.Entity) error
	walk = func(entity *message.Entity) error {
		if plain != nil {
			return nil
		}
		mediaType, _, err := entity.Header.ContentType()
		if err != nil {
			// Missing or malformed Content-Type defaults to text/plain (RFC 2045)
			mediaType = "text/plain"
		}

		if mr := entity.MultipartReader(); mr != nil {
			for {
				part, err := mr.NextPart()
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return fmt.Errorf("error reading multipart: %w", err)
				}
				if err := walk(part); err != nil {
					return err
				}
			}
		}

		if disp, _, _ := entity.Header.ContentDisposition(); disp == "attachment" {
			return nil
		}
		if mediaType != "text/plain" && mediaType != "text/html" {
			return nil
		}

		content, err := io.ReadAll(io.LimitReader(entity.Body, MaxTextPartSize))
		if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
			return fmt.Errorf("error reading %s part: %w", mediaType, err)
		}
		s := string(content)
		switch mediaType {
		case "text/plain":
			plain = &s
		case "text/html":
			if html == nil {
				html = &s
			}
		}
		return nil
	}

	if err := walk(msg); err != nil {
		return "", err
	}

	switch {
	case plain != nil:
		return SanitizeUTF8(strings.TrimSpace(*plain)), nil
	case html != nil:
		text := html2text.HTML2Text(stripBase64DataURIs(*html))
		return SanitizeUTF8(strings.TrimSpace(text)), nil
	default:
		return "", ErrNoTextPart
	}
}

// ErrNoTextPart is returned when a message has neither a text/plain nor a
// text/html part.
var ErrNoTextPart = errors.New("message has no text part")

// Package extractor parses raw messages and the calendar invitations they carry.
package extractor

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/k3a/html2text"

	"inviteflow/internal/model"
)

// maxPartSize bounds how much of a single MIME part is read.
const maxPartSize = 4 << 20

// ParsedMessage is the addressing and content of one message.
type ParsedMessage struct {
	MessageID string
	From      string
	To        []string
	Subject   string
	Date      time.Time
	Body      string
	// Calendar is the first calendar payload found, nil when there is none.
	Calendar []byte
}

// ParseMessage walks the MIME tree of raw. The text body falls back to the
// HTML part converted to text. Structural failures wrap model.ErrParse.
func ParseMessage(raw []byte) (*ParsedMessage, error) {
	// An unknown top-level charset still yields a usable reader; an unknown
	// top-level transfer encoding yields none.
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if mr == nil || (err != nil && !message.IsUnknownCharset(err)) {
		return nil, fmt.Errorf("%w: reading message header: %w", model.ErrParse, err)
	}
	defer mr.Close()

	parsed := &ParsedMessage{}
	readHeader(&mr.Header, parsed)

	var textBody, htmlBody string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) || message.IsUnknownEncoding(err) {
				continue
			}
			return nil, fmt.Errorf("%w: reading MIME part: %w", model.ErrParse, err)
		}

		var contentType, filename string
		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			var params map[string]string
			contentType, params, _ = h.ContentType()
			filename = params["name"]
		case *mail.AttachmentHeader:
			contentType, _, _ = h.ContentType()
			filename, _ = h.Filename()
		}

		body, err := io.ReadAll(io.LimitReader(part.Body, maxPartSize))
		if err != nil {
			continue
		}

		switch {
		case isCalendarPart(contentType, filename):
			if parsed.Calendar == nil {
				parsed.Calendar = body
			}
		case contentType == "text/plain" && textBody == "":
			textBody = string(body)
		case contentType == "text/html" && htmlBody == "":
			htmlBody = string(body)
		}
	}

	parsed.Body = strings.TrimSpace(textBody)
	if parsed.Body == "" && htmlBody != "" {
		parsed.Body = strings.TrimSpace(html2text.HTML2Text(htmlBody))
	}
	return parsed, nil
}

func readHeader(h *mail.Header, parsed *ParsedMessage) {
	parsed.MessageID, _ = h.MessageID()
	parsed.Subject, _ = h.Subject()
	parsed.Date, _ = h.Date()

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		parsed.From = strings.ToLower(from[0].Address)
	}
	for _, field := range []string{"To", "Cc"} {
		addrs, err := h.AddressList(field)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			parsed.To = append(parsed.To, strings.ToLower(a.Address))
		}
	}
}

// isCalendarPart matches text/calendar, application/ics and *.ics parts.
func isCalendarPart(contentType, filename string) bool {
	switch strings.ToLower(contentType) {
	case "text/calendar", "application/ics":
		return true
	}
	return strings.EqualFold(filepath.Ext(filename), ".ics")
}

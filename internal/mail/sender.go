// Package mail renders outbound messages and delivers them through the
// supported providers.
package mail

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sender delivers one copy of an email to a single recipient.
type Sender interface {
	Provider() string
	Send(ctx context.Context, d Delivery) error
}

// Delivery is a single-recipient send of an outbox item. Recipients is the
// full list shown in the To header; Recipient is the envelope target.
type Delivery struct {
	ItemID      uuid.UUID
	From        string
	Subject     string
	HTMLBody    string
	Recipient   string
	Recipients  []string
	Attachments []AttachmentPart
	Date        time.Time
}

// Message renders the copy for d.Recipient with that address listed first.
func (d Delivery) Message() ([]byte, error) {
	date := d.Date
	if date.IsZero() {
		date = time.Now()
	}
	return BuildMessage(MessageParams{
		From:        d.From,
		To:          ReorderRecipients(d.Recipients, d.Recipient),
		Subject:     d.Subject,
		HTMLBody:    d.HTMLBody,
		Boundary:    NewBoundary(),
		Date:        date,
		MessageID:   newMessageID(d.ItemID, d.From),
		Attachments: d.Attachments,
	})
}

func newMessageID(itemID uuid.UUID, from string) string {
	domain := "mailpost.local"
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		domain = strings.Trim(from[at+1:], "> ")
	}
	return fmt.Sprintf("<%s.%s@%s>", itemID, strings.ReplaceAll(uuid.NewString(), "-", "")[:12], domain)
}

// ProviderError is a failed send to one recipient.
type ProviderError struct {
	Provider   string
	Recipient  string
	Message    string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Recipient == "" {
		return e.Message
	}
	return e.Recipient + ": " + e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

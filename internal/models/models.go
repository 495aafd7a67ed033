package models

import (
	"time"

	"github.com/google/uuid"
)

// OutboxStatus is the lifecycle state of a queued email.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSending OutboxStatus = "sending"
	OutboxFailed  OutboxStatus = "failed"
)

// Provider names recorded on delivered emails and in metrics.
const (
	ProviderSES   = "ses"
	ProviderGmail = "gmail"
)

type OutboxItem struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	ToEmail      string
	FromEmail    string
	Subject      string
	Body         string
	Status       OutboxStatus
	ErrorMessage string
	Attachments  []Attachment
	CreatedAt    time.Time
	UpdatedAt    time.Time

	// AttachmentsErr is set when the stored attachment list could not be
	// decoded. Such an item is claimed but can only be failed.
	AttachmentsErr error
}

// Attachment references blob content uploaded alongside an outbox row.
type Attachment struct {
	FileName    string `json:"filename"`
	ContentType string `json:"content_type"`
	StorageKey  string `json:"storage_key"`
}

// SentEmail is the archived copy of a delivered outbox item. Its ID is the
// outbox item's ID.
type SentEmail struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	ToEmail     string
	FromEmail   string
	Subject     string
	Body        string
	Attachments []Attachment
	Provider    string
	CreatedAt   time.Time
	SentAt      time.Time
}

type SESCredential struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	SMTPUsername string
	SMTPPassword string
	Region       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type GmailCredential struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Address     string
	AppPassword string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

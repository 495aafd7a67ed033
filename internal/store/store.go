package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/znz-systems/mailpost/internal/models"
)

// OutboxStore persists the email_outbox queue and its archive in email_sent.
// Claim methods move rows to 'sending' in a single statement so concurrent
// drain passes never pick the same row.
type OutboxStore interface {
	ClaimPendingOutboxItems(ctx context.Context, limit int) ([]models.OutboxItem, error)
	ClaimOutboxItem(ctx context.Context, id uuid.UUID) (*models.OutboxItem, error)
	MarkOutboxItemFailed(ctx context.Context, id uuid.UUID, reason string) error
	ArchiveOutboxItem(ctx context.Context, item *models.OutboxItem, provider string) (*models.SentEmail, error)
	RequeueOutboxItem(ctx context.Context, id uuid.UUID) error
	RequeueStaleOutboxItems(ctx context.Context, olderThan time.Time) (int, error)
}

// CredentialStore reads provider credentials managed by the settings UI.
// Both lookups return sql.ErrNoRows when nothing is configured.
type CredentialStore interface {
	GetSESCredentialByUserID(ctx context.Context, userID uuid.UUID) (*models.SESCredential, error)
	GetGmailCredential(ctx context.Context, userID uuid.UUID, address string) (*models.GmailCredential, error)
}

package postgres

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"
	"github.com/znz-systems/mailpost/internal/models"
)

type CredentialStore struct {
	db *sql.DB
}

func NewCredentialStore(db *sql.DB) *CredentialStore {
	return &CredentialStore{db: db}
}

func (s *CredentialStore) GetSESCredentialByUserID(ctx context.Context, userID uuid.UUID) (*models.SESCredential, error) {
	cred := &models.SESCredential{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, smtp_username, smtp_password, region, created_at, updated_at
		 FROM amazon_ses_settings
		 WHERE user_id = $1
		 ORDER BY updated_at DESC
		 LIMIT 1`,
		userID,
	).Scan(&cred.ID, &cred.UserID, &cred.SMTPUsername, &cred.SMTPPassword, &cred.Region, &cred.CreatedAt, &cred.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return cred, nil
}

func (s *CredentialStore) GetGmailCredential(ctx context.Context, userID uuid.UUID, address string) (*models.GmailCredential, error) {
	cred := &models.GmailCredential{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, address, app_password, created_at, updated_at
		 FROM google_smtp_emails
		 WHERE user_id = $1 AND lower(address) = $2`,
		userID, strings.ToLower(strings.TrimSpace(address)),
	).Scan(&cred.ID, &cred.UserID, &cred.Address, &cred.AppPassword, &cred.CreatedAt, &cred.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return cred, nil
}

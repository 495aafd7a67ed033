package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/znz-systems/mailpost/internal/models"
)

const outboxColumns = `id, user_id, to_email, from_email, subject, body, status, error_message, attachments, created_at, updated_at`

type OutboxStore struct {
	db *sql.DB
}

func NewOutboxStore(db *sql.DB) *OutboxStore {
	return &OutboxStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutboxItem(row rowScanner) (*models.OutboxItem, error) {
	item := &models.OutboxItem{}
	var (
		status       string
		errorMessage sql.NullString
		attachments  []byte
	)
	err := row.Scan(
		&item.ID, &item.UserID, &item.ToEmail, &item.FromEmail, &item.Subject, &item.Body,
		&status, &errorMessage, &attachments, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	item.Status = models.OutboxStatus(status)
	item.ErrorMessage = errorMessage.String
	// A bad attachments column fails only this row; the dispatcher reports it.
	item.Attachments, item.AttachmentsErr = decodeAttachments(attachments)
	return item, nil
}

func decodeAttachments(raw []byte) ([]models.Attachment, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out []models.Attachment
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode attachments: %w", err)
	}
	return out, nil
}

func encodeAttachments(attachments []models.Attachment) ([]byte, error) {
	if attachments == nil {
		attachments = []models.Attachment{}
	}
	return json.Marshal(attachments)
}

// ClaimPendingOutboxItems moves up to limit of the oldest pending rows to
// 'sending' and returns them ordered by created_at.
func (s *OutboxStore) ClaimPendingOutboxItems(ctx context.Context, limit int) ([]models.OutboxItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`WITH next_items AS (
			SELECT id
			FROM email_outbox
			WHERE status = 'pending'
			ORDER BY created_at ASC, id ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE email_outbox o
		SET status = 'sending',
			updated_at = NOW()
		FROM next_items
		WHERE o.id = next_items.id
		RETURNING o.id, o.user_id, o.to_email, o.from_email, o.subject, o.body, o.status,
			o.error_message, o.attachments, o.created_at, o.updated_at`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.OutboxItem
	for rows.Next() {
		item, err := scanOutboxItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING does not preserve the CTE ordering.
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

// ClaimOutboxItem claims one row by id if it is pending or failed. It returns
// nil, nil when the row does not exist or is already being sent.
func (s *OutboxStore) ClaimOutboxItem(ctx context.Context, id uuid.UUID) (*models.OutboxItem, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE email_outbox
		 SET status = 'sending',
		     updated_at = NOW()
		 WHERE id = $1
		   AND status IN ('pending', 'failed')
		 RETURNING `+outboxColumns,
		id,
	)
	item, err := scanOutboxItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return item, nil
}

func (s *OutboxStore) MarkOutboxItemFailed(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE email_outbox
		 SET status = 'failed',
		     error_message = $2,
		     updated_at = NOW()
		 WHERE id = $1`,
		id, reason,
	)
	return err
}

// ArchiveOutboxItem writes the email_sent record and deletes the outbox row in
// one transaction.
func (s *OutboxStore) ArchiveOutboxItem(ctx context.Context, item *models.OutboxItem, provider string) (*models.SentEmail, error) {
	attachments, err := encodeAttachments(item.Attachments)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	sent := &models.SentEmail{
		ID:          item.ID,
		UserID:      item.UserID,
		ToEmail:     item.ToEmail,
		FromEmail:   item.FromEmail,
		Subject:     item.Subject,
		Body:        item.Body,
		Attachments: item.Attachments,
		Provider:    provider,
		CreatedAt:   item.CreatedAt,
	}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO email_sent (id, user_id, to_email, from_email, subject, body, attachments, provider, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING sent_at`,
		sent.ID, sent.UserID, sent.ToEmail, sent.FromEmail, sent.Subject, sent.Body,
		attachments, sent.Provider, sent.CreatedAt,
	).Scan(&sent.SentAt)
	if err != nil {
		return nil, fmt.Errorf("insert sent email: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM email_outbox WHERE id = $1`, item.ID); err != nil {
		return nil, fmt.Errorf("delete outbox item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return sent, nil
}

// RequeueOutboxItem resets a failed row to pending. It returns sql.ErrNoRows
// when no failed row has that id.
func (s *OutboxStore) RequeueOutboxItem(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE email_outbox
		 SET status = 'pending',
		     error_message = NULL,
		     updated_at = NOW()
		 WHERE id = $1
		   AND status = 'failed'`,
		id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// RequeueStaleOutboxItems returns rows left in 'sending' since before
// olderThan to the pending queue.
func (s *OutboxStore) RequeueStaleOutboxItems(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE email_outbox
		 SET status = 'pending',
		     updated_at = NOW()
		 WHERE status = 'sending'
		   AND updated_at < $1`,
		olderThan,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

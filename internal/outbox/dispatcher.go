// Package outbox drains the email_outbox queue through the configured
// providers and records each item's terminal state.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/znz-systems/mailpost/internal/blob"
	"github.com/znz-systems/mailpost/internal/mail"
	"github.com/znz-systems/mailpost/internal/metrics"
	"github.com/znz-systems/mailpost/internal/models"
	"github.com/znz-systems/mailpost/internal/store"
)

const (
	DefaultBatchSize    = 10
	DefaultDrainTimeout = 2 * time.Minute

	StatusSent   = "sent"
	StatusFailed = "failed"

	// Terminal writes run detached from the drain deadline.
	persistTimeout = 10 * time.Second
)

var (
	ErrNoProvider   = errors.New("No email provider configured")
	ErrNoRecipients = errors.New("No valid recipients")
)

// DrainRequest selects single-item mode when EmailID is set.
type DrainRequest struct {
	EmailID *uuid.UUID
}

type ItemResult struct {
	ID     uuid.UUID `json:"id"`
	Status string    `json:"status"`
	Error  string    `json:"error,omitempty"`
}

type BatchResult struct {
	Success   bool         `json:"success"`
	Processed int          `json:"processed"`
	Results   []ItemResult `json:"results"`
}

type Options struct {
	BatchSize int
	Timeout   time.Duration

	// NewSES and NewGmail build a sender for one credential row. A nil
	// factory disables that provider.
	NewSES   func(models.SESCredential) mail.Sender
	NewGmail func(models.GmailCredential) mail.Sender

	Now func() time.Time
}

type Dispatcher struct {
	outbox    store.OutboxStore
	creds     store.CredentialStore
	blobs     blob.Store
	newSES    func(models.SESCredential) mail.Sender
	newGmail  func(models.GmailCredential) mail.Sender
	batchSize int
	timeout   time.Duration
	now       func() time.Time
}

func NewDispatcher(outbox store.OutboxStore, creds store.CredentialStore, blobs blob.Store, opts Options) *Dispatcher {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultDrainTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		outbox:    outbox,
		creds:     creds,
		blobs:     blobs,
		newSES:    opts.NewSES,
		newGmail:  opts.NewGmail,
		batchSize: batchSize,
		timeout:   timeout,
		now:       now,
	}
}

// Drain claims candidates and processes each one to a terminal state. Only a
// failure to claim is returned as an error; per-item failures are reported
// in the result.
func (d *Dispatcher) Drain(ctx context.Context, req DrainRequest) (*BatchResult, error) {
	started := time.Now()
	defer func() { metrics.RecordDrain(time.Since(started)) }()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	items, err := d.claim(ctx, req)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{Success: true, Results: make([]ItemResult, 0, len(items))}
	for i := range items {
		res := d.processItem(ctx, &items[i])
		result.Results = append(result.Results, res)
		result.Processed++
	}

	if len(items) > 0 {
		slog.Info("outbox drain complete", "processed", result.Processed, "single", req.EmailID != nil)
	}
	return result, nil
}

func (d *Dispatcher) claim(ctx context.Context, req DrainRequest) ([]models.OutboxItem, error) {
	if req.EmailID != nil {
		item, err := d.outbox.ClaimOutboxItem(ctx, *req.EmailID)
		if err != nil {
			return nil, fmt.Errorf("claim outbox item %s: %w", *req.EmailID, err)
		}
		if item == nil {
			return nil, nil
		}
		return []models.OutboxItem{*item}, nil
	}

	items, err := d.outbox.ClaimPendingOutboxItems(ctx, d.batchSize)
	if err != nil {
		return nil, fmt.Errorf("claim pending outbox items: %w", err)
	}
	return items, nil
}

// processItem never returns without persisting a terminal state, including
// when delivery code panics.
func (d *Dispatcher) processItem(ctx context.Context, item *models.OutboxItem) (res ItemResult) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("outbox item panicked", "outbox_id", item.ID, "panic", r)
			res = d.fail(ctx, item, fmt.Sprintf("unexpected error: %v", r))
		}
	}()

	provider, err := d.deliver(ctx, item)
	if err != nil {
		return d.fail(ctx, item, err.Error())
	}

	persistCtx, cancel := detached(ctx)
	defer cancel()
	if _, err := d.outbox.ArchiveOutboxItem(persistCtx, item, provider); err != nil {
		slog.Error("failed to archive delivered outbox item", "outbox_id", item.ID, "provider", provider, "error", err)
		return d.fail(ctx, item, "delivered via "+provider+" but archiving failed: "+err.Error())
	}

	metrics.RecordOutboxItem(StatusSent)
	slog.Info("outbox item sent", "outbox_id", item.ID, "provider", provider)
	return ItemResult{ID: item.ID, Status: StatusSent}
}

// deliver sends item to every recipient, SES first and Gmail as a whole-item
// fallback. It returns the provider that delivered all copies.
func (d *Dispatcher) deliver(ctx context.Context, item *models.OutboxItem) (string, error) {
	if item.AttachmentsErr != nil {
		return "", fmt.Errorf("unreadable outbox item: %w", item.AttachmentsErr)
	}

	recipients := mail.ParseRecipients(item.ToEmail)
	if len(recipients) == 0 {
		return "", ErrNoRecipients
	}

	sesCred, err := d.creds.GetSESCredentialByUserID(ctx, item.UserID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("load ses credential: %w", err)
	}
	gmailCred, err := d.creds.GetGmailCredential(ctx, item.UserID, item.FromEmail)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("load gmail credential: %w", err)
	}
	if d.newSES == nil {
		sesCred = nil
	}
	if d.newGmail == nil {
		gmailCred = nil
	}
	if sesCred == nil && gmailCred == nil {
		return "", ErrNoProvider
	}

	attachments, err := d.loadAttachments(ctx, item.Attachments)
	if err != nil {
		return "", err
	}

	base := mail.Delivery{
		ItemID:      item.ID,
		From:        item.FromEmail,
		Subject:     item.Subject,
		HTMLBody:    item.Body,
		Recipients:  recipients,
		Attachments: attachments,
		Date:        d.now(),
	}

	var sesErr error
	if sesCred != nil {
		sesErr = sendConcurrent(ctx, d.newSES(*sesCred), base)
		if sesErr == nil {
			return models.ProviderSES, nil
		}
		slog.Warn("ses delivery failed", "outbox_id", item.ID, "error", sesErr, "fallback", gmailCred != nil)
	}

	if gmailCred != nil {
		gmailErr := sendSequential(ctx, d.newGmail(*gmailCred), base)
		if gmailErr == nil {
			return models.ProviderGmail, nil
		}
		if sesErr != nil {
			return "", fmt.Errorf("%s; gmail fallback: %s", sesErr, gmailErr)
		}
		return "", gmailErr
	}
	return "", sesErr
}

func (d *Dispatcher) loadAttachments(ctx context.Context, refs []models.Attachment) ([]mail.AttachmentPart, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	if d.blobs == nil {
		return nil, errors.New("attachments present but no blob store configured")
	}
	parts := make([]mail.AttachmentPart, 0, len(refs))
	for _, ref := range refs {
		content, err := d.blobs.Get(ctx, ref.StorageKey)
		if err != nil {
			return nil, fmt.Errorf("load attachment %q: %w", ref.FileName, err)
		}
		parts = append(parts, mail.AttachmentPart{
			FileName:    ref.FileName,
			ContentType: ref.ContentType,
			Content:     content,
		})
	}
	return parts, nil
}

func (d *Dispatcher) fail(ctx context.Context, item *models.OutboxItem, reason string) ItemResult {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unknown error"
	}

	persistCtx, cancel := detached(ctx)
	defer cancel()
	if err := d.outbox.MarkOutboxItemFailed(persistCtx, item.ID, reason); err != nil {
		slog.Error("failed to mark outbox item failed", "outbox_id", item.ID, "error", err)
	}

	metrics.RecordOutboxItem(StatusFailed)
	slog.Warn("outbox item failed", "outbox_id", item.ID, "reason", reason)
	return ItemResult{ID: item.ID, Status: StatusFailed, Error: reason}
}

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

// sendConcurrent sends every copy at once and waits for all of them.
func sendConcurrent(ctx context.Context, s mail.Sender, base mail.Delivery) error {
	errs := make([]error, len(base.Recipients))
	var wg sync.WaitGroup
	for i, rcpt := range base.Recipients {
		wg.Add(1)
		go func(i int, rcpt string) {
			defer wg.Done()
			errs[i] = sendOne(ctx, s, base, rcpt)
		}(i, rcpt)
	}
	wg.Wait()
	return aggregate(errs)
}

func sendSequential(ctx context.Context, s mail.Sender, base mail.Delivery) error {
	errs := make([]error, len(base.Recipients))
	for i, rcpt := range base.Recipients {
		errs[i] = sendOne(ctx, s, base, rcpt)
	}
	return aggregate(errs)
}

func sendOne(ctx context.Context, s mail.Sender, base mail.Delivery, rcpt string) (err error) {
	d := base
	d.Recipient = rcpt

	// SES copies run on their own goroutines, out of reach of processItem's
	// recover.
	defer func() {
		if r := recover(); r != nil {
			err = &mail.ProviderError{Provider: s.Provider(), Recipient: rcpt, Message: fmt.Sprintf("unexpected error: %v", r)}
		}
	}()

	started := time.Now()
	err = s.Send(ctx, d)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordProviderSend(s.Provider(), status, time.Since(started))

	if err != nil {
		var perr *mail.ProviderError
		if !errors.As(err, &perr) {
			err = &mail.ProviderError{Provider: s.Provider(), Recipient: rcpt, Message: err.Error(), Err: err}
		}
		return err
	}
	return nil
}

// aggregate folds per-recipient failures, in recipient order, into
// "Failed to send to N recipients: r1, r2".
func aggregate(errs []error) error {
	var reasons []string
	for _, err := range errs {
		if err != nil {
			reasons = append(reasons, err.Error())
		}
	}
	if len(reasons) == 0 {
		return nil
	}
	return fmt.Errorf("Failed to send to %d recipients: %s", len(reasons), strings.Join(reasons, ", "))
}

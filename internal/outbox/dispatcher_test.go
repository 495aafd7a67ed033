package outbox

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/znz-systems/mailpost/internal/blob"
	"github.com/znz-systems/mailpost/internal/mail"
	"github.com/znz-systems/mailpost/internal/models"
)

// --- Mock stores ---

type mockOutboxStore struct {
	mu         sync.Mutex
	items      map[uuid.UUID]*models.OutboxItem
	archived   map[uuid.UUID]string
	claimErr   error
	archiveErr error

	staleCutoff time.Time
	staleCount  int
}

func newMockOutboxStore(items ...*models.OutboxItem) *mockOutboxStore {
	m := &mockOutboxStore{
		items:    make(map[uuid.UUID]*models.OutboxItem),
		archived: make(map[uuid.UUID]string),
	}
	for _, it := range items {
		m.items[it.ID] = it
	}
	return m
}

func (m *mockOutboxStore) ClaimPendingOutboxItems(_ context.Context, limit int) ([]models.OutboxItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return nil, m.claimErr
	}
	var pending []*models.OutboxItem
	for _, it := range m.items {
		if it.Status == models.OutboxPending {
			pending = append(pending, it)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	if len(pending) > limit {
		pending = pending[:limit]
	}
	out := make([]models.OutboxItem, 0, len(pending))
	for _, it := range pending {
		it.Status = models.OutboxSending
		out = append(out, *it)
	}
	return out, nil
}

func (m *mockOutboxStore) ClaimOutboxItem(_ context.Context, id uuid.UUID) (*models.OutboxItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return nil, m.claimErr
	}
	it, ok := m.items[id]
	if !ok || (it.Status != models.OutboxPending && it.Status != models.OutboxFailed) {
		return nil, nil
	}
	it.Status = models.OutboxSending
	cp := *it
	return &cp, nil
}

func (m *mockOutboxStore) MarkOutboxItemFailed(_ context.Context, id uuid.UUID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.items[id]; ok {
		it.Status = models.OutboxFailed
		it.ErrorMessage = reason
	}
	return nil
}

func (m *mockOutboxStore) ArchiveOutboxItem(_ context.Context, item *models.OutboxItem, provider string) (*models.SentEmail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.archiveErr != nil {
		return nil, m.archiveErr
	}
	delete(m.items, item.ID)
	m.archived[item.ID] = provider
	return &models.SentEmail{ID: item.ID, Provider: provider, SentAt: time.Now()}, nil
}

func (m *mockOutboxStore) RequeueOutboxItem(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok || it.Status != models.OutboxFailed {
		return sql.ErrNoRows
	}
	it.Status = models.OutboxPending
	it.ErrorMessage = ""
	return nil
}

func (m *mockOutboxStore) RequeueStaleOutboxItems(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staleCutoff = olderThan
	return m.staleCount, nil
}

func (m *mockOutboxStore) status(id uuid.UUID) models.OutboxStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.items[id]; ok {
		return it.Status
	}
	return ""
}

type mockCredentialStore struct {
	ses       map[uuid.UUID]*models.SESCredential
	gmail     map[string]*models.GmailCredential
	lookupErr error
}

func newMockCredentialStore() *mockCredentialStore {
	return &mockCredentialStore{
		ses:   make(map[uuid.UUID]*models.SESCredential),
		gmail: make(map[string]*models.GmailCredential),
	}
}

func (m *mockCredentialStore) GetSESCredentialByUserID(_ context.Context, userID uuid.UUID) (*models.SESCredential, error) {
	if m.lookupErr != nil {
		return nil, m.lookupErr
	}
	c, ok := m.ses[userID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return c, nil
}

func (m *mockCredentialStore) GetGmailCredential(_ context.Context, userID uuid.UUID, address string) (*models.GmailCredential, error) {
	c, ok := m.gmail[userID.String()+"|"+strings.ToLower(address)]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return c, nil
}

func (m *mockCredentialStore) addGmail(userID uuid.UUID, address string) {
	m.gmail[userID.String()+"|"+strings.ToLower(address)] = &models.GmailCredential{
		ID: uuid.New(), UserID: userID, Address: address, AppPassword: "pw",
	}
}

// --- Fake senders ---

type fakeSender struct {
	provider string
	mu       sync.Mutex
	sent     []mail.Delivery
	fail     map[string]string
	failAll  string
}

func (f *fakeSender) Provider() string { return f.provider }

func (f *fakeSender) Send(_ context.Context, d mail.Delivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, d)
	msg, ok := f.fail[d.Recipient]
	if !ok && f.failAll != "" {
		msg, ok = f.failAll, true
	}
	if ok {
		return &mail.ProviderError{Provider: f.provider, Recipient: d.Recipient, Message: msg}
	}
	return nil
}

func (f *fakeSender) recipients() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, d := range f.sent {
		out = append(out, d.Recipient)
	}
	sort.Strings(out)
	return out
}

type fakeBlobStore map[string][]byte

func (f fakeBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	data, ok := f[key]
	if !ok {
		return nil, blob.ErrObjectNotFound
	}
	return data, nil
}

// --- Helpers ---

var (
	testUser = uuid.MustParse("6a4b2a9e-2f0c-4f7e-9a0e-1f2d3c4b5a69")
	baseTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
)

func newItem(to string, age int) *models.OutboxItem {
	return &models.OutboxItem{
		ID:        uuid.New(),
		UserID:    testUser,
		ToEmail:   to,
		FromEmail: "sender@example.com",
		Subject:   "Hello",
		Body:      "<p>Hi</p>",
		Status:    models.OutboxPending,
		CreatedAt: baseTime.Add(time.Duration(age) * time.Minute),
	}
}

type harness struct {
	outbox     *mockOutboxStore
	creds      *mockCredentialStore
	ses        *fakeSender
	gmail      *fakeSender
	sesBuilt   int
	gmailBuilt int
	blobs      fakeBlobStore
	dispatcher *Dispatcher
}

func newHarness(items ...*models.OutboxItem) *harness {
	h := &harness{
		outbox: newMockOutboxStore(items...),
		creds:  newMockCredentialStore(),
		ses:    &fakeSender{provider: models.ProviderSES, fail: map[string]string{}},
		gmail:  &fakeSender{provider: models.ProviderGmail, fail: map[string]string{}},
		blobs:  fakeBlobStore{},
	}
	h.dispatcher = NewDispatcher(h.outbox, h.creds, h.blobs, Options{
		NewSES: func(models.SESCredential) mail.Sender {
			h.sesBuilt++
			return h.ses
		},
		NewGmail: func(models.GmailCredential) mail.Sender {
			h.gmailBuilt++
			return h.gmail
		},
		Now: func() time.Time { return baseTime },
	})
	return h
}

func (h *harness) withSES() *harness {
	h.creds.ses[testUser] = &models.SESCredential{ID: uuid.New(), UserID: testUser, SMTPUsername: "AKID", SMTPPassword: "secret", Region: "us-east-1"}
	return h
}

func (h *harness) withGmail() *harness {
	h.creds.addGmail(testUser, "sender@example.com")
	return h
}

func drainAll(t *testing.T, h *harness) *BatchResult {
	t.Helper()
	res, err := h.dispatcher.Drain(context.Background(), DrainRequest{})
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if !res.Success {
		t.Fatal("expected success flag")
	}
	return res
}

// --- Tests ---

func TestDrain_AllRecipientsSucceedViaSES(t *testing.T) {
	item := newItem("a@example.com, b@example.com, c@example.com", 0)
	h := newHarness(item).withSES().withGmail()

	res := drainAll(t, h)

	if res.Processed != 1 || len(res.Results) != 1 {
		t.Fatalf("expected 1 processed, got %+v", res)
	}
	if r := res.Results[0]; r.ID != item.ID || r.Status != StatusSent || r.Error != "" {
		t.Fatalf("unexpected result %+v", r)
	}
	if got := h.ses.recipients(); strings.Join(got, ",") != "a@example.com,b@example.com,c@example.com" {
		t.Fatalf("unexpected ses recipients %v", got)
	}
	if len(h.gmail.sent) != 0 {
		t.Fatalf("gmail should not be used, sent %d", len(h.gmail.sent))
	}
	if h.outbox.archived[item.ID] != models.ProviderSES {
		t.Fatalf("expected item archived via ses, got %q", h.outbox.archived[item.ID])
	}
	if _, ok := h.outbox.items[item.ID]; ok {
		t.Fatal("expected item removed from outbox")
	}
}

func TestDrain_DeliveriesShareFullRecipientList(t *testing.T) {
	item := newItem("a@example.com, b@example.com", 0)
	h := newHarness(item).withSES()

	drainAll(t, h)

	for _, d := range h.ses.sent {
		if len(d.Recipients) != 2 || d.From != "sender@example.com" || d.HTMLBody != "<p>Hi</p>" {
			t.Fatalf("unexpected delivery %+v", d)
		}
		if !d.Date.Equal(baseTime) {
			t.Fatalf("expected pinned date, got %v", d.Date)
		}
	}
}

func TestDrain_SESPartialFailureFallsBackToGmail(t *testing.T) {
	item := newItem("a@example.com, b@example.com, c@example.com", 0)
	h := newHarness(item).withSES().withGmail()
	h.ses.fail["b@example.com"] = "throttled"

	res := drainAll(t, h)

	if res.Results[0].Status != StatusSent {
		t.Fatalf("expected sent, got %+v", res.Results[0])
	}
	// Fallback resends the whole item, not only the failed recipient.
	if got := h.gmail.recipients(); len(got) != 3 {
		t.Fatalf("expected gmail to send to all 3 recipients, got %v", got)
	}
	if h.outbox.archived[item.ID] != models.ProviderGmail {
		t.Fatalf("expected archive via gmail, got %q", h.outbox.archived[item.ID])
	}
}

func TestDrain_SESFailureWithoutFallbackAggregates(t *testing.T) {
	item := newItem("a@example.com, b@example.com, c@example.com", 0)
	h := newHarness(item).withSES()
	h.ses.fail["a@example.com"] = "rejected"
	h.ses.fail["c@example.com"] = "rejected"

	res := drainAll(t, h)

	want := "Failed to send to 2 recipients: a@example.com: rejected, c@example.com: rejected"
	if r := res.Results[0]; r.Status != StatusFailed || r.Error != want {
		t.Fatalf("unexpected result %+v, want error %q", r, want)
	}
	if h.outbox.status(item.ID) != models.OutboxFailed {
		t.Fatalf("expected failed status, got %q", h.outbox.status(item.ID))
	}
	if h.outbox.items[item.ID].ErrorMessage != want {
		t.Fatalf("unexpected stored error %q", h.outbox.items[item.ID].ErrorMessage)
	}
	if len(h.outbox.archived) != 0 {
		t.Fatal("expected nothing archived")
	}
}

func TestDrain_BothProvidersFail(t *testing.T) {
	item := newItem("a@example.com, b@example.com", 0)
	h := newHarness(item).withSES().withGmail()
	h.ses.fail["b@example.com"] = "boom"
	h.gmail.failAll = "authentication failed"

	res := drainAll(t, h)

	want := "Failed to send to 1 recipients: b@example.com: boom; gmail fallback: " +
		"Failed to send to 2 recipients: a@example.com: authentication failed, b@example.com: authentication failed"
	if r := res.Results[0]; r.Status != StatusFailed || r.Error != want {
		t.Fatalf("unexpected result %+v\nwant error %q", r, want)
	}
}

func TestDrain_GmailOnly(t *testing.T) {
	item := newItem("a@example.com", 0)
	item.FromEmail = "Sender@Example.com"
	h := newHarness(item).withGmail()

	res := drainAll(t, h)

	if res.Results[0].Status != StatusSent {
		t.Fatalf("expected sent, got %+v", res.Results[0])
	}
	if h.sesBuilt != 0 {
		t.Fatalf("ses sender should not be built, built %d", h.sesBuilt)
	}
	if h.outbox.archived[item.ID] != models.ProviderGmail {
		t.Fatalf("expected archive via gmail, got %q", h.outbox.archived[item.ID])
	}
}

func TestDrain_NoProviderMakesNoSends(t *testing.T) {
	item := newItem("a@example.com", 0)
	h := newHarness(item)

	res := drainAll(t, h)

	if r := res.Results[0]; r.Status != StatusFailed || r.Error != "No email provider configured" {
		t.Fatalf("unexpected result %+v", r)
	}
	if h.sesBuilt != 0 || h.gmailBuilt != 0 || len(h.ses.sent) != 0 || len(h.gmail.sent) != 0 {
		t.Fatal("expected zero provider activity")
	}
	if h.outbox.status(item.ID) != models.OutboxFailed {
		t.Fatalf("expected failed, got %q", h.outbox.status(item.ID))
	}
}

func TestDrain_NoValidRecipients(t *testing.T) {
	item := newItem(" , ,", 0)
	h := newHarness(item).withSES()

	res := drainAll(t, h)

	if r := res.Results[0]; r.Status != StatusFailed || r.Error != "No valid recipients" {
		t.Fatalf("unexpected result %+v", r)
	}
}

func TestDrain_CredentialLookupErrorFailsItem(t *testing.T) {
	item := newItem("a@example.com", 0)
	h := newHarness(item)
	h.creds.lookupErr = errors.New("connection reset")

	res := drainAll(t, h)

	r := res.Results[0]
	if r.Status != StatusFailed || !strings.Contains(r.Error, "connection reset") {
		t.Fatalf("unexpected result %+v", r)
	}
}

func TestDrain_BatchTakesOldestTen(t *testing.T) {
	var items []*models.OutboxItem
	// Insert newest first so ordering comes from created_at, not insertion.
	for i := 11; i >= 0; i-- {
		items = append(items, newItem("a@example.com", i))
	}
	h := newHarness(items...).withSES()

	res := drainAll(t, h)

	if res.Processed != 10 {
		t.Fatalf("expected 10 processed, got %d", res.Processed)
	}
	for i, r := range res.Results {
		if r.Status != StatusSent {
			t.Fatalf("result %d not sent: %+v", i, r)
		}
	}
	// items[0] and items[1] are the two newest.
	for _, it := range items[:2] {
		if h.outbox.status(it.ID) != models.OutboxPending {
			t.Fatalf("expected newest item %s still pending, got %q", it.ID, h.outbox.status(it.ID))
		}
	}
	if len(h.outbox.archived) != 10 {
		t.Fatalf("expected 10 archived, got %d", len(h.outbox.archived))
	}
}

func TestDrain_ResultsFollowCreatedAtOrder(t *testing.T) {
	older := newItem("a@example.com", 1)
	oldest := newItem("b@example.com", 0)
	h := newHarness(older, oldest).withSES()

	res := drainAll(t, h)

	if len(res.Results) != 2 || res.Results[0].ID != oldest.ID || res.Results[1].ID != older.ID {
		t.Fatalf("unexpected result order %+v", res.Results)
	}
}

func TestDrain_SingleItemMode(t *testing.T) {
	oldest := newItem("a@example.com", 0)
	target := newItem("b@example.com", 5)
	h := newHarness(oldest, target).withSES()

	res, err := h.dispatcher.Drain(context.Background(), DrainRequest{EmailID: &target.ID})
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Processed != 1 || res.Results[0].ID != target.ID {
		t.Fatalf("expected only target processed, got %+v", res)
	}
	if h.outbox.status(oldest.ID) != models.OutboxPending {
		t.Fatalf("expected older item untouched, got %q", h.outbox.status(oldest.ID))
	}
}

func TestDrain_SingleItemRetriesFailed(t *testing.T) {
	item := newItem("a@example.com", 0)
	item.Status = models.OutboxFailed
	item.ErrorMessage = "earlier failure"
	h := newHarness(item).withSES()

	res, err := h.dispatcher.Drain(context.Background(), DrainRequest{EmailID: &item.ID})
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Processed != 1 || res.Results[0].Status != StatusSent {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestDrain_SingleItemNotClaimable(t *testing.T) {
	item := newItem("a@example.com", 0)
	item.Status = models.OutboxSending
	h := newHarness(item).withSES()

	missing := uuid.New()
	for _, id := range []uuid.UUID{item.ID, missing} {
		res, err := h.dispatcher.Drain(context.Background(), DrainRequest{EmailID: &id})
		if err != nil {
			t.Fatalf("drain: %v", err)
		}
		if res.Processed != 0 || len(res.Results) != 0 {
			t.Fatalf("expected nothing processed, got %+v", res)
		}
	}
	if len(h.ses.sent) != 0 {
		t.Fatal("expected no sends")
	}
}

func TestDrain_ClaimErrorIsReturned(t *testing.T) {
	h := newHarness()
	h.outbox.claimErr = errors.New("db down")

	if _, err := h.dispatcher.Drain(context.Background(), DrainRequest{}); err == nil {
		t.Fatal("expected claim error")
	}
}

func TestDrain_LoadsAttachments(t *testing.T) {
	item := newItem("a@example.com", 0)
	item.Attachments = []models.Attachment{{FileName: "notes.txt", ContentType: "text/plain", StorageKey: "u/notes.txt"}}
	h := newHarness(item).withSES()
	h.blobs["u/notes.txt"] = []byte("remember the milk")

	res := drainAll(t, h)

	if res.Results[0].Status != StatusSent {
		t.Fatalf("expected sent, got %+v", res.Results[0])
	}
	atts := h.ses.sent[0].Attachments
	if len(atts) != 1 || atts[0].FileName != "notes.txt" || string(atts[0].Content) != "remember the milk" {
		t.Fatalf("unexpected attachments %+v", atts)
	}
}

func TestDrain_MissingAttachmentFailsItem(t *testing.T) {
	item := newItem("a@example.com", 0)
	item.Attachments = []models.Attachment{{FileName: "gone.pdf", StorageKey: "u/gone.pdf"}}
	h := newHarness(item).withSES()

	res := drainAll(t, h)

	r := res.Results[0]
	if r.Status != StatusFailed || !strings.Contains(r.Error, "gone.pdf") {
		t.Fatalf("unexpected result %+v", r)
	}
	if len(h.ses.sent) != 0 {
		t.Fatal("expected no sends")
	}
}

func TestDrain_UnreadableItemReportedAsFailed(t *testing.T) {
	bad := newItem("a@example.com", 0)
	bad.AttachmentsErr = errors.New("decode attachments: unexpected end of JSON input")
	good := newItem("b@example.com", 1)
	h := newHarness(bad, good).withSES()

	res := drainAll(t, h)

	if res.Processed != 2 || len(res.Results) != 2 {
		t.Fatalf("expected both items reported, got %+v", res)
	}
	r := res.Results[0]
	if r.ID != bad.ID || r.Status != StatusFailed || !strings.Contains(r.Error, "decode attachments") {
		t.Fatalf("unexpected result for unreadable item %+v", r)
	}
	if h.outbox.status(bad.ID) != models.OutboxFailed {
		t.Fatalf("expected failed, got %q", h.outbox.status(bad.ID))
	}
	if res.Results[1].ID != good.ID || res.Results[1].Status != StatusSent {
		t.Fatalf("unexpected result for readable item %+v", res.Results[1])
	}
	for _, d := range h.ses.sent {
		if d.ItemID == bad.ID {
			t.Fatal("unreadable item must not be sent")
		}
	}
}

func TestDrain_SingleUnreadableItem(t *testing.T) {
	item := newItem("a@example.com", 0)
	item.AttachmentsErr = errors.New("decode attachments: invalid character")
	h := newHarness(item).withSES()

	res, err := h.dispatcher.Drain(context.Background(), DrainRequest{EmailID: &item.ID})
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Processed != 1 || res.Results[0].Status != StatusFailed {
		t.Fatalf("expected one failed result, got %+v", res)
	}
	if len(h.ses.sent) != 0 {
		t.Fatal("expected no sends")
	}
}

func TestDrain_ArchiveFailureMarksFailed(t *testing.T) {
	item := newItem("a@example.com", 0)
	h := newHarness(item).withSES()
	h.outbox.archiveErr = errors.New("tx aborted")

	res := drainAll(t, h)

	r := res.Results[0]
	if r.Status != StatusFailed || !strings.Contains(r.Error, "archiving failed") {
		t.Fatalf("unexpected result %+v", r)
	}
	if h.outbox.status(item.ID) != models.OutboxFailed {
		t.Fatalf("expected failed, got %q", h.outbox.status(item.ID))
	}
}

type panickingSender struct{}

func (panickingSender) Provider() string { return models.ProviderSES }

func (panickingSender) Send(context.Context, mail.Delivery) error {
	panic("nil credential")
}

func TestDrain_PanicIsCaughtPerItem(t *testing.T) {
	first := newItem("a@example.com", 0)
	second := newItem("b@example.com", 1)
	h := newHarness(first, second).withSES()
	calls := 0
	h.dispatcher.newSES = func(models.SESCredential) mail.Sender {
		calls++
		if calls == 1 {
			return panickingSender{}
		}
		return h.ses
	}

	res := drainAll(t, h)

	if res.Processed != 2 {
		t.Fatalf("expected both items processed, got %+v", res)
	}
	if r := res.Results[0]; r.Status != StatusFailed || !strings.Contains(r.Error, "nil credential") {
		t.Fatalf("expected first item failed with panic reason, got %+v", r)
	}
	if r := res.Results[1]; r.Status != StatusSent {
		t.Fatalf("expected second item sent, got %+v", r)
	}
}

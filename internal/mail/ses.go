package mail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/znz-systems/mailpost/internal/models"
	"github.com/znz-systems/mailpost/internal/sigv4"
)

const (
	sesService    = "ses"
	sesAPIVersion = "2010-12-01"
	defaultRegion = "us-east-1"

	maxSESResponseBytes = 64 * 1024
)

// SESOptions tunes the SES sender. Zero values select production defaults.
type SESOptions struct {
	// Endpoint overrides https://email.<region>.amazonaws.com/.
	Endpoint   string
	HTTPClient *http.Client
	Now        func() time.Time
}

// SESSender calls the SES SendRawEmail query API, signed with SigV4.
type SESSender struct {
	signer   *sigv4.Signer
	endpoint string
	client   *http.Client
}

func NewSESSender(creds sigv4.Credentials, region string, opts SESOptions) *SESSender {
	region = strings.TrimSpace(region)
	if region == "" {
		region = defaultRegion
	}
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://email.%s.amazonaws.com/", region)
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &SESSender{
		signer: &sigv4.Signer{
			Credentials: creds,
			Region:      region,
			Service:     sesService,
			Now:         opts.Now,
		},
		endpoint: endpoint,
		client:   client,
	}
}

func (s *SESSender) Provider() string {
	return models.ProviderSES
}

func (s *SESSender) Send(ctx context.Context, d Delivery) error {
	raw, err := d.Message()
	if err != nil {
		return s.fail(d.Recipient, "build message: "+err.Error(), 0, err)
	}

	body := []byte(SendRawEmailForm(d.From, d.Recipient, raw).Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return s.fail(d.Recipient, "build request: "+err.Error(), 0, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if err := s.signer.SignRequest(req, body); err != nil {
		return s.fail(d.Recipient, err.Error(), 0, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return s.fail(d.Recipient, "request failed: "+err.Error(), 0, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxSESResponseBytes))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := fmt.Sprintf("SES returned %d: %s", resp.StatusCode, describeSESError(respBody))
		return s.fail(d.Recipient, msg, resp.StatusCode, nil)
	}
	return nil
}

func (s *SESSender) fail(recipient, msg string, status int, err error) *ProviderError {
	return &ProviderError{
		Provider:   models.ProviderSES,
		Recipient:  recipient,
		Message:    msg,
		StatusCode: status,
		Err:        err,
	}
}

// SendRawEmailForm builds the form body for a SendRawEmail call addressed to
// a single destination.
func SendRawEmailForm(source, destination string, raw []byte) url.Values {
	form := url.Values{}
	form.Set("Action", "SendRawEmail")
	form.Set("Version", sesAPIVersion)
	form.Set("Source", source)
	form.Set("Destinations.member.1", destination)
	form.Set("RawMessage.Data", base64.StdEncoding.EncodeToString(raw))
	return form
}

type sesErrorResponse struct {
	Error struct {
		Code    string `xml:"Code"`
		Message string `xml:"Message"`
	} `xml:"Error"`
}

// describeSESError pulls Code and Message out of an SES XML error body,
// falling back to the trimmed body text.
func describeSESError(body []byte) string {
	var parsed sesErrorResponse
	if err := xml.Unmarshal(body, &parsed); err == nil && parsed.Error.Code != "" {
		if parsed.Error.Message == "" {
			return parsed.Error.Code
		}
		return parsed.Error.Code + ": " + parsed.Error.Message
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		return "empty response body"
	}
	return text
}

package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/znz-systems/mailpost/internal/models"
)

const (
	DefaultGmailHost = "smtp.gmail.com"
	DefaultGmailPort = 587

	implicitTLSPort = 465
)

var ErrTLSUnavailable = errors.New("smtp server does not offer STARTTLS")

type GmailOptions struct {
	Host       string
	Port       int
	RequireTLS bool
	Timeout    time.Duration
	// TLSConfig is cloned per connection; ServerName defaults to Host.
	TLSConfig *tls.Config
	LocalName string
}

// GmailSender submits mail through an SMTP relay using an app password.
type GmailSender struct {
	cred models.GmailCredential
	opts GmailOptions
}

func NewGmailSender(cred models.GmailCredential, opts GmailOptions) *GmailSender {
	if opts.Host == "" {
		opts.Host = DefaultGmailHost
	}
	if opts.Port == 0 {
		opts.Port = DefaultGmailPort
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.LocalName == "" {
		opts.LocalName = "localhost"
	}
	return &GmailSender{cred: cred, opts: opts}
}

func (g *GmailSender) Provider() string {
	return models.ProviderGmail
}

func (g *GmailSender) Send(ctx context.Context, d Delivery) error {
	raw, err := d.Message()
	if err != nil {
		return g.fail(d.Recipient, "build message: "+err.Error(), 0, err)
	}

	c, err := g.dial(ctx)
	if err != nil {
		return g.fail(d.Recipient, "connect: "+err.Error(), 0, err)
	}
	defer c.Close()

	if err := g.deliver(c, d.Recipient, raw); err != nil {
		return g.classify(d.Recipient, err)
	}
	// The message is already accepted; a failed QUIT does not undo that.
	_ = c.Quit()
	return nil
}

func (g *GmailSender) dial(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(g.opts.Host, strconv.Itoa(g.opts.Port))
	dialer := &net.Dialer{Timeout: g.opts.Timeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(g.opts.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, err
	}

	var c *smtp.Client
	switch {
	case g.opts.Port == implicitTLSPort:
		tlsConn := tls.Client(conn, g.tlsConfig())
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		c = smtp.NewClient(tlsConn)
	case g.opts.RequireTLS:
		// NewClientStartTLS greets the server and upgrades before returning.
		c, err = smtp.NewClientStartTLS(conn, g.tlsConfig())
		if err != nil {
			return nil, startTLSError(err)
		}
	default:
		// Plaintext submission, only for local relays.
		c = smtp.NewClient(conn)
	}

	c.CommandTimeout = g.opts.Timeout
	c.SubmissionTimeout = g.opts.Timeout

	// After STARTTLS the client has to greet again, so Hello is still allowed.
	if err := c.Hello(g.opts.LocalName); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// startTLSError maps go-smtp's missing-extension error onto ErrTLSUnavailable.
// Protocol and network failures pass through unchanged.
func startTLSError(err error) error {
	var smtpErr *smtp.SMTPError
	var netErr net.Error
	if errors.As(err, &smtpErr) || errors.As(err, &netErr) {
		return err
	}
	if strings.Contains(err.Error(), "STARTTLS") {
		return fmt.Errorf("%w: %v", ErrTLSUnavailable, err)
	}
	return err
}

func (g *GmailSender) deliver(c *smtp.Client, recipient string, raw []byte) error {
	if err := c.Auth(sasl.NewLoginClient(g.cred.Address, g.cred.AppPassword)); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := c.Mail(g.cred.Address, nil); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := c.Rcpt(recipient, nil); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := bytes.NewReader(raw).WriteTo(w); err != nil {
		w.Close()
		return fmt.Errorf("write data: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("data: %w", err)
	}
	return nil
}

func (g *GmailSender) tlsConfig() *tls.Config {
	cfg := &tls.Config{}
	if g.opts.TLSConfig != nil {
		cfg = g.opts.TLSConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = g.opts.Host
	}
	return cfg
}

// classify maps SMTP reply codes onto readable failure reasons.
func (g *GmailSender) classify(recipient string, err error) *ProviderError {
	var smtpErr *smtp.SMTPError
	if !errors.As(err, &smtpErr) {
		return g.fail(recipient, err.Error(), 0, err)
	}

	var msg string
	switch {
	case smtpErr.Code == 534 || smtpErr.Code == 535:
		msg = "authentication failed: " + smtpErr.Message
	case smtpErr.Code == 421 || smtpErr.Code == 450 || smtpErr.Code == 451 || smtpErr.Code == 452:
		msg = "temporarily rejected (rate limited or unavailable): " + smtpErr.Message
	case smtpErr.Code == 550 || smtpErr.Code == 553:
		msg = "recipient rejected: " + smtpErr.Message
	default:
		msg = fmt.Sprintf("smtp error %d: %s", smtpErr.Code, smtpErr.Message)
	}
	return g.fail(recipient, msg, smtpErr.Code, err)
}

func (g *GmailSender) fail(recipient, msg string, code int, err error) *ProviderError {
	return &ProviderError{
		Provider:   models.ProviderGmail,
		Recipient:  recipient,
		Message:    msg,
		StatusCode: code,
		Err:        err,
	}
}

package mail

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NoSubject replaces an empty subject line.
const NoSubject = "(No Subject)"

var (
	ErrNoSender     = errors.New("mail: sender address is required")
	ErrNoRecipients = errors.New("mail: at least one recipient is required")
)

// MessageParams describes one rendered copy of an email. To is rendered in the
// given order.
type MessageParams struct {
	From        string
	To          []string
	Subject     string
	HTMLBody    string
	Boundary    string
	Date        time.Time
	MessageID   string
	Attachments []AttachmentPart
}

// AttachmentPart is attachment content ready to be encoded into a message.
type AttachmentPart struct {
	FileName    string
	ContentType string
	Content     []byte
}

// NewBoundary returns a random multipart boundary token.
func NewBoundary() string {
	return "mp_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// BuildMessage renders p as a CRLF-delimited MIME message. The HTML body is a
// single part inside multipart/alternative; attachments, when present, wrap
// that in multipart/mixed. Output depends only on p.
func BuildMessage(p MessageParams) ([]byte, error) {
	from := sanitizeHeader(p.From)
	if from == "" {
		return nil, ErrNoSender
	}
	to := make([]string, 0, len(p.To))
	for _, addr := range p.To {
		if addr = sanitizeHeader(addr); addr != "" {
			to = append(to, addr)
		}
	}
	if len(to) == 0 {
		return nil, ErrNoRecipients
	}

	boundary := p.Boundary
	if boundary == "" {
		boundary = NewBoundary()
	}

	var b bytes.Buffer
	writeHeader(&b, "From", from)
	writeHeader(&b, "To", strings.Join(to, ", "))
	writeHeader(&b, "Subject", encodeSubject(p.Subject))
	if !p.Date.IsZero() {
		writeHeader(&b, "Date", p.Date.Format(time.RFC1123Z))
	}
	if id := sanitizeHeader(p.MessageID); id != "" {
		writeHeader(&b, "Message-ID", id)
	}
	writeHeader(&b, "MIME-Version", "1.0")

	if len(p.Attachments) == 0 {
		writeHeader(&b, "Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", boundary))
		b.WriteString("\r\n")
		if err := writeAlternative(&b, boundary, p.HTMLBody); err != nil {
			return nil, err
		}
		return b.Bytes(), nil
	}

	mixed := boundary + "_mixed"
	writeHeader(&b, "Content-Type", fmt.Sprintf("multipart/mixed; boundary=%q", mixed))
	b.WriteString("\r\n")

	b.WriteString("--" + mixed + "\r\n")
	writeHeader(&b, "Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", boundary))
	b.WriteString("\r\n")
	if err := writeAlternative(&b, boundary, p.HTMLBody); err != nil {
		return nil, err
	}

	for _, att := range p.Attachments {
		b.WriteString("--" + mixed + "\r\n")
		writeAttachment(&b, att)
	}
	b.WriteString("--" + mixed + "--\r\n")

	return b.Bytes(), nil
}

func writeAlternative(b *bytes.Buffer, boundary, html string) error {
	b.WriteString("--" + boundary + "\r\n")
	writeHeader(b, "Content-Type", `text/html; charset="UTF-8"`)
	writeHeader(b, "Content-Transfer-Encoding", "quoted-printable")
	b.WriteString("\r\n")

	qp := quotedprintable.NewWriter(b)
	if _, err := qp.Write([]byte(html)); err != nil {
		return fmt.Errorf("encode html body: %w", err)
	}
	if err := qp.Close(); err != nil {
		return fmt.Errorf("encode html body: %w", err)
	}
	b.WriteString("\r\n")
	b.WriteString("--" + boundary + "--\r\n")
	return nil
}

func writeAttachment(b *bytes.Buffer, att AttachmentPart) {
	name := sanitizeHeader(att.FileName)
	if name == "" {
		name = "attachment"
	}
	contentType := sanitizeHeader(att.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	typeHeader := mime.FormatMediaType(contentType, map[string]string{"name": name})
	if typeHeader == "" {
		typeHeader = mime.FormatMediaType("application/octet-stream", map[string]string{"name": name})
	}
	writeHeader(b, "Content-Type", typeHeader)
	writeHeader(b, "Content-Transfer-Encoding", "base64")
	writeHeader(b, "Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	b.WriteString("\r\n")

	encoded := base64.StdEncoding.EncodeToString(att.Content)
	for len(encoded) > 76 {
		b.WriteString(encoded[:76])
		b.WriteString("\r\n")
		encoded = encoded[76:]
	}
	if encoded != "" {
		b.WriteString(encoded)
		b.WriteString("\r\n")
	}
}

func writeHeader(b *bytes.Buffer, name, value string) {
	b.WriteString(name)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteString("\r\n")
}

func encodeSubject(subject string) string {
	subject = sanitizeHeader(subject)
	if subject == "" {
		return NoSubject
	}
	return mime.QEncoding.Encode("UTF-8", subject)
}

// sanitizeHeader strips line breaks so values cannot inject headers.
func sanitizeHeader(v string) string {
	v = strings.ReplaceAll(v, "\r", " ")
	v = strings.ReplaceAll(v, "\n", " ")
	return strings.TrimSpace(v)
}

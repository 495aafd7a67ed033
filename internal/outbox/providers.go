package outbox

import (
	"strings"

	"github.com/znz-systems/mailpost/internal/mail"
	"github.com/znz-systems/mailpost/internal/models"
	"github.com/znz-systems/mailpost/internal/sigv4"
)

// SESFactory builds SES senders from credential rows. Non-empty override
// keys replace the row's keys; region falls back to defaultRegion.
func SESFactory(override sigv4.Credentials, defaultRegion string, opts mail.SESOptions) func(models.SESCredential) mail.Sender {
	return func(cred models.SESCredential) mail.Sender {
		creds := sigv4.Credentials{
			AccessKeyID:     strings.TrimSpace(cred.SMTPUsername),
			SecretAccessKey: strings.TrimSpace(cred.SMTPPassword),
		}
		if override.AccessKeyID != "" && override.SecretAccessKey != "" {
			creds = override
		}
		region := strings.TrimSpace(cred.Region)
		if region == "" {
			region = defaultRegion
		}
		return mail.NewSESSender(creds, region, opts)
	}
}

func GmailFactory(opts mail.GmailOptions) func(models.GmailCredential) mail.Sender {
	return func(cred models.GmailCredential) mail.Sender {
		return mail.NewGmailSender(cred, opts)
	}
}

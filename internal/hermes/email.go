package hermes

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/gridline/gridline/internal/config"
	"github.com/gridline/gridline/internal/types"
)

// Mailer sends one email-typed message.
type Mailer interface {
	Mail(ctx context.Context, to []string, subject, body string) error
}

// smtpMailer delivers via plain SMTP; the standard library client is enough
// here since the relay is an internal unauthenticated MTA.
type smtpMailer struct {
	cfg config.EmailConfig
}

func NewSMTPMailer(cfg config.EmailConfig) Mailer {
	return &smtpMailer{cfg: cfg}
}

func (m *smtpMailer) Mail(_ context.Context, to []string, subject, body string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		m.cfg.From, strings.Join(to, ", "), subject, body)
	return smtp.SendMail(m.cfg.SMTPHost, nil, m.cfg.From, to, []byte(msg))
}

// emailFields pulls the addressing out of an email message payload. A
// payload without usable recipients is poison.
func emailFields(msg types.Message) (to []string, subject, body string, ok bool) {
	switch v := msg.Payload["to"].(type) {
	case string:
		if v != "" {
			to = []string{v}
		}
	case []any:
		for _, e := range v {
			if s, isStr := e.(string); isStr && s != "" {
				to = append(to, s)
			}
		}
	}
	subject, _ = msg.Payload["subject"].(string)
	body, _ = msg.Payload["body"].(string)
	return to, subject, body, len(to) > 0
}

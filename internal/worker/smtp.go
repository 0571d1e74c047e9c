package worker

import (
	"context"
	"fmt"
	"mime"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/connectra/backend/config"
)

// SMTPMailer sends plain-text mail through an SMTP relay.
type SMTPMailer struct {
	addr     string
	auth     smtp.Auth
	from     string
	fromName string
}

// NewSMTPMailer creates a mailer from the email config. Auth is skipped when no user is set.
func NewSMTPMailer(cfg config.EmailConfig) *SMTPMailer {
	m := &SMTPMailer{
		addr:     cfg.SMTPHost + ":" + strconv.Itoa(cfg.SMTPPort),
		from:     cfg.FromAddress,
		fromName: cfg.FromName,
	}
	if cfg.SMTPUser != "" {
		m.auth = smtp.PlainAuth("", cfg.SMTPUser, cfg.SMTPPass, cfg.SMTPHost)
	}
	return m
}

// Send delivers one message. net/smtp has no context support; ctx is only checked before dialing.
func (m *SMTPMailer) Send(ctx context.Context, toAddress, toName, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := buildMessage(m.from, m.fromName, toAddress, toName, subject, body)
	if err := smtp.SendMail(m.addr, m.auth, m.from, []string{toAddress}, msg); err != nil {
		return fmt.Errorf("smtp: %w", err)
	}
	return nil
}

func buildMessage(from, fromName, to, toName, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", formatAddress(fromName, from))
	fmt.Fprintf(&b, "To: %s\r\n", formatAddress(toName, to))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

func formatAddress(name, addr string) string {
	if name == "" {
		return addr
	}
	return mime.QEncoding.Encode("utf-8", name) + " <" + addr + ">"
}

package external

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"go.uber.org/zap"

	"github.com/garyjia/workflow-engine/internal/application/port"
	"github.com/garyjia/workflow-engine/internal/config"
)

// SMTPMailer implements port.Mailer over plain SMTP with optional auth
type SMTPMailer struct {
	cfg    config.EmailConfig
	logger *zap.Logger
}

// NewSMTPMailer creates an SMTP mailer
func NewSMTPMailer(cfg config.EmailConfig, logger *zap.Logger) port.Mailer {
	return &SMTPMailer{cfg: cfg, logger: logger}
}

// Send delivers one message to the configured SMTP relay
func (m *SMTPMailer) Send(_ context.Context, to []string, subject, body string) error {
	if m.cfg.Host == "" {
		return fmt.Errorf("email delivery is not configured")
	}
	if len(to) == 0 {
		return fmt.Errorf("email has no recipients")
	}

	msg := strings.Join([]string{
		"From: " + m.cfg.From,
		"To: " + strings.Join(to, ", "),
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=\"utf-8\"",
		"",
		body,
	}, "\r\n")

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	if err := smtp.SendMail(addr, auth, m.cfg.From, to, []byte(msg)); err != nil {
		m.logger.Error("Failed to send email",
			zap.Strings("to", to),
			zap.String("subject", subject),
			zap.Error(err))
		return fmt.Errorf("failed to send email: %w", err)
	}

	m.logger.Info("Email sent", zap.Strings("to", to), zap.String("subject", subject))
	return nil
}

// Verify interface compliance
var _ port.Mailer = (*SMTPMailer)(nil)

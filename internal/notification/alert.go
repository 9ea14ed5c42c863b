// Package notification mails operators about high-severity security events.
package notification

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/tendant/simple-bootstrap/pkg/domain"
)

// AlertConfig holds SMTP settings for security alerts.
type AlertConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	FromName string
	// To receives every alert.
	To []string
}

// SendFunc delivers one message. It matches smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// AlertMailer emails high-severity security events. It implements audit.Sink.
type AlertMailer struct {
	config AlertConfig
	logger *slog.Logger
	send   SendFunc
	wg     sync.WaitGroup
}

// NewAlertMailer creates a mailer. A nil send uses smtp.SendMail.
func NewAlertMailer(config AlertConfig, logger *slog.Logger, send SendFunc) *AlertMailer {
	if send == nil {
		send = smtp.SendMail
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AlertMailer{config: config, logger: logger, send: send}
}

// Emit mails the event in the background when its severity is high.
// Delivery failures are logged.
func (m *AlertMailer) Emit(_ context.Context, event *domain.SecurityEvent) {
	if event.Severity != domain.SeverityHigh || len(m.config.To) == 0 {
		return
	}
	subject := fmt.Sprintf("[simple-bootstrap] %s", event.Kind)
	body := alertBody(event)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.sendEmail(subject, body); err != nil {
			m.logger.Error("failed to send security alert", "kind", event.Kind, "event_id", event.ID, "error", err)
		}
	}()
}

// Wait blocks until every pending alert has been sent or has failed.
func (m *AlertMailer) Wait() {
	m.wg.Wait()
}

func alertBody(event *domain.SecurityEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Event:       %s\r\n", event.Kind)
	fmt.Fprintf(&b, "Severity:    %s\r\n", event.Severity)
	fmt.Fprintf(&b, "Time:        %s\r\n", event.CreatedAt.UTC().Format(time.RFC3339))
	if event.HostID != nil {
		fmt.Fprintf(&b, "Host:        %s\r\n", event.HostID)
	}
	if event.IPAddress != "" {
		fmt.Fprintf(&b, "IP address:  %s\r\n", event.IPAddress)
	}
	if event.TokenPrefix != "" {
		fmt.Fprintf(&b, "Token:       %s...\r\n", event.TokenPrefix)
	}
	fmt.Fprintf(&b, "\r\n%s\r\n", event.Description)
	return b.String()
}

func (m *AlertMailer) sendEmail(subject, body string) error {
	from := m.config.From
	if m.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", m.config.FromName, m.config.From)
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		from, strings.Join(m.config.To, ", "), subject, body)

	var auth smtp.Auth
	if m.config.User != "" {
		auth = smtp.PlainAuth("", m.config.User, m.config.Password, m.config.Host)
	}
	addr := fmt.Sprintf("%s:%d", m.config.Host, m.config.Port)
	return m.send(addr, auth, m.config.From, m.config.To, []byte(msg))
}

package mailer

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/mail"
	"net/smtp"
	"strings"
	"time"
)

// SMTPConfig configures outbound mail. TLSMode is "starttls" (587) or
// "tls" (465).
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	TLSMode  string
}

// SMTPSender implements Sender over plain SMTP with STARTTLS or direct TLS.
type SMTPSender struct {
	cfg    SMTPConfig
	logger *slog.Logger
}

// NewSMTPSender validates the configuration up front: the host must resolve
// to public addresses and the port must be a standard SMTP port.
func NewSMTPSender(cfg SMTPConfig, logger *slog.Logger) (*SMTPSender, error) {
	if err := ValidateSMTPConfig(cfg.Host, cfg.Port); err != nil {
		return nil, fmt.Errorf("invalid smtp configuration: %w", err)
	}
	if _, err := sanitizeEmailAddress(cfg.From); err != nil {
		return nil, fmt.Errorf("invalid from address: %w", err)
	}
	return &SMTPSender{cfg: cfg, logger: logger}, nil
}

func (s *SMTPSender) SendPasswordReset(ctx context.Context, to, link string) error {
	subject, body := passwordResetBody(link)
	return s.send(ctx, to, subject, body)
}

func (s *SMTPSender) SendMFAReset(ctx context.Context, to, link string) error {
	subject, body := mfaResetBody(link)
	return s.send(ctx, to, subject, body)
}

func (s *SMTPSender) SendInvitation(ctx context.Context, to, role, link string) error {
	subject, body := invitationBody(role, link)
	return s.send(ctx, to, subject, body)
}

func (s *SMTPSender) SendPasswordChanged(ctx context.Context, to string) error {
	subject, body := passwordChangedBody()
	return s.send(ctx, to, subject, body)
}

func (s *SMTPSender) send(ctx context.Context, to, subject, body string) error {
	// Revalidated per send, not just at startup, so a DNS record that later
	// flips to a private address still gets blocked.
	if err := ValidateSMTPConfig(s.cfg.Host, s.cfg.Port); err != nil {
		s.logger.Error("smtp_host_blocked", "host", s.cfg.Host, "error", err)
		return fmt.Errorf("smtp configuration failed validation")
	}

	toAddr, err := sanitizeEmailAddress(to)
	if err != nil {
		return fmt.Errorf("invalid recipient address: %w", err)
	}
	fromAddr, err := sanitizeEmailAddress(s.cfg.From)
	if err != nil {
		return fmt.Errorf("smtp configuration error: %w", err)
	}

	message := buildMessage(fromAddr, toAddr, subject, body)
	serverAddr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	dialer := &net.Dialer{Timeout: 5 * time.Second}

	var conn net.Conn
	if s.cfg.TLSMode == "tls" {
		tlsConfig := &tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}
		conn, err = tls.DialWithDialer(dialer, "tcp", serverAddr, tlsConfig)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", serverAddr)
	}
	if err != nil {
		s.logger.Error("smtp_connect_failed", "host", s.cfg.Host, "error", err)
		return fmt.Errorf("smtp connection failed")
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		return fmt.Errorf("smtp protocol error: %w", err)
	}
	defer client.Quit()

	if s.cfg.TLSMode != "tls" {
		tlsConfig := &tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("smtp tls upgrade failed: %w", err)
		}
	}

	if s.cfg.User != "" {
		auth := smtp.PlainAuth("", s.cfg.User, s.cfg.Password, s.cfg.Host)
		if err := client.Auth(auth); err != nil {
			s.logger.Error("smtp_auth_failed", "user", s.cfg.User, "error", err)
			return fmt.Errorf("smtp authentication failed")
		}
	}

	if err := client.Mail(fromAddr); err != nil {
		return fmt.Errorf("smtp mail command failed: %w", err)
	}
	if err := client.Rcpt(toAddr); err != nil {
		return fmt.Errorf("smtp rcpt command failed: %w", err)
	}
	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data command failed: %w", err)
	}
	if _, err := writer.Write(message); err != nil {
		return fmt.Errorf("write email data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finalize email: %w", err)
	}

	s.logger.Info("email_sent", "subject", subject)
	return nil
}

func buildMessage(from, to, subject, body string) []byte {
	var msg strings.Builder
	msg.WriteString("From: " + from + "\r\n")
	msg.WriteString("To: " + to + "\r\n")
	msg.WriteString("Subject: " + subject + "\r\n")
	msg.WriteString("Date: " + time.Now().Format(time.RFC1123Z) + "\r\n")
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)
	return []byte(msg.String())
}

// sanitizeEmailAddress parses the address per RFC 5322 and rejects CRLF so
// a crafted recipient cannot inject extra headers.
func sanitizeEmailAddress(addr string) (string, error) {
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return "", fmt.Errorf("invalid email format: %w", err)
	}
	if strings.ContainsAny(parsed.Address, "\r\n") || strings.ContainsAny(parsed.Name, "\r\n") {
		return "", fmt.Errorf("control characters in email address")
	}
	return parsed.Address, nil
}

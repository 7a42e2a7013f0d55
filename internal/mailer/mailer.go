// Package mailer delivers the transactional mail the auth flows depend on:
// password reset links, MFA reset links and invitations.
package mailer

import (
	"context"
	"fmt"
	"log/slog"
)

// Sender is the contract the lifecycle service sends mail through.
// Implementations must be safe for concurrent use.
type Sender interface {
	SendPasswordReset(ctx context.Context, to, link string) error
	SendMFAReset(ctx context.Context, to, link string) error
	SendInvitation(ctx context.Context, to, role, link string) error
	SendPasswordChanged(ctx context.Context, to string) error
}

// DevMailer logs mail instead of sending it. Default outside production so
// the flows work without an SMTP server; the operator reads links from the
// log.
type DevMailer struct {
	Logger *slog.Logger
}

func (m *DevMailer) log(event, to, link string) {
	m.Logger.Info(event, "to", to, "link", link)
}

func (m *DevMailer) SendPasswordReset(ctx context.Context, to, link string) error {
	m.log("dev_mail_password_reset", to, link)
	return nil
}

func (m *DevMailer) SendMFAReset(ctx context.Context, to, link string) error {
	m.log("dev_mail_mfa_reset", to, link)
	return nil
}

func (m *DevMailer) SendInvitation(ctx context.Context, to, role, link string) error {
	m.Logger.Info("dev_mail_invitation", "to", to, "role", role, "link", link)
	return nil
}

func (m *DevMailer) SendPasswordChanged(ctx context.Context, to string) error {
	m.Logger.Info("dev_mail_password_changed", "to", to)
	return nil
}

func passwordResetBody(link string) (subject, body string) {
	return "Reset your password",
		fmt.Sprintf("Hello,\n\nYou requested a password reset.\n\nReset your password: %s\n\nThis link expires in 1 hour. If you did not request this, you can ignore this email.\n", link)
}

func mfaResetBody(link string) (subject, body string) {
	return "Reset your two-factor authentication",
		fmt.Sprintf("Hello,\n\nA reset of your two-factor authentication was requested.\n\nContinue here: %s\n\nThis link expires in 15 minutes. If you did not request this, change your password immediately.\n", link)
}

func invitationBody(role, link string) (subject, body string) {
	return "You've been invited",
		fmt.Sprintf("Hello,\n\nYou've been invited as %s.\n\nAccept the invitation: %s\n\nThis link expires in 7 days.\n", role, link)
}

func passwordChangedBody() (subject, body string) {
	return "Your password was changed",
		"Hello,\n\nYour password was just changed. If this was not you, reset your password and contact an administrator.\n"
}

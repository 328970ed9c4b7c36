package invites

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/gomail.v2"
)

// Mailer sends invite notifications. Sending is always best effort.
type Mailer interface {
	SendInvite(to, groupName string) error
}

type SMTPMailer struct {
	dialer *gomail.Dialer
	from   string
}

// NewSMTPMailerFromEnv builds a mailer from SMTP_HOST, SMTP_PORT, SMTP_USER,
// SMTP_PASSWORD and SMTP_FROM. Returns nil when SMTP_HOST is unset so the
// workflow can run without mail in development.
func NewSMTPMailerFromEnv() *SMTPMailer {
	host := os.Getenv("SMTP_HOST")
	if host == "" {
		return nil
	}
	port, err := strconv.Atoi(os.Getenv("SMTP_PORT"))
	if err != nil {
		port = 587
	}
	return &SMTPMailer{
		dialer: gomail.NewDialer(host, port, os.Getenv("SMTP_USER"), os.Getenv("SMTP_PASSWORD")),
		from:   os.Getenv("SMTP_FROM"),
	}
}

func (m *SMTPMailer) SendInvite(to, groupName string) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", fmt.Sprintf("You have been invited to %s", groupName))
	msg.SetBody("text/plain", fmt.Sprintf(
		"You have been invited to join the trip group %q on TripTales. "+
			"Open the app to accept or decline the invite.", groupName))
	return m.dialer.DialAndSend(msg)
}

package channel

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"

	"gopkg.in/gomail.v2"
)

type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailSender delivers over SMTP.
type EmailSender struct {
	dialer *gomail.Dialer
	from   string
}

func NewEmailSender(cfg EmailConfig) *EmailSender {
	return &EmailSender{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
	}
}

func (s *EmailSender) Send(ctx context.Context, msg Message) error {
	if msg.Address == "" {
		return Permanent(ErrNoAddress)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", msg.Address)
	m.SetHeader("Subject", msg.Title)
	m.SetHeader("X-Delivery-Record", msg.DeliveryRecordID.String())
	m.SetBody("text/plain", renderText(msg))
	if msg.ActionURL != "" {
		m.AddAlternative("text/html", renderHTML(msg))
	}

	// gomail has no context support; the guard's timeout bounds the wait.
	done := make(chan error, 1)
	go func() { done <- s.dialer.DialAndSend(m) }()

	select {
	case err := <-done:
		return classifySMTP(err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func renderText(msg Message) string {
	if msg.ActionURL == "" {
		return msg.Body
	}
	return fmt.Sprintf("%s\n\n%s", msg.Body, msg.ActionURL)
}

func renderHTML(msg Message) string {
	return fmt.Sprintf(`<p>%s</p><p><a href="%s">Open</a></p>`, msg.Body, msg.ActionURL)
}

// classifySMTP treats 5xx replies (mailbox unknown, rejected) as permanent.
func classifySMTP(err error) error {
	if err == nil {
		return nil
	}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code >= 500 {
		return Permanent(err)
	}
	return err
}

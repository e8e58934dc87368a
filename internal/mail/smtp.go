package mail

import (
	"context"
	"fmt"

	gomail "github.com/wneessen/go-mail"

	"kalamche.app/gateway/internal/config"
)

type sender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*gomail.Msg) error
}

// SMTPMailer sends mail directly over SMTP.
type SMTPMailer struct {
	client    sender
	from      string
	verifyURL string
}

// NewSMTPMailer builds an SMTP client from cfg. Authentication is enabled
// when a user is configured.
func NewSMTPMailer(cfg config.EmailConfig) (*SMTPMailer, error) {
	opts := []gomail.Option{gomail.WithPort(cfg.Port)}
	if cfg.TLS {
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSMandatory))
	} else {
		opts = append(opts, gomail.WithTLSPolicy(gomail.NoTLS))
	}
	if cfg.User != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(cfg.User),
			gomail.WithPassword(cfg.Password),
		)
	}
	client, err := gomail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("mail: smtp client: %w", err)
	}
	return &SMTPMailer{client: client, from: cfg.Email, verifyURL: cfg.VerifyURL}, nil
}

// SendVerification implements Mailer.
func (m *SMTPMailer) SendVerification(ctx context.Context, msg Message) error {
	out, err := m.build(msg)
	if err != nil {
		return err
	}
	if err := m.client.DialAndSendWithContext(ctx, out); err != nil {
		return fmt.Errorf("mail: smtp send: %w", err)
	}
	return nil
}

func (m *SMTPMailer) build(msg Message) (*gomail.Msg, error) {
	body, err := renderBody(m.verifyURL, msg)
	if err != nil {
		return nil, err
	}
	out := gomail.NewMsg()
	if err := out.From(m.from); err != nil {
		return nil, fmt.Errorf("mail: from: %w", err)
	}
	if err := out.To(msg.To); err != nil {
		return nil, fmt.Errorf("mail: to: %w", err)
	}
	out.Subject(subject)
	out.SetBodyString(gomail.TypeTextPlain, body)
	return out, nil
}

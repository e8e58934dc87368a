// Package mail delivers account verification messages.
package mail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"text/template"
	"time"

	"kalamche.app/gateway/internal/config"
)

// Message is one verification email.
type Message struct {
	To        string
	Name      string
	Token     string
	ExpiresIn time.Duration
}

// Mailer sends verification messages.
type Mailer interface {
	SendVerification(ctx context.Context, msg Message) error
}

// Closer is implemented by mailers holding a connection.
type Closer interface {
	Close() error
}

const subject = "Confirm your kalamche account"

var bodyTemplate = template.Must(template.New("verify").Parse(`Hi {{.Name}},

Confirm your email address by opening the link below:

{{.Link}}

The link expires in {{.ExpiresIn}}. If you did not create an account you can ignore this message.
`))

// VerificationLink appends token to base as the "token" query parameter.
func VerificationLink(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("mail: verify url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func renderBody(verifyURL string, msg Message) (string, error) {
	link, err := VerificationLink(verifyURL, msg.Token)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	err = bodyTemplate.Execute(&buf, struct {
		Name      string
		Link      string
		ExpiresIn time.Duration
	}{msg.Name, link, msg.ExpiresIn})
	if err != nil {
		return "", fmt.Errorf("mail: render: %w", err)
	}
	return buf.String(), nil
}

// New returns the mailer selected by cfg.Transport.
func New(cfg config.EmailConfig) (Mailer, error) {
	switch cfg.Transport {
	case "", "smtp":
		m, err := NewSMTPMailer(cfg)
		if err != nil {
			return nil, err
		}
		return m, nil
	case "amqp":
		m, err := DialQueue(cfg)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, errors.New("mail: unknown transport " + cfg.Transport)
	}
}

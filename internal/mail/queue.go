package mail

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"kalamche.app/gateway/internal/config"
	"kalamche.app/gateway/internal/ids"
)

// Publisher is the subset of *amqp.Channel used by QueueMailer.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Job is the JSON document a mail worker consumes.
type Job struct {
	Kind    string    `json:"kind"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
	Link    string    `json:"link"`
	Created time.Time `json:"created_at"`
}

// QueueMailer hands verification mail to a worker through AMQP.
type QueueMailer struct {
	pub       Publisher
	queue     string
	from      string
	verifyURL string
	conn      *amqp.Connection
}

// NewQueueMailer publishes to queue through pub.
func NewQueueMailer(pub Publisher, cfg config.EmailConfig) *QueueMailer {
	return &QueueMailer{pub: pub, queue: cfg.Queue, from: cfg.Email, verifyURL: cfg.VerifyURL}
}

// DialQueue connects to cfg.BrokerURL and declares a durable queue.
func DialQueue(cfg config.EmailConfig) (*QueueMailer, error) {
	conn, err := amqp.Dial(cfg.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("mail: amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("mail: amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("mail: declare %s: %w", cfg.Queue, err)
	}
	m := NewQueueMailer(ch, cfg)
	m.conn = conn
	return m, nil
}

// Close releases the broker connection, if any.
func (m *QueueMailer) Close() error {
	if m.conn == nil {
		return nil
	}
	return m.conn.Close()
}

// SendVerification implements Mailer.
func (m *QueueMailer) SendVerification(ctx context.Context, msg Message) error {
	body, err := renderBody(m.verifyURL, msg)
	if err != nil {
		return err
	}
	link, _ := VerificationLink(m.verifyURL, msg.Token)
	now := time.Now().UTC()
	payload, err := json.Marshal(Job{
		Kind:    "verification",
		From:    m.from,
		To:      msg.To,
		Subject: subject,
		Body:    body,
		Link:    link,
		Created: now,
	})
	if err != nil {
		return fmt.Errorf("mail: encode job: %w", err)
	}
	err = m.pub.PublishWithContext(ctx, "", m.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ids.New(),
		Timestamp:    now,
		Type:         "mail.verification",
		Body:         payload,
	})
	if err != nil {
		return fmt.Errorf("mail: publish: %w", err)
	}
	return nil
}

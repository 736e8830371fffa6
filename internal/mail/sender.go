package mail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gomail "github.com/wneessen/go-mail"
)

// ErrInvalidMessage is returned when a message is missing required fields.
var ErrInvalidMessage = errors.New("mail: invalid message")

// Logger mirrors the logging contract used by the other adapters.
type Logger func(ctx context.Context, event string, fields map[string]any)

// Attachment is an in-memory file appended to an outgoing message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Message is one outgoing email.
type Message struct {
	To          string
	Subject     string
	Body        string
	Attachments []Attachment
}

type smtpDialer interface {
	DialAndSendWithContext(ctx context.Context, messages ...*gomail.Msg) error
}

// SenderConfig configures the SMTP sender.
type SenderConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
	Logger   Logger

	// Dialer is injectable for tests.
	Dialer smtpDialer
}

// Sender delivers email through an SMTP relay.
type Sender struct {
	dialer smtpDialer
	from   string
	logger Logger
}

// NewSender builds a Sender from SMTP settings.
func NewSender(cfg SenderConfig) (*Sender, error) {
	from := strings.TrimSpace(cfg.From)
	if from == "" {
		return nil, errors.New("mail: from address is required")
	}

	dialer := cfg.Dialer
	if dialer == nil {
		host := strings.TrimSpace(cfg.Host)
		if host == "" {
			return nil, errors.New("mail: smtp host is required")
		}
		opts := []gomail.Option{
			gomail.WithTLSPolicy(gomail.TLSOpportunistic),
		}
		if cfg.Port > 0 {
			opts = append(opts, gomail.WithPort(cfg.Port))
		}
		if cfg.Timeout > 0 {
			opts = append(opts, gomail.WithTimeout(cfg.Timeout))
		}
		if username := strings.TrimSpace(cfg.Username); username != "" {
			opts = append(opts,
				gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
				gomail.WithUsername(username),
				gomail.WithPassword(cfg.Password),
			)
		}
		client, err := gomail.NewClient(host, opts...)
		if err != nil {
			return nil, fmt.Errorf("mail: smtp client: %w", err)
		}
		dialer = client
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &Sender{dialer: dialer, from: from, logger: logger}, nil
}

// Send delivers one message. Attachments are streamed from memory.
func (s *Sender) Send(ctx context.Context, message Message) error {
	if s == nil {
		return errors.New("mail: sender is nil")
	}
	to := strings.TrimSpace(message.To)
	if to == "" {
		return fmt.Errorf("%w: recipient is required", ErrInvalidMessage)
	}
	if strings.TrimSpace(message.Subject) == "" {
		return fmt.Errorf("%w: subject is required", ErrInvalidMessage)
	}

	msg := gomail.NewMsg()
	if err := msg.From(s.from); err != nil {
		return fmt.Errorf("mail: set from: %w", err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("mail: set recipient: %w", err)
	}
	msg.Subject(message.Subject)
	msg.SetBodyString(gomail.TypeTextPlain, message.Body)

	for _, attachment := range message.Attachments {
		name := strings.TrimSpace(attachment.Filename)
		if name == "" || len(attachment.Data) == 0 {
			return fmt.Errorf("%w: attachment requires a name and content", ErrInvalidMessage)
		}
		opts := []gomail.FileOption{}
		if ct := strings.TrimSpace(attachment.ContentType); ct != "" {
			opts = append(opts, gomail.WithFileContentType(gomail.ContentType(ct)))
		}
		if err := msg.AttachReader(name, bytes.NewReader(attachment.Data), opts...); err != nil {
			return fmt.Errorf("mail: attach %s: %w", name, err)
		}
	}

	if err := s.dialer.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("mail: send to %s: %w", to, err)
	}

	s.logger(ctx, "mail.sent", map[string]any{
		"to":          to,
		"subject":     message.Subject,
		"attachments": len(message.Attachments),
	})
	return nil
}

// Package email delivers rendered messages through Postmark, or to the log in development.
package email

import (
	"context"
	"errors"
	"fmt"
	"net/mail"

	"go.uber.org/fx"
	"go.uber.org/zap"

	cfgpkg "github.com/fatflowers/billing/pkg/config"
)

var (
	ErrFailedToSendEmail = errors.New("failed to send email")
	ErrInvalidConfig     = errors.New("invalid email config")
	ErrInvalidMessage    = errors.New("invalid email message")
)

type Message struct {
	To       string
	Subject  string
	HTMLBody string
	Tag      string
}

func (m Message) Validate() error {
	if _, err := mail.ParseAddress(m.To); err != nil {
		return fmt.Errorf("%w: bad recipient %q", ErrInvalidMessage, m.To)
	}
	if m.Subject == "" {
		return fmt.Errorf("%w: subject is required", ErrInvalidMessage)
	}
	return nil
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender writes messages to the logger instead of delivering them.
type LogSender struct {
	log *zap.SugaredLogger
}

func NewLogSender(log *zap.SugaredLogger) *LogSender {
	return &LogSender{log: log}
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	s.log.Infow("email (log sender)", "to", msg.To, "subject", msg.Subject, "tag", msg.Tag, "bytes", len(msg.HTMLBody))
	return nil
}

// NewSender selects the configured provider.
func NewSender(cfg *cfgpkg.Config, log *zap.SugaredLogger) (Sender, error) {
	switch cfg.Email.Provider {
	case "postmark":
		return NewPostmarkSender(cfg.Email)
	case "", "log":
		return NewLogSender(log), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Email.Provider)
	}
}

var Module = fx.Options(
	fx.Provide(NewSender),
)

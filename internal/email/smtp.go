package email

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"go.uber.org/zap"
)

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

var ErrNotConfigured = errors.New("email not configured")

// SMTPProvider sends mail through an SMTP relay.
type SMTPProvider struct {
	config   Config
	server   string
	auth     smtp.Auth
	logger   *zap.Logger
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPProvider(config Config, logger *zap.Logger) *SMTPProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &SMTPProvider{
		config:   config,
		server:   config.Host + ":" + config.Port,
		auth:     auth,
		logger:   logger,
		sendMail: smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (p *SMTPProvider) IsConfigured() bool {
	return p.config.Host != "" && p.config.Port != "" && p.config.From != ""
}

func (p *SMTPProvider) Send(ctx context.Context, msg Message) error {
	if !p.IsConfigured() {
		return ErrNotConfigured
	}
	if len(msg.To) == 0 {
		return errors.New("email has no recipients")
	}
	raw := buildMIME(formatFrom(p.config.From, p.config.FromName), msg)

	err := retry.Do(
		func() error {
			return p.sendMail(p.server, p.auth, p.config.From, msg.To, raw)
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Info("retrying smtp send", zap.Uint("attempt", n), zap.Strings("to", msg.To), zap.Error(err))
		}),
	)
	if err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

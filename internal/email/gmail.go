package email

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"go.uber.org/zap"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// GmailProvider sends through the Gmail API as a delegated workspace user.
type GmailProvider struct {
	service *gmail.Service
	from    string
	logger  *zap.Logger
}

// NewGmailProvider impersonates from using a service account with
// domain-wide delegation.
func NewGmailProvider(ctx context.Context, credentialsJSON []byte, from, fromName string, logger *zap.Logger) (*GmailProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	jwt, err := google.JWTConfigFromJSON(credentialsJSON, gmail.GmailSendScope)
	if err != nil {
		return nil, fmt.Errorf("parse gmail credentials: %w", err)
	}
	jwt.Subject = from

	service, err := gmail.NewService(ctx, option.WithTokenSource(jwt.TokenSource(ctx)))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return &GmailProvider{service: service, from: formatFrom(from, fromName), logger: logger}, nil
}

func (p *GmailProvider) Send(ctx context.Context, msg Message) error {
	encoded := base64.URLEncoding.EncodeToString(buildMIME(p.from, msg))

	err := retry.Do(
		func() error {
			startTime := time.Now()
			_, err := p.service.Users.Messages.Send("me", &gmail.Message{
				Raw: encoded,
			}).Context(ctx).Do()
			if err != nil {
				p.logger.Warn("gmail send failed",
					zap.Strings("to", msg.To),
					zap.Duration("duration", time.Since(startTime)),
					zap.Error(err))
				return err
			}
			p.logger.Debug("gmail send completed",
				zap.Strings("to", msg.To),
				zap.Duration("duration", time.Since(startTime)))
			return nil
		},
		retry.Attempts(5),
		retry.Delay(time.Second),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Info("retrying gmail send", zap.Uint("attempt", n), zap.Error(err))
		}),
	)
	if err != nil {
		return fmt.Errorf("gmail send after retries: %w", err)
	}
	return nil
}

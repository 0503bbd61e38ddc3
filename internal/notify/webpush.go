package notify

import (
	"context"
	"fmt"
	"io"

	webpush "github.com/SherClockHolmes/webpush-go"

	"pinboard/api/internal/store"
)

// PushSender delivers one payload to one subscription and reports the push
// service's HTTP status.
type PushSender interface {
	Send(ctx context.Context, subscription store.WebPushSubscription, payload []byte) (int, error)
}

type VAPIDConfig struct {
	PublicKey  string
	PrivateKey string
	Subscriber string
	TTL        int
}

func (c VAPIDConfig) IsConfigured() bool {
	return c.PublicKey != "" && c.PrivateKey != ""
}

// WebPushSender signs pushes with the VAPID key pair.
type WebPushSender struct {
	config VAPIDConfig
}

func NewWebPushSender(config VAPIDConfig) *WebPushSender {
	if config.TTL <= 0 {
		config.TTL = 60 * 60
	}
	return &WebPushSender{config: config}
}

func (s *WebPushSender) Send(ctx context.Context, subscription store.WebPushSubscription, payload []byte) (int, error) {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: subscription.Endpoint,
		Keys: webpush.Keys{
			Auth:   subscription.Keys.Auth,
			P256dh: subscription.Keys.P256dh,
		},
	}, &webpush.Options{
		Subscriber:      s.config.Subscriber,
		VAPIDPublicKey:  s.config.PublicKey,
		VAPIDPrivateKey: s.config.PrivateKey,
		TTL:             s.config.TTL,
	})
	if err != nil {
		return 0, fmt.Errorf("send web push: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

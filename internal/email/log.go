package email

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// LogProvider writes messages to the log instead of sending them. It is the
// default outside PROD when no mail transport is configured.
type LogProvider struct {
	logger *zap.Logger
}

func NewLogProvider(logger *zap.Logger) *LogProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogProvider{logger: logger}
}

func (p *LogProvider) Send(_ context.Context, msg Message) error {
	p.logger.Info("email not sent, log provider",
		zap.Strings("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("messageId", msg.MessageID),
		zap.String("inReplyTo", msg.InReplyTo))
	return nil
}

// RecordingProvider keeps every message in memory. Fail makes Send return
// the given error for a recipient.
type RecordingProvider struct {
	mu   sync.Mutex
	sent []Message
	Fail map[string]error
}

func (p *RecordingProvider) Send(_ context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, to := range msg.To {
		if err, ok := p.Fail[to]; ok {
			return err
		}
	}
	p.sent = append(p.sent, msg)
	return nil
}

func (p *RecordingProvider) Sent() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.sent))
	copy(out, p.sent)
	return out
}

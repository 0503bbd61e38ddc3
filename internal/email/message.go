// Package email delivers notification emails through SMTP or the Gmail API.
package email

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"

	"go.uber.org/zap"
)

// Message is a rendered email. MessageID, InReplyTo and References are
// complete header values including angle brackets.
type Message struct {
	To         []string
	Subject    string
	HTML       string
	Text       string
	MessageID  string
	InReplyTo  string
	References []string
}

// Provider delivers a single message.
type Provider interface {
	Send(ctx context.Context, msg Message) error
}

// buildMIME renders msg as an RFC 5322 message with a text and an HTML part.
// Each message gets a random part boundary from multipart.Writer.
func buildMIME(from string, msg Message) []byte {
	var body bytes.Buffer
	parts := multipart.NewWriter(&body)

	text := msg.Text
	if text == "" {
		text = "Please view this email in an HTML-capable email client."
	}
	for _, part := range []struct{ contentType, content string }{
		{"text/plain; charset=UTF-8", text},
		{"text/html; charset=UTF-8", msg.HTML},
	} {
		w, _ := parts.CreatePart(textproto.MIMEHeader{"Content-Type": {part.contentType}})
		fmt.Fprintf(w, "%s\r\n", part.content)
	}
	_ = parts.Close()

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	if msg.MessageID != "" {
		fmt.Fprintf(&buf, "Message-ID: %s\r\n", msg.MessageID)
	}
	if msg.InReplyTo != "" {
		fmt.Fprintf(&buf, "In-Reply-To: %s\r\n", msg.InReplyTo)
	}
	if len(msg.References) > 0 {
		fmt.Fprintf(&buf, "References: %s\r\n", strings.Join(msg.References, " "))
	}
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%q\r\n", parts.Boundary())
	fmt.Fprintf(&buf, "\r\n")
	buf.Write(body.Bytes())
	return buf.Bytes()
}

func formatFrom(address, name string) string {
	if name == "" {
		return address
	}
	return fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", name), address)
}

const (
	ProviderLog   = "log"
	ProviderSMTP  = "smtp"
	ProviderGmail = "gmail"
)

// NewProvider picks the mail transport by name. Gmail needs the service
// account JSON in credentialsJSON; the other transports ignore it.
func NewProvider(ctx context.Context, kind string, smtpConfig Config, credentialsJSON []byte, logger *zap.Logger) (Provider, error) {
	switch kind {
	case ProviderLog, "":
		return NewLogProvider(logger), nil
	case ProviderSMTP:
		provider := NewSMTPProvider(smtpConfig, logger)
		if !provider.IsConfigured() {
			return nil, ErrNotConfigured
		}
		return provider, nil
	case ProviderGmail:
		if len(credentialsJSON) == 0 {
			return nil, ErrNotConfigured
		}
		return NewGmailProvider(ctx, credentialsJSON, smtpConfig.From, smtpConfig.FromName, logger)
	default:
		return nil, fmt.Errorf("unknown email provider %q", kind)
	}
}

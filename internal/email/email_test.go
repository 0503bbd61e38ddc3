package email

import (
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"net/smtp"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"pinboard/api/internal/store"
)

func TestSMTPProviderIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{
			name:     "empty config",
			config:   Config{},
			expected: false,
		},
		{
			name: "missing host",
			config: Config{
				Port: "587",
				From: "pinboard@example.com",
			},
			expected: false,
		},
		{
			name: "missing from",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
			},
			expected: false,
		},
		{
			name: "fully configured",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
				From: "pinboard@example.com",
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := NewSMTPProvider(tt.config, nil)
			if provider.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", provider.IsConfigured(), tt.expected)
			}
		})
	}
}

func TestSMTPProviderSendsThreadingHeaders(t *testing.T) {
	provider := NewSMTPProvider(Config{Host: "smtp.example.com", Port: "587", From: "pinboard@example.com", FromName: "Pinboard"}, zaptest.NewLogger(t))
	var raw string
	var recipients []string
	provider.sendMail = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		if addr != "smtp.example.com:587" || from != "pinboard@example.com" {
			t.Errorf("unexpected envelope %s %s", addr, from)
		}
		recipients = to
		raw = string(msg)
		return nil
	}

	err := provider.Send(context.Background(), Message{
		To:         []string{"help@x.com"},
		Subject:    "Re: request",
		HTML:       "<p>claimed</p>",
		MessageID:  "<pinboard-item-2@x.com>",
		InReplyTo:  "<pinboard-item-1@x.com>",
		References: []string{"<pinboard-item-1@x.com>"},
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(recipients) != 1 || recipients[0] != "help@x.com" {
		t.Fatalf("unexpected recipients %v", recipients)
	}
	for _, header := range []string{
		"Message-ID: <pinboard-item-2@x.com>\r\n",
		"In-Reply-To: <pinboard-item-1@x.com>\r\n",
		"References: <pinboard-item-1@x.com>\r\n",
		"From: Pinboard <pinboard@example.com>\r\n",
		"<p>claimed</p>",
	} {
		if !strings.Contains(raw, header) {
			t.Errorf("message should contain %q", header)
		}
	}
}

func TestSMTPProviderRequiresConfiguration(t *testing.T) {
	provider := NewSMTPProvider(Config{}, nil)
	if err := provider.Send(context.Background(), Message{To: []string{"a@x.com"}}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestSendMissedMentions(t *testing.T) {
	provider := &RecordingProvider{}
	sender := NewSender(provider, "https://pinboard.example.com/")

	err := sender.SendMissedMentions(context.Background(), MissedMentions{
		To:   "me@x.com",
		Name: "Me",
		Pinboards: []PinboardMentions{
			{PinboardID: "P1", Mentions: []MissedMention{
				{Item: store.Item{ID: 4, PinboardID: "P1", Message: "look <here>"}, AuthorName: "Ann"},
				{Item: store.Item{ID: 5, PinboardID: "P1", Type: "grid-crop"}, AuthorName: "Ben"},
			}},
		},
	})
	if err != nil {
		t.Fatalf("SendMissedMentions() error = %v", err)
	}
	sent := provider.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected one email, got %d", len(sent))
	}
	msg := sent[0]
	if msg.To[0] != "me@x.com" || msg.Subject != "You were mentioned 2 times on Pinboard" {
		t.Fatalf("unexpected message %+v", msg)
	}
	if !strings.Contains(msg.HTML, "https://pinboard.example.com/?pinboardId=P1&amp;itemId=4") {
		t.Error("html should deep link to the item")
	}
	if !strings.Contains(msg.HTML, "look &lt;here&gt;") {
		t.Error("html should escape item text")
	}
	if !strings.Contains(msg.Text, "[grid-crop]") || !strings.Contains(msg.Text, "Ben") {
		t.Error("digest should describe payload-only items with their author")
	}
}

func TestSendMissedMentionsSkipsEmptyDigest(t *testing.T) {
	provider := &RecordingProvider{}
	if err := NewSender(provider, "https://p").SendMissedMentions(context.Background(), MissedMentions{To: "me@x.com"}); err != nil {
		t.Fatalf("SendMissedMentions() error = %v", err)
	}
	if len(provider.Sent()) != 0 {
		t.Fatal("empty digest must not send")
	}
}

func TestClaimNoticeThreadsUnderRequest(t *testing.T) {
	provider := &RecordingProvider{}
	sender := NewSender(provider, "https://pinboard.example.com")
	groups := []store.Group{{Shorthand: "pinboardHELP", PrimaryEmail: "help@x.com"}, {Shorthand: "noMail"}}
	requester := store.User{Email: "a@x.com", FirstName: "Ann"}
	request := store.Item{ID: 10, PinboardID: "P1", Message: "crop please"}

	if err := sender.SendGroupRequest(context.Background(), request, requester, groups); err != nil {
		t.Fatalf("SendGroupRequest() error = %v", err)
	}
	claim := store.Item{ID: 11, PinboardID: "P1", Type: "claim"}
	if err := sender.SendClaimNotice(context.Background(), request, claim, requester, store.User{Email: "b@x.com", FirstName: "Ben"}, groups); err != nil {
		t.Fatalf("SendClaimNotice() error = %v", err)
	}

	sent := provider.Sent()
	if len(sent) != 2 {
		t.Fatalf("expected two emails, got %d", len(sent))
	}
	requestMsg, claimMsg := sent[0], sent[1]
	if len(requestMsg.To) != 1 || requestMsg.To[0] != "help@x.com" {
		t.Fatalf("request should go to group primary emails, got %v", requestMsg.To)
	}
	if requestMsg.MessageID != "<pinboard-item-10@pinboard.example.com>" {
		t.Fatalf("unexpected request message id %q", requestMsg.MessageID)
	}
	if claimMsg.InReplyTo != requestMsg.MessageID || claimMsg.References[0] != requestMsg.MessageID {
		t.Fatalf("claim should reply to the request thread: %+v", claimMsg)
	}
	if claimMsg.Subject != "Re: "+requestMsg.Subject {
		t.Fatalf("claim subject %q should follow %q", claimMsg.Subject, requestMsg.Subject)
	}
	if !strings.Contains(claimMsg.Text, "Ben claimed") {
		t.Fatalf("unexpected claim text %q", claimMsg.Text)
	}
}

func TestSnippet(t *testing.T) {
	long := strings.Repeat("word ", 100)
	got := Snippet(store.Item{Message: long})
	if !strings.HasSuffix(got, "…") || len([]rune(got)) > snippetLength+1 {
		t.Fatalf("unexpected snippet %q", got)
	}
	if Snippet(store.Item{Message: "  a\n b "}) != "a b" {
		t.Fatal("snippet should collapse whitespace")
	}
}

func TestNewProvider(t *testing.T) {
	ctx := context.Background()
	if p, err := NewProvider(ctx, ProviderLog, Config{}, nil, nil); err != nil {
		t.Fatalf("log provider: %v", err)
	} else if _, ok := p.(*LogProvider); !ok {
		t.Fatalf("expected *LogProvider, got %T", p)
	}
	if _, err := NewProvider(ctx, ProviderSMTP, Config{}, nil, nil); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured for bare smtp, got %v", err)
	}
	if _, err := NewProvider(ctx, ProviderGmail, Config{From: "pinboard@x.com"}, nil, nil); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured without credentials, got %v", err)
	}
	if _, err := NewProvider(ctx, "pigeon", Config{}, nil, nil); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestBuildMIMESurvivesBoundaryLikeBodies(t *testing.T) {
	msg := Message{
		To:      []string{"b@x.com"},
		Subject: "hi",
		Text:    "before\r\n--boundary-pinboard\r\nafter",
		HTML:    "<p>--boundary-pinboard--</p>",
	}
	first := buildMIME("pinboard@x.com", msg)
	if string(first) == string(buildMIME("pinboard@x.com", msg)) {
		t.Fatal("each message should get its own boundary")
	}

	parsed, err := mail.ReadMessage(strings.NewReader(string(first)))
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	mediaType, params, err := mime.ParseMediaType(parsed.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/alternative" {
		t.Fatalf("unexpected content type %q: %v", parsed.Header.Get("Content-Type"), err)
	}
	reader := multipart.NewReader(parsed.Body, params["boundary"])
	var bodies []string
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("NextPart() error = %v", err)
		}
		raw, err := io.ReadAll(part)
		if err != nil {
			t.Fatalf("read part: %v", err)
		}
		bodies = append(bodies, string(raw))
	}
	if len(bodies) != 2 {
		t.Fatalf("expected text and html parts, got %d: %q", len(bodies), bodies)
	}
	if !strings.Contains(bodies[0], "--boundary-pinboard\r\nafter") || !strings.Contains(bodies[1], "<p>--boundary-pinboard--</p>") {
		t.Fatalf("part bodies were altered: %q", bodies)
	}
}

package mention

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"go.uber.org/zap"

	"pinboard/api/internal/store"
)

type Bot struct {
	Shorthand string `json:"shorthand"`
	URL       string `json:"-"`
}

// BotRegistry maps bot shorthands to their invocation endpoints.
type BotRegistry struct {
	bots map[string]Bot
}

func NewBotRegistry(endpoints map[string]string) *BotRegistry {
	bots := make(map[string]Bot, len(endpoints))
	for shorthand, url := range endpoints {
		shorthand = normalizeShorthand(shorthand)
		url = strings.TrimSpace(url)
		if shorthand == "" || url == "" {
			continue
		}
		bots[shorthand] = Bot{Shorthand: shorthand, URL: url}
	}
	return &BotRegistry{bots: bots}
}

func (r *BotRegistry) Lookup(shorthand string) (Bot, bool) {
	bot, ok := r.bots[normalizeShorthand(shorthand)]
	return bot, ok
}

func (r *BotRegistry) List() []Bot {
	out := make([]Bot, 0, len(r.bots))
	for _, bot := range r.bots {
		out = append(out, bot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Shorthand < out[j].Shorthand })
	return out
}

// errPermanent marks bot responses that retrying will not fix.
var errPermanent = errors.New("permanent bot failure")

// BotInvoker posts newly created items to the bots they mention.
type BotInvoker struct {
	client   *http.Client
	logger   *zap.Logger
	attempts uint
	delay    time.Duration
}

func NewBotInvoker(client *http.Client, logger *zap.Logger) *BotInvoker {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BotInvoker{client: client, logger: logger, attempts: 3, delay: time.Second}
}

type botInvocation struct {
	Bot  string     `json:"bot"`
	Item store.Item `json:"item"`
}

func (b *BotInvoker) Invoke(ctx context.Context, bot Bot, item store.Item) error {
	body, err := json.Marshal(botInvocation{Bot: bot.Shorthand, Item: item})
	if err != nil {
		return fmt.Errorf("encode bot invocation: %w", err)
	}

	err = retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, bot.URL, bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("%w: create request: %v", errPermanent, err)
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := b.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			_, _ = io.Copy(io.Discard, resp.Body)

			switch {
			case resp.StatusCode < 300:
				return nil
			case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
				return fmt.Errorf("bot %s returned HTTP %d", bot.Shorthand, resp.StatusCode)
			default:
				return fmt.Errorf("%w: bot %s returned HTTP %d", errPermanent, bot.Shorthand, resp.StatusCode)
			}
		},
		retry.Attempts(b.attempts),
		retry.Delay(b.delay),
		retry.MaxDelay(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			b.logger.Info("retrying bot invocation", zap.String("bot", bot.Shorthand), zap.Uint("attempt", n), zap.Error(err))
		}),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, errPermanent)
		}),
	)
	if err != nil {
		return fmt.Errorf("invoke bot %s: %w", bot.Shorthand, err)
	}
	return nil
}

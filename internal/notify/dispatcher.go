// Package notify pushes new items and claims to the people they concern.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pinboard/api/internal/email"
	"pinboard/api/internal/store"
)

type Store interface {
	GetUser(ctx context.Context, email string) (store.User, error)
	ListGroups(ctx context.Context, shorthands []string) ([]store.Group, error)
	ListWebPushSubscriptions(ctx context.Context, emails []string) ([]store.UserSubscription, error)
	MarkWebPushSubscriptionExpired(ctx context.Context, email, endpoint string) (bool, error)
}

// Mailer sends the instant group emails. *email.Sender satisfies it.
type Mailer interface {
	SendGroupRequest(ctx context.Context, request store.Item, author store.User, groups []store.Group) error
	SendClaimNotice(ctx context.Context, request, claim store.Item, requester, claimant store.User, groups []store.Group) error
}

const (
	ChannelPush  = "push"
	ChannelEmail = "email"
)

// ErrPushRejected is recorded when the push service answers with a status
// of 300 or above.
var ErrPushRejected = errors.New("push rejected")

// DeliveryResult is the settled outcome of one delivery attempt.
type DeliveryResult struct {
	Channel   string
	Recipient string
	Status    int
	Duplicate bool
	Expired   bool
	Err       error
}

// PushPayload is what the service worker receives.
type PushPayload struct {
	Title string          `json:"title"`
	Body  string          `json:"body"`
	Item  PushItemSummary `json:"item"`
}

type PushItemSummary struct {
	ID         int64  `json:"id"`
	PinboardID string `json:"pinboardId"`
	Type       string `json:"type"`
}

type Dispatcher struct {
	store       Store
	push        PushSender
	ledger      Ledger
	mailer      Mailer
	logger      *zap.Logger
	ledgerTTL   time.Duration
	concurrency int
}

type Option func(*Dispatcher)

func WithMailer(mailer Mailer) Option {
	return func(d *Dispatcher) { d.mailer = mailer }
}

func WithLedger(ledger Ledger) Option {
	return func(d *Dispatcher) { d.ledger = ledger }
}

func WithConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

func NewDispatcher(st Store, push PushSender, logger *zap.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		store:       st,
		push:        push,
		ledger:      NewMemoryLedger(),
		logger:      logger,
		ledgerTTL:   24 * time.Hour,
		concurrency: 8,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OnItemCreated pushes to every directly mentioned user except the author
// and, for claimable group requests, mails the mentioned groups at once.
func (d *Dispatcher) OnItemCreated(ctx context.Context, item store.Item) []DeliveryResult {
	author, err := d.lookupUser(ctx, item.UserEmail)
	if err != nil {
		d.logger.Warn("load item author", zap.Int64("itemId", item.ID), zap.Error(err))
	}

	recipients := make([]string, 0, len(item.Mentions))
	for _, mentioned := range item.Mentions {
		if mentioned != item.UserEmail {
			recipients = append(recipients, mentioned)
		}
	}
	payload := PushPayload{
		Title: author.DisplayName() + " mentioned you",
		Body:  email.Snippet(item),
		Item:  summarize(item),
	}
	results := d.pushAll(ctx, item.ID, recipients, payload)

	if item.Claimable && len(item.GroupMentions) > 0 && d.mailer != nil {
		results = append(results, d.mailGroups(ctx, "request", item.ID, item.GroupMentions, func(groups []store.Group) error {
			return d.mailer.SendGroupRequest(ctx, item, author, groups)
		}))
	}
	return results
}

// OnItemClaimed tells the requester who picked the request up and replies
// to the group email thread.
func (d *Dispatcher) OnItemClaimed(ctx context.Context, request, claim store.Item) []DeliveryResult {
	claimant, err := d.lookupUser(ctx, claim.UserEmail)
	if err != nil {
		d.logger.Warn("load claimant", zap.Int64("itemId", claim.ID), zap.Error(err))
	}

	var results []DeliveryResult
	if request.UserEmail != claim.UserEmail {
		payload := PushPayload{
			Title: claimant.DisplayName() + " claimed your request",
			Body:  email.Snippet(request),
			Item:  summarize(claim),
		}
		results = d.pushAll(ctx, claim.ID, []string{request.UserEmail}, payload)
	}

	if len(request.GroupMentions) > 0 && d.mailer != nil {
		requester, err := d.lookupUser(ctx, request.UserEmail)
		if err != nil {
			d.logger.Warn("load requester", zap.Int64("itemId", request.ID), zap.Error(err))
		}
		results = append(results, d.mailGroups(ctx, "claim", claim.ID, request.GroupMentions, func(groups []store.Group) error {
			return d.mailer.SendClaimNotice(ctx, request, claim, requester, claimant, groups)
		}))
	}
	return results
}

func (d *Dispatcher) lookupUser(ctx context.Context, userEmail string) (store.User, error) {
	user, err := d.store.GetUser(ctx, userEmail)
	if err != nil {
		return store.User{Email: userEmail}, err
	}
	return user, nil
}

func (d *Dispatcher) mailGroups(ctx context.Context, kind string, itemID int64, shorthands []string, send func([]store.Group) error) DeliveryResult {
	result := DeliveryResult{Channel: ChannelEmail, Recipient: kind}
	claimed, err := d.ledger.Claim(ctx, fmt.Sprintf("email:%s:%d", kind, itemID), d.ledgerTTL)
	if err != nil {
		d.logger.Warn("delivery ledger unavailable", zap.Int64("itemId", itemID), zap.Error(err))
	} else if !claimed {
		result.Duplicate = true
		return result
	}

	groups, err := d.store.ListGroups(ctx, shorthands)
	if err != nil {
		result.Err = fmt.Errorf("load groups: %w", err)
	} else {
		result.Err = send(groups)
	}
	if result.Err != nil {
		d.logger.Error("group email failed", zap.String("kind", kind), zap.Int64("itemId", itemID), zap.Error(result.Err))
	}
	return result
}

// pushAll fans out to every live subscription of recipients. Each attempt
// is isolated; failures mark that subscription expired.
func (d *Dispatcher) pushAll(ctx context.Context, itemID int64, recipients []string, payload PushPayload) []DeliveryResult {
	if len(recipients) == 0 || d.push == nil {
		return nil
	}
	subs, err := d.store.ListWebPushSubscriptions(ctx, recipients)
	if err != nil {
		d.logger.Error("load push subscriptions", zap.Int64("itemId", itemID), zap.Error(err))
		results := make([]DeliveryResult, len(recipients))
		for i, recipient := range recipients {
			results[i] = DeliveryResult{Channel: ChannelPush, Recipient: recipient, Err: err}
		}
		return results
	}
	body, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("encode push payload", zap.Int64("itemId", itemID), zap.Error(err))
		return nil
	}

	results := make([]DeliveryResult, len(subs))
	var group errgroup.Group
	group.SetLimit(d.concurrency)
	for i, sub := range subs {
		group.Go(func() error {
			results[i] = d.pushOne(ctx, pushKey(itemID, sub.Email), sub, body)
			return nil
		})
	}
	_ = group.Wait()

	for _, result := range results {
		if result.Err != nil {
			d.logger.Warn("push failed",
				zap.Int64("itemId", itemID),
				zap.String("recipient", result.Recipient),
				zap.Int("status", result.Status),
				zap.Error(result.Err))
		}
	}
	return results
}

func (d *Dispatcher) pushOne(ctx context.Context, ledgerKey string, sub store.UserSubscription, body []byte) DeliveryResult {
	result := DeliveryResult{Channel: ChannelPush, Recipient: sub.Email}
	if ledgerKey != "" {
		claimed, err := d.ledger.Claim(ctx, ledgerKey, d.ledgerTTL)
		if err != nil {
			d.logger.Warn("delivery ledger unavailable", zap.String("key", ledgerKey), zap.Error(err))
		} else if !claimed {
			result.Duplicate = true
			return result
		}
	}

	status, err := d.push.Send(ctx, sub.Subscription, body)
	result.Status = status
	if err == nil && status >= 300 {
		err = fmt.Errorf("%w: HTTP %d", ErrPushRejected, status)
	}
	if err == nil {
		return result
	}
	result.Err = err

	expired, markErr := d.store.MarkWebPushSubscriptionExpired(ctx, sub.Email, sub.Subscription.Endpoint)
	if markErr != nil {
		d.logger.Error("mark push subscription expired", zap.String("recipient", sub.Email), zap.Error(markErr))
	}
	result.Expired = expired
	return result
}

func summarize(item store.Item) PushItemSummary {
	return PushItemSummary{ID: item.ID, PinboardID: item.PinboardID, Type: item.Type}
}

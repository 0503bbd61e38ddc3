package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"pinboard/api/internal/archive"
	"pinboard/api/internal/config"
	"pinboard/api/internal/item"
	"pinboard/api/internal/live"
	"pinboard/api/internal/mention"
	"pinboard/api/internal/notify"
	"pinboard/api/internal/rbac"
	"pinboard/api/internal/store"
	"pinboard/api/internal/unread"
)

const (
	maxUsersPerQuery    = 100
	maxUnreadMentions   = 100
	maxPinboardsQueried = 200
	defaultEffectTTL    = 30 * time.Second
)

type dataStore interface {
	Ping(context.Context) error
	InsertItem(context.Context, store.Item) (store.Item, error)
	GetItem(context.Context, int64) (store.Item, error)
	ListItems(context.Context, string) ([]store.Item, error)
	EditItem(context.Context, int64, string, string, json.RawMessage) (store.Item, error)
	SoftDeleteItem(context.Context, int64, string) (store.Item, error)
	ClaimItem(context.Context, int64, string, store.Item) (store.Item, store.Item, error)
	ItemCounts(context.Context, string, []string) ([]store.ItemCount, error)
	GroupPinboardIDs(context.Context, []string) ([]store.GroupPinboard, error)
	ListUnreadMentionItems(context.Context, string, []string, int) ([]store.Item, error)
	UpsertLastItemSeen(context.Context, string, string, int64) (store.LastItemSeen, bool, error)
	ListLastItemSeenByUsers(context.Context, string) ([]store.LastItemSeen, error)
	GetUser(context.Context, string) (store.User, error)
	GetUsers(context.Context, []string) ([]store.User, error)
	GroupsForUser(context.Context, string) ([]store.Group, error)
	SetWebPushSubscription(context.Context, string, *store.WebPushSubscription) (store.User, error)
	AddManuallyOpenedPinboardIDs(context.Context, string, []string, int) (store.User, error)
	RemoveManuallyOpenedPinboardID(context.Context, string, string) (store.User, error)
	VisitTourStep(context.Context, string, string) (store.User, error)
	ChangeFeatureFlag(context.Context, string, string, bool) (store.User, error)
}

type mentionResolver interface {
	Resolve(ctx context.Context, author string, candidates mention.Candidates) (mention.Resolution, error)
}

type userSearcher interface {
	SearchMentionableUsers(ctx context.Context, prefix string, limit int) ([]store.User, error)
}

type notifier interface {
	OnItemCreated(ctx context.Context, item store.Item) []notify.DeliveryResult
	OnItemClaimed(ctx context.Context, request, claim store.Item) []notify.DeliveryResult
}

type botInvoker interface {
	Invoke(ctx context.Context, bot mention.Bot, item store.Item) error
}

type pinboardArchiver interface {
	ArchivePinboard(ctx context.Context, pinboardID string) (archive.Result, error)
}

// Deps are the collaborators of the Service. Store and Resolver are
// required; the rest may be nil and their side effects are skipped.
type Deps struct {
	Store     dataStore
	Resolver  mentionResolver
	Search    userSearcher
	Notifier  notifier
	Publisher live.Publisher
	Bots      botInvoker
	Archiver  pinboardArchiver
	Logger    *zap.Logger
}

type Service struct {
	cfg       config.Config
	store     dataStore
	resolver  mentionResolver
	search    userSearcher
	notifier  notifier
	publisher live.Publisher
	bots      botInvoker
	archiver  pinboardArchiver
	logger    *zap.Logger

	effectTimeout time.Duration
	effects       sync.WaitGroup
}

func New(cfg config.Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:           cfg,
		store:         deps.Store,
		resolver:      deps.Resolver,
		search:        deps.Search,
		notifier:      deps.Notifier,
		publisher:     deps.Publisher,
		bots:          deps.Bots,
		archiver:      deps.Archiver,
		logger:        logger,
		effectTimeout: defaultEffectTTL,
	}
}

// ItemView is an item as one viewer sees it.
type ItemView struct {
	store.Item
	MentionHandles []mention.Handle `json:"mentionHandles"`
}

type CreateItemInput struct {
	PinboardID    string          `json:"pinboardId"`
	Type          string          `json:"type"`
	Message       string          `json:"message"`
	Payload       json.RawMessage `json:"payload"`
	Mentions      []string        `json:"mentions"`
	GroupMentions []string        `json:"groupMentions"`
	BotMentions   []string        `json:"botMentions"`
	Claimable     bool            `json:"claimable"`
	RelatedItemID *int64          `json:"relatedItemId"`
}

type EditItemInput struct {
	Message string          `json:"message"`
	Payload json.RawMessage `json:"payload"`
}

type ClaimResult struct {
	Request ItemView `json:"request"`
	Claim   ItemView `json:"claim"`
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Wait blocks until every side effect started so far has finished.
func (s *Service) Wait() {
	s.effects.Wait()
}

// afterCommit runs fn once the write that triggered it is durable. It
// outlives the request and never reports back to the caller.
func (s *Service) afterCommit(ctx context.Context, fn func(context.Context)) {
	s.effects.Add(1)
	go func() {
		defer s.effects.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.effectTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (s *Service) publish(ctx context.Context, event live.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("publish live event",
			zap.String("type", event.Type),
			zap.String("pinboard_id", event.PinboardID),
			zap.Error(err))
	}
}

func (s *Service) logDeliveries(itemID int64, results []notify.DeliveryResult) {
	for _, result := range results {
		if result.Err == nil {
			continue
		}
		s.logger.Warn("notification delivery failed",
			zap.Int64("item_id", itemID),
			zap.String("channel", result.Channel),
			zap.String("recipient", result.Recipient),
			zap.Int("status", result.Status),
			zap.Error(result.Err))
	}
}

func (s *Service) ListItems(ctx context.Context, viewer, pinboardID string) ([]ItemView, error) {
	pinboardID = strings.TrimSpace(pinboardID)
	if pinboardID == "" {
		return nil, validationError("pinboardId is required")
	}
	items, err := s.store.ListItems(ctx, pinboardID)
	if err != nil {
		return nil, err
	}
	return s.render(ctx, viewer, items...)
}

// render attaches viewer relative mention handles.
func (s *Service) render(ctx context.Context, viewer string, items ...store.Item) ([]ItemView, error) {
	var emails []string
	seen := map[string]struct{}{}
	for _, it := range items {
		for _, email := range it.Mentions {
			if _, ok := seen[email]; !ok {
				seen[email] = struct{}{}
				emails = append(emails, email)
			}
		}
	}
	users := make(map[string]store.User, len(emails))
	if len(emails) > 0 {
		list, err := s.store.GetUsers(ctx, emails)
		if err != nil {
			return nil, err
		}
		for _, user := range list {
			users[user.Email] = user
		}
	}
	groups, err := s.store.GroupsForUser(ctx, viewer)
	if err != nil {
		return nil, err
	}
	viewerGroups := unread.GroupSet(groups)

	views := make([]ItemView, 0, len(items))
	for _, it := range items {
		views = append(views, ItemView{Item: it, MentionHandles: mention.Render(viewer, it, users, viewerGroups)})
	}
	return views, nil
}

func (s *Service) ListLastItemSeenByUsers(ctx context.Context, pinboardID string) ([]store.LastItemSeen, error) {
	pinboardID = strings.TrimSpace(pinboardID)
	if pinboardID == "" {
		return nil, validationError("pinboardId is required")
	}
	return s.store.ListLastItemSeenByUsers(ctx, pinboardID)
}

func (s *Service) GetMyUser(ctx context.Context, email string) (store.User, error) {
	return s.store.GetUser(ctx, email)
}

func (s *Service) SearchMentionableUsers(ctx context.Context, prefix string, limit int) ([]store.User, error) {
	if s.search == nil {
		return nil, unavailable("SEARCH_UNAVAILABLE", "User search not configured")
	}
	return s.search.SearchMentionableUsers(ctx, prefix, limit)
}

func (s *Service) GetUsers(ctx context.Context, emails []string) ([]store.User, error) {
	emails = normalizeEmails(emails)
	if len(emails) == 0 {
		return []store.User{}, nil
	}
	if len(emails) > maxUsersPerQuery {
		return nil, validationError("too many emails")
	}
	return s.store.GetUsers(ctx, emails)
}

// GetGroupPinboardIDs lists pinboards where one of the caller's groups was mentioned.
func (s *Service) GetGroupPinboardIDs(ctx context.Context, email string) ([]store.GroupPinboard, error) {
	groups, err := s.store.GroupsForUser(ctx, email)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return []store.GroupPinboard{}, nil
	}
	return s.store.GroupPinboardIDs(ctx, shorthands(groups))
}

func (s *Service) GetItemCounts(ctx context.Context, email string, pinboardIDs []string) ([]store.ItemCount, error) {
	pinboardIDs = dedupeNonBlank(pinboardIDs)
	if len(pinboardIDs) == 0 {
		return []store.ItemCount{}, nil
	}
	if len(pinboardIDs) > maxPinboardsQueried {
		return nil, validationError("too many pinboardIds")
	}
	return s.store.ItemCounts(ctx, email, pinboardIDs)
}

// ListMyUnreadMentions returns the caller's unseen mentions across pinboards,
// newest first.
func (s *Service) ListMyUnreadMentions(ctx context.Context, email string) ([]store.Item, error) {
	groups, err := s.store.GroupsForUser(ctx, email)
	if err != nil {
		return nil, err
	}
	items, err := s.store.ListUnreadMentionItems(ctx, email, shorthands(groups), maxUnreadMentions)
	if err != nil {
		return nil, err
	}
	if items == nil {
		return []store.Item{}, nil
	}
	return items, nil
}

func (s *Service) CreateItem(ctx context.Context, author string, input CreateItemInput) (ItemView, error) {
	pinboardID := strings.TrimSpace(input.PinboardID)
	if pinboardID == "" {
		return ItemView{}, validationError("pinboardId is required")
	}
	itemType := item.Type(strings.TrimSpace(input.Type))
	if !item.Known(itemType) || !item.ClientCreatable(itemType) {
		return ItemView{}, validationError("unsupported item type")
	}
	payload, err := item.Validate(itemType, input.Message, input.Payload)
	if err != nil {
		return ItemView{}, validationError(err.Error())
	}

	resolution, err := s.resolver.Resolve(ctx, author, mention.Candidates{
		UserEmails:      input.Mentions,
		GroupShorthands: input.GroupMentions,
		BotShorthands:   input.BotMentions,
	})
	if err != nil {
		return ItemView{}, err
	}
	if input.Claimable && len(resolution.GroupShorthands) == 0 && !item.IsClaimableType(itemType) {
		return ItemView{}, validationError("only group requests can be claimable")
	}
	if input.RelatedItemID != nil {
		if err := s.checkRelatedItem(ctx, pinboardID, *input.RelatedItemID); err != nil {
			return ItemView{}, err
		}
	}

	created, err := s.store.InsertItem(ctx, store.Item{
		PinboardID:    pinboardID,
		UserEmail:     author,
		Type:          string(itemType),
		Message:       input.Message,
		Payload:       payload,
		Mentions:      resolution.UserEmails,
		GroupMentions: resolution.GroupShorthands,
		Claimable:     input.Claimable,
		RelatedItemID: input.RelatedItemID,
	})
	if err != nil {
		return ItemView{}, err
	}

	bots := resolution.Bots
	s.afterCommit(ctx, func(ctx context.Context) {
		s.publish(ctx, live.Event{Type: live.SubscriptionCreateItem, PinboardID: created.PinboardID, Item: &created})
		if s.notifier != nil {
			s.logDeliveries(created.ID, s.notifier.OnItemCreated(ctx, created))
		}
		if s.bots != nil {
			for _, bot := range bots {
				if err := s.bots.Invoke(ctx, bot, created); err != nil {
					s.logger.Warn("invoke bot",
						zap.String("bot", bot.Shorthand),
						zap.Int64("item_id", created.ID),
						zap.Error(err))
				}
			}
		}
	})

	views, err := s.render(ctx, author, created)
	if err != nil {
		return ItemView{Item: created}, nil
	}
	return views[0], nil
}

// checkRelatedItem requires a linked item to exist, be live and sit on the
// same pinboard as the new item.
func (s *Service) checkRelatedItem(ctx context.Context, pinboardID string, relatedID int64) error {
	related, err := s.store.GetItem(ctx, relatedID)
	if errors.Is(err, store.ErrNotFound) {
		return notFound("related item not found")
	}
	if err != nil {
		return err
	}
	if related.DeletedAt != nil {
		return notFound("related item not found")
	}
	if related.PinboardID != pinboardID {
		return validationError("related item belongs to another pinboard")
	}
	return nil
}

func (s *Service) EditItem(ctx context.Context, actor string, itemID int64, input EditItemInput) (store.Item, error) {
	existing, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return store.Item{}, err
	}
	if !rbac.CanEdit(actor, existing) {
		return store.Item{}, forbidden("only the author can edit this item")
	}
	payload, err := item.Validate(item.Type(existing.Type), input.Message, input.Payload)
	if err != nil {
		return store.Item{}, validationError(err.Error())
	}
	return s.store.EditItem(ctx, itemID, actor, input.Message, payload)
}

func (s *Service) DeleteItem(ctx context.Context, actor string, itemID int64) (store.Item, error) {
	existing, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return store.Item{}, err
	}
	if !rbac.CanDelete(actor, existing) {
		return store.Item{}, forbidden("only the author can delete this item")
	}
	return s.store.SoftDeleteItem(ctx, itemID, actor)
}

// ClaimItem lets exactly one member of a mentioned group take a request.
func (s *Service) ClaimItem(ctx context.Context, claimant string, itemID int64) (ClaimResult, error) {
	request, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return ClaimResult{}, err
	}
	if !request.Claimable || request.DeletedAt != nil {
		return ClaimResult{}, validationCode("NOT_CLAIMABLE", "Item is not claimable")
	}
	if request.ClaimedByEmail != "" {
		return ClaimResult{}, alreadyClaimed(request.ClaimedByEmail)
	}
	groups, err := s.store.GroupsForUser(ctx, claimant)
	if err != nil {
		return ClaimResult{}, err
	}
	if !rbac.CanClaim(unread.GroupSet(groups), request) {
		return ClaimResult{}, forbidden("only members of the mentioned groups can claim this request")
	}

	companion := store.Item{Type: string(item.TypeClaim)}
	if requestType := imagingRequestType(request); requestType != "" {
		companion.Payload, _ = json.Marshal(item.ClaimPayload{RequestType: requestType})
	}
	request, claim, err := s.store.ClaimItem(ctx, itemID, claimant, companion)
	if errors.Is(err, store.ErrAlreadyClaimed) {
		return ClaimResult{}, alreadyClaimed("")
	}
	if err != nil {
		return ClaimResult{}, err
	}

	s.afterCommit(ctx, func(ctx context.Context) {
		s.publish(ctx, live.Event{Type: live.SubscriptionCreateItem, PinboardID: claim.PinboardID, Item: &claim})
		if s.notifier != nil {
			s.logDeliveries(claim.ID, s.notifier.OnItemClaimed(ctx, request, claim))
		}
	})

	views, err := s.render(ctx, claimant, request, claim)
	if err != nil {
		return ClaimResult{Request: ItemView{Item: request}, Claim: ItemView{Item: claim}}, nil
	}
	return ClaimResult{Request: views[0], Claim: views[1]}, nil
}

func imagingRequestType(request store.Item) string {
	if item.Type(request.Type) != item.TypeImagingRequest {
		return ""
	}
	payload, _, err := item.DecodePayload(item.TypeImagingRequest, request.Payload)
	if err != nil {
		return ""
	}
	if p, ok := payload.(*item.ImagingRequestPayload); ok {
		return p.RequestType
	}
	return ""
}

// SeenItem records that email has seen the pinboard up to itemID. Older
// item ids leave the record untouched and publish nothing.
func (s *Service) SeenItem(ctx context.Context, email, pinboardID string, itemID int64) (store.LastItemSeen, error) {
	pinboardID = strings.TrimSpace(pinboardID)
	if pinboardID == "" || itemID <= 0 {
		return store.LastItemSeen{}, validationError("pinboardId and itemID are required")
	}
	seenItem, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return store.LastItemSeen{}, err
	}
	if seenItem.PinboardID != pinboardID {
		return store.LastItemSeen{}, validationError("item does not belong to pinboard")
	}

	record, advanced, err := s.store.UpsertLastItemSeen(ctx, pinboardID, email, itemID)
	if err != nil {
		return store.LastItemSeen{}, err
	}
	if advanced {
		s.afterCommit(ctx, func(ctx context.Context) {
			s.publish(ctx, live.Event{Type: live.SubscriptionSeenItem, PinboardID: pinboardID, Seen: &record})
		})
	}
	return record, nil
}

func (s *Service) SetWebPushSubscription(ctx context.Context, email string, subscription *store.WebPushSubscription) (store.User, error) {
	if subscription != nil {
		if strings.TrimSpace(subscription.Endpoint) == "" || subscription.Keys.P256dh == "" || subscription.Keys.Auth == "" {
			return store.User{}, validationError("subscription requires endpoint and keys")
		}
		subscription.IsExpired = false
	}
	return s.store.SetWebPushSubscription(ctx, email, subscription)
}

func (s *Service) AddManuallyOpenedPinboardIDs(ctx context.Context, email string, pinboardIDs []string) (store.User, error) {
	pinboardIDs = dedupeNonBlank(pinboardIDs)
	if len(pinboardIDs) == 0 {
		return store.User{}, validationError("pinboardIds are required")
	}
	return s.store.AddManuallyOpenedPinboardIDs(ctx, email, pinboardIDs, s.cfg.MaxOpenedPinboards)
}

func (s *Service) RemoveManuallyOpenedPinboardID(ctx context.Context, email, pinboardID string) (store.User, error) {
	pinboardID = strings.TrimSpace(pinboardID)
	if pinboardID == "" {
		return store.User{}, validationError("pinboardId is required")
	}
	return s.store.RemoveManuallyOpenedPinboardID(ctx, email, pinboardID)
}

func (s *Service) VisitTourStep(ctx context.Context, email, step string) (store.User, error) {
	step = strings.TrimSpace(step)
	if step == "" {
		return store.User{}, validationError("tourStepId is required")
	}
	return s.store.VisitTourStep(ctx, email, step)
}

func (s *Service) ChangeFeatureFlag(ctx context.Context, email, flag string, enabled bool) (store.User, error) {
	flag = strings.TrimSpace(flag)
	if flag == "" {
		return store.User{}, validationError("flagId is required")
	}
	return s.store.ChangeFeatureFlag(ctx, email, flag, enabled)
}

func (s *Service) ArchivePinboard(ctx context.Context, pinboardID string) (archive.Result, error) {
	if s.archiver == nil {
		return archive.Result{}, unavailable("ARCHIVE_UNAVAILABLE", "Archive storage not configured")
	}
	pinboardID = strings.TrimSpace(pinboardID)
	if pinboardID == "" {
		return archive.Result{}, validationError("pinboardId is required")
	}
	result, err := s.archiver.ArchivePinboard(ctx, pinboardID)
	if errors.Is(err, archive.ErrEmptyPinboard) {
		return archive.Result{}, notFound("Pinboard has no items")
	}
	return result, err
}

func shorthands(groups []store.Group) []string {
	out := make([]string, 0, len(groups))
	for _, group := range groups {
		out = append(out, group.Shorthand)
	}
	return out
}

func normalizeEmails(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range dedupeNonBlank(values) {
		out = append(out, strings.ToLower(value))
	}
	return dedupeNonBlank(out)
}

func dedupeNonBlank(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

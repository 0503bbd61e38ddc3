// Package digest emails people about mentions they have not seen in time.
package digest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pinboard/api/internal/email"
	"pinboard/api/internal/store"
)

const (
	defaultBatchSize   = 500
	defaultConcurrency = 4
)

type Store interface {
	ListEmailCandidates(ctx context.Context, olderThan time.Time, afterID int64, limit int) ([]store.Item, error)
	MarkEmailEvaluated(ctx context.Context, itemIDs []int64) (int64, error)
	ListLastItemSeenForPinboards(ctx context.Context, pinboardIDs []string) ([]store.LastItemSeen, error)
	GetUsers(ctx context.Context, emails []string) ([]store.User, error)
}

// Mailer sends one digest. *email.Sender satisfies it.
type Mailer interface {
	SendMissedMentions(ctx context.Context, digest email.MissedMentions) error
}

type Report struct {
	Candidates int   `json:"candidates"`
	Recipients int   `json:"recipients"`
	Sent       int   `json:"sent"`
	Failed     int   `json:"failed"`
	Evaluated  int64 `json:"evaluated"`
}

type Sweeper struct {
	store       Store
	mailer      Mailer
	grace       time.Duration
	batchSize   int
	concurrency int
	logger      *zap.Logger
}

func NewSweeper(st Store, mailer Mailer, grace time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		store:       st,
		mailer:      mailer,
		grace:       grace,
		batchSize:   defaultBatchSize,
		concurrency: defaultConcurrency,
		logger:      logger,
	}
}

// Run evaluates every mention older than the grace window exactly once.
// Candidates are collected across all pages first so each recipient gets a
// single digest. Failed sends are logged and counted; their items are still
// marked evaluated so a broken mailbox cannot stall the sweep.
func (s *Sweeper) Run(ctx context.Context, now time.Time) (Report, error) {
	cutoff := now.Add(-s.grace)
	var report Report

	var candidates []store.Item
	var afterID int64
	for {
		page, err := s.store.ListEmailCandidates(ctx, cutoff, afterID, s.batchSize)
		if err != nil {
			return report, fmt.Errorf("list email candidates: %w", err)
		}
		candidates = append(candidates, page...)
		if len(page) < s.batchSize {
			break
		}
		afterID = page[len(page)-1].ID
	}
	if len(candidates) == 0 {
		return report, nil
	}
	report.Candidates = len(candidates)

	digests, err := s.buildDigests(ctx, candidates)
	if err != nil {
		return report, err
	}
	report.Recipients = len(digests)
	s.send(ctx, digests, &report)

	for start := 0; start < len(candidates); start += s.batchSize {
		end := min(start+s.batchSize, len(candidates))
		ids := make([]int64, 0, end-start)
		for _, item := range candidates[start:end] {
			ids = append(ids, item.ID)
		}
		marked, err := s.store.MarkEmailEvaluated(ctx, ids)
		if err != nil {
			return report, fmt.Errorf("mark email evaluated: %w", err)
		}
		report.Evaluated += marked
	}
	return report, nil
}

func (s *Sweeper) send(ctx context.Context, digests []email.MissedMentions, report *Report) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, digest := range digests {
		g.Go(func() error {
			err := s.mailer.SendMissedMentions(gctx, digest)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				s.logger.Warn("send missed mentions",
					zap.String("recipient", digest.To),
					zap.Error(err))
				return nil
			}
			report.Sent++
			return nil
		})
	}
	_ = g.Wait()
}

type seenKey struct {
	pinboardID string
	email      string
}

func (s *Sweeper) buildDigests(ctx context.Context, candidates []store.Item) ([]email.MissedMentions, error) {
	var pinboardIDs []string
	seenPinboard := map[string]bool{}
	for _, item := range candidates {
		if !seenPinboard[item.PinboardID] {
			seenPinboard[item.PinboardID] = true
			pinboardIDs = append(pinboardIDs, item.PinboardID)
		}
	}

	seenRows, err := s.store.ListLastItemSeenForPinboards(ctx, pinboardIDs)
	if err != nil {
		return nil, fmt.Errorf("load last seen: %w", err)
	}
	lastSeen := make(map[seenKey]int64, len(seenRows))
	for _, row := range seenRows {
		lastSeen[seenKey{row.PinboardID, row.UserEmail}] = row.ItemID
	}

	byRecipient := map[string][]store.Item{}
	for _, item := range candidates {
		for _, recipient := range recipients(item) {
			if lastSeen[seenKey{item.PinboardID, recipient}] >= item.ID {
				continue
			}
			byRecipient[recipient] = append(byRecipient[recipient], item)
		}
	}
	if len(byRecipient) == 0 {
		return nil, nil
	}

	emails := make([]string, 0, len(byRecipient))
	for recipient := range byRecipient {
		emails = append(emails, recipient)
	}
	for _, item := range candidates {
		emails = append(emails, item.UserEmail)
	}
	users, err := s.store.GetUsers(ctx, emails)
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	names := make(map[string]string, len(users))
	for _, user := range users {
		names[user.Email] = user.DisplayName()
	}
	nameOf := func(address string) string {
		if name, ok := names[address]; ok {
			return name
		}
		return store.User{Email: address}.DisplayName()
	}

	digests := make([]email.MissedMentions, 0, len(byRecipient))
	for recipient, items := range byRecipient {
		digest := email.MissedMentions{To: recipient, Name: nameOf(recipient)}
		index := map[string]int{}
		for _, item := range items {
			i, ok := index[item.PinboardID]
			if !ok {
				i = len(digest.Pinboards)
				index[item.PinboardID] = i
				digest.Pinboards = append(digest.Pinboards, email.PinboardMentions{PinboardID: item.PinboardID})
			}
			digest.Pinboards[i].Mentions = append(digest.Pinboards[i].Mentions, email.MissedMention{
				Item:       item,
				AuthorName: nameOf(item.UserEmail),
			})
		}
		digests = append(digests, digest)
	}
	sort.Slice(digests, func(i, j int) bool { return digests[i].To < digests[j].To })
	return digests, nil
}

// recipients lists the directly mentioned addresses other than the author.
// Group mentions are left to the instant group email.
func recipients(item store.Item) []string {
	author := strings.ToLower(item.UserEmail)
	seen := map[string]bool{}
	var out []string
	for _, mention := range item.Mentions {
		address := strings.ToLower(mention)
		if address == author || seen[address] {
			continue
		}
		seen[address] = true
		out = append(out, address)
	}
	return out
}

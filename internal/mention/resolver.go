// Package mention turns client-supplied mention candidates into the
// persisted mention lists and renders them per viewer.
package mention

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"pinboard/api/internal/store"
)

// Directory is the read side of the user/group directory the resolver needs.
type Directory interface {
	ListMentionableUsers(ctx context.Context, emails []string) ([]store.User, error)
	ListGroups(ctx context.Context, shorthands []string) ([]store.Group, error)
}

type Candidates struct {
	UserEmails      []string
	GroupShorthands []string
	BotShorthands   []string
}

type Resolution struct {
	UserEmails      []string
	GroupShorthands []string
	Bots            []Bot
}

type Resolver struct {
	dir    Directory
	bots   *BotRegistry
	logger *zap.Logger
}

func NewResolver(dir Directory, bots *BotRegistry, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bots == nil {
		bots = NewBotRegistry(nil)
	}
	return &Resolver{dir: dir, bots: bots, logger: logger}
}

// Resolve keeps only candidates known to the directory. Unknown and
// non-mentionable candidates are dropped without error; input order is kept.
func (r *Resolver) Resolve(ctx context.Context, author string, candidates Candidates) (Resolution, error) {
	var res Resolution

	emails := dedupe(candidates.UserEmails, normalizeEmail)
	if len(emails) > 0 {
		users, err := r.dir.ListMentionableUsers(ctx, emails)
		if err != nil {
			return Resolution{}, fmt.Errorf("resolve user mentions: %w", err)
		}
		known := make(map[string]struct{}, len(users))
		for _, user := range users {
			known[strings.ToLower(user.Email)] = struct{}{}
		}
		for _, email := range emails {
			if _, ok := known[email]; ok {
				res.UserEmails = append(res.UserEmails, email)
			}
		}
		if dropped := len(emails) - len(res.UserEmails); dropped > 0 {
			r.logger.Debug("dropped unmentionable users", zap.String("author", author), zap.Int("count", dropped))
		}
	}

	shorthands := dedupe(candidates.GroupShorthands, normalizeShorthand)
	if len(shorthands) > 0 {
		groups, err := r.dir.ListGroups(ctx, shorthands)
		if err != nil {
			return Resolution{}, fmt.Errorf("resolve group mentions: %w", err)
		}
		known := make(map[string]struct{}, len(groups))
		for _, group := range groups {
			known[group.Shorthand] = struct{}{}
		}
		for _, shorthand := range shorthands {
			if _, ok := known[shorthand]; ok {
				res.GroupShorthands = append(res.GroupShorthands, shorthand)
			}
		}
	}

	for _, shorthand := range dedupe(candidates.BotShorthands, normalizeShorthand) {
		bot, ok := r.bots.Lookup(shorthand)
		if !ok {
			r.logger.Warn("unknown bot mention", zap.String("author", author), zap.String("bot", shorthand))
			continue
		}
		res.Bots = append(res.Bots, bot)
	}

	return res, nil
}

func normalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func normalizeShorthand(value string) string {
	return strings.TrimPrefix(strings.TrimSpace(value), "@")
}

func dedupe(values []string, normalize func(string) string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = normalize(value)
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

// ParseHandles returns the distinct @handles in a message, in order of first
// appearance and without the leading @. Email addresses are not handles.
func ParseHandles(message string) []string {
	var handles []string
	seen := map[string]struct{}{}
	for i := 0; i < len(message); i++ {
		if message[i] != '@' {
			continue
		}
		if i > 0 && isHandleByte(message[i-1]) {
			continue
		}
		j := i + 1
		for j < len(message) && isHandleByte(message[j]) {
			j++
		}
		if handle := strings.TrimRight(message[i+1:j], ".-"); handle != "" {
			if _, ok := seen[handle]; !ok {
				seen[handle] = struct{}{}
				handles = append(handles, handle)
			}
		}
		i = j - 1
	}
	return handles
}

func isHandleByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '_' || b == '-' || b == '.'
}

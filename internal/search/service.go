// Package search finds mentionable users by name or email prefix.
package search

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"pinboard/api/internal/store"
)

const (
	defaultLimit = 10
	maxLimit     = 50
)

// UserIndex is the Meilisearch side of the service. *Meili satisfies it.
type UserIndex interface {
	Healthy() bool
	SearchUsers(prefix string, limit int) ([]store.User, error)
	IndexUsers(users []store.User) error
}

// Directory is the Postgres side: the fallback search and the source of
// truth for mentionability.
type Directory interface {
	SearchMentionableUsers(ctx context.Context, prefix string, limit int) ([]store.User, error)
	ListMentionableUsers(ctx context.Context, emails []string) ([]store.User, error)
	ListAllMentionableUsers(ctx context.Context) ([]store.User, error)
}

// Service is the facade that tries Meilisearch first and falls back to
// Postgres prefix matching.
type Service struct {
	index  UserIndex
	dir    Directory
	logger *zap.Logger
}

// NewService creates a search service. index may be nil if Meilisearch is
// not configured.
func NewService(index UserIndex, dir Directory, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{index: index, dir: dir, logger: logger}
}

// SearchMentionableUsers returns users matching prefix. Index hits are
// re-checked against the directory so users who lost mentionability since
// the last reindex never show up.
func (s *Service) SearchMentionableUsers(ctx context.Context, prefix string, limit int) ([]store.User, error) {
	prefix = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(prefix), "@"))
	if prefix == "" {
		return []store.User{}, nil
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	if s.index != nil && s.index.Healthy() {
		hits, err := s.index.SearchUsers(prefix, limit)
		if err == nil {
			return s.confirm(ctx, hits)
		}
		s.logger.Warn("meilisearch error, falling back to postgres", zap.Error(err))
	}
	return s.dir.SearchMentionableUsers(ctx, prefix, limit)
}

func (s *Service) confirm(ctx context.Context, hits []store.User) ([]store.User, error) {
	if len(hits) == 0 {
		return []store.User{}, nil
	}
	emails := make([]string, 0, len(hits))
	for _, hit := range hits {
		emails = append(emails, hit.Email)
	}
	current, err := s.dir.ListMentionableUsers(ctx, emails)
	if err != nil {
		return nil, err
	}
	byEmail := make(map[string]store.User, len(current))
	for _, user := range current {
		byEmail[user.Email] = user
	}
	out := make([]store.User, 0, len(hits))
	for _, hit := range hits {
		if user, ok := byEmail[hit.Email]; ok {
			out = append(out, user)
		}
	}
	return out, nil
}

// Reindex pushes every mentionable user into the index. It is a no-op
// without a healthy index.
func (s *Service) Reindex(ctx context.Context) (int, error) {
	if s.index == nil || !s.index.Healthy() {
		return 0, nil
	}
	users, err := s.dir.ListAllMentionableUsers(ctx)
	if err != nil {
		return 0, err
	}
	if err := s.index.IndexUsers(users); err != nil {
		return 0, err
	}
	return len(users), nil
}

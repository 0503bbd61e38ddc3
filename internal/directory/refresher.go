package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"pinboard/api/internal/store"
)

// ErrEmptySnapshot guards against retiring every user because the
// directory briefly answered with nothing.
var ErrEmptySnapshot = errors.New("directory snapshot has no users")

type Store interface {
	UpsertDirectoryUsers(ctx context.Context, users []store.DirectoryUser) error
	ReplaceGroups(ctx context.Context, groups []store.Group, members []store.GroupMember) error
}

// Indexer is told to rebuild the search index after a refresh.
type Indexer interface {
	Reindex(ctx context.Context) (int, error)
}

type Report struct {
	Users   int `json:"users"`
	Groups  int `json:"groups"`
	Members int `json:"members"`
	Indexed int `json:"indexed"`
}

type Refresher struct {
	source  Source
	store   Store
	indexer Indexer
	logger  *zap.Logger
}

func NewRefresher(source Source, st Store, indexer Indexer, logger *zap.Logger) *Refresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{source: source, store: st, indexer: indexer, logger: logger}
}

// Run fetches a snapshot and applies it. Nothing is written unless the
// whole snapshot was fetched.
func (r *Refresher) Run(ctx context.Context) (Report, error) {
	snapshot, err := r.source.Snapshot(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("fetch directory snapshot: %w", err)
	}
	users, groups, members := normalize(snapshot)
	if len(users) == 0 {
		return Report{}, ErrEmptySnapshot
	}

	if err := r.store.UpsertDirectoryUsers(ctx, users); err != nil {
		return Report{}, err
	}
	if err := r.store.ReplaceGroups(ctx, groups, members); err != nil {
		return Report{}, err
	}
	report := Report{Users: len(users), Groups: len(groups), Members: len(members)}

	if r.indexer != nil {
		indexed, err := r.indexer.Reindex(ctx)
		if err != nil {
			r.logger.Warn("reindex users after directory refresh", zap.Error(err))
		}
		report.Indexed = indexed
	}

	r.logger.Info("directory refreshed",
		zap.Int("users", report.Users),
		zap.Int("groups", report.Groups),
		zap.Int("members", report.Members),
		zap.Int("indexed", report.Indexed))
	return report, nil
}

// normalize lowercases emails, drops duplicates and memberships that point
// at unknown groups or users.
func normalize(snapshot Snapshot) ([]store.DirectoryUser, []store.Group, []store.GroupMember) {
	users := make([]store.DirectoryUser, 0, len(snapshot.Users))
	seenEmails := map[string]struct{}{}
	googleIDs := map[string]struct{}{}
	for _, user := range snapshot.Users {
		user.Email = strings.ToLower(strings.TrimSpace(user.Email))
		if user.Email == "" {
			continue
		}
		if _, dup := seenEmails[user.Email]; dup {
			continue
		}
		if user.GoogleID == "" {
			user.IsMentionable = false
		} else if _, dup := googleIDs[user.GoogleID]; dup {
			continue
		}
		seenEmails[user.Email] = struct{}{}
		if user.GoogleID != "" {
			googleIDs[user.GoogleID] = struct{}{}
		}
		users = append(users, user)
	}

	groups := make([]store.Group, 0, len(snapshot.Groups))
	shorthands := map[string]struct{}{}
	for _, group := range snapshot.Groups {
		group.Shorthand = strings.TrimPrefix(strings.TrimSpace(group.Shorthand), "@")
		if group.Shorthand == "" {
			continue
		}
		if _, dup := shorthands[group.Shorthand]; dup {
			continue
		}
		shorthands[group.Shorthand] = struct{}{}
		groups = append(groups, group)
	}

	members := make([]store.GroupMember, 0, len(snapshot.Members))
	seenMembers := map[store.GroupMember]struct{}{}
	for _, member := range snapshot.Members {
		if _, ok := shorthands[member.GroupShorthand]; !ok {
			continue
		}
		if _, ok := googleIDs[member.UserGoogleID]; !ok {
			continue
		}
		if _, dup := seenMembers[member]; dup {
			continue
		}
		seenMembers[member] = struct{}{}
		members = append(members, member)
	}
	return users, groups, members
}

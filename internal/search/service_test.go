package search

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"

	"pinboard/api/internal/store"
)

type fakeIndex struct {
	healthy bool
	hits    []store.User
	err     error
	indexed []store.User
}

func (f *fakeIndex) Healthy() bool { return f.healthy }

func (f *fakeIndex) SearchUsers(string, int) ([]store.User, error) {
	return f.hits, f.err
}

func (f *fakeIndex) IndexUsers(users []store.User) error {
	f.indexed = append(f.indexed, users...)
	return nil
}

type fakeDirectory struct {
	mentionable []store.User
	prefixCalls int
	lastLimit   int
}

func (f *fakeDirectory) SearchMentionableUsers(_ context.Context, _ string, limit int) ([]store.User, error) {
	f.prefixCalls++
	f.lastLimit = limit
	return []store.User{{Email: "pg@x.com"}}, nil
}

func (f *fakeDirectory) ListMentionableUsers(_ context.Context, emails []string) ([]store.User, error) {
	var out []store.User
	for _, user := range f.mentionable {
		for _, email := range emails {
			if user.Email == email {
				out = append(out, user)
			}
		}
	}
	return out, nil
}

func (f *fakeDirectory) ListAllMentionableUsers(context.Context) ([]store.User, error) {
	return f.mentionable, nil
}

func TestSearchPrefersHealthyIndexAndDropsStaleHits(t *testing.T) {
	index := &fakeIndex{healthy: true, hits: []store.User{{Email: "b@x.com"}, {Email: "gone@x.com"}, {Email: "a@x.com"}}}
	dir := &fakeDirectory{mentionable: []store.User{{Email: "a@x.com", FirstName: "Ann"}, {Email: "b@x.com", FirstName: "Ben"}}}
	svc := NewService(index, dir, zaptest.NewLogger(t))

	users, err := svc.SearchMentionableUsers(context.Background(), "@a", 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(users) != 2 || users[0].Email != "b@x.com" || users[1].FirstName != "Ann" {
		t.Fatalf("unexpected users %+v", users)
	}
	if dir.prefixCalls != 0 {
		t.Fatal("postgres fallback should not run when the index answers")
	}
}

func TestSearchFallsBackToPostgres(t *testing.T) {
	tests := []struct {
		name  string
		index UserIndex
	}{
		{"no index", nil},
		{"unhealthy index", &fakeIndex{healthy: false}},
		{"index error", &fakeIndex{healthy: true, err: errors.New("timeout")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := &fakeDirectory{}
			svc := NewService(tt.index, dir, nil)
			users, err := svc.SearchMentionableUsers(context.Background(), "pg", 500)
			if err != nil {
				t.Fatalf("search: %v", err)
			}
			if len(users) != 1 || dir.prefixCalls != 1 {
				t.Fatalf("expected postgres results, got %+v", users)
			}
			if dir.lastLimit != maxLimit {
				t.Fatalf("limit should be capped at %d, got %d", maxLimit, dir.lastLimit)
			}
		})
	}
}

func TestSearchBlankPrefix(t *testing.T) {
	dir := &fakeDirectory{}
	users, err := NewService(nil, dir, nil).SearchMentionableUsers(context.Background(), " @ ", 10)
	if err != nil || len(users) != 0 || dir.prefixCalls != 0 {
		t.Fatalf("blank prefix should short-circuit: %v %v", users, err)
	}
}

func TestReindex(t *testing.T) {
	index := &fakeIndex{healthy: true}
	dir := &fakeDirectory{mentionable: []store.User{{Email: "a@x.com"}, {Email: "b@x.com"}}}
	n, err := NewService(index, dir, nil).Reindex(context.Background())
	if err != nil || n != 2 || len(index.indexed) != 2 {
		t.Fatalf("reindex: n=%d err=%v indexed=%v", n, err, index.indexed)
	}

	if n, err := NewService(&fakeIndex{}, dir, nil).Reindex(context.Background()); n != 0 || err != nil {
		t.Fatalf("unhealthy index should skip reindex: %d %v", n, err)
	}
}

func TestDocumentIDIsStableAndValid(t *testing.T) {
	id := documentID("Ann.Lee@X.com")
	if id != documentID("ann.lee@x.com") {
		t.Fatal("document id should ignore case")
	}
	for _, r := range id {
		if !(r >= 'a' && r <= 'f' || r >= '0' && r <= '9') {
			t.Fatalf("document id %q contains %q", id, r)
		}
	}
	doc := toDocument(store.User{Email: "a@x.com", FirstName: "Ann", IsMentionable: true})
	if doc.ID != documentID("a@x.com") || !doc.IsMentionable {
		t.Fatalf("unexpected document %+v", doc)
	}
}

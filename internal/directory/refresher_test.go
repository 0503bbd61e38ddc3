package directory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"

	"pinboard/api/internal/store"
)

type fakeSource struct {
	snapshot Snapshot
	err      error
}

func (f fakeSource) Snapshot(context.Context) (Snapshot, error) {
	return f.snapshot, f.err
}

type fakeStore struct {
	users   []store.DirectoryUser
	groups  []store.Group
	members []store.GroupMember
	calls   int
}

func (f *fakeStore) UpsertDirectoryUsers(_ context.Context, users []store.DirectoryUser) error {
	f.calls++
	f.users = users
	return nil
}

func (f *fakeStore) ReplaceGroups(_ context.Context, groups []store.Group, members []store.GroupMember) error {
	f.calls++
	f.groups = groups
	f.members = members
	return nil
}

type fakeIndexer struct{ n int }

func (f fakeIndexer) Reindex(context.Context) (int, error) { return f.n, nil }

func TestRefresherAppliesNormalizedSnapshot(t *testing.T) {
	st := &fakeStore{}
	source := fakeSource{snapshot: Snapshot{
		Users: []store.DirectoryUser{
			{Email: "Ann@X.com", GoogleID: "g-a", IsMentionable: true},
			{Email: "ann@x.com", GoogleID: "g-a2", IsMentionable: true},
			{Email: "ben@x.com", GoogleID: "g-b", IsMentionable: true},
			{Email: "nogoogle@x.com", IsMentionable: true},
		},
		Groups: []store.Group{{Shorthand: "@pinboardHELP"}, {Shorthand: "pinboardHELP"}},
		Members: []store.GroupMember{
			{GroupShorthand: "pinboardHELP", UserGoogleID: "g-a"},
			{GroupShorthand: "pinboardHELP", UserGoogleID: "g-a"},
			{GroupShorthand: "pinboardHELP", UserGoogleID: "g-unknown"},
			{GroupShorthand: "otherGroup", UserGoogleID: "g-b"},
		},
	}}

	report, err := NewRefresher(source, st, fakeIndexer{n: 2}, zaptest.NewLogger(t)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Users != 3 || report.Groups != 1 || report.Members != 1 || report.Indexed != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	if st.users[0].Email != "ann@x.com" || st.users[2].IsMentionable {
		t.Fatalf("unexpected users %+v", st.users)
	}
	if st.groups[0].Shorthand != "pinboardHELP" {
		t.Fatalf("unexpected groups %+v", st.groups)
	}
}

func TestRefresherRefusesEmptyOrFailedSnapshot(t *testing.T) {
	st := &fakeStore{}
	if _, err := NewRefresher(fakeSource{}, st, nil, nil).Run(context.Background()); !errors.Is(err, ErrEmptySnapshot) {
		t.Fatalf("expected ErrEmptySnapshot, got %v", err)
	}
	if _, err := NewRefresher(fakeSource{err: errors.New("quota")}, st, nil, nil).Run(context.Background()); err == nil {
		t.Fatal("expected source error")
	}
	if st.calls != 0 {
		t.Fatalf("store must not be touched, got %d calls", st.calls)
	}
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "directory.json")
	content := `{
		"users": [{"email": "a@x.com", "firstName": "Ann", "googleID": "g-a", "isMentionable": true}],
		"groups": [{"shorthand": "pinboardHELP", "googleID": "grp-1", "name": "Help", "primaryEmail": "help@x.com"}],
		"members": [{"groupShorthand": "pinboardHELP", "userGoogleID": "g-a"}]
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	snapshot, err := NewFileSource(path).Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(snapshot.Users) != 1 || snapshot.Users[0].FirstName != "Ann" || snapshot.Users[0].GoogleID != "g-a" {
		t.Fatalf("unexpected users %+v", snapshot.Users)
	}
	if len(snapshot.Members) != 1 || snapshot.Groups[0].PrimaryEmail != "help@x.com" {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}

	if _, err := NewFileSource(filepath.Join(t.TempDir(), "missing.json")).Snapshot(context.Background()); err == nil {
		t.Fatal("expected error for missing file")
	}
}

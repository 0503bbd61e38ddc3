// Package directory refreshes users and groups from the workspace directory.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"golang.org/x/oauth2/google"
	admin "google.golang.org/api/admin/directory/v1"
	"google.golang.org/api/option"

	"pinboard/api/internal/store"
)

// Snapshot is a complete view of the directory at one point in time.
type Snapshot struct {
	Users   []store.DirectoryUser `json:"users"`
	Groups  []store.Group         `json:"groups"`
	Members []store.GroupMember   `json:"members"`
}

type Source interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// GroupPrefix marks the workspace groups that can be mentioned; the part of
// the group address before '@' becomes its shorthand.
const GroupPrefix = "pinboard"

// GoogleSource reads the Admin SDK directory as a delegated admin.
type GoogleSource struct {
	service    *admin.Service
	customerID string
}

func NewGoogleSource(ctx context.Context, credentialsJSON []byte, adminSubject, customerID string) (*GoogleSource, error) {
	jwt, err := google.JWTConfigFromJSON(credentialsJSON,
		admin.AdminDirectoryUserReadonlyScope,
		admin.AdminDirectoryGroupReadonlyScope,
		admin.AdminDirectoryGroupMemberReadonlyScope,
	)
	if err != nil {
		return nil, fmt.Errorf("parse directory credentials: %w", err)
	}
	jwt.Subject = adminSubject

	service, err := admin.NewService(ctx, option.WithTokenSource(jwt.TokenSource(ctx)))
	if err != nil {
		return nil, fmt.Errorf("create directory service: %w", err)
	}
	if customerID == "" {
		customerID = "my_customer"
	}
	return &GoogleSource{service: service, customerID: customerID}, nil
}

func (g *GoogleSource) Snapshot(ctx context.Context) (Snapshot, error) {
	var snapshot Snapshot

	err := g.service.Users.List().Customer(g.customerID).MaxResults(500).Pages(ctx, func(page *admin.Users) error {
		for _, user := range page.Users {
			if user.Suspended || user.Archived {
				continue
			}
			entry := store.DirectoryUser{
				Email:         strings.ToLower(user.PrimaryEmail),
				GoogleID:      user.Id,
				AvatarURL:     user.ThumbnailPhotoUrl,
				IsMentionable: true,
			}
			if user.Name != nil {
				entry.FirstName = user.Name.GivenName
				entry.LastName = user.Name.FamilyName
			}
			snapshot.Users = append(snapshot.Users, entry)
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("list directory users: %w", err)
	}

	var groups []*admin.Group
	err = g.service.Groups.List().Customer(g.customerID).MaxResults(200).Pages(ctx, func(page *admin.Groups) error {
		for _, group := range page.Groups {
			if strings.HasPrefix(strings.ToLower(group.Email), GroupPrefix) {
				groups = append(groups, group)
			}
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("list directory groups: %w", err)
	}

	for _, group := range groups {
		shorthand, _, _ := strings.Cut(group.Email, "@")
		snapshot.Groups = append(snapshot.Groups, store.Group{
			Shorthand:    shorthand,
			GoogleID:     group.Id,
			Name:         group.Name,
			PrimaryEmail: strings.ToLower(group.Email),
			OtherEmails:  group.Aliases,
		})

		err := g.service.Members.List(group.Id).MaxResults(200).Pages(ctx, func(page *admin.Members) error {
			for _, member := range page.Members {
				if member.Type != "USER" || member.Id == "" {
					continue
				}
				snapshot.Members = append(snapshot.Members, store.GroupMember{
					GroupShorthand: shorthand,
					UserGoogleID:   member.Id,
				})
			}
			return nil
		})
		if err != nil {
			return Snapshot{}, fmt.Errorf("list members of %s: %w", group.Email, err)
		}
	}
	return snapshot, nil
}

// FileSource loads a snapshot from a JSON file, for local stages.
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (f *FileSource) Snapshot(context.Context) (Snapshot, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read directory file: %w", err)
	}
	var snapshot Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("decode directory file: %w", err)
	}
	return snapshot, nil
}

package store

import (
	"encoding/json"
	"strings"
	"time"
)

type User struct {
	Email                     string               `json:"email"`
	FirstName                 string               `json:"firstName"`
	LastName                  string               `json:"lastName"`
	AvatarURL                 string               `json:"avatarUrl,omitempty"`
	GoogleID                  string               `json:"googleID,omitempty"`
	IsMentionable             bool                 `json:"isMentionable"`
	ManuallyOpenedPinboardIDs []string             `json:"manuallyOpenedPinboardIds"`
	WebPushSubscription       *WebPushSubscription `json:"webPushSubscription,omitempty"`
	VisitedTourSteps          []string             `json:"visitedTourSteps"`
	FeatureFlags              map[string]bool      `json:"featureFlags"`
}

// DisplayName falls back to the mailbox name for users who left the directory.
func (u User) DisplayName() string {
	name := u.FirstName
	if u.LastName != "" {
		if name != "" {
			name += " "
		}
		name += u.LastName
	}
	if name != "" {
		return name
	}
	if at := strings.IndexByte(u.Email, '@'); at > 0 {
		return u.Email[:at]
	}
	return u.Email
}

type WebPushKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

type WebPushSubscription struct {
	Endpoint       string      `json:"endpoint"`
	ExpirationTime *int64      `json:"expirationTime,omitempty"`
	Keys           WebPushKeys `json:"keys"`
	IsExpired      bool        `json:"isExpired,omitempty"`
}

// UserSubscription pairs a push subscription with the user that owns it.
type UserSubscription struct {
	Email        string
	Subscription WebPushSubscription
}

// DirectoryUser is the slice of a user row owned by the directory refresher.
type DirectoryUser struct {
	Email         string
	FirstName     string
	LastName      string
	AvatarURL     string
	GoogleID      string
	IsMentionable bool
}

type Group struct {
	Shorthand    string   `json:"shorthand"`
	GoogleID     string   `json:"googleID"`
	Name         string   `json:"name"`
	PrimaryEmail string   `json:"primaryEmail"`
	OtherEmails  []string `json:"otherEmails"`
}

type GroupMember struct {
	GroupShorthand string `json:"groupShorthand"`
	UserGoogleID   string `json:"userGoogleID"`
}

type EditEntry struct {
	Message  string          `json:"message,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	EditedAt time.Time       `json:"editedAt"`
}

type Item struct {
	ID               int64           `json:"id"`
	PinboardID       string          `json:"pinboardId"`
	UserEmail        string          `json:"userEmail"`
	Timestamp        time.Time       `json:"timestamp"`
	Type             string          `json:"type"`
	Message          string          `json:"message,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Mentions         []string        `json:"mentions"`
	GroupMentions    []string        `json:"groupMentions"`
	Claimable        bool            `json:"claimable"`
	ClaimedByEmail   string          `json:"claimedByEmail,omitempty"`
	RelatedItemID    *int64          `json:"relatedItemId,omitempty"`
	DeletedAt        *time.Time      `json:"deletedAt,omitempty"`
	EditHistory      []EditEntry     `json:"editHistory,omitempty"`
	IsStarred        bool            `json:"isStarred"`
	IsEmailEvaluated bool            `json:"isEmailEvaluated"`
}

type LastItemSeen struct {
	PinboardID string    `json:"pinboardId"`
	UserEmail  string    `json:"userEmail"`
	ItemID     int64     `json:"itemID"`
	SeenAt     time.Time `json:"seenAt"`
}

type ItemCount struct {
	PinboardID   string `json:"pinboardId"`
	TotalCount   int    `json:"totalCount"`
	UnreadCount  int    `json:"unreadCount"`
	LatestItemID int64  `json:"latestItemId,omitempty"`
}

type GroupPinboard struct {
	PinboardID               string `json:"pinboardId"`
	LatestGroupMentionItemID int64  `json:"latestGroupMentionItemId"`
}

// Package unread decides which items a user has not yet seen.
package unread

import "pinboard/api/internal/store"

// IsSeen reports whether an item is covered by the user's last seen record.
// A zero lastSeenID means the user never opened the pinboard.
func IsSeen(lastSeenID, itemID int64) bool {
	return lastSeenID > 0 && itemID <= lastSeenID
}

// Mentions reports whether item addresses user directly or through one of
// the user's groups.
func Mentions(user string, item store.Item, userGroups map[string]struct{}) bool {
	for _, email := range item.Mentions {
		if email == user {
			return true
		}
	}
	for _, shorthand := range item.GroupMentions {
		if _, ok := userGroups[shorthand]; ok {
			return true
		}
	}
	return false
}

// IsUnreadFor reports whether item is an unseen mention of user. Own and
// deleted items are never unread.
func IsUnreadFor(user string, lastSeenID int64, item store.Item, userGroups map[string]struct{}) bool {
	if item.UserEmail == user || item.DeletedAt != nil {
		return false
	}
	if IsSeen(lastSeenID, item.ID) {
		return false
	}
	return Mentions(user, item, userGroups)
}

// ComputeUnread filters items of one pinboard down to unseen mentions of user.
func ComputeUnread(user string, lastSeenID int64, items []store.Item, userGroups map[string]struct{}) []store.Item {
	out := make([]store.Item, 0)
	for _, item := range items {
		if IsUnreadFor(user, lastSeenID, item, userGroups) {
			out = append(out, item)
		}
	}
	return out
}

// CountUnread counts unseen items of a pinboard for the badge, mentions or
// not. Own items never count.
func CountUnread(user string, lastSeenID int64, items []store.Item) int {
	count := 0
	for _, item := range items {
		if item.UserEmail == user || item.DeletedAt != nil {
			continue
		}
		if !IsSeen(lastSeenID, item.ID) {
			count++
		}
	}
	return count
}

// GroupSet indexes group shorthands for membership checks.
func GroupSet(groups []store.Group) map[string]struct{} {
	set := make(map[string]struct{}, len(groups))
	for _, group := range groups {
		set[group.Shorthand] = struct{}{}
	}
	return set
}

// LastSeenIndex maps pinboard id to the last seen item id.
func LastSeenIndex(records []store.LastItemSeen) map[string]int64 {
	index := make(map[string]int64, len(records))
	for _, record := range records {
		if record.ItemID > index[record.PinboardID] {
			index[record.PinboardID] = record.ItemID
		}
	}
	return index
}

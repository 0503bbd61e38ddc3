// Package rbac holds the authorization rules for item mutations.
package rbac

import "pinboard/api/internal/store"

type Action string

const (
	ActionEdit   Action = "edit"
	ActionDelete Action = "delete"
	ActionClaim  Action = "claim"
)

// Can reports whether actor may perform action on item. actorGroups holds
// the shorthands of the actor's groups and only matters for claims.
func Can(actor string, actorGroups map[string]struct{}, action Action, item store.Item) bool {
	switch action {
	case ActionEdit:
		return CanEdit(actor, item)
	case ActionDelete:
		return CanDelete(actor, item)
	case ActionClaim:
		return CanClaim(actorGroups, item)
	default:
		return false
	}
}

func CanEdit(actor string, item store.Item) bool {
	return actor != "" && item.UserEmail == actor && item.DeletedAt == nil
}

func CanDelete(actor string, item store.Item) bool {
	return CanEdit(actor, item)
}

// CanClaim requires membership of one of the item's mentioned groups.
// Requests without group mentions can be claimed by anyone.
func CanClaim(actorGroups map[string]struct{}, item store.Item) bool {
	if !item.Claimable {
		return false
	}
	if len(item.GroupMentions) == 0 {
		return true
	}
	for _, shorthand := range item.GroupMentions {
		if _, ok := actorGroups[shorthand]; ok {
			return true
		}
	}
	return false
}

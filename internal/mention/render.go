package mention

import "pinboard/api/internal/store"

// Handle is a mention as one particular viewer sees it.
type Handle struct {
	Label     string `json:"label"`
	Email     string `json:"email,omitempty"`
	Shorthand string `json:"shorthand,omitempty"`
	IsMe      bool   `json:"isMe"`
}

// Render builds the mention handles of item for viewer. Users missing from
// users keep their mailbox name as label; viewerGroups holds the shorthands
// of the groups the viewer belongs to.
func Render(viewer string, item store.Item, users map[string]store.User, viewerGroups map[string]struct{}) []Handle {
	handles := make([]Handle, 0, len(item.Mentions)+len(item.GroupMentions))
	for _, email := range item.Mentions {
		user, ok := users[email]
		if !ok {
			user = store.User{Email: email}
		}
		handles = append(handles, Handle{
			Label: "@" + user.DisplayName(),
			Email: email,
			IsMe:  email == viewer,
		})
	}
	for _, shorthand := range item.GroupMentions {
		_, member := viewerGroups[shorthand]
		handles = append(handles, Handle{
			Label:     "@" + shorthand,
			Shorthand: shorthand,
			IsMe:      member,
		})
	}
	return handles
}

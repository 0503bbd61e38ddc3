package email

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"pinboard/api/internal/store"
)

const snippetLength = 160

// Sender renders Pinboard emails and hands them to a Provider.
type Sender struct {
	provider Provider
	baseURL  string
	domain   string
}

func NewSender(provider Provider, baseURL string) *Sender {
	baseURL = strings.TrimRight(baseURL, "/")
	domain := "pinboard.local"
	if parsed, err := url.Parse(baseURL); err == nil && parsed.Hostname() != "" {
		domain = parsed.Hostname()
	}
	return &Sender{provider: provider, baseURL: baseURL, domain: domain}
}

// ItemMessageID is the Message-ID of the email announcing an item, so later
// emails about the same item can thread under it.
func (s *Sender) ItemMessageID(itemID int64) string {
	return fmt.Sprintf("<pinboard-item-%d@%s>", itemID, s.domain)
}

func (s *Sender) PinboardLink(pinboardID string) string {
	return s.baseURL + "/?pinboardId=" + url.QueryEscape(pinboardID)
}

func (s *Sender) ItemLink(pinboardID string, itemID int64) string {
	return s.PinboardLink(pinboardID) + "&itemId=" + strconv.FormatInt(itemID, 10)
}

// MissedMention is one unseen item in a digest.
type MissedMention struct {
	Item       store.Item
	AuthorName string
}

type PinboardMentions struct {
	PinboardID string
	Mentions   []MissedMention
}

type MissedMentions struct {
	To        string
	Name      string
	Pinboards []PinboardMentions
}

type digestItemView struct {
	AuthorName string
	Snippet    string
	Link       string
}

type digestPinboardView struct {
	PinboardID string
	Link       string
	Items      []digestItemView
}

type digestView struct {
	Name      string
	Count     int
	Pinboards []digestPinboardView
}

func (s *Sender) SendMissedMentions(ctx context.Context, digest MissedMentions) error {
	view := digestView{Name: digest.Name}
	for _, pinboard := range digest.Pinboards {
		section := digestPinboardView{PinboardID: pinboard.PinboardID, Link: s.PinboardLink(pinboard.PinboardID)}
		for _, mention := range pinboard.Mentions {
			section.Items = append(section.Items, digestItemView{
				AuthorName: mention.AuthorName,
				Snippet:    Snippet(mention.Item),
				Link:       s.ItemLink(mention.Item.PinboardID, mention.Item.ID),
			})
			view.Count++
		}
		view.Pinboards = append(view.Pinboards, section)
	}
	if view.Count == 0 {
		return nil
	}

	body, err := render(missedMentionsHTML, missedMentionsText, view)
	if err != nil {
		return fmt.Errorf("render missed mentions: %w", err)
	}
	subject := "You were mentioned on Pinboard"
	if view.Count > 1 {
		subject = fmt.Sprintf("You were mentioned %d times on Pinboard", view.Count)
	}
	return s.provider.Send(ctx, Message{
		To:      []string{digest.To},
		Subject: subject,
		HTML:    body.HTML,
		Text:    body.Text,
	})
}

type requestView struct {
	Subject      string
	AuthorName   string
	ClaimantName string
	Groups       string
	Snippet      string
	Link         string
}

// SendGroupRequest mails the primary address of every mentioned group.
func (s *Sender) SendGroupRequest(ctx context.Context, request store.Item, author store.User, groups []store.Group) error {
	to := primaryEmails(groups)
	if len(to) == 0 {
		return nil
	}
	view := requestView{
		Subject:    requestSubject(author),
		AuthorName: author.DisplayName(),
		Groups:     groupLabels(groups),
		Snippet:    Snippet(request),
		Link:       s.ItemLink(request.PinboardID, request.ID),
	}
	body, err := render(groupRequestHTML, groupRequestText, view)
	if err != nil {
		return fmt.Errorf("render group request: %w", err)
	}
	return s.provider.Send(ctx, Message{
		To:        to,
		Subject:   view.Subject,
		HTML:      body.HTML,
		Text:      body.Text,
		MessageID: s.ItemMessageID(request.ID),
	})
}

// SendClaimNotice replies to the group request thread once it is claimed.
func (s *Sender) SendClaimNotice(ctx context.Context, request, claim store.Item, requester, claimant store.User, groups []store.Group) error {
	to := primaryEmails(groups)
	if len(to) == 0 {
		return nil
	}
	view := requestView{
		Subject:      "Re: " + requestSubject(requester),
		AuthorName:   requester.DisplayName(),
		ClaimantName: claimant.DisplayName(),
		Link:         s.ItemLink(request.PinboardID, request.ID),
	}
	body, err := render(claimNoticeHTML, claimNoticeText, view)
	if err != nil {
		return fmt.Errorf("render claim notice: %w", err)
	}
	parent := s.ItemMessageID(request.ID)
	return s.provider.Send(ctx, Message{
		To:         to,
		Subject:    view.Subject,
		HTML:       body.HTML,
		Text:       body.Text,
		MessageID:  s.ItemMessageID(claim.ID),
		InReplyTo:  parent,
		References: []string{parent},
	})
}

func requestSubject(author store.User) string {
	return "Pinboard request from " + author.DisplayName()
}

// Snippet is the short text shown for an item in emails and pushes.
func Snippet(item store.Item) string {
	text := strings.Join(strings.Fields(item.Message), " ")
	if text == "" {
		return "[" + item.Type + "]"
	}
	if utf8.RuneCountInString(text) <= snippetLength {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:snippetLength])) + "…"
}

func primaryEmails(groups []store.Group) []string {
	out := make([]string, 0, len(groups))
	for _, group := range groups {
		if group.PrimaryEmail != "" {
			out = append(out, group.PrimaryEmail)
		}
	}
	return out
}

func groupLabels(groups []store.Group) string {
	labels := make([]string, 0, len(groups))
	for _, group := range groups {
		labels = append(labels, "@"+group.Shorthand)
	}
	return strings.Join(labels, ", ")
}

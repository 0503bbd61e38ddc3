// Package live fans item and seen events out to connected clients.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"pinboard/api/internal/store"
)

const (
	SubscriptionCreateItem = "onCreateItem"
	SubscriptionSeenItem   = "onSeenItem"
)

var ErrInvalidSubscription = errors.New("invalid subscription")

// Event is a change published by the service after a committed write.
type Event struct {
	Type       string              `json:"type"`
	PinboardID string              `json:"pinboardId"`
	Item       *store.Item         `json:"item,omitempty"`
	Seen       *store.LastItemSeen `json:"seen,omitempty"`
}

// MentionSummary is what global onCreateItem subscribers receive: enough to
// update mention badges without leaking item content across pinboards.
type MentionSummary struct {
	ID            int64    `json:"id"`
	PinboardID    string   `json:"pinboardId"`
	Mentions      []string `json:"mentions"`
	GroupMentions []string `json:"groupMentions"`
}

// Frame is the JSON message written to a client.
type Frame struct {
	Type         string `json:"type"`
	Subscription string `json:"subscription,omitempty"`
	PinboardID   string `json:"pinboardId,omitempty"`
	Data         any    `json:"data,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Publisher is how the service emits events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Subscription filters the events a client receives. An empty PinboardID on
// onCreateItem subscribes to the mention summaries of every pinboard.
type Subscription struct {
	Kind       string
	PinboardID string
}

func (s Subscription) Validate() error {
	switch s.Kind {
	case SubscriptionCreateItem:
		return nil
	case SubscriptionSeenItem:
		if s.PinboardID == "" {
			return errors.New("onSeenItem requires a pinboardId")
		}
		return nil
	default:
		return ErrInvalidSubscription
	}
}

type Client struct {
	Email string
	send  chan []byte

	mu   sync.Mutex
	subs map[Subscription]struct{}
}

func (c *Client) Send() <-chan []byte {
	return c.send
}

func (c *Client) Subscribe(sub Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[sub] = struct{}{}
	return nil
}

func (c *Client) Unsubscribe(sub Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, sub)
}

func (c *Client) has(sub Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[sub]
	return ok
}

type Hub struct {
	mu        sync.RWMutex
	clients   map[*Client]struct{}
	queueSize int
	logger    *zap.Logger
	dropped   atomic.Int64
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{clients: make(map[*Client]struct{}), queueSize: 64, logger: logger}
}

func (h *Hub) Register(email string) *Client {
	client := &Client{
		Email: email,
		send:  make(chan []byte, h.queueSize),
		subs:  make(map[Subscription]struct{}),
	}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	return client
}

// Unregister removes the client and closes its send queue.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped counts frames discarded because a client queue was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Publish delivers event to matching local clients without blocking.
func (h *Hub) Publish(_ context.Context, event Event) error {
	switch event.Type {
	case SubscriptionCreateItem:
		if event.Item == nil {
			return errors.New("onCreateItem event without item")
		}
		full, err := json.Marshal(Frame{Type: event.Type, PinboardID: event.PinboardID, Data: event.Item})
		if err != nil {
			return err
		}
		summary, err := json.Marshal(Frame{Type: event.Type, Data: MentionSummary{
			ID:            event.Item.ID,
			PinboardID:    event.Item.PinboardID,
			Mentions:      event.Item.Mentions,
			GroupMentions: event.Item.GroupMentions,
		}})
		if err != nil {
			return err
		}
		h.deliver(Subscription{Kind: event.Type, PinboardID: event.PinboardID}, full)
		h.deliver(Subscription{Kind: event.Type}, summary)
	case SubscriptionSeenItem:
		if event.Seen == nil {
			return errors.New("onSeenItem event without seen record")
		}
		frame, err := json.Marshal(Frame{Type: event.Type, PinboardID: event.PinboardID, Data: event.Seen})
		if err != nil {
			return err
		}
		h.deliver(Subscription{Kind: event.Type, PinboardID: event.PinboardID}, frame)
	default:
		return ErrInvalidSubscription
	}
	return nil
}

func (h *Hub) deliver(sub Subscription, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.has(sub) {
			continue
		}
		select {
		case client.send <- frame:
		default:
			h.dropped.Add(1)
			h.logger.Warn("live client queue full, dropping frame",
				zap.String("email", client.Email),
				zap.String("subscription", sub.Kind))
		}
	}
}

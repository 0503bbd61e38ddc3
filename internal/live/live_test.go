package live

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"pinboard/api/internal/store"
)

func receive(t *testing.T, client *Client) Frame {
	t.Helper()
	select {
	case raw := <-client.Send():
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return Frame{}
}

func expectNothing(t *testing.T, client *Client) {
	t.Helper()
	select {
	case raw := <-client.Send():
		t.Fatalf("unexpected frame %s", raw)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHubFiltersBySubscription(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t))
	onP1 := hub.Register("a@x.com")
	global := hub.Register("b@x.com")
	onP2 := hub.Register("c@x.com")
	seen := hub.Register("d@x.com")
	defer hub.Unregister(onP1)

	mustSubscribe(t, onP1, Subscription{Kind: SubscriptionCreateItem, PinboardID: "P1"})
	mustSubscribe(t, global, Subscription{Kind: SubscriptionCreateItem})
	mustSubscribe(t, onP2, Subscription{Kind: SubscriptionCreateItem, PinboardID: "P2"})
	mustSubscribe(t, seen, Subscription{Kind: SubscriptionSeenItem, PinboardID: "P1"})

	item := &store.Item{ID: 3, PinboardID: "P1", Message: "secret", Mentions: []string{"b@x.com"}}
	if err := hub.Publish(context.Background(), Event{Type: SubscriptionCreateItem, PinboardID: "P1", Item: item}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	full := receive(t, onP1)
	if full.PinboardID != "P1" || !strings.Contains(mustJSON(t, full.Data), "secret") {
		t.Fatalf("pinboard subscriber should get the full item, got %+v", full)
	}
	summary := receive(t, global)
	data := mustJSON(t, summary.Data)
	if strings.Contains(data, "secret") || !strings.Contains(data, `"mentions":["b@x.com"]`) {
		t.Fatalf("global subscriber should get the mention summary only, got %s", data)
	}
	expectNothing(t, onP2)
	expectNothing(t, seen)

	record := &store.LastItemSeen{PinboardID: "P1", UserEmail: "a@x.com", ItemID: 3}
	if err := hub.Publish(context.Background(), Event{Type: SubscriptionSeenItem, PinboardID: "P1", Seen: record}); err != nil {
		t.Fatalf("publish seen: %v", err)
	}
	if frame := receive(t, seen); frame.Type != SubscriptionSeenItem {
		t.Fatalf("unexpected seen frame %+v", frame)
	}
	expectNothing(t, onP1)
}

func TestHubDropsWhenQueueFull(t *testing.T) {
	hub := NewHub(nil)
	hub.queueSize = 1
	client := hub.Register("a@x.com")
	mustSubscribe(t, client, Subscription{Kind: SubscriptionCreateItem})

	for i := 0; i < 3; i++ {
		if err := hub.Publish(context.Background(), Event{Type: SubscriptionCreateItem, PinboardID: "P1", Item: &store.Item{ID: int64(i)}}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if hub.Dropped() != 2 {
		t.Fatalf("expected 2 dropped frames, got %d", hub.Dropped())
	}
	hub.Unregister(client)
	hub.Unregister(client)
	if hub.ClientCount() != 0 {
		t.Fatal("client should be gone")
	}
}

func TestSubscriptionValidate(t *testing.T) {
	if err := (Subscription{Kind: SubscriptionSeenItem}).Validate(); err == nil {
		t.Fatal("onSeenItem without pinboard should be rejected")
	}
	if err := (Subscription{Kind: "onEverything"}).Validate(); !errors.Is(err, ErrInvalidSubscription) {
		t.Fatalf("expected ErrInvalidSubscription, got %v", err)
	}
}

func TestWebSocketSubscribeAndReceive(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t))
	auth := func(r *http.Request) (string, error) {
		if r.URL.Query().Get("token") != "ok" {
			return "", errors.New("nope")
		}
		return "a@x.com", nil
	}
	server := httptest.NewServer(NewHandler(hub, auth, "*", zaptest.NewLogger(t)))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	if _, resp, err := websocket.DefaultDialer.Dial(wsURL+"?token=bad", nil); err == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token=ok", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"type": "subscribe", "subscription": SubscriptionCreateItem, "pinboardId": "P1"}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack Frame
	if err := conn.ReadJSON(&ack); err != nil || ack.Type != "subscribed" {
		t.Fatalf("expected subscribed ack, got %+v (%v)", ack, err)
	}

	if err := hub.Publish(context.Background(), Event{Type: SubscriptionCreateItem, PinboardID: "P1", Item: &store.Item{ID: 9, PinboardID: "P1"}}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	var frame Frame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if frame.Type != SubscriptionCreateItem || frame.PinboardID != "P1" {
		t.Fatalf("unexpected frame %+v", frame)
	}

	if err := conn.WriteJSON(map[string]string{"type": "subscribe", "subscription": SubscriptionSeenItem}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	var rejected Frame
	if err := conn.ReadJSON(&rejected); err != nil || rejected.Type != "error" {
		t.Fatalf("expected error frame, got %+v (%v)", rejected, err)
	}
}

func TestRedisBridgeRelaysBetweenInstances(t *testing.T) {
	s := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newInstance := func() (*Hub, *RedisBridge) {
		client := redis.NewClient(&redis.Options{Addr: s.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		hub := NewHub(zaptest.NewLogger(t))
		return hub, NewRedisBridge(client, hub, zaptest.NewLogger(t))
	}
	hubA, bridgeA := newInstance()
	hubB, bridgeB := newInstance()

	readyB := make(chan struct{})
	go func() { _ = bridgeB.Run(ctx, readyB) }()
	readyA := make(chan struct{})
	go func() { _ = bridgeA.Run(ctx, readyA) }()
	<-readyA
	<-readyB

	localA := hubA.Register("a@x.com")
	remoteB := hubB.Register("b@x.com")
	mustSubscribe(t, localA, Subscription{Kind: SubscriptionCreateItem, PinboardID: "P1"})
	mustSubscribe(t, remoteB, Subscription{Kind: SubscriptionCreateItem, PinboardID: "P1"})

	if err := bridgeA.Publish(ctx, Event{Type: SubscriptionCreateItem, PinboardID: "P1", Item: &store.Item{ID: 1, PinboardID: "P1"}}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	receive(t, localA)
	receive(t, remoteB)
	// The origin instance must not deliver its own event twice.
	expectNothing(t, localA)
}

func mustSubscribe(t *testing.T, client *Client, sub Subscription) {
	t.Helper()
	if err := client.Subscribe(sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
}

func mustJSON(t *testing.T, value any) string {
	t.Helper()
	raw, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(raw)
}

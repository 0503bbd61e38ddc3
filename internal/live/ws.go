package live

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 4096
)

// Authenticator returns the verified email of the caller.
type Authenticator func(r *http.Request) (string, error)

// clientMessage is what clients send over the socket.
type clientMessage struct {
	Type         string `json:"type"`
	Subscription string `json:"subscription"`
	PinboardID   string `json:"pinboardId"`
}

type Handler struct {
	hub          *Hub
	authenticate Authenticator
	upgrader     websocket.Upgrader
	logger       *zap.Logger
}

func NewHandler(hub *Hub, authenticate Authenticator, corsOrigin string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		hub:          hub,
		authenticate: authenticate,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return corsOrigin == "*" || origin == "" || origin == corsOrigin
			},
		},
		logger: logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	email, err := h.authenticate(r)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":"UNAUTHORIZED","error":"unauthorized"}`))
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Info("upgrade websocket", zap.Error(err))
		return
	}

	client := h.hub.Register(email)
	replies := make(chan Frame, 8)
	done := make(chan struct{})
	go h.writePump(ws, client, replies, done)

	h.readPump(ws, client, replies)
	close(done)
	h.hub.Unregister(client)
}

func (h *Handler) readPump(ws *websocket.Conn, client *Client, replies chan<- Frame) {
	ws.SetReadLimit(maxMessage)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				h.logger.Debug("live peer closed", zap.String("email", client.Email))
			} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
				h.logger.Debug("live read timeout", zap.String("email", client.Email))
			} else {
				h.logger.Debug("live read error", zap.String("email", client.Email), zap.Error(err))
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.reply(replies, Frame{Type: "error", Error: "malformed message"})
			continue
		}
		sub := Subscription{Kind: msg.Subscription, PinboardID: msg.PinboardID}
		switch msg.Type {
		case "subscribe":
			if err := client.Subscribe(sub); err != nil {
				h.reply(replies, Frame{Type: "error", Subscription: msg.Subscription, Error: err.Error()})
				continue
			}
			h.reply(replies, Frame{Type: "subscribed", Subscription: sub.Kind, PinboardID: sub.PinboardID})
		case "unsubscribe":
			client.Unsubscribe(sub)
			h.reply(replies, Frame{Type: "unsubscribed", Subscription: sub.Kind, PinboardID: sub.PinboardID})
		default:
			h.reply(replies, Frame{Type: "error", Error: "unknown message type"})
		}
	}
}

func (h *Handler) reply(replies chan<- Frame, frame Frame) {
	select {
	case replies <- frame:
	default:
	}
}

// writePump is the only writer on ws.
func (h *Handler) writePump(ws *websocket.Conn, client *Client, replies <-chan Frame, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case frame, ok := <-client.Send():
			if !ok {
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case frame := <-replies:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

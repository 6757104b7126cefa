package wspush

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"

	"fundarb/internal/application/port"
	"fundarb/internal/application/service"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

// ErrClosed hub 已关闭
var ErrClosed = errors.New("push hub closed")

// Message 下发给客户端的消息
type Message struct {
	Room    string              `json:"room"`
	Event   string              `json:"event"`
	Payload jsoniter.RawMessage `json:"payload"`
}

// command 客户端指令: {"action":"join","room":"position:xxx"}
type command struct {
	Action string `json:"action"`
	Room   string `json:"room"`
}

// Hub 按房间分发推送事件的 WebSocket 服务端
// 客户端连接时自动加入自己的用户房间，可再加入持仓房间与行情房间
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	rooms   map[string]map[*client]struct{}
	closed  bool
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
		rooms:   make(map[string]map[*client]struct{}),
	}
}

// Broadcast 推送到房间内所有客户端；发送缓冲已满的客户端丢弃该消息
func (h *Hub) Broadcast(_ context.Context, room, event string, payload []byte) error {
	if len(payload) == 0 {
		payload = []byte("null")
	}
	b, err := json.Marshal(Message{Room: room, Event: event, Payload: payload})
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}
	for c := range h.rooms[room] {
		select {
		case c.send <- b:
		default:
			log.Debug().Str("room", room).Str("event", event).Str("user_id", c.userID).Msg("push buffer full, message dropped")
		}
	}
	return nil
}

// ServeWS GET /ws?userId=
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Str("user_id", userID).Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &client{hub: h, conn: conn, userID: userID, send: make(chan []byte, sendBuffer), rooms: map[string]struct{}{}}
	if !h.register(c) {
		_ = conn.Close()
		return
	}
	log.Debug().Str("user_id", userID).Msg("push client connected")

	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.joinLocked(c, service.UserRoom(c.userID))
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	close(c.send)
}

func (h *Hub) joinLocked(c *client, room string) {
	members := h.rooms[room]
	if members == nil {
		members = make(map[*client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) leaveLocked(c *client, room string) {
	delete(c.rooms, room)
	if members := h.rooms[room]; members != nil {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// allowed 客户端只能加入持仓房间、行情房间和自己的用户房间
func allowed(c *client, room string) bool {
	switch {
	case room == service.MarketRoom, room == service.UserRoom(c.userID):
		return true
	case strings.HasPrefix(room, "position:"):
		return len(room) > len("position:")
	}
	return false
}

func (h *Hub) handle(c *client, cmd command) {
	room := strings.TrimSpace(cmd.Room)
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	switch cmd.Action {
	case "join":
		if !allowed(c, room) {
			log.Debug().Str("user_id", c.userID).Str("room", room).Msg("join rejected")
			return
		}
		h.joinLocked(c, room)
	case "leave":
		if room == service.UserRoom(c.userID) {
			return
		}
		h.leaveLocked(c, room)
	}
}

// Members 房间当前客户端数
func (h *Hub) Members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Close 断开全部客户端
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		_ = c.conn.Close()
	}
	return nil
}

var _ port.Broadcaster = (*Hub)(nil)

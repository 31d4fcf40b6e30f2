package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"livechat/internal/metrics"

	"github.com/rs/zerolog/log"
)

// allGroup 表示全局广播，只在跨实例转发时使用。
const allGroup = "*"

func UserGroup(userID uint) string { return fmt.Sprintf("user:%d", userID) }
func RoomGroup(roomID uint) string { return fmt.Sprintf("room:%d", roomID) }

// Envelope 是一次投递在实例之间转发的形式。
type Envelope struct {
	Origin  string          `json:"origin"`
	Group   string          `json:"group"`
	Except  string          `json:"except,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Relay 把本地投递转发给其他实例。
type Relay interface {
	Publish(ctx context.Context, env Envelope) error
}

// Hub 管理连接与投递组（个人组 user:{id}、房间组 room:{id}）。
// 投递是非阻塞的：发送缓冲区满的连接会被直接断开。
type Hub struct {
	mu        sync.RWMutex
	clients   map[*Client]struct{}
	groups    map[string]map[*Client]struct{}
	userConns map[uint]int
	relay     Relay
}

func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*Client]struct{}),
		groups:    make(map[string]map[*Client]struct{}),
		userConns: make(map[uint]int),
	}
}

func (h *Hub) SetRelay(r Relay) {
	h.mu.Lock()
	h.relay = r
	h.mu.Unlock()
}

// Register 登记连接并返回该用户当前的连接数。
func (h *Hub) Register(c *Client) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.registered {
		return h.userConns[c.UserID]
	}
	c.registered = true
	h.clients[c] = struct{}{}
	h.userConns[c.UserID]++
	metrics.WsConnections.Inc()
	return h.userConns[c.UserID]
}

// Unregister 移除连接并返回该用户剩余的连接数。重复调用是安全的。
func (h *Hub) Unregister(c *Client) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.registered {
		c.registered = false
		h.userConns[c.UserID]--
		if h.userConns[c.UserID] <= 0 {
			delete(h.userConns, c.UserID)
		}
		metrics.WsConnections.Dec()
	}
	h.dropLocked(c)
	return h.userConns[c.UserID]
}

// Join 把连接加入投递组；已断开的连接不会被加入。
func (h *Hub) Join(c *Client, group string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return false
	}
	members := h.groups[group]
	if members == nil {
		members = make(map[*Client]struct{})
		h.groups[group] = members
	}
	members[c] = struct{}{}
	c.groups[group] = struct{}{}
	return true
}

func (h *Hub) Leave(c *Client, group string) {
	h.mu.Lock()
	h.leaveLocked(c, group)
	h.mu.Unlock()
}

// InGroup 报告连接是否在投递组中。
func (h *Hub) InGroup(c *Client, group string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := c.groups[group]
	return ok
}

func (h *Hub) GroupSize(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

func (h *Hub) UserConnections(userID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.userConns[userID]
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish 向投递组发送事件，except 不为空时跳过该连接。
func (h *Hub) Publish(group, event string, data any, except *Client) {
	exceptID := ""
	if except != nil {
		exceptID = except.ID
	}
	h.publishExcept(group, event, data, exceptID)
}

// publishExcept 按连接 id 排除，连接可能已经断开或位于其他实例。
func (h *Hub) publishExcept(group, event string, data any, exceptID string) {
	payload, err := json.Marshal(frame{Event: event, Data: data})
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("marshal event")
		return
	}
	h.deliver(group, payload, exceptID)
	h.forward(Envelope{Group: group, Except: exceptID, Payload: payload})
}

// Broadcast 向所有连接发送事件。
func (h *Hub) Broadcast(event string, data any) {
	h.Publish(allGroup, event, data, nil)
}

// Send 只发给单个连接，不经过跨实例转发。
func (h *Hub) Send(c *Client, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("conn_id", c.ID).Msg("marshal frame")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		h.sendLocked(c, payload)
	}
}

// deliver 只做本地投递，返回成功入队的连接数。
func (h *Hub) deliver(group string, payload []byte, exceptID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	targets := h.groups[group]
	if group == allGroup {
		targets = h.clients
	}
	n := 0
	for c := range targets {
		if exceptID != "" && c.ID == exceptID {
			continue
		}
		if h.sendLocked(c, payload) {
			n++
		}
	}
	return n
}

func (h *Hub) forward(env Envelope) {
	h.mu.RLock()
	relay := h.relay
	h.mu.RUnlock()
	if relay == nil {
		return
	}
	if err := relay.Publish(context.Background(), env); err != nil {
		metrics.RelayEventsTotal.WithLabelValues("out", "error").Inc()
		log.Warn().Err(err).Str("group", env.Group).Msg("relay publish")
	}
}

func (h *Hub) sendLocked(c *Client, payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		log.Warn().Str("conn_id", c.ID).Uint("user_id", c.UserID).Msg("send buffer full, dropping connection")
		metrics.WsDroppedTotal.Inc()
		h.dropLocked(c)
		return false
	}
}

// dropLocked 把连接移出所有组并关闭发送通道，写协程随后会关闭底层连接。
func (h *Hub) dropLocked(c *Client) {
	for g := range c.groups {
		h.leaveLocked(c, g)
	}
	delete(h.clients, c)
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (h *Hub) leaveLocked(c *Client, group string) {
	delete(c.groups, group)
	members := h.groups[group]
	if members == nil {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.groups, group)
	}
}

// Close 断开所有连接，用于优雅停服。
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.dropLocked(c)
	}
}

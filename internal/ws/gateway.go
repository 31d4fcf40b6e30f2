package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"livechat/internal/auth"
	"livechat/internal/config"
	"livechat/internal/metrics"
	"livechat/internal/models"
	"livechat/internal/service"
	"livechat/internal/typing"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// HandlerFunc 处理一个入站事件并返回结果。
type HandlerFunc func(ctx context.Context, c *Client, data json.RawMessage) Result

// Deps 是 Gateway 的依赖。
type Deps struct {
	DB             *gorm.DB
	Hub            *Hub
	Sessions       *auth.SessionStore
	Presence       *service.PresenceService
	Directory      *service.Directory
	Messages       *service.MessageService
	Typing         *typing.Registry
	PresenceMode   string
	HandlerTimeout time.Duration
	// Conns 为空时只按本实例的连接数判断下线。
	Conns ConnCounter
}

// Gateway 绑定连接与用户，并把入站事件分发给对应的处理函数。
type Gateway struct {
	db       *gorm.DB
	hub      *Hub
	sessions *auth.SessionStore
	presence *service.PresenceService
	dir      *service.Directory
	msgs     *service.MessageService
	typing   *typing.Registry
	conns    ConnCounter
	locks    *userLocks
	mode     string
	timeout  time.Duration
	handlers map[string]HandlerFunc
}

func NewGateway(d Deps) *Gateway {
	g := &Gateway{
		db:       d.DB,
		hub:      d.Hub,
		sessions: d.Sessions,
		presence: d.Presence,
		dir:      d.Directory,
		msgs:     d.Messages,
		typing:   d.Typing,
		conns:    d.Conns,
		locks:    newUserLocks(),
		mode:     d.PresenceMode,
		timeout:  d.HandlerTimeout,
	}
	if g.mode == "" {
		g.mode = config.PresenceMulti
	}
	if g.timeout <= 0 {
		g.timeout = 5 * time.Second
	}
	g.handlers = map[string]HandlerFunc{
		EventGetUserChats:           g.getUserChats,
		EventGetPrivateChatMessages: g.getPrivateChatMessages,
		EventGetGroupChatMessages:   g.getGroupChatMessages,
		EventSendPrivateMessage:     g.sendPrivateMessage,
		EventSendGroupMessage:       g.sendGroupMessage,
		EventTypingStart:            g.typingStart,
		EventTypingStop:             g.typingStop,
		EventGetUserStatuses:        g.getUserStatuses,
		EventJoinRoom:               g.joinRoom,
		EventLeaveRoom:              g.leaveRoom,
		EventMarkRead:               g.markRead,
		EventStartPrivateChat:       g.startPrivateChat,
	}
	g.typing.OnExpire(g.typingExpired)
	return g
}

func (g *Gateway) Hub() *Hub { return g.hub }

// Authenticate 从握手请求中解析会话并返回对应用户。
func (g *Gateway) Authenticate(ctx context.Context, r *http.Request) (*models.User, error) {
	return auth.Authenticate(ctx, r, g.sessions, g.db)
}

// OnConnect 加入个人组、标记在线、全局广播状态，最后下发 session_info。
// 同一用户的上线与下线持有同一把锁，刷新页面时新连接的上线不会被旧连接的下线覆盖。
func (g *Gateway) OnConnect(ctx context.Context, c *Client) {
	unlock := g.locks.lock(c.UserID)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	local := g.hub.Register(c)
	g.hub.Join(c, UserGroup(c.UserID))
	conns := g.countConnect(ctx, c, local)
	log.Info().Uint("user_id", c.UserID).Str("conn_id", c.ID).Int("conns", conns).Msg("ws connected")

	st, err := g.presence.SetOnline(ctx, c.UserID, true)
	if err != nil {
		log.Error().Err(err).Uint("user_id", c.UserID).Msg("set online")
	} else {
		g.hub.Broadcast(EventUserStatusUpdate, st)
	}
	g.hub.Send(c, frame{Event: EventSessionInfo, Data: sessionInfo{UserID: c.UserID, Username: c.Username, ConnID: c.ID}})
}

// OnDisconnect 在 multi 模式下只有最后一条连接断开才标记离线，single 模式下总是标记。
func (g *Gateway) OnDisconnect(c *Client) {
	unlock := g.locks.lock(c.UserID)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	local := g.hub.Unregister(c)
	remaining := g.countDisconnect(ctx, c, local)
	log.Info().Uint("user_id", c.UserID).Str("conn_id", c.ID).Int("remaining", remaining).Msg("ws disconnected")
	if g.mode == config.PresenceMulti && remaining > 0 {
		return
	}
	st, err := g.presence.SetOnline(ctx, c.UserID, false)
	if err != nil {
		log.Error().Err(err).Uint("user_id", c.UserID).Msg("set offline")
		return
	}
	g.hub.Broadcast(EventUserStatusUpdate, st)
}

// countConnect 返回用户的总连接数；共享计数不可用时退回本实例计数。
func (g *Gateway) countConnect(ctx context.Context, c *Client, local int) int {
	if g.conns == nil {
		return local
	}
	n, err := g.conns.Incr(ctx, c.UserID)
	if err != nil {
		log.Warn().Err(err).Uint("user_id", c.UserID).Msg("conn count incr")
		return local
	}
	c.counted = true
	return int(n)
}

// countDisconnect 只为计入过共享计数的连接做减法。
func (g *Gateway) countDisconnect(ctx context.Context, c *Client, local int) int {
	if g.conns == nil || !c.counted {
		return local
	}
	c.counted = false
	n, err := g.conns.Decr(ctx, c.UserID)
	if err != nil {
		log.Warn().Err(err).Uint("user_id", c.UserID).Msg("conn count decr")
		return local
	}
	return int(n)
}

// Dispatch 解析一帧并调用处理函数；带 ack 的帧恰好回复一次。
func (g *Gateway) Dispatch(ctx context.Context, c *Client, raw []byte) {
	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil || in.Event == "" {
		log.Debug().Str("conn_id", c.ID).Msg("ws malformed frame")
		g.hub.Send(c, frame{Event: EventError, Data: scopedError{Error: "Malformed event."}})
		return
	}

	res := g.invoke(ctx, c, in)
	metrics.WsEventsTotal.WithLabelValues(in.Event, res.outcome()).Inc()

	if in.Ack == nil || res.kind == resultNone {
		return
	}
	reply := frame{Event: EventAck, Ack: in.Ack}
	if res.IsErr() {
		reply.Error = res.Reason()
	} else {
		reply.Data = res.Data()
	}
	g.hub.Send(c, reply)
}

func (g *Gateway) invoke(ctx context.Context, c *Client, in inbound) (res Result) {
	h, ok := g.handlers[in.Event]
	if !ok {
		return Err("Unknown event.")
	}
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Str("event", in.Event).Uint("user_id", c.UserID).Msg("ws handler panic")
			res = Err("Internal error.")
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return h(ctx, c, in.Data)
}

func decode(data json.RawMessage, v any) bool {
	if len(data) == 0 {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

// fail 把业务错误转换为事件错误。
func fail(c *Client, event string, err error, denied, generic string) Result {
	logFailure(c, event, err)
	switch {
	case errors.Is(err, service.ErrAccessDenied):
		return Err(denied)
	case errors.Is(err, service.ErrValidation):
		return Err("Invalid request.")
	case errors.Is(err, service.ErrNotFound):
		return Err("Not found.")
	}
	return Err(generic)
}

// logFailure 越权访问按安全事件记录，存储错误记为 Error。
func logFailure(c *Client, event string, err error) {
	switch {
	case errors.Is(err, service.ErrAccessDenied):
		log.Warn().Bool("security", true).Str("event", event).Uint("user_id", c.UserID).Str("conn_id", c.ID).Msg("access denied")
	case errors.Is(err, service.ErrValidation), errors.Is(err, service.ErrNotFound):
		log.Debug().Err(err).Str("event", event).Uint("user_id", c.UserID).Msg("ws request rejected")
	default:
		log.Error().Err(err).Str("event", event).Uint("user_id", c.UserID).Msg("ws handler")
	}
}

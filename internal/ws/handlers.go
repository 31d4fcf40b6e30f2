package ws

import (
	"context"
	"encoding/json"
	"errors"

	"livechat/internal/metrics"
	"livechat/internal/service"
	"livechat/internal/typing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// getUserChats 返回会话列表，并把连接加入用户所属的每个房间组。
func (g *Gateway) getUserChats(ctx context.Context, c *Client, _ json.RawMessage) Result {
	chats, err := g.dir.UserChats(ctx, c.UserID)
	if err != nil {
		return fail(c, EventGetUserChats, err, "Access denied.", "Failed to fetch chats.")
	}
	for _, r := range chats.Group {
		g.hub.Join(c, RoomGroup(r.ID))
	}
	return Ok(chats)
}

func (g *Gateway) getPrivateChatMessages(ctx context.Context, c *Client, data json.RawMessage) Result {
	var p chatRef
	if !decode(data, &p) || p.ChatID == 0 {
		return Err("Chat ID is required.")
	}
	msgs, err := g.msgs.ListForChat(ctx, c.UserID, p.ChatID)
	if err != nil {
		return fail(c, EventGetPrivateChatMessages, err, "Access denied to this chat.", "Failed to fetch messages.")
	}
	return Ok(gin.H{"messages": msgs})
}

func (g *Gateway) getGroupChatMessages(ctx context.Context, c *Client, data json.RawMessage) Result {
	var p groupRef
	if !decode(data, &p) || p.GroupID == 0 {
		return Err("Group ID is required.")
	}
	msgs, err := g.msgs.ListForRoom(ctx, c.UserID, p.GroupID)
	if err != nil {
		return fail(c, EventGetGroupChatMessages, err, "Access denied to this group.", "Failed to fetch messages.")
	}
	return Ok(gin.H{"messages": msgs})
}

// sendPrivateMessage 写入后只投递给接收者的个人组，发送者通过 ack 拿到结果。
func (g *Gateway) sendPrivateMessage(ctx context.Context, c *Client, data json.RawMessage) Result {
	var p sendPayload
	if !decode(data, &p) || p.ChatID == 0 {
		return Err("Chat ID is required.")
	}
	msg, recipient, err := g.msgs.SendToChat(ctx, c.UserID, p.ChatID, p.Content)
	if err != nil {
		if errors.Is(err, service.ErrValidation) {
			return Err("Message content is required.")
		}
		return fail(c, EventSendPrivateMessage, err, "Cannot send message to this chat.", "Failed to send message.")
	}
	metrics.WsMessagesTotal.WithLabelValues("private").Inc()
	g.hub.Publish(UserGroup(recipient), EventReceivePrivateMessage, msg, nil)
	return Ok(sendAck{MessageID: msg.ID, Timestamp: msg.Timestamp})
}

func (g *Gateway) sendGroupMessage(ctx context.Context, c *Client, data json.RawMessage) Result {
	var p sendPayload
	if !decode(data, &p) || p.GroupID == 0 {
		return Err("Group ID is required.")
	}
	msg, err := g.msgs.SendToRoom(ctx, c.UserID, p.GroupID, p.Content)
	if err != nil {
		if errors.Is(err, service.ErrValidation) {
			return Err("Message content is required.")
		}
		return fail(c, EventSendGroupMessage, err, "Cannot send message to this group.", "Failed to send message.")
	}
	metrics.WsMessagesTotal.WithLabelValues("group").Inc()
	g.hub.Publish(RoomGroup(p.GroupID), EventReceiveGroupMessage, msg, nil)
	return Ok(sendAck{MessageID: msg.ID, Timestamp: msg.Timestamp})
}

func (g *Gateway) typingStart(ctx context.Context, c *Client, data json.RawMessage) Result {
	return g.setTyping(ctx, c, data, true)
}

func (g *Gateway) typingStop(ctx context.Context, c *Client, data json.RawMessage) Result {
	return g.setTyping(ctx, c, data, false)
}

// setTyping 不回复客户端；越权或无效的请求只记录日志。
func (g *Gateway) setTyping(ctx context.Context, c *Client, data json.RawMessage, isTyping bool) Result {
	var p typingPayload
	if !decode(data, &p) {
		return NoReply()
	}
	var key typing.Key
	switch {
	case p.GroupID != 0:
		ok, err := g.dir.IsRoomMember(ctx, p.GroupID, c.UserID)
		if err != nil || !ok {
			log.Debug().Err(err).Uint("user_id", c.UserID).Uint("room_id", p.GroupID).Msg("typing ignored")
			return NoReply()
		}
		key = typing.Key{Kind: typing.KindRoom, ID: p.GroupID}
	case p.ChatID != 0:
		ok, err := g.dir.IsChatParty(ctx, p.ChatID, c.UserID)
		if err != nil || !ok {
			log.Debug().Err(err).Uint("user_id", c.UserID).Uint("chat_id", p.ChatID).Msg("typing ignored")
			return NoReply()
		}
		key = typing.Key{Kind: typing.KindChat, ID: p.ChatID}
	default:
		return NoReply()
	}

	if isTyping {
		prev, replaced := g.typing.Start(typing.Entry{Key: key, UserID: c.UserID, Username: c.Username, ConnID: c.ID})
		if replaced && prev.UserID != c.UserID {
			log.Debug().Uint("user_id", c.UserID).Uint("superseded", prev.UserID).Str("kind", string(key.Kind)).Uint("id", key.ID).Msg("typing superseded")
		}
	} else {
		g.typing.Stop(key)
	}
	g.notifyTyping(ctx, key, c.UserID, c.Username, c.ID, isTyping)
	return NoReply()
}

// typingExpired 在自动过期时向同一批接收者发送 isTyping=false。
func (g *Gateway) typingExpired(e typing.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	g.notifyTyping(ctx, e.Key, e.UserID, e.Username, e.ConnID, false)
}

// notifyTyping 房间通知排除发起连接；私聊只通知另一方的个人组。
func (g *Gateway) notifyTyping(ctx context.Context, key typing.Key, userID uint, username, connID string, isTyping bool) {
	st := typingStatus{UserID: userID, Username: username, IsTyping: isTyping}
	id := key.ID
	switch key.Kind {
	case typing.KindRoom:
		st.GroupID = &id
		g.hub.publishExcept(RoomGroup(id), EventUserTypingStatus, st, connID)
	case typing.KindChat:
		other, err := g.dir.OtherParty(ctx, id, userID)
		if err != nil {
			log.Debug().Err(err).Uint("user_id", userID).Uint("chat_id", id).Msg("typing notify skipped")
			return
		}
		st.ChatID = &id
		g.hub.Publish(UserGroup(other), EventUserTypingStatus, st, nil)
	}
}

func (g *Gateway) getUserStatuses(ctx context.Context, c *Client, data json.RawMessage) Result {
	var ids []uint
	if !decode(data, &ids) {
		return Err("A list of user IDs is required.")
	}
	statuses, err := g.presence.GetManyStatuses(ctx, ids)
	if err != nil {
		return fail(c, EventGetUserStatuses, err, "Access denied.", "Failed to fetch user statuses.")
	}
	return Ok(statuses)
}

// joinRoom 确认房间存在且用户是成员后订阅房间组；失败时额外推送 error 事件。
func (g *Gateway) joinRoom(ctx context.Context, c *Client, data json.RawMessage) Result {
	var p groupRef
	if !decode(data, &p) || p.GroupID == 0 {
		return g.joinFailed(c, "Group ID is required.")
	}
	exists, err := g.dir.RoomExists(ctx, p.GroupID)
	if err != nil {
		logFailure(c, EventJoinRoom, err)
		return g.joinFailed(c, "Failed to join room.")
	}
	if !exists {
		return g.joinFailed(c, "Room not found.")
	}
	member, err := g.dir.IsRoomMember(ctx, p.GroupID, c.UserID)
	if err != nil {
		logFailure(c, EventJoinRoom, err)
		return g.joinFailed(c, "Failed to join room.")
	}
	if !member {
		logFailure(c, EventJoinRoom, service.ErrAccessDenied)
		return g.joinFailed(c, "Access denied to this group.")
	}
	g.hub.Join(c, RoomGroup(p.GroupID))
	ref := groupRef{GroupID: p.GroupID}
	g.hub.Send(c, frame{Event: EventRoomJoined, Data: ref})
	return Ok(ref)
}

func (g *Gateway) joinFailed(c *Client, msg string) Result {
	g.hub.Send(c, frame{Event: EventError, Data: scopedError{Event: EventJoinRoom, Error: msg}})
	return Err(msg)
}

func (g *Gateway) leaveRoom(_ context.Context, c *Client, data json.RawMessage) Result {
	var p groupRef
	if !decode(data, &p) || p.GroupID == 0 {
		return Err("Group ID is required.")
	}
	g.hub.Leave(c, RoomGroup(p.GroupID))
	return Ok(groupRef{GroupID: p.GroupID})
}

// markRead 记录已读并通知原发送者；自己读自己的消息不通知。
func (g *Gateway) markRead(ctx context.Context, c *Client, data json.RawMessage) Result {
	var p markReadPayload
	if !decode(data, &p) || p.MessageID == 0 {
		return Err("Message ID is required.")
	}
	r, err := g.msgs.MarkRead(ctx, c.UserID, p.MessageID)
	if err != nil {
		return fail(c, EventMarkRead, err, "Access denied to this message.", "Failed to mark message as read.")
	}
	if r.SenderID != c.UserID {
		g.hub.Publish(UserGroup(r.SenderID), EventMessageRead, r, nil)
	}
	return Ok(gin.H{"messageId": r.MessageID, "readAt": r.ReadAt})
}

func (g *Gateway) startPrivateChat(ctx context.Context, c *Client, data json.RawMessage) Result {
	var p startChatPayload
	if !decode(data, &p) || p.UserID == 0 {
		return Err("User ID is required.")
	}
	chat, created, err := g.dir.FindOrCreatePrivateChat(ctx, c.UserID, p.UserID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrValidation):
			return Err("Cannot start a chat with yourself.")
		case errors.Is(err, service.ErrNotFound):
			return Err("User not found.")
		}
		return fail(c, EventStartPrivateChat, err, "Access denied.", "Failed to start chat.")
	}
	return Ok(gin.H{"chatId": chat.ID, "created": created})
}

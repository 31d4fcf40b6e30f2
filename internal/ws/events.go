package ws

import (
	"encoding/json"
	"time"
)

// 客户端发来的事件。
const (
	EventGetUserChats           = "get_user_chats"
	EventGetPrivateChatMessages = "get_private_chat_messages"
	EventGetGroupChatMessages   = "get_group_chat_messages"
	EventSendPrivateMessage     = "send_private_message"
	EventSendGroupMessage       = "send_group_message"
	EventTypingStart            = "typing_start"
	EventTypingStop             = "typing_stop"
	EventGetUserStatuses        = "get_user_statuses"
	EventJoinRoom               = "join_room"
	EventLeaveRoom              = "leave_room"
	EventMarkRead               = "mark_read"
	EventStartPrivateChat       = "start_private_chat"
)

// 服务端推送的事件。
const (
	EventAck                   = "ack"
	EventError                 = "error"
	EventSessionInfo           = "session_info"
	EventUserStatusUpdate      = "user_status_update"
	EventReceivePrivateMessage = "receive_private_message"
	EventReceiveGroupMessage   = "receive_group_message"
	EventUserTypingStatus      = "user_typing_status"
	EventRoomJoined            = "room_joined"
	EventMessageRead           = "message_read"
)

// inbound 是客户端帧：{"event": "...", "ack": 1, "data": {...}}。
// ack 存在时服务端恰好回复一次。
type inbound struct {
	Event string          `json:"event"`
	Ack   *int64          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// frame 是服务端帧，推送事件与 ack 回复共用。
type frame struct {
	Event string `json:"event"`
	Ack   *int64 `json:"ack,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

type chatRef struct {
	ChatID uint `json:"chatId"`
}

type groupRef struct {
	GroupID uint `json:"groupId"`
}

type sendPayload struct {
	ChatID  uint   `json:"chatId"`
	GroupID uint   `json:"groupId"`
	Content string `json:"content"`
}

type typingPayload struct {
	ChatID  uint `json:"chatId"`
	GroupID uint `json:"groupId"`
}

type markReadPayload struct {
	MessageID uint `json:"messageId"`
}

type startChatPayload struct {
	UserID uint `json:"userId"`
}

type sessionInfo struct {
	UserID   uint   `json:"userId"`
	Username string `json:"username"`
	ConnID   string `json:"connId"`
}

// typingStatus 中 chatId 与 groupId 只会出现一个。
type typingStatus struct {
	UserID   uint   `json:"userId"`
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
	ChatID   *uint  `json:"chatId,omitempty"`
	GroupID  *uint  `json:"groupId,omitempty"`
}

type sendAck struct {
	MessageID uint      `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
}

type scopedError struct {
	Event string `json:"event"`
	Error string `json:"error"`
}

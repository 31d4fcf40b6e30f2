package ws

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"livechat/internal/auth"
	"livechat/internal/config"
	"livechat/internal/db"
	"livechat/internal/models"
	"livechat/internal/service"
	"livechat/internal/typing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const typingTimeout = 60 * time.Millisecond

var bg = context.Background()

type testEnv struct {
	db       *gorm.DB
	hub      *Hub
	gw       *Gateway
	dir      *service.Directory
	msgs     *service.MessageService
	sessions *auth.SessionStore
	typing   *typing.Registry
}

func newEnv(t *testing.T, mode string) *testEnv {
	t.Helper()
	return newEnvOn(t, mode, openDB(t), nil)
}

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Connect("sqlite", filepath.Join(t.TempDir(), "ws.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	require.NoError(t, db.Migrate(gdb))
	return gdb
}

// newEnvOn 在给定数据库上构造一个实例，多个 env 共享数据库与计数器即可模拟多实例部署。
func newEnvOn(t *testing.T, mode string, gdb *gorm.DB, conns ConnCounter) *testEnv {
	t.Helper()
	dir := service.NewDirectory(gdb)
	e := &testEnv{
		db:       gdb,
		hub:      NewHub(),
		dir:      dir,
		msgs:     service.NewMessageService(gdb, dir),
		sessions: auth.NewSessionStore(gdb, time.Hour),
		typing:   typing.New(typingTimeout),
	}
	t.Cleanup(e.typing.Close)
	e.gw = NewGateway(Deps{
		DB:             gdb,
		Hub:            e.hub,
		Sessions:       e.sessions,
		Presence:       service.NewPresenceService(gdb),
		Directory:      dir,
		Messages:       e.msgs,
		Typing:         e.typing,
		PresenceMode:   mode,
		HandlerTimeout: 2 * time.Second,
		Conns:          conns,
	})
	return e
}

func (e *testEnv) user(t *testing.T, name string) models.User {
	t.Helper()
	u := models.User{Email: name + "@example.com", Username: name, PasswordHash: "x"}
	require.NoError(t, e.db.Create(&u).Error)
	return u
}

func (e *testEnv) room(t *testing.T, name string, owner models.User, members ...models.User) *models.Room {
	t.Helper()
	r, err := e.dir.CreateRoom(bg, name, owner.ID, false)
	require.NoError(t, err)
	for _, m := range members {
		require.NoError(t, e.dir.AddMember(bg, r.ID, m.ID))
	}
	return r
}

// connect 模拟一条已认证的连接，并清空连接时收到的帧。
func (e *testEnv) connect(t *testing.T, u models.User) *Client {
	t.Helper()
	c := NewClient(nil, &u)
	e.gw.OnConnect(bg, c)
	return c
}

func (e *testEnv) emit(c *Client, event string, data any) {
	raw, _ := json.Marshal(map[string]any{"event": event, "data": data})
	e.gw.Dispatch(bg, c, raw)
}

// call 发送带 ack 的事件，返回 ack 帧以及同时收到的其他帧。
func (e *testEnv) call(t *testing.T, c *Client, event string, data any) (gotFrame, []gotFrame) {
	t.Helper()
	raw, _ := json.Marshal(map[string]any{"event": event, "ack": 1, "data": data})
	e.gw.Dispatch(bg, c, raw)
	var ack *gotFrame
	var rest []gotFrame
	for _, f := range drain(c) {
		if f.Event == EventAck && ack == nil {
			f := f
			ack = &f
			continue
		}
		rest = append(rest, f)
	}
	require.NotNil(t, ack, "no ack for %s", event)
	require.NotNil(t, ack.Ack)
	assert.EqualValues(t, 1, *ack.Ack)
	return *ack, rest
}

func waitFor(t *testing.T, c *Client, event string, d time.Duration) gotFrame {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case b, ok := <-c.send:
			require.True(t, ok, "send channel closed while waiting for %s", event)
			var f gotFrame
			require.NoError(t, json.Unmarshal(b, &f))
			if f.Event == event {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", event)
		}
	}
}

func events(frames []gotFrame) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Event)
	}
	return out
}

func TestOnConnect_PersonalGroupPresenceAndSessionInfo(t *testing.T) {
	e := newEnv(t, config.PresenceMulti)
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")

	a := e.connect(t, alice)
	drain(a)
	b := e.connect(t, bob)

	assert.True(t, e.hub.InGroup(b, UserGroup(bob.ID)))
	assert.Equal(t, 1, e.hub.GroupSize(UserGroup(bob.ID)))

	got := drain(a)
	require.Len(t, got, 1)
	assert.Equal(t, EventUserStatusUpdate, got[0].Event)
	var st service.Status
	require.NoError(t, json.Unmarshal(got[0].Data, &st))
	assert.Equal(t, bob.ID, st.UserID)
	assert.True(t, st.IsOnline)

	own := drain(b)
	assert.Equal(t, []string{EventUserStatusUpdate, EventSessionInfo}, events(own))
	var info sessionInfo
	require.NoError(t, json.Unmarshal(own[1].Data, &info))
	assert.Equal(t, bob.ID, info.UserID)
	assert.Equal(t, b.ID, info.ConnID)

	var stored models.User
	require.NoError(t, e.db.First(&stored, bob.ID).Error)
	assert.True(t, stored.IsOnline)
}

func TestGetUserChats_JoinsEveryRoomGroup(t *testing.T) {
	e := newEnv(t, config.PresenceMulti)
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")
	r1 := e.room(t, "one", alice)
	r2 := e.room(t, "two", bob, alice)
	r3 := e.room(t, "three", bob)
	_, _, err := e.dir.FindOrCreatePrivateChat(bg, alice.ID, bob.ID)
	require.NoError(t, err)

	a := e.connect(t, alice)
	drain(a)
	ack, _ := e.call(t, a, EventGetUserChats, nil)
	require.Empty(t, ack.Error)

	var chats service.UserChats
	require.NoError(t, json.Unmarshal(ack.Data, &chats))
	assert.Len(t, chats.Group, 2)
	assert.Len(t, chats.Private, 1)

	assert.True(t, e.hub.InGroup(a, RoomGroup(r1.ID)))
	assert.True(t, e.hub.InGroup(a, RoomGroup(r2.ID)))
	assert.False(t, e.hub.InGroup(a, RoomGroup(r3.ID)))
	assert.Len(t, a.groups, 3, "personal group plus one per membership")
}

func TestSendGroupMessage_Scenario(t *testing.T) {
	e := newEnv(t, config.PresenceMulti)
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")
	carol := e.user(t, "carol")
	room := e.room(t, "general", alice, bob)

	a := e.connect(t, alice)
	b := e.connect(t, bob)
	c := e.connect(t, carol)
	e.call(t, a, EventGetUserChats, nil)
	e.call(t, b, EventGetUserChats, nil)
	e.call(t, c, EventGetUserChats, nil)
	drain(a)
	drain(b)
	drain(c)

	before := time.Now().UTC().Add(-time.Second)
	ack, _ := e.call(t, a, EventSendGroupMessage, map[string]any{"groupId": room.ID, "content": "hi"})
	require.Empty(t, ack.Error)
	var sent sendAck
	require.NoError(t, json.Unmarshal(ack.Data, &sent))
	assert.NotZero(t, sent.MessageID)
	assert.True(t, sent.Timestamp.After(before))

	got := drain(b)
	require.Len(t, got, 1)
	assert.Equal(t, EventReceiveGroupMessage, got[0].Event)
	var msg service.MessageDTO
	require.NoError(t, json.Unmarshal(got[0].Data, &msg))
	assert.Equal(t, "hi", msg.Content)
	assert.Equal(t, alice.ID, msg.SenderID)
	assert.Equal(t, "alice", msg.Sender.Username)
	require.NotNil(t, msg.GroupID)
	assert.Nil(t, msg.ChatID)

	assert.Empty(t, drain(c), "non-member receives nothing")

	ack, _ = e.call(t, c, EventSendGroupMessage, map[string]any{"groupId": room.ID, "content": "hi"})
	assert.Equal(t, "Cannot send message to this group.", ack.Error)
	assert.Nil(t, ack.Data)

	var count int64
	require.NoError(t, e.db.Model(&models.Message{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	ack, _ = e.call(t, b, EventGetGroupChatMessages, map[string]any{"groupId": room.ID})
	require.Empty(t, ack.Error)
	var list struct {
		Messages []service.MessageDTO `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(ack.Data, &list))
	require.Len(t, list.Messages, 1)
	assert.Equal(t, "hi", list.Messages[0].Content)
	assert.Equal(t, alice.ID, list.Messages[0].SenderID)
	assert.Equal(t, sent.MessageID, list.Messages[0].ID)

	ack, _ = e.call(t, a, EventSendGroupMessage, map[string]any{"groupId": room.ID, "content": "   "})
	assert.Equal(t, "Message content is required.", ack.Error)
}

func TestSendPrivateMessage_RecipientOnly(t *testing.T) {
	e := newEnv(t, config.PresenceMulti)
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")
	carol := e.user(t, "carol")
	chat, _, err := e.dir.FindOrCreatePrivateChat(bg, alice.ID, bob.ID)
	require.NoError(t, err)

	a := e.connect(t, alice)
	b := e.connect(t, bob)
	c := e.connect(t, carol)
	drain(a)
	drain(b)
	drain(c)

	ack, rest := e.call(t, a, EventSendPrivateMessage, map[string]any{"chatId": chat.ID, "content": "psst"})
	require.Empty(t, ack.Error)
	assert.Empty(t, rest, "sender only gets the ack")

	got := drain(b)
	require.Len(t, got, 1)
	assert.Equal(t, EventReceivePrivateMessage, got[0].Event)
	var msg service.MessageDTO
	require.NoError(t, json.Unmarshal(got[0].Data, &msg))
	assert.Equal(t, "psst", msg.Content)
	require.NotNil(t, msg.ChatID)
	assert.Equal(t, chat.ID, *msg.ChatID)
	assert.Empty(t, drain(c))

	ack, _ = e.call(t, c, EventSendPrivateMessage, map[string]any{"chatId": chat.ID, "content": "hey"})
	assert.Equal(t, "Cannot send message to this chat.", ack.Error)
	ack, _ = e.call(t, c, EventGetPrivateChatMessages, map[string]any{"chatId": chat.ID})
	assert.Equal(t, "Access denied to this chat.", ack.Error)

	ack, _ = e.call(t, b, EventGetPrivateChatMessages, map[string]any{"chatId": chat.ID})
	require.Empty(t, ack.Error)
	var list struct {
		Messages []service.MessageDTO `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(ack.Data, &list))
	require.Len(t, list.Messages, 1)
}

func TestTyping_RoomExcludesOriginAndAutoExpires(t *testing.T) {
	e := newEnv(t, config.PresenceMulti)
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")
	room := e.room(t, "general", alice, bob)

	a := e.connect(t, alice)
	a2 := e.connect(t, alice)
	b := e.connect(t, bob)
	for _, c := range []*Client{a, a2, b} {
		e.call(t, c, EventGetUserChats, nil)
		drain(c)
	}

	e.emit(a, EventTypingStart, map[string]any{"groupId": room.ID})
	assert.Empty(t, drain(a), "originating connection is excluded")

	f := waitFor(t, b, EventUserTypingStatus, time.Second)
	var st typingStatus
	require.NoError(t, json.Unmarshal(f.Data, &st))
	assert.True(t, st.IsTyping)
	assert.Equal(t, alice.ID, st.UserID)
	assert.Equal(t, "alice", st.Username)
	require.NotNil(t, st.GroupID)
	assert.Equal(t, room.ID, *st.GroupID)
	assert.Nil(t, st.ChatID)

	// 同一用户的另一条连接也能看到
	waitFor(t, a2, EventUserTypingStatus, time.Second)

	f = waitFor(t, b, EventUserTypingStatus, time.Second)
	require.NoError(t, json.Unmarshal(f.Data, &st))
	assert.False(t, st.IsTyping, "auto expiry sends isTyping=false")
	assert.Equal(t, alice.ID, st.UserID)
	assert.Empty(t, drain(a))
	assert.Equal(t, 0, e.typing.Len())
}

func TestTyping_PrivateStopSuppressesExpiry(t *testing.T) {
	e := newEnv(t, config.PresenceMulti)
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")
	carol := e.user(t, "carol")
	chat, _, err := e.dir.FindOrCreatePrivateChat(bg, alice.ID, bob.ID)
	require.NoError(t, err)

	a := e.connect(t, alice)
	b := e.connect(t, bob)
	c := e.connect(t, carol)
	drain(a)
	drain(b)
	drain(c)

	e.emit(a, EventTypingStart, map[string]any{"chatId": chat.ID})
	f := waitFor(t, b, EventUserTypingStatus, time.Second)
	var st typingStatus
	require.NoError(t, json.Unmarshal(f.Data, &st))
	assert.True(t, st.IsTyping)
	require.NotNil(t, st.ChatID)
	assert.Equal(t, chat.ID, *st.ChatID)

	e.emit(a, EventTypingStop, map[string]any{"chatId": chat.ID})
	f = waitFor(t, b, EventUserTypingStatus, time.Second)
	require.NoError(t, json.Unmarshal(f.Data, &st))
	assert.False(t, st.IsTyping)

	time.Sleep(3 * typingTimeout)
	assert.Empty(t, drain(b), "stop suppresses the automatic notification")
	assert.Empty(t, drain(a))

	// 非参与者的 typing 被忽略
	e.emit(c, EventTypingStart, map[string]any{"chatId": chat.ID})
	assert.Equal(t, 0, e.typing.Len())
	assert.Empty(t, drain(b))
}

func TestPresence_OfflineOnLastDisconnect(t *testing.T) {
	e := newEnv(t, config.PresenceMulti)
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")

	a1 := e.connect(t, alice)
	a2 := e.connect(t, alice)
	b := e.connect(t, bob)
	drain(b)

	e.gw.OnDisconnect(a1)
	assert.Empty(t, drain(b), "alice still has a live connection")
	assert.Equal(t, 1, e.hub.UserConnections(alice.ID))

	e.gw.OnDisconnect(a2)
	got := drain(b)
	require.Len(t, got, 1)
	assert.Equal(t, EventUserStatusUpdate, got[0].Event)
	var st service.Status
	require.NoError(t, json.Unmarshal(got[0].Data, &st))
	assert.Equal(t, alice.ID, st.UserID)
	assert.False(t, st.IsOnline)
	require.NotNil(t, st.LastActive)
	assert.WithinDuration(t, time.Now(), *st.LastActive, time.Minute)
}

func TestPresence_SingleModeFlipsOnAnyDisconnect(t *testing.T) {
	e := newEnv(t, config.PresenceSingle)
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")

	a1 := e.connect(t, alice)
	e.connect(t, alice)
	b := e.connect(t, bob)
	drain(b)

	e.gw.OnDisconnect(a1)
	got := drain(b)
	require.Len(t, got, 1)
	var st service.Status
	require.NoError(t, json.Unmarshal(got[0].Data, &st))
	assert.False(t, st.IsOnline)
}

func TestJoinRoom(t *testing.T) {
	e := newEnv(t, config.PresenceMulti)
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")
	room := e.room(t, "general", alice)

	b := e.connect(t, bob)
	drain(b)

	ack, rest := e.call(t, b, EventJoinRoom, map[string]any{"groupId": room.ID})
	assert.Equal(t, "Access denied to this group.", ack.Error)
	require.Len(t, rest, 1)
	assert.Equal(t, EventError, rest[0].Event)
	var se scopedError
	require.NoError(t, json.Unmarshal(rest[0].Data, &se))
	assert.Equal(t, EventJoinRoom, se.Event)
	assert.False(t, e.hub.InGroup(b, RoomGroup(room.ID)))

	ack, _ = e.call(t, b, EventJoinRoom, map[string]any{"groupId": 999})
	assert.Equal(t, "Room not found.", ack.Error)

	require.NoError(t, e.dir.AddMember(bg, room.ID, bob.ID))
	ack, rest = e.call(t, b, EventJoinRoom, map[string]any{"groupId": room.ID})
	require.Empty(t, ack.Error)
	assert.Equal(t, []string{EventRoomJoined}, events(rest))
	assert.True(t, e.hub.InGroup(b, RoomGroup(room.ID)))

	ack, _ = e.call(t, b, EventLeaveRoom, map[string]any{"groupId": room.ID})
	require.Empty(t, ack.Error)
	assert.False(t, e.hub.InGroup(b, RoomGroup(room.ID)))
}

func TestMarkRead_NotifiesSender(t *testing.T) {
	e := newEnv(t, config.PresenceMulti)
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")
	room := e.room(t, "general", alice, bob)
	msg, err := e.msgs.SendToRoom(bg, alice.ID, room.ID, "read me")
	require.NoError(t, err)

	a := e.connect(t, alice)
	b := e.connect(t, bob)
	drain(a)
	drain(b)

	ack, _ := e.call(t, b, EventMarkRead, map[string]any{"messageId": msg.ID})
	require.Empty(t, ack.Error)

	got := drain(a)
	require.Len(t, got, 1)
	assert.Equal(t, EventMessageRead, got[0].Event)
	var r service.Receipt
	require.NoError(t, json.Unmarshal(got[0].Data, &r))
	assert.Equal(t, msg.ID, r.MessageID)
	assert.Equal(t, bob.ID, r.ReadBy)

	_, rest := e.call(t, a, EventMarkRead, map[string]any{"messageId": msg.ID})
	assert.Empty(t, rest, "reading your own message notifies nobody")
}

func TestStartPrivateChat(t *testing.T) {
	e := newEnv(t, config.PresenceMulti)
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")
	a := e.connect(t, alice)
	b := e.connect(t, bob)
	drain(a)
	drain(b)

	ack, _ := e.call(t, a, EventStartPrivateChat, map[string]any{"userId": alice.ID})
	assert.Equal(t, "Cannot start a chat with yourself.", ack.Error)
	ack, _ = e.call(t, a, EventStartPrivateChat, map[string]any{"userId": 999})
	assert.Equal(t, "User not found.", ack.Error)

	var first, second struct {
		ChatID  uint `json:"chatId"`
		Created bool `json:"created"`
	}
	ack, _ = e.call(t, a, EventStartPrivateChat, map[string]any{"userId": bob.ID})
	require.NoError(t, json.Unmarshal(ack.Data, &first))
	assert.True(t, first.Created)
	ack, _ = e.call(t, b, EventStartPrivateChat, map[string]any{"userId": alice.ID})
	require.NoError(t, json.Unmarshal(ack.Data, &second))
	assert.False(t, second.Created)
	assert.Equal(t, first.ChatID, second.ChatID)
}

func TestGetUserStatuses(t *testing.T) {
	e := newEnv(t, config.PresenceMulti)
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")
	a := e.connect(t, alice)
	drain(a)

	ack, _ := e.call(t, a, EventGetUserStatuses, []uint{alice.ID, bob.ID})
	require.Empty(t, ack.Error)
	var st []service.Status
	require.NoError(t, json.Unmarshal(ack.Data, &st))
	require.Len(t, st, 2)
	assert.True(t, st[0].IsOnline)
	assert.False(t, st[1].IsOnline)

	ack, _ = e.call(t, a, EventGetUserStatuses, map[string]any{"bad": true})
	assert.NotEmpty(t, ack.Error)
}

func TestDispatch_UnknownAndMalformed(t *testing.T) {
	e := newEnv(t, config.PresenceMulti)
	alice := e.user(t, "alice")
	a := e.connect(t, alice)
	drain(a)

	ack, _ := e.call(t, a, "no_such_event", nil)
	assert.Equal(t, "Unknown event.", ack.Error)

	e.gw.Dispatch(bg, a, []byte("{not json"))
	got := drain(a)
	require.Len(t, got, 1)
	assert.Equal(t, EventError, got[0].Event)

	// 没有 ack 的请求不回复
	e.emit(a, EventGetUserChats, nil)
	assert.Empty(t, drain(a))
}

func TestDispatch_RecoversPanic(t *testing.T) {
	e := newEnv(t, config.PresenceMulti)
	alice := e.user(t, "alice")
	a := e.connect(t, alice)
	drain(a)

	e.gw.handlers["boom"] = func(context.Context, *Client, json.RawMessage) Result { panic("boom") }
	ack, _ := e.call(t, a, "boom", nil)
	assert.Equal(t, "Internal error.", ack.Error)
}

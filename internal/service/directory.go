package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"livechat/internal/models"

	"gorm.io/gorm"
)

// Directory 负责成员关系查询：用户属于哪些房间、是否是某个私聊的一方，以及会话列表。
type Directory struct {
	db  *gorm.DB
	now func() time.Time
}

func NewDirectory(db *gorm.DB) *Directory {
	return &Directory{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// UserSummary 是嵌入在消息与会话列表中的用户信息。
type UserSummary struct {
	ID        uint   `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url"`
}

// ChatSummary 描述一个私聊，LastMessageAt 为空表示还没有消息。
type ChatSummary struct {
	ID            uint        `json:"id"`
	OtherUser     UserSummary `json:"otherUser"`
	LastMessageAt *time.Time  `json:"lastMessageAt"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// UserChats 是 get_user_chats 的返回体。
type UserChats struct {
	Private []ChatSummary `json:"private"`
	Group   []RoomSummary `json:"group"`
}

// summaries 批量获取用户摘要。
func (d *Directory) summaries(ctx context.Context, userIDs []uint) (map[uint]UserSummary, error) {
	ids := uniqueIDs(userIDs)
	out := make(map[uint]UserSummary, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var users []models.User
	if err := d.db.WithContext(ctx).Select("id", "username", "avatar_url").Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	for _, u := range users {
		out[u.ID] = UserSummary{ID: u.ID, Username: u.Username, AvatarURL: u.AvatarURL}
	}
	return out, nil
}

// PrivateChat 返回私聊记录，不存在时返回 ErrNotFound。
func (d *Directory) PrivateChat(ctx context.Context, chatID uint) (*models.PrivateChat, error) {
	var chat models.PrivateChat
	if err := d.db.WithContext(ctx).First(&chat, chatID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load private chat: %w", err)
	}
	return &chat, nil
}

func (d *Directory) IsChatParty(ctx context.Context, chatID, userID uint) (bool, error) {
	var count int64
	err := d.db.WithContext(ctx).Model(&models.PrivateChat{}).
		Where("id = ? AND (user1_id = ? OR user2_id = ?)", chatID, userID, userID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check chat party: %w", err)
	}
	return count > 0, nil
}

// OtherParty 返回私聊中的另一方；调用者不是参与者时返回 ErrAccessDenied。
func (d *Directory) OtherParty(ctx context.Context, chatID, userID uint) (uint, error) {
	chat, err := d.PrivateChat(ctx, chatID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, ErrAccessDenied
		}
		return 0, err
	}
	switch userID {
	case chat.User1ID:
		return chat.User2ID, nil
	case chat.User2ID:
		return chat.User1ID, nil
	}
	return 0, ErrAccessDenied
}

// FindOrCreatePrivateChat 先按两种顺序查找已有私聊，找不到再创建。
// 查找与创建之间没有事务，并发的相同请求仍可能产生重复记录。
func (d *Directory) FindOrCreatePrivateChat(ctx context.Context, userID, otherID uint) (*models.PrivateChat, bool, error) {
	if userID == 0 || otherID == 0 || userID == otherID {
		return nil, false, ErrValidation
	}
	var count int64
	if err := d.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", otherID).Count(&count).Error; err != nil {
		return nil, false, fmt.Errorf("check user: %w", err)
	}
	if count == 0 {
		return nil, false, ErrNotFound
	}

	var chat models.PrivateChat
	err := d.db.WithContext(ctx).
		Where("(user1_id = ? AND user2_id = ?) OR (user1_id = ? AND user2_id = ?)", userID, otherID, otherID, userID).
		Order("id ASC").
		First(&chat).Error
	if err == nil {
		return &chat, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, fmt.Errorf("find private chat: %w", err)
	}

	chat = models.PrivateChat{User1ID: userID, User2ID: otherID, CreatedAt: d.now()}
	if err := d.db.WithContext(ctx).Create(&chat).Error; err != nil {
		return nil, false, fmt.Errorf("create private chat: %w", err)
	}
	return &chat, true, nil
}

// ListPrivateChats 返回用户参与的私聊，按最后一条消息时间倒序。
func (d *Directory) ListPrivateChats(ctx context.Context, userID uint) ([]ChatSummary, error) {
	var chats []models.PrivateChat
	if err := d.db.WithContext(ctx).Where("user1_id = ? OR user2_id = ?", userID, userID).Find(&chats).Error; err != nil {
		return nil, fmt.Errorf("list private chats: %w", err)
	}
	if len(chats) == 0 {
		return []ChatSummary{}, nil
	}

	chatIDs := make([]uint, 0, len(chats))
	otherIDs := make([]uint, 0, len(chats))
	for _, c := range chats {
		chatIDs = append(chatIDs, c.ID)
		if c.User1ID == userID {
			otherIDs = append(otherIDs, c.User2ID)
		} else {
			otherIDs = append(otherIDs, c.User1ID)
		}
	}
	users, err := d.summaries(ctx, otherIDs)
	if err != nil {
		return nil, err
	}
	last, err := d.lastMessageTimes(ctx, "private_chat_id", chatIDs)
	if err != nil {
		return nil, err
	}

	out := make([]ChatSummary, 0, len(chats))
	for i, c := range chats {
		s := ChatSummary{ID: c.ID, OtherUser: users[otherIDs[i]], CreatedAt: c.CreatedAt}
		if t, ok := last[c.ID]; ok {
			s.LastMessageAt = &t
		}
		if s.OtherUser.ID == 0 {
			s.OtherUser.ID = otherIDs[i]
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return activity(out[i].LastMessageAt, out[i].CreatedAt).After(activity(out[j].LastMessageAt, out[j].CreatedAt))
	})
	return out, nil
}

// UserChats 汇总用户的私聊与房间列表。
func (d *Directory) UserChats(ctx context.Context, userID uint) (*UserChats, error) {
	private, err := d.ListPrivateChats(ctx, userID)
	if err != nil {
		return nil, err
	}
	group, err := d.ListRooms(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &UserChats{Private: private, Group: group}, nil
}

// lastMessageTimes 按会话取最新消息的时间。先取每组最大 id 再回表，
// 避免在不同驱动下扫描聚合时间列。
func (d *Directory) lastMessageTimes(ctx context.Context, column string, ids []uint) (map[uint]time.Time, error) {
	out := make(map[uint]time.Time, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []lastMessageRow
	err := d.db.WithContext(ctx).Model(&models.Message{}).
		Select(column+" AS owner_id, MAX(id) AS max_id").
		Where(column+" IN ?", ids).
		Group(column).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("last message ids: %w", err)
	}
	if len(rows) == 0 {
		return out, nil
	}
	msgIDs := make([]uint, 0, len(rows))
	owner := make(map[uint]uint, len(rows))
	for _, r := range rows {
		msgIDs = append(msgIDs, r.MaxID)
		owner[r.MaxID] = r.OwnerID
	}
	var msgs []models.Message
	if err := d.db.WithContext(ctx).Select("id", "created_at").Where("id IN ?", msgIDs).Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("last messages: %w", err)
	}
	for _, m := range msgs {
		out[owner[m.ID]] = m.CreatedAt
	}
	return out, nil
}

type lastMessageRow struct {
	OwnerID uint
	MaxID   uint
}

func activity(last *time.Time, created time.Time) time.Time {
	if last != nil {
		return *last
	}
	return created
}

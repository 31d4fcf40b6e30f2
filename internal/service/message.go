package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"livechat/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxContentLen = 4000

// MessageService 封装消息的写入、查询与已读回执。
type MessageService struct {
	db  *gorm.DB
	dir *Directory
	now func() time.Time
}

func NewMessageService(db *gorm.DB, dir *Directory) *MessageService {
	return &MessageService{db: db, dir: dir, now: func() time.Time { return time.Now().UTC() }}
}

// ReadReceipt 是房间消息上附带的已读记录。
type ReadReceipt struct {
	UserID uint      `json:"userId"`
	ReadAt time.Time `json:"readAt"`
}

// MessageDTO 是消息的线上格式，chatId 与 groupId 有且只有一个。
type MessageDTO struct {
	ID        uint          `json:"id"`
	Content   string        `json:"content"`
	SenderID  uint          `json:"senderId"`
	Timestamp time.Time     `json:"timestamp"`
	ChatID    *uint         `json:"chatId,omitempty"`
	GroupID   *uint         `json:"groupId,omitempty"`
	Type      string        `json:"type"`
	FileURL   *string       `json:"file_url,omitempty"`
	FileType  *string       `json:"file_type,omitempty"`
	FileSize  *int64        `json:"file_size,omitempty"`
	Sender    UserSummary   `json:"sender"`
	ReadBy    []ReadReceipt `json:"readBy"`
}

// Receipt 是 MarkRead 的结果，SenderID 用于通知原发送者。
type Receipt struct {
	MessageID uint      `json:"messageId"`
	ReadBy    uint      `json:"readBy"`
	ReadAt    time.Time `json:"readAt"`
	SenderID  uint      `json:"-"`
}

func cleanContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" || len(content) > maxContentLen {
		return "", ErrValidation
	}
	return content, nil
}

// SendToRoom 校验成员关系后写入房间消息，返回带发送者信息的消息。
func (s *MessageService) SendToRoom(ctx context.Context, senderID, roomID uint, content string) (*MessageDTO, error) {
	content, err := cleanContent(content)
	if err != nil {
		return nil, err
	}
	ok, err := s.dir.IsRoomMember(ctx, roomID, senderID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAccessDenied
	}
	msg := models.Message{SenderID: senderID, RoomID: &roomID, Content: content, Type: "text", CreatedAt: s.now()}
	return s.insert(ctx, &msg)
}

// SendToChat 写入私聊消息，并返回需要投递的接收者 id。
func (s *MessageService) SendToChat(ctx context.Context, senderID, chatID uint, content string) (*MessageDTO, uint, error) {
	content, err := cleanContent(content)
	if err != nil {
		return nil, 0, err
	}
	recipientID, err := s.dir.OtherParty(ctx, chatID, senderID)
	if err != nil {
		return nil, 0, err
	}
	msg := models.Message{SenderID: senderID, PrivateChatID: &chatID, Content: content, Type: "text", CreatedAt: s.now()}
	dto, err := s.insert(ctx, &msg)
	if err != nil {
		return nil, 0, err
	}
	return dto, recipientID, nil
}

// insert 先写入再补全发送者信息。
func (s *MessageService) insert(ctx context.Context, msg *models.Message) (*MessageDTO, error) {
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	out, err := s.enrich(ctx, []models.Message{*msg}, msg.RoomID != nil)
	if err != nil {
		return nil, err
	}
	return &out[0], nil
}

// ListForRoom 返回房间全部消息，按时间升序，附带已读列表。
func (s *MessageService) ListForRoom(ctx context.Context, userID, roomID uint) ([]MessageDTO, error) {
	if err := s.checkRoom(ctx, userID, roomID); err != nil {
		return nil, err
	}
	var msgs []models.Message
	if err := s.db.WithContext(ctx).Where("room_id = ?", roomID).Order("created_at ASC, id ASC").Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("list room messages: %w", err)
	}
	return s.enrich(ctx, msgs, true)
}

// ListForChat 返回私聊全部消息，按时间升序。
func (s *MessageService) ListForChat(ctx context.Context, userID, chatID uint) ([]MessageDTO, error) {
	if err := s.checkChat(ctx, userID, chatID); err != nil {
		return nil, err
	}
	var msgs []models.Message
	if err := s.db.WithContext(ctx).Where("private_chat_id = ?", chatID).Order("created_at ASC, id ASC").Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	return s.enrich(ctx, msgs, false)
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// RoomHistory 分页查询房间历史消息，按时间倒序。
func (s *MessageService) RoomHistory(ctx context.Context, userID, roomID uint, limit, offset int) ([]MessageDTO, error) {
	if err := s.checkRoom(ctx, userID, roomID); err != nil {
		return nil, err
	}
	limit, offset = normalizePage(limit, offset)
	var msgs []models.Message
	err := s.db.WithContext(ctx).Where("room_id = ?", roomID).
		Order("created_at DESC, id DESC").Limit(limit).Offset(offset).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("room history: %w", err)
	}
	return s.enrich(ctx, msgs, true)
}

// ChatHistory 分页查询私聊历史消息，按时间倒序。
func (s *MessageService) ChatHistory(ctx context.Context, userID, chatID uint, limit, offset int) ([]MessageDTO, error) {
	if err := s.checkChat(ctx, userID, chatID); err != nil {
		return nil, err
	}
	limit, offset = normalizePage(limit, offset)
	var msgs []models.Message
	err := s.db.WithContext(ctx).Where("private_chat_id = ?", chatID).
		Order("created_at DESC, id DESC").Limit(limit).Offset(offset).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("chat history: %w", err)
	}
	return s.enrich(ctx, msgs, false)
}

// MarkRead 记录已读；重复调用只更新 read_at。
func (s *MessageService) MarkRead(ctx context.Context, userID, messageID uint) (*Receipt, error) {
	var msg models.Message
	if err := s.db.WithContext(ctx).First(&msg, messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load message: %w", err)
	}
	var err error
	switch {
	case msg.RoomID != nil:
		err = s.checkRoom(ctx, userID, *msg.RoomID)
	case msg.PrivateChatID != nil:
		err = s.checkChat(ctx, userID, *msg.PrivateChatID)
	default:
		err = ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rs := models.MessageReadStatus{MessageID: messageID, UserID: userID, ReadAt: s.now()}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"read_at"}),
	}).Create(&rs).Error
	if err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	return &Receipt{MessageID: messageID, ReadBy: userID, ReadAt: rs.ReadAt, SenderID: msg.SenderID}, nil
}

func (s *MessageService) checkRoom(ctx context.Context, userID, roomID uint) error {
	ok, err := s.dir.IsRoomMember(ctx, roomID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAccessDenied
	}
	return nil
}

func (s *MessageService) checkChat(ctx context.Context, userID, chatID uint) error {
	ok, err := s.dir.IsChatParty(ctx, chatID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAccessDenied
	}
	return nil
}

// enrich 批量补全发送者，withReceipts 为 true 时附带已读列表。
func (s *MessageService) enrich(ctx context.Context, msgs []models.Message, withReceipts bool) ([]MessageDTO, error) {
	out := make([]MessageDTO, 0, len(msgs))
	if len(msgs) == 0 {
		return out, nil
	}
	senderIDs := make([]uint, 0, len(msgs))
	msgIDs := make([]uint, 0, len(msgs))
	for _, m := range msgs {
		senderIDs = append(senderIDs, m.SenderID)
		msgIDs = append(msgIDs, m.ID)
	}
	senders, err := s.dir.summaries(ctx, senderIDs)
	if err != nil {
		return nil, err
	}

	receipts := map[uint][]ReadReceipt{}
	if withReceipts {
		var rows []models.MessageReadStatus
		if err := s.db.WithContext(ctx).Where("message_id IN ?", msgIDs).Order("read_at ASC, id ASC").Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("load read receipts: %w", err)
		}
		for _, r := range rows {
			receipts[r.MessageID] = append(receipts[r.MessageID], ReadReceipt{UserID: r.UserID, ReadAt: r.ReadAt})
		}
	}

	for _, m := range msgs {
		sender, ok := senders[m.SenderID]
		if !ok {
			sender = UserSummary{ID: m.SenderID}
		}
		dto := MessageDTO{
			ID:        m.ID,
			Content:   m.Content,
			SenderID:  m.SenderID,
			Timestamp: m.CreatedAt,
			ChatID:    m.PrivateChatID,
			GroupID:   m.RoomID,
			Type:      m.Type,
			FileURL:   m.FileURL,
			FileType:  m.FileType,
			FileSize:  m.FileSize,
			Sender:    sender,
		}
		if withReceipts {
			dto.ReadBy = receipts[m.ID]
			if dto.ReadBy == nil {
				dto.ReadBy = []ReadReceipt{}
			}
		}
		out = append(out, dto)
	}
	return out, nil
}

package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

type User struct {
	ID               uint   `gorm:"primaryKey"`
	Email            string `gorm:"uniqueIndex;size:255;not null"`
	Username         string `gorm:"uniqueIndex;size:64;not null"`
	PasswordHash     string `gorm:"not null"`
	AvatarURL        string `gorm:"size:512"`
	IsOnline         bool   `gorm:"not null;default:false"`
	LastActive       *time.Time
	TwoFactorEnabled bool `gorm:"not null;default:false"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Session 把不透明 token 映射到用户，过期在读取时判断。
type Session struct {
	Token     string    `gorm:"primaryKey;size:128"`
	UserID    uint      `gorm:"index;not null"`
	CreatedAt time.Time `gorm:"index;not null"`
}

type Room struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"size:128;not null"`
	CreatedBy uint   `gorm:"index;not null"`
	IsPrivate bool   `gorm:"not null;default:false"`
	CreatedAt time.Time
}

type RoomMember struct {
	ID       uint      `gorm:"primaryKey"`
	RoomID   uint      `gorm:"uniqueIndex:idx_room_member;not null"`
	UserID   uint      `gorm:"uniqueIndex:idx_room_member;index;not null"`
	JoinedAt time.Time `gorm:"not null"`
}

// PrivateChat 每个无序用户对只有一条，创建前按两种顺序查找。
type PrivateChat struct {
	ID        uint `gorm:"primaryKey"`
	User1ID   uint `gorm:"index;not null"`
	User2ID   uint `gorm:"index;not null"`
	CreatedAt time.Time
}

// Message 属于房间或私聊二者之一。
type Message struct {
	ID            uint   `gorm:"primaryKey"`
	SenderID      uint   `gorm:"index;not null"`
	RoomID        *uint  `gorm:"index"`
	PrivateChatID *uint  `gorm:"index"`
	Content       string `gorm:"type:text;not null"`
	Type          string `gorm:"size:16;not null;default:text"`
	FileURL       *string
	FileType      *string
	FileSize      *int64
	CreatedAt     time.Time `gorm:"index"`
}

// ErrMessageTarget 表示消息没有或同时指定了房间与私聊。
var ErrMessageTarget = errors.New("message must belong to exactly one room or private chat")

func (m *Message) BeforeCreate(*gorm.DB) error {
	if (m.RoomID == nil) == (m.PrivateChatID == nil) {
		return ErrMessageTarget
	}
	return nil
}

type MessageReadStatus struct {
	ID        uint      `gorm:"primaryKey"`
	MessageID uint      `gorm:"uniqueIndex:idx_read_status;not null"`
	UserID    uint      `gorm:"uniqueIndex:idx_read_status;not null"`
	ReadAt    time.Time `gorm:"not null"`
}

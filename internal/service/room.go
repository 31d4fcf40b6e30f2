package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"livechat/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RoomSummary 是对外输出的房间数据。
type RoomSummary struct {
	ID            uint       `json:"id"`
	Name          string     `json:"name"`
	IsPrivate     bool       `json:"isPrivate"`
	CreatedBy     uint       `json:"createdBy"`
	LastMessageAt *time.Time `json:"lastMessageAt"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// CreateRoom 创建房间，并把创建者加入成员表。
func (d *Directory) CreateRoom(ctx context.Context, name string, creatorID uint, isPrivate bool) (*models.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 128 {
		return nil, ErrValidation
	}
	room := models.Room{Name: name, CreatedBy: creatorID, IsPrivate: isPrivate, CreatedAt: d.now()}
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&room).Error; err != nil {
			return err
		}
		return tx.Create(&models.RoomMember{RoomID: room.ID, UserID: creatorID, JoinedAt: room.CreatedAt}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}
	return &room, nil
}

// AddMember 把用户加入房间，重复加入不报错。
func (d *Directory) AddMember(ctx context.Context, roomID, userID uint) error {
	ok, err := d.RoomExists(ctx, roomID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	m := models.RoomMember{RoomID: roomID, UserID: userID, JoinedAt: d.now()}
	err = d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}, {Name: "user_id"}},
		DoNothing: true,
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

// InviteMember 由房间内的用户把另一个用户加入房间。私有房间只有创建者可以邀请。
func (d *Directory) InviteMember(ctx context.Context, roomID, inviterID, userID uint) error {
	if userID == 0 {
		return ErrValidation
	}
	room, err := d.Room(ctx, roomID)
	if err != nil {
		return err
	}
	if room.IsPrivate {
		if room.CreatedBy != inviterID {
			return ErrAccessDenied
		}
	} else {
		member, err := d.IsRoomMember(ctx, roomID, inviterID)
		if err != nil {
			return err
		}
		if !member {
			return ErrAccessDenied
		}
	}
	var count int64
	if err := d.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Count(&count).Error; err != nil {
		return fmt.Errorf("check user: %w", err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return d.AddMember(ctx, roomID, userID)
}

// Room 返回房间，不存在时返回 ErrNotFound。
func (d *Directory) Room(ctx context.Context, roomID uint) (*models.Room, error) {
	var room models.Room
	if err := d.db.WithContext(ctx).First(&room, roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load room: %w", err)
	}
	return &room, nil
}

func (d *Directory) RoomExists(ctx context.Context, roomID uint) (bool, error) {
	var count int64
	if err := d.db.WithContext(ctx).Model(&models.Room{}).Where("id = ?", roomID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("check room: %w", err)
	}
	return count > 0, nil
}

func (d *Directory) IsRoomMember(ctx context.Context, roomID, userID uint) (bool, error) {
	var count int64
	err := d.db.WithContext(ctx).Model(&models.RoomMember{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return count > 0, nil
}

// ListRooms 返回用户所属房间，按最后一条消息时间倒序，没有消息的按创建时间参与排序。
func (d *Directory) ListRooms(ctx context.Context, userID uint) ([]RoomSummary, error) {
	var rooms []models.Room
	members := d.db.Model(&models.RoomMember{}).Select("room_id").Where("user_id = ?", userID)
	err := d.db.WithContext(ctx).Where("id IN (?)", members).Find(&rooms).Error
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	if len(rooms) == 0 {
		return []RoomSummary{}, nil
	}
	ids := make([]uint, 0, len(rooms))
	for _, r := range rooms {
		ids = append(ids, r.ID)
	}
	last, err := d.lastMessageTimes(ctx, "room_id", ids)
	if err != nil {
		return nil, err
	}
	out := make([]RoomSummary, 0, len(rooms))
	for _, r := range rooms {
		s := RoomSummary{ID: r.ID, Name: r.Name, IsPrivate: r.IsPrivate, CreatedBy: r.CreatedBy, CreatedAt: r.CreatedAt}
		if t, ok := last[r.ID]; ok {
			s.LastMessageAt = &t
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return activity(out[i].LastMessageAt, out[i].CreatedAt).After(activity(out[j].LastMessageAt, out[j].CreatedAt))
	})
	return out, nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"livechat/internal/models"

	"gorm.io/gorm"
)

// Status 是在线状态的最小视图，直接用于 user_status_update 事件。
type Status struct {
	UserID     uint       `json:"userId"`
	IsOnline   bool       `json:"isOnline"`
	LastActive *time.Time `json:"lastActive"`
}

// PresenceService 读写用户的在线标记与最后活跃时间，本身不持有任何内存状态。
type PresenceService struct {
	db  *gorm.DB
	now func() time.Time
}

func NewPresenceService(db *gorm.DB) *PresenceService {
	return &PresenceService{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// SetOnline 持久化在线标记。下线时同时写入 last_active，上线时保持原值不变。
func (s *PresenceService) SetOnline(ctx context.Context, userID uint, online bool) (*Status, error) {
	updates := map[string]any{"is_online": online}
	if !online {
		updates["last_active"] = s.now()
	}
	res := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("set online: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return s.GetStatus(ctx, userID)
}

func (s *PresenceService) GetStatus(ctx context.Context, userID uint) (*Status, error) {
	var u models.User
	err := s.db.WithContext(ctx).Select("id", "is_online", "last_active").First(&u, userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get status: %w", err)
	}
	return &Status{UserID: u.ID, IsOnline: u.IsOnline, LastActive: u.LastActive}, nil
}

// GetManyStatuses 一次查询批量读取状态，结果按入参顺序返回，未知 id 被跳过。
func (s *PresenceService) GetManyStatuses(ctx context.Context, userIDs []uint) ([]Status, error) {
	ids := uniqueIDs(userIDs)
	if len(ids) == 0 {
		return []Status{}, nil
	}
	var users []models.User
	if err := s.db.WithContext(ctx).Select("id", "is_online", "last_active").Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, fmt.Errorf("get statuses: %w", err)
	}
	byID := make(map[uint]models.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	out := make([]Status, 0, len(users))
	for _, id := range ids {
		if u, ok := byID[id]; ok {
			out = append(out, Status{UserID: u.ID, IsOnline: u.IsOnline, LastActive: u.LastActive})
		}
	}
	return out, nil
}

func uniqueIDs(ids []uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

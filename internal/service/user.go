package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"livechat/internal/auth"
	"livechat/internal/models"

	"gorm.io/gorm"
)

// UserService 封装注册、登录与登出。
type UserService struct {
	db       *gorm.DB
	sessions *auth.SessionStore
}

func NewUserService(db *gorm.DB, sessions *auth.SessionStore) *UserService {
	return &UserService{db: db, sessions: sessions}
}

// Register 注册新用户，用户名与邮箱均需唯一。
func (s *UserService) Register(ctx context.Context, email, username, password string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	username = strings.TrimSpace(username)
	if email == "" || !strings.Contains(email, "@") || len(username) < 2 || len(username) > 64 || len(password) < 4 || len(password) > 72 {
		return nil, ErrValidation
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("check username: %w", err)
	}
	if count > 0 {
		return nil, ErrUsernameTaken
	}
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("check email: %w", err)
	}
	if count > 0 {
		return nil, ErrEmailTaken
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := models.User{Email: email, Username: username, PasswordHash: hash}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return &user, nil
}

// LoginResult 登录成功后返回的数据。
type LoginResult struct {
	Token string
	User  models.User
}

// Login 按用户名或邮箱校验密码并创建会话。
func (s *UserService) Login(ctx context.Context, login, password string) (*LoginResult, error) {
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return nil, ErrValidation
	}
	var user models.User
	err := s.db.WithContext(ctx).Where("username = ? OR email = ?", login, strings.ToLower(login)).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	if !auth.VerifyPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	sess, err := s.sessions.Create(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &LoginResult{Token: sess.Token, User: user}, nil
}

func (s *UserService) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return s.sessions.Delete(ctx, token)
}

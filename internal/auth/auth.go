package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"livechat/internal/models"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// CookieName 是 REST 请求与 websocket 握手携带会话 token 的 cookie。
const CookieName = "sessionId"

var (
	ErrMissingToken   = errors.New("missing session token")
	ErrSessionExpired = errors.New("session expired")
)

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}

func VerifyPassword(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

func GenerateToken() (string, error) {
	b := make([]byte, 32)
	_, err := rand.Read(b)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// SessionStore 把不透明的会话 token 存在数据库里。超过 ttl 的会话视为不存在，不做清理。
type SessionStore struct {
	db  *gorm.DB
	ttl time.Duration
	now func() time.Time
}

func NewSessionStore(db *gorm.DB, ttl time.Duration) *SessionStore {
	return &SessionStore{db: db, ttl: ttl, now: func() time.Time { return time.Now().UTC() }}
}

func (s *SessionStore) Create(ctx context.Context, userID uint) (*models.Session, error) {
	token, err := GenerateToken()
	if err != nil {
		return nil, err
	}
	sess := models.Session{Token: token, UserID: userID, CreatedAt: s.now()}
	if err := s.db.WithContext(ctx).Create(&sess).Error; err != nil {
		return nil, err
	}
	return &sess, nil
}

// FindValid 返回仍然有效的会话；token 未知或已过期时返回 ErrSessionExpired。
func (s *SessionStore) FindValid(ctx context.Context, token string) (*models.Session, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	var sess models.Session
	err := s.db.WithContext(ctx).
		Where("token = ? AND created_at > ?", token, s.now().Add(-s.ttl)).
		First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionExpired
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *SessionStore) Delete(ctx context.Context, token string) error {
	return s.db.WithContext(ctx).Where("token = ?", token).Delete(&models.Session{}).Error
}

// TokenFromRequest 依次从 sessionId cookie、token 查询参数、Bearer 头读取会话 token。
func TokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	authz := r.Header.Get("Authorization")
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return ""
}

// Authenticate 解析请求会话 token 对应的用户。
func Authenticate(ctx context.Context, r *http.Request, sessions *SessionStore, db *gorm.DB) (*models.User, error) {
	sess, err := sessions.FindValid(ctx, TokenFromRequest(r))
	if err != nil {
		return nil, err
	}
	var user models.User
	if err := db.WithContext(ctx).First(&user, sess.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionExpired
		}
		return nil, err
	}
	return &user, nil
}

func AuthMiddleware(sessions *SessionStore, db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := Authenticate(c.Request.Context(), c.Request, sessions, db)
		if err != nil {
			msg := "invalid session"
			if errors.Is(err, ErrMissingToken) {
				msg = "missing session"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}
		c.Set("userID", user.ID)
		c.Set("user", *user)
		c.Next()
	}
}

func GetUserID(c *gin.Context) uint {
	if v, ok := c.Get("userID"); ok {
		if id, ok2 := v.(uint); ok2 {
			return id
		}
	}
	return 0
}

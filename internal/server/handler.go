package server

import (
	"errors"
	"net/http"
	"strconv"

	"livechat/internal/auth"
	"livechat/internal/config"
	"livechat/internal/models"
	"livechat/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	cfg   config.Config
	users *service.UserService
	dir   *service.Directory
	msgs  *service.MessageService
}

func NewHandler(cfg config.Config, users *service.UserService, dir *service.Directory, msgs *service.MessageService) *Handler {
	return &Handler{cfg: cfg, users: users, dir: dir, msgs: msgs}
}

// Register 处理用户注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	user, err := h.users.Register(c.Request.Context(), req.Email, req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrValidation):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		case errors.Is(err, service.ErrUsernameTaken):
			c.JSON(http.StatusConflict, gin.H{"error": "username taken"})
		case errors.Is(err, service.ErrEmailTaken):
			c.JSON(http.StatusConflict, gin.H{"error": "email taken"})
		default:
			log.Error().Err(err).Str("username", req.Username).Msg("register")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": user.ID, "username": user.Username})
}

// Login 校验凭据并写入 sessionId cookie。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Login    string `json:"login"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	login := req.Login
	if login == "" {
		login = req.Username
	}
	result, err := h.users.Login(c.Request.Context(), login, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrValidation):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		case errors.Is(err, service.ErrInvalidCredentials):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		default:
			log.Error().Err(err).Str("login", login).Msg("login")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		}
		return
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(auth.CookieName, result.Token, int(h.cfg.SessionTTL.Seconds()), "/", "", h.cfg.CookieSecure, true)
	c.JSON(http.StatusOK, gin.H{
		"token": result.Token,
		"user":  gin.H{"id": result.User.ID, "username": result.User.Username},
	})
}

func (h *Handler) Logout(c *gin.Context) {
	if err := h.users.Logout(c.Request.Context(), auth.TokenFromRequest(c.Request)); err != nil {
		log.Error().Err(err).Msg("logout")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "logout failed"})
		return
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(auth.CookieName, "", -1, "/", "", h.cfg.CookieSecure, true)
	c.Status(http.StatusNoContent)
}

// Me 返回当前会话对应的用户。
func (h *Handler) Me(c *gin.Context) {
	v, _ := c.Get("user")
	u, _ := v.(models.User)
	c.JSON(http.StatusOK, gin.H{
		"id":         u.ID,
		"email":      u.Email,
		"username":   u.Username,
		"avatar_url": u.AvatarURL,
		"isOnline":   u.IsOnline,
		"lastActive": u.LastActive,
	})
}

// CreateRoom 处理创建房间请求，创建者自动成为成员。
func (h *Handler) CreateRoom(c *gin.Context) {
	var req struct {
		Name      string `json:"name"`
		IsPrivate bool   `json:"isPrivate"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	uid := auth.GetUserID(c)
	room, err := h.dir.CreateRoom(c.Request.Context(), req.Name, uid, req.IsPrivate)
	if err != nil {
		if errors.Is(err, service.ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room name"})
			return
		}
		log.Error().Err(err).Uint("user_id", uid).Str("name", req.Name).Msg("create room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create room"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": room.ID, "name": room.Name, "isPrivate": room.IsPrivate})
}

// JoinRoom 把当前用户加入房间；私有房间不能自行加入，只能由创建者邀请。
func (h *Handler) JoinRoom(c *gin.Context) {
	roomID, ok := idParam(c)
	if !ok {
		return
	}
	uid := auth.GetUserID(c)
	room, err := h.dir.Room(c.Request.Context(), roomID)
	if err != nil {
		h.fail(c, err, "join room", roomID)
		return
	}
	if room.IsPrivate && room.CreatedBy != uid {
		log.Warn().Bool("security", true).Uint("user_id", uid).Uint("room_id", roomID).Msg("join private room denied")
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
		return
	}
	if err := h.dir.AddMember(c.Request.Context(), roomID, uid); err != nil {
		h.fail(c, err, "join room", roomID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"roomId": roomID, "userId": uid})
}

// InviteMember 把其他用户加入房间；私有房间只能由创建者邀请。
func (h *Handler) InviteMember(c *gin.Context) {
	roomID, ok := idParam(c)
	if !ok {
		return
	}
	var req struct {
		UserID uint `json:"userId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.dir.InviteMember(c.Request.Context(), roomID, auth.GetUserID(c), req.UserID); err != nil {
		h.fail(c, err, "invite member", roomID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"roomId": roomID, "userId": req.UserID})
}

// RoomMessages 分页查询房间历史消息，最新的在前。
func (h *Handler) RoomMessages(c *gin.Context) {
	roomID, ok := idParam(c)
	if !ok {
		return
	}
	limit, offset := pageParams(c)
	msgs, err := h.msgs.RoomHistory(c.Request.Context(), auth.GetUserID(c), roomID, limit, offset)
	if err != nil {
		h.fail(c, err, "room history", roomID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// ChatMessages 分页查询私聊历史消息，最新的在前。
func (h *Handler) ChatMessages(c *gin.Context) {
	chatID, ok := idParam(c)
	if !ok {
		return
	}
	limit, offset := pageParams(c)
	msgs, err := h.msgs.ChatHistory(c.Request.Context(), auth.GetUserID(c), chatID, limit, offset)
	if err != nil {
		h.fail(c, err, "chat history", chatID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *Handler) fail(c *gin.Context, err error, op string, id uint) {
	switch {
	case errors.Is(err, service.ErrAccessDenied):
		log.Warn().Bool("security", true).Uint("user_id", auth.GetUserID(c)).Uint("id", id).Str("op", op).Msg("access denied")
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, service.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
	default:
		log.Error().Err(err).Uint("id", id).Str("op", op).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func idParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return uint(id), true
}

func pageParams(c *gin.Context) (int, int) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	return limit, offset
}

package server

import (
	"net/http"
	"time"

	"livechat/internal/auth"
	"livechat/internal/config"
	"livechat/internal/metrics"
	"livechat/internal/mw"
	"livechat/internal/service"
	"livechat/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// Deps 是路由需要的全部依赖，由 main 组装。
type Deps struct {
	DB        *gorm.DB
	Sessions  *auth.SessionStore
	Users     *service.UserService
	Directory *service.Directory
	Messages  *service.MessageService
	Gateway   *ws.Gateway
	Limiter   *mw.RL
}

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, d Deps) *gin.Engine {
	r := gin.New()
	r.Use(mw.RequestID())
	r.Use(mw.AccessLog())
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env, cfg.AllowedOrigins))

	r.GET("/healthz", func(c *gin.Context) {
		sqlDB, err := d.DB.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", ws.Serve(d.Gateway, mw.CheckOrigin(cfg.Env, cfg.AllowedOrigins)))

	limiter := d.Limiter
	if limiter == nil {
		limiter = mw.NewRateLimiter(rate.Limit(cfg.RateRPS), cfg.RateBurst, 2*time.Minute)
	}
	h := NewHandler(cfg, d.Users, d.Directory, d.Messages)

	api := r.Group("/api/v1")
	api.Use(limiter.Middleware())
	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/logout", h.Logout)

	// 需要会话的业务接口。
	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(d.Sessions, d.DB))
	authed.GET("/me", h.Me)
	authed.POST("/rooms", h.CreateRoom)
	authed.POST("/rooms/:id/members", h.JoinRoom)
	authed.POST("/rooms/:id/invites", h.InviteMember)
	authed.GET("/rooms/:id/messages", h.RoomMessages)
	authed.GET("/chats/:id/messages", h.ChatMessages)
	return r
}

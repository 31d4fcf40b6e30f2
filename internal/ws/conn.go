package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"livechat/internal/auth"
	"livechat/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1 << 20 // 1MB
	sendBuffer     = 256
)

// Client 是一条已认证的连接。用户身份在握手时确定，之后只有组成员关系会变化。
type Client struct {
	ID        string
	UserID    uint
	Username  string
	AvatarURL string

	conn *websocket.Conn
	send chan []byte

	// 以下字段由 Hub.mu 保护
	groups     map[string]struct{}
	registered bool
	closed     bool

	// 由 Gateway 的用户锁保护
	counted bool
}

func NewClient(conn *websocket.Conn, user *models.User) *Client {
	return &Client{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		Username:  user.Username,
		AvatarURL: user.AvatarURL,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		groups:    make(map[string]struct{}),
	}
}

// Serve 在升级前完成会话认证：认证失败直接返回 401，不会触碰在线状态。
func Serve(g *Gateway, checkOrigin func(r *http.Request) bool) gin.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin,
	}
	return func(c *gin.Context) {
		user, err := g.Authenticate(c.Request.Context(), c.Request)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrMissingToken):
				c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication error"})
			case errors.Is(err, auth.ErrSessionExpired):
				c.JSON(http.StatusUnauthorized, gin.H{"error": "session expired"})
			default:
				log.Error().Err(err).Msg("ws authenticate")
				c.JSON(http.StatusInternalServerError, gin.H{"error": "authentication failed"})
			}
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Debug().Err(err).Uint("user_id", user.ID).Msg("ws upgrade")
			return
		}
		client := NewClient(conn, user)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		g.OnConnect(ctx, client)
		go client.writePump()
		client.readPump(ctx, g)
		g.OnDisconnect(client)
	}
}

// readPump 按到达顺序逐个处理入站事件。
func (c *Client) readPump(ctx context.Context, g *Gateway) {
	defer func() { _ = c.conn.Close() }()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("conn_id", c.ID).Msg("ws read")
			}
			return
		}
		g.Dispatch(ctx, c, data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package mw

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// OriginAllowed 判断来源是否可信：dev 环境放行所有来源；其余环境只允许白名单与同源。
func OriginAllowed(env string, allowed []string, origin, host string) bool {
	if origin == "" || env == "dev" {
		return true
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, host)
}

// CheckOrigin 供 websocket 升级时校验 Origin。
func CheckOrigin(env string, allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		return OriginAllowed(env, allowed, r.Header.Get("Origin"), r.Host)
	}
}

// CORS 返回一个支持跨域请求的中间件；会话走 cookie，因此需要回显具体来源。
func CORS(env string, allowed []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}

		if OriginAllowed(env, allowed, origin, c.Request.Host) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

package mw

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"livechat/internal/auth"
	"livechat/internal/metrics"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RL 按 key 维护令牌桶；超过 idle 未使用的桶由后台 goroutine 回收。
type RL struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	limit    rate.Limit
	burst    int
	idle     time.Duration
	done     chan struct{}
	stopOnce sync.Once
}

func NewRateLimiter(limit rate.Limit, burst int, idle time.Duration) *RL {
	rl := &RL{
		buckets: make(map[string]*bucket),
		limit:   limit,
		burst:   burst,
		idle:    idle,
		done:    make(chan struct{}),
	}
	go rl.janitor()
	return rl
}

func (rl *RL) Allow(key string) bool {
	return rl.bucketFor(key, time.Now()).Allow()
}

func (rl *RL) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

func (rl *RL) bucketFor(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter
}

func (rl *RL) sweep(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for k, b := range rl.buckets {
		if now.Sub(b.lastSeen) > rl.idle {
			delete(rl.buckets, k)
		}
	}
}

func (rl *RL) janitor() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case now := <-ticker.C:
			rl.sweep(now)
		}
	}
}

// Stop 停止回收 goroutine，可重复调用。
func (rl *RL) Stop() {
	rl.stopOnce.Do(func() { close(rl.done) })
}

// retryAfter 是补满一个令牌所需的秒数，至少 1 秒。
func (rl *RL) retryAfter() string {
	if rl.limit <= 0 || rl.limit == rate.Inf {
		return "1"
	}
	return strconv.Itoa(int(math.Max(1, math.Ceil(1/float64(rl.limit)))))
}

// Middleware 返回令牌桶限速中间件。带会话的请求按会话计数，其余按 IP，均区分路由。
func (rl *RL) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(limitKey(c)) {
			metrics.HttpRateLimitedTotal.Inc()
			c.Header("Retry-After", rl.retryAfter())
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

func limitKey(c *gin.Context) string {
	route := c.FullPath()
	if route == "" {
		route = c.Request.URL.Path
	}
	if tok := auth.TokenFromRequest(c.Request); tok != "" {
		return "s:" + tok + "|" + route
	}
	return "ip:" + clientIP(c.Request.RemoteAddr) + "|" + route
}

func clientIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}

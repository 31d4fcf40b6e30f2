package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"livechat/internal/auth"
	"livechat/internal/config"
	"livechat/internal/db"
	clog "livechat/internal/log"
	"livechat/internal/mw"
	"livechat/internal/server"
	"livechat/internal/service"
	"livechat/internal/typing"
	"livechat/internal/ws"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

func main() {
	// main 函数负责加载配置、初始化日志、连接数据库并启动 Gin 服务。
	_ = godotenv.Load()
	cfg := config.Load()
	clog.Init(cfg.Env, cfg.LogLevel)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	gdb, err := db.Connect(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	sessions := auth.NewSessionStore(gdb, cfg.SessionTTL)
	dir := service.NewDirectory(gdb)
	msgs := service.NewMessageService(gdb, dir)
	reg := typing.New(cfg.TypingTimeout)
	hub := ws.NewHub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var conns ws.ConnCounter
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("redis url")
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		relay := ws.NewRedisRelay(rdb, hub)
		go relay.Run(ctx)
		// 跨实例共享每个用户的连接数。
		conns = ws.NewRedisConnCounter(rdb)
		log.Info().Str("instance", relay.Instance()).Msg("redis relay enabled")
	}

	gw := ws.NewGateway(ws.Deps{
		DB:             gdb,
		Hub:            hub,
		Sessions:       sessions,
		Presence:       service.NewPresenceService(gdb),
		Directory:      dir,
		Messages:       msgs,
		Typing:         reg,
		PresenceMode:   cfg.PresenceMode,
		HandlerTimeout: cfg.HandlerTimeout,
		Conns:          conns,
	})
	limiter := mw.NewRateLimiter(rate.Limit(cfg.RateRPS), cfg.RateBurst, 2*time.Minute)
	r := server.SetupRouter(cfg, server.Deps{
		DB:        gdb,
		Sessions:  sessions,
		Users:     service.NewUserService(gdb, sessions),
		Directory: dir,
		Messages:  msgs,
		Gateway:   gw,
		Limiter:   limiter,
	})

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info().Str("addr", srv.Addr).Str("presence", cfg.PresenceMode).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	// 关闭 hub 会断开所有 websocket 连接。
	hub.Close()
	reg.Close()
	limiter.Stop()
	cancel()
}

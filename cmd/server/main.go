package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/code-100-precent/LingVoice/pkg/auth"
	"github.com/code-100-precent/LingVoice/pkg/config"
	"github.com/code-100-precent/LingVoice/pkg/connection"
	"github.com/code-100-precent/LingVoice/pkg/logger"
	"github.com/code-100-precent/LingVoice/pkg/manageapi"
	"github.com/code-100-precent/LingVoice/pkg/providers"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func main() {
	if err := config.Load(); err != nil {
		panic(err)
	}
	cfg := config.GlobalConfig

	if err := logger.Init(&cfg.Log, cfg.Server.Mode); err != nil {
		panic(err)
	}
	defer logger.Sync()

	modules, err := providers.InitializeModules(cfg, logger.Lg, true, true, true, true)
	if err != nil {
		logger.Fatal("初始化模块失败", zap.Error(err))
	}

	var manageClient *manageapi.Client
	if cfg.ReadConfigFromAPI && cfg.ManageAPI.URL != "" {
		manageClient = manageapi.NewClient(cfg.ManageAPI, logger.Lg)
	}

	authMiddleware := auth.NewAuthMiddleware(cfg.Auth)

	// 会话挂在服务级 context 上，退出信号到来时统一取消
	sessionCtx, cancelSessions := context.WithCancel(context.Background())
	defer cancelSessions()

	if cfg.Server.Mode != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/xiaozhi/v1/", wsHandler(sessionCtx, cfg, modules, manageClient, authMiddleware))

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: r}
	go func() {
		logger.Info("服务启动", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("服务启动失败", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("收到退出信号，开始关闭服务")
	cancelSessions()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("服务关闭异常", zap.Error(err))
	}
}

// wsHandler 鉴权并升级 websocket，随后把会话挂到服务级 context 上。
// 升级后请求 context 会随 handler 返回被取消，不能交给会话使用
func wsHandler(sessionCtx context.Context, cfg *config.Config, modules *providers.Modules,
	manageClient *manageapi.Client, authMiddleware *auth.AuthMiddleware) gin.HandlerFunc {
	return func(c *gin.Context) {
		headers := map[string]string{
			"device-id":     firstOf(c.GetHeader("device-id"), c.Query("device-id")),
			"client-id":     firstOf(c.GetHeader("client-id"), c.Query("client-id")),
			"authorization": c.GetHeader("Authorization"),
		}
		if headers["device-id"] == "" {
			logger.Warn("缺少设备标识，拒绝连接", zap.String("ip", c.ClientIP()))
			c.JSON(http.StatusBadRequest, gin.H{"error": "device-id required"})
			return
		}
		if err := authMiddleware.Authenticate(headers); err != nil {
			logger.Warn("连接鉴权失败",
				zap.String("device_id", headers["device-id"]), zap.Error(err))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket升级失败", zap.Error(err))
			return
		}

		handler := connection.NewConnectionHandler(connection.Options{
			Config:     cfg,
			Logger:     logger.Lg,
			Conn:       ws,
			Headers:    headers,
			ClientIP:   c.ClientIP(),
			LLM:        modules.LLM,
			TTS:        modules.TTS,
			Memory:     modules.Memory,
			Intent:     modules.Intent,
			ManageAPI:  manageClient,
			MCPServers: cfg.MCPServers,
		})
		go handler.HandleConnection(sessionCtx)
	}
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

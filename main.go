package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	_ "golang.org/x/crypto/x509roots/fallback"

	"github.com/atopos31/poolio/config"
	"github.com/atopos31/poolio/consts"
	"github.com/atopos31/poolio/handler"
	"github.com/atopos31/poolio/middleware"
	"github.com/atopos31/poolio/models"
	"github.com/atopos31/poolio/providers"
	"github.com/atopos31/poolio/service/authman"
	"github.com/atopos31/poolio/service/cluster"
	"github.com/atopos31/poolio/service/health"
	"github.com/atopos31/poolio/service/keypool"
	"github.com/atopos31/poolio/service/risk"
)

func main() {
	cfg := config.Load()
	models.Init(cfg.DBPath)

	cipher, err := models.NewCipher(cfg.SecretKey)
	if err != nil {
		panic(err)
	}
	store := models.NewStore(models.DB, cipher)

	var rc *cluster.Client
	if cfg.ClusterEnabled {
		rc = cluster.New(cfg.RedisAddr, cfg.RedisPassword)
	}

	registry := authman.NewRegistry(store, authman.Endpoints{
		Social: cfg.SocialTokenURL,
		IDC:    cfg.IDCTokenURL,
	}, cfg.RefreshThreshold, cfg.RefreshRetryBase, cfg.RefreshRetryMax)

	notifier := buildNotifier(rc)
	policy := risk.NewPolicy(store, cfg.Tiers)
	policy.SetNotifier(notifier)

	alloc := keypool.New(store, policy, registry, cfg, rc)
	ctx := context.Background()
	if err := alloc.Initialize(ctx); err != nil {
		slog.Error("allocator initialize failed", "error", err)
	}

	auditor := health.NewAuditor(store, registry, cfg.AuditMinGap, cfg.AuditJitter)
	auditor.SetNotifier(notifier)
	var lock health.LockClient
	if rc != nil {
		lock = health.NewRedisLock(rc)
	}
	elector := health.NewElector(lock, cfg.NodeID, cfg.ElectorInterval, cfg.LeaderLockTTL, rc != nil, auditor.Run)
	auditor.SetKeepAlive(elector.Heartbeat)
	elector.Start()

	if rc != nil {
		go watchConfigReload(ctx, rc)
	}

	handler.Init(alloc, store, elector,
		&providers.OpenAI{BaseURL: cfg.UpstreamOpenAIURL},
		&providers.Anthropic{BaseURL: cfg.UpstreamAnthropicURL},
	)

	router := gin.Default()
	router.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/openai", "/anthropic", "/v1"})))

	authOpenAI := middleware.AuthOpenAI(cfg.Token)
	authAnthropic := middleware.AuthAnthropic(cfg.Token)

	openai := router.Group("/openai/v1", authOpenAI)
	{
		openai.POST("/chat/completions", handler.ChatCompletionsHandler)
	}

	anthropic := router.Group("/anthropic/v1", authAnthropic)
	{
		anthropic.POST("/messages", handler.MessagesHandler)
	}

	// 兼容性保留
	v1 := router.Group("/v1")
	{
		v1.POST("/chat/completions", authOpenAI, handler.ChatCompletionsHandler)
		v1.POST("/messages", authAnthropic, handler.MessagesHandler)
	}

	api := router.Group("/api")
	{
		api.Use(middleware.Auth(cfg.Token))
		api.GET("/credentials", handler.ListCredentials)
		api.POST("/credentials", handler.CreateCredential)
		api.PUT("/credentials/:id", handler.UpdateCredential)
		api.PATCH("/credentials/:id/reset", handler.ResetCredential)
		api.DELETE("/credentials/:id", handler.DeleteCredential)
		api.GET("/pool/stats", handler.PoolStats)
	}

	srv := &http.Server{Addr: cfg.Listen, Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server exited", "error", err)
		}
	}()
	slog.Info("poolio started", "listen", cfg.Listen, "clustered", rc != nil)

	// 退出顺序：先断新请求，再停后台循环并交还租约
	stopCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-stopCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	elector.Stop(shutdownCtx)
	alloc.Shutdown(shutdownCtx)
	if rc != nil {
		if err := rc.Close(); err != nil {
			slog.Warn("close coordination store", "error", err)
		}
	}
	slog.Info("poolio stopped")
}

// buildNotifier 属主通知：本地日志，集群模式再广播一份
func buildNotifier(rc *cluster.Client) risk.Notifier {
	return func(ctx context.Context, cred *models.Credential, reason string) {
		slog.Warn("credential owner notification",
			"credential_id", cred.ID, "user_id", cred.UserID, "status", cred.Status, "reason", reason)
		if rc == nil {
			return
		}
		payload, err := json.Marshal(map[string]any{
			"credential_id": cred.ID,
			"user_id":       cred.UserID,
			"status":        cred.Status,
			"reason":        reason,
		})
		if err != nil {
			return
		}
		if err := rc.Publish(ctx, consts.ChannelOwnerNotify, string(payload)); err != nil {
			slog.Debug("publish owner notification failed", "error", err)
		}
	}
}

// watchConfigReload 配置热更新广播，本体在核心之外，这里只消费通知
func watchConfigReload(ctx context.Context, rc *cluster.Client) {
	sub := rc.Subscribe(ctx, consts.ChannelConfigReload)
	defer sub.Close()
	for msg := range sub.Channel() {
		slog.Info("config reload requested", "payload", msg.Payload)
	}
}

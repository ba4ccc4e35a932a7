package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/atopos31/poolio/common"
	"github.com/atopos31/poolio/providers"
	"github.com/atopos31/poolio/service/keypool"
	"github.com/atopos31/poolio/service/risk"
)

func ChatCompletionsHandler(c *gin.Context) {
	proxyChat(c, upstreamOpenAI)
}

func MessagesHandler(c *gin.Context) {
	proxyChat(c, upstreamAnthropic)
}

type chatMeta struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// proxyChat 请求主路径：分配凭证 → 换发访问密钥 → 转发 → 记账
func proxyChat(c *gin.Context, upstream providers.Provider) {
	reqBody, err := io.ReadAll(c.Request.Body)
	if err != nil {
		common.InternalServerError(c, err.Error())
		return
	}
	c.Request.Body.Close()

	var meta chatMeta
	if err := json.Unmarshal(reqBody, &meta); err != nil {
		common.BadRequest(c, "invalid json body")
		return
	}

	ctx := c.Request.Context()

	// 分配凭证，池耗尽按限流语义返回
	cred, refresher, err := alloc.GetBestCredential(ctx, ownerIDFrom(c))
	if err != nil {
		var noCred *keypool.NoCredentialError
		if errors.As(err, &noCred) {
			common.RateLimited(c, noCred.RetryAfter)
			return
		}
		common.InternalServerError(c, err.Error())
		return
	}
	// 调用方中途放弃也要归还并发额度
	defer alloc.Release(ctx, cred.ID)

	// 刷新失败不计入凭证风控，对调用方表现为可重试的上游故障
	secret, err := refresher.GetAccessSecret(ctx)
	if err != nil {
		common.UpstreamUnavailable(c, 30*time.Second, "credential refresh failed, retry later")
		return
	}

	req, err := upstream.BuildReq(ctx, c.Request.Header, secret, reqBody)
	if err != nil {
		common.InternalServerError(c, err.Error())
		return
	}

	res, err := httpClient.Do(req)
	if err != nil {
		// 上游已被实际调用，网络失败计为一次凭证失败
		recordUsage(c, cred.ID, false)
		common.UpstreamUnavailable(c, 10*time.Second, "upstream unreachable")
		return
	}
	defer res.Body.Close()

	// 按错误归类记账：调用方自身的 4xx 不影响凭证
	switch risk.ClassifyStatus(res.StatusCode) {
	case risk.CategoryNone:
		recordUsage(c, cred.ID, true)
	case risk.CategoryCredential:
		recordUsage(c, cred.ID, false)
	}

	writeHeader(c, meta.Stream, res.Header)
	c.Status(res.StatusCode)
	if _, err := io.Copy(c.Writer, res.Body); err != nil {
		return
	}
}

// recordUsage 记账失败不影响响应
func recordUsage(c *gin.Context, id uint, success bool) {
	if err := alloc.RecordUsage(c.Request.Context(), id, success); err != nil {
		slog.Warn("record usage failed", "credential_id", id, "error", err)
	}
}

func writeHeader(c *gin.Context, stream bool, header http.Header) {
	for k, values := range header {
		for _, value := range values {
			c.Writer.Header().Add(k, value)
		}
	}
	if stream {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
	}
}

// ownerIDFrom 可选的属主标识，私有凭证优先
func ownerIDFrom(c *gin.Context) *uint {
	raw := c.GetHeader("X-Owner-ID")
	if raw == "" {
		return nil
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil
	}
	owner := uint(id)
	return &owner
}

package handler

import (
	"net/http"
	"time"

	"github.com/atopos31/poolio/models"
	"github.com/atopos31/poolio/providers"
	"github.com/atopos31/poolio/service/health"
	"github.com/atopos31/poolio/service/keypool"
)

var (
	alloc   *keypool.Allocator
	store   *models.Store
	elector *health.Elector

	upstreamOpenAI    providers.Provider
	upstreamAnthropic providers.Provider

	// 上游流式响应可能很长
	httpClient = &http.Client{Timeout: 5 * time.Minute}
)

// Init 注入依赖，main 在路由注册前调用一次
func Init(a *keypool.Allocator, s *models.Store, e *health.Elector, openai *providers.OpenAI, anthropic *providers.Anthropic) {
	alloc = a
	store = s
	elector = e
	upstreamOpenAI = openai
	upstreamAnthropic = anthropic
}

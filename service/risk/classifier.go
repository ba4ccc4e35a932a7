package risk

import "net/http"

// Category 上游响应的错误归类，决定是否计入凭证的风控计数
type Category int

const (
	CategoryNone       Category = iota // 成功
	CategoryCredential                 // 凭证问题：限流或失效，计入风控
	CategoryUpstream                   // 上游故障，不怪凭证
	CategoryClient                     // 调用方请求问题，不记账
)

// ClassifyStatus 根据状态码区分错误类型
func ClassifyStatus(code int) Category {
	switch {
	case code == http.StatusTooManyRequests:
		return CategoryCredential
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return CategoryCredential // 凭证失效
	case code >= 500:
		return CategoryUpstream
	case code >= 400:
		return CategoryClient
	default:
		return CategoryNone
	}
}

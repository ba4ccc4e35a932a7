package providers

import (
	"context"
	"net/http"
)

// Provider 上游请求构造器，薄封装，不含调度逻辑
type Provider interface {
	// BuildReq 以分配到的访问密钥构造上游请求
	BuildReq(ctx context.Context, header http.Header, secret string, rawBody []byte) (*http.Request, error)
}

// 透传会引起问题的跳级头
var dropHeaders = []string{"Host", "Authorization", "X-Api-Key", "Content-Length", "Accept-Encoding"}

func cloneHeader(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
	for _, k := range dropHeaders {
		dst.Del(k)
	}
	return dst
}

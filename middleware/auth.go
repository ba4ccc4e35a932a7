package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Auth 管理 API 的 Bearer 校验
func Auth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" || bearer(c) != token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "unauthorized"})
			return
		}
		c.Next()
	}
}

// AuthOpenAI openai 风格入口，Authorization: Bearer
func AuthOpenAI(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" || bearer(c) != token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"message": "invalid api key", "type": "invalid_request_error"}})
			return
		}
		c.Next()
	}
}

// AuthAnthropic anthropic 风格入口，x-api-key 头
func AuthAnthropic(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" || c.GetHeader("x-api-key") != token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"type": "error", "error": gin.H{"type": "authentication_error", "message": "invalid x-api-key"}})
			return
		}
		c.Next()
	}
}

func bearer(c *gin.Context) string {
	return strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
}

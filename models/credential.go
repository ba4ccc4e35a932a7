package models

import (
	"gorm.io/gorm"
)

// Credential 池中托管的上游凭证
type Credential struct {
	gorm.Model
	UserID     uint   `gorm:"not null;index"`
	SecretHash string `gorm:"type:varchar(64);not null;uniqueIndex"` // 刷新密钥的内容哈希，用于去重
	Secret     string `gorm:"type:text;not null"`                    // AES-GCM 加密后的刷新密钥
	Remark     string

	Status     string `gorm:"type:varchar(16);not null;default:active;index"` // active/invalid/expired/suspended
	Visibility string `gorm:"type:varchar(16);not null;default:public;index"` // public/private

	// 认证方式与 idc 协议所需的客户端对，调度器不关心内容
	AuthType     string `gorm:"type:varchar(16);not null;default:social"`
	ClientID     string
	ClientSecret string

	SuccessCount int64 `gorm:"not null;default:0"`
	FailCount    int64 `gorm:"not null;default:0"`

	// 均为毫秒时间戳，除显式重置外只增不减
	LastUsedAt        int64 `gorm:"not null;default:0;index"`
	LastHealthCheckAt int64 `gorm:"not null;default:0"`

	// 风控字段，成功一次即复位
	ConsecutiveFails int     `gorm:"not null;default:0"`
	CooldownUntil    int64   `gorm:"not null;default:0;index"` // 0 表示未冷却
	ConsecutiveUses  int     `gorm:"not null;default:0"` // 记账时从后端回写，实时值在分配后端
	RiskScore        float64 `gorm:"not null;default:0"` // 仅作展示缓存
}

// TotalAttempts 累计调用次数
func (c *Credential) TotalAttempts() int64 {
	return c.SuccessCount + c.FailCount
}

// SuccessRate 成功率，无样本时视为 1.0
func (c *Credential) SuccessRate() float64 {
	total := c.TotalAttempts()
	if total == 0 {
		return 1.0
	}
	return float64(c.SuccessCount) / float64(total)
}

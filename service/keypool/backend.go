package keypool

import (
	"context"
	"time"

	"github.com/atopos31/poolio/models"
	"github.com/atopos31/poolio/service/scoring"
)

// Backend 凭证占用状态的承载方，单机内存与集群 Redis 两套实现，
// 对调用方行为等价（见各实现注释）
type Backend interface {
	// Pick 在候选集中按评分挑选并原子占用一个凭证
	Pick(ctx context.Context, candidates []models.Credential) (*models.Credential, error)
	// Release 归还并发额度，幂等，计数不会降到 0 以下
	Release(ctx context.Context, id uint)
	// Counters 实时风险计数快照，无数据时返回 nil
	Counters(ctx context.Context, id uint) *scoring.RiskCounters

	// SetCooldown / ClearCooldown / MarkSuspended 由风控策略驱动
	SetCooldown(ctx context.Context, id uint, d time.Duration)
	ClearCooldown(ctx context.Context, id uint)
	MarkSuspended(ctx context.Context, id uint)

	// OnResult 请求结束后同步缓存中的成败计数
	OnResult(ctx context.Context, id uint, success bool)

	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context)

	// WaiverCount 连续使用上限被豁免的累计次数
	WaiverCount() int64
}

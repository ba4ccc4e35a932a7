package keypool

import (
	"context"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"github.com/atopos31/poolio/config"
	"github.com/atopos31/poolio/consts"
	"github.com/atopos31/poolio/models"
	"github.com/atopos31/poolio/service/authman"
	"github.com/atopos31/poolio/service/cluster"
	"github.com/atopos31/poolio/service/risk"
)

// Allocator 凭证池调度入口：选择、占用、归还、用量记账。
// 具体的占用状态由 Backend 承载，单机与集群两套实现行为等价。
type Allocator struct {
	store    *models.Store
	policy   *risk.Policy
	registry *authman.Registry
	backend  Backend
	now      func() time.Time
	selfUse  func(ctx context.Context) bool
}

func New(store *models.Store, policy *risk.Policy, registry *authman.Registry, cfg config.Config, rc *cluster.Client) *Allocator {
	var backend Backend
	var selfUse func(ctx context.Context) bool
	if cfg.ClusterEnabled && rc != nil {
		backend = newClusterBackend(rc, store, cfg.Limits, cfg)
		// 自用模式是集群级开关，存到协调存储
		selfUse = func(ctx context.Context) bool {
			v, err := rc.Get(ctx, consts.RedisKeySelfUseMode)
			return err == nil && v == "1"
		}
	} else {
		backend = newLocalBackend(cfg.Limits)
		selfUse = func(ctx context.Context) bool { return cfg.SelfUseMode }
	}

	a := &Allocator{
		store:    store,
		policy:   policy,
		registry: registry,
		backend:  backend,
		now:      time.Now,
		selfUse:  selfUse,
	}
	policy.SetOnSuspend(func(ctx context.Context, id uint) {
		backend.MarkSuspended(ctx, id)
		registry.Evict(id)
	})
	return a
}

// Initialize 集群模式下执行首次评分同步并启动后台循环
func (a *Allocator) Initialize(ctx context.Context) error {
	return a.backend.Initialize(ctx)
}

// Shutdown 停掉后台循环
func (a *Allocator) Shutdown(ctx context.Context) {
	a.backend.Shutdown(ctx)
}

// GetBestCredential 为一次请求挑选凭证并返回其刷新器。
// 指定属主时先走属主自有凭证，不可用再落回共享池。
// 池耗尽返回 *NoCredentialError，携带建议重试等待。
func (a *Allocator) GetBestCredential(ctx context.Context, ownerID *uint) (*models.Credential, *authman.Refresher, error) {
	if ownerID != nil {
		if cred := a.pickForOwner(ctx, *ownerID); cred != nil {
			return cred, a.registry.Get(cred), nil
		}
	}

	candidates, err := a.store.GetActivePublicCredentials(ctx)
	if err != nil {
		return nil, nil, err
	}
	cred, err := a.backend.Pick(ctx, candidates)
	if err != nil {
		return nil, nil, err
	}
	return cred, a.registry.Get(cred), nil
}

// pickForOwner 属主路径，任何失败都只意味着回落共享池
func (a *Allocator) pickForOwner(ctx context.Context, ownerID uint) *models.Credential {
	creds, err := a.store.GetCredentialsForOwner(ctx, ownerID)
	if err != nil || len(creds) == 0 {
		return nil
	}
	nowMs := a.now().UnixMilli()
	creds = lo.Filter(creds, func(c models.Credential, _ int) bool {
		return c.CooldownUntil <= nowMs
	})
	if len(creds) == 0 {
		return nil
	}
	// 自用模式下优先消耗属主的私有凭证
	if a.selfUse(ctx) {
		private := lo.Filter(creds, func(c models.Credential, _ int) bool {
			return c.Visibility == consts.VisibilityPrivate
		})
		if len(private) > 0 {
			creds = private
		}
	}
	cred, err := a.backend.Pick(ctx, creds)
	if err != nil {
		return nil
	}
	return cred
}

// Release 归还并发额度，幂等
func (a *Allocator) Release(ctx context.Context, id uint) {
	a.backend.Release(ctx, id)
}

// RecordUsage 落成败计数并驱动风控状态机
func (a *Allocator) RecordUsage(ctx context.Context, id uint, success bool) error {
	if err := a.store.RecordUsage(ctx, id, success); err != nil {
		return err
	}
	a.backend.OnResult(ctx, id, success)

	// 连续使用计数回写持久层，实时值以后端为准
	if counters := a.backend.Counters(ctx, id); counters != nil {
		uses := int(counters.Consecutive)
		if err := a.store.UpdateRiskFields(ctx, id, models.RiskFieldUpdate{ConsecutiveUses: &uses}); err != nil {
			slog.Warn("persist consecutive uses failed", "credential_id", id, "error", err)
		}
	}

	cred, err := a.store.GetCredentialByID(ctx, id)
	if err != nil {
		return err
	}
	if success {
		if err := a.policy.OnSuccess(ctx, cred); err != nil {
			return err
		}
		a.backend.ClearCooldown(ctx, id)
		return nil
	}

	cooldown, err := a.policy.OnFailure(ctx, cred)
	if err != nil {
		return err
	}
	if cred.Status == consts.StatusSuspended {
		// 挂起已由策略的回调处理
		return nil
	}
	if cooldown > 0 {
		a.backend.SetCooldown(ctx, id, cooldown)
	}
	return nil
}

// Stats 运行指标
type Stats struct {
	WaiverCount int64 `json:"waiver_count"` // 连续使用上限被豁免的次数
}

func (a *Allocator) Stats() Stats {
	return Stats{WaiverCount: a.backend.WaiverCount()}
}

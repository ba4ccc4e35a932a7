package risk

import (
	"context"
	"log/slog"
	"time"

	"github.com/atopos31/poolio/config"
	"github.com/atopos31/poolio/consts"
	"github.com/atopos31/poolio/models"
)

// Notifier 凭证被挂起或失效时通知属主
type Notifier func(ctx context.Context, cred *models.Credential, reason string)

// Policy 连续失败升级状态机：按档位表把连续失败升级为定时冷却或永久挂起
//
// 档位表是数据不是代码，新增档位无需改动算法。
type Policy struct {
	store  *models.Store
	tiers  []config.Tier // 按阈值升序
	now    func() time.Time
	notify Notifier

	// 挂起时回调，集群模式下用于把凭证从候选集中摘除
	onSuspend func(ctx context.Context, id uint)
}

func NewPolicy(store *models.Store, tiers []config.Tier) *Policy {
	return &Policy{
		store: store,
		tiers: tiers,
		now:   time.Now,
		notify: func(ctx context.Context, cred *models.Credential, reason string) {
			slog.Warn("credential suspended", "credential_id", cred.ID, "user_id", cred.UserID, "reason", reason)
		},
	}
}

func (p *Policy) SetNotifier(fn Notifier) {
	if fn != nil {
		p.notify = fn
	}
}

func (p *Policy) SetOnSuspend(fn func(ctx context.Context, id uint)) {
	p.onSuspend = fn
}

// OnSuccess 一次成功即复位风控状态，冷却立即解除
func (p *Policy) OnSuccess(ctx context.Context, cred *models.Credential) error {
	if cred.ConsecutiveFails == 0 && cred.CooldownUntil == 0 {
		return nil
	}
	zero := 0
	var none int64
	cred.ConsecutiveFails = 0
	cred.CooldownUntil = 0
	return p.store.UpdateRiskFields(ctx, cred.ID, models.RiskFieldUpdate{
		ConsecutiveFails: &zero,
		CooldownUntil:    &none,
	})
}

// OnFailure 连续失败计数 +1，命中不超过计数的最大档位并执行其动作。
// 返回本次进入的冷却时长，挂起时返回 0。
func (p *Policy) OnFailure(ctx context.Context, cred *models.Credential) (time.Duration, error) {
	cred.ConsecutiveFails++
	fails := cred.ConsecutiveFails

	tier := p.match(fails)
	if tier == nil {
		// 未达任何档位，只落计数
		return 0, p.store.UpdateRiskFields(ctx, cred.ID, models.RiskFieldUpdate{
			ConsecutiveFails: &fails,
		})
	}

	if tier.Suspend {
		return 0, p.suspend(ctx, cred)
	}

	until := p.now().Add(tier.Cooldown).UnixMilli()
	cred.CooldownUntil = until
	if err := p.store.UpdateRiskFields(ctx, cred.ID, models.RiskFieldUpdate{
		ConsecutiveFails: &fails,
		CooldownUntil:    &until,
	}); err != nil {
		return 0, err
	}
	slog.Info("credential cooling down",
		"credential_id", cred.ID, "consecutive_fails", fails, "cooldown", tier.Cooldown)
	return tier.Cooldown, nil
}

// match 不超过 fails 的最大阈值档位
func (p *Policy) match(fails int) *config.Tier {
	var matched *config.Tier
	for i := range p.tiers {
		if p.tiers[i].Threshold <= fails {
			matched = &p.tiers[i]
		}
	}
	return matched
}

func (p *Policy) suspend(ctx context.Context, cred *models.Credential) error {
	fails := cred.ConsecutiveFails
	var none int64
	cred.Status = consts.StatusSuspended
	cred.CooldownUntil = 0
	if err := p.store.SetStatus(ctx, cred.ID, cred.Status); err != nil {
		return err
	}
	if err := p.store.UpdateRiskFields(ctx, cred.ID, models.RiskFieldUpdate{
		ConsecutiveFails: &fails,
		CooldownUntil:    &none,
	}); err != nil {
		return err
	}
	if p.onSuspend != nil {
		p.onSuspend(ctx, cred.ID)
	}
	p.notify(ctx, cred, "consecutive failures reached suspend tier")
	return nil
}

package health

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/atopos31/poolio/consts"
	"github.com/atopos31/poolio/models"
	"github.com/atopos31/poolio/service/authman"
	"github.com/atopos31/poolio/service/risk"
)

// Auditor 健康审计：逐个凭证走一遍刷新流程验证其仍然可用，
// 失败的凭证标记为 invalid 并通知属主。
// 审计失败从不向上传播，也不计入凭证的风控失败计数。
// 一轮被打断时记住游标，下一轮从中断处环形继续，队尾凭证不会饿死。
type Auditor struct {
	store     *models.Store
	registry  *authman.Registry
	minGap    time.Duration
	jitter    time.Duration
	notify    risk.Notifier
	keepAlive func(ctx context.Context) // 长审计期间维持租约
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration)

	cursor uint // 上一个检查过的凭证 id，只在审计协程里读写
}

func NewAuditor(store *models.Store, registry *authman.Registry, minGap, jitter time.Duration) *Auditor {
	return &Auditor{
		store:    store,
		registry: registry,
		minGap:   minGap,
		jitter:   jitter,
		notify: func(ctx context.Context, cred *models.Credential, reason string) {
			slog.Warn("credential invalidated", "credential_id", cred.ID, "user_id", cred.UserID, "reason", reason)
		},
		keepAlive: func(ctx context.Context) {},
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

func (a *Auditor) SetNotifier(fn risk.Notifier) {
	if fn != nil {
		a.notify = fn
	}
}

func (a *Auditor) SetKeepAlive(fn func(ctx context.Context)) {
	if fn != nil {
		a.keepAlive = fn
	}
}

// Run 对全部 active 凭证做一轮审计，从游标之后开始环形走完一圈；
// 逐个之间留最小间隔加抖动，避免对上游形成突发
func (a *Auditor) Run(ctx context.Context) {
	creds, err := a.store.GetActiveCredentials(ctx)
	if err != nil {
		slog.Warn("health audit list credentials failed", "error", err)
		return
	}
	slog.Info("health audit started", "credentials", len(creds), "cursor", a.cursor)

	// 列表按 id 升序，从游标后第一个开始
	start := 0
	for i := range creds {
		if creds[i].ID > a.cursor {
			start = i
			break
		}
	}

	checked, failed := 0, 0
	for i := range creds {
		if ctx.Err() != nil {
			slog.Info("health audit interrupted", "checked", checked, "failed", failed)
			return
		}
		cred := &creds[(start+i)%len(creds)]
		if err := a.checkOne(ctx, cred); err != nil {
			failed++
		}
		a.cursor = cred.ID
		checked++
		if i < len(creds)-1 {
			a.keepAlive(ctx)
			gap := a.minGap
			if a.jitter > 0 {
				gap += time.Duration(rand.Int63n(int64(a.jitter)))
			}
			a.sleep(ctx, gap)
		}
	}
	slog.Info("health audit finished", "checked", checked, "failed", failed)
}

// checkOne 用凭证的刷新器换发一次访问密钥来验证可用性
func (a *Auditor) checkOne(ctx context.Context, cred *models.Credential) error {
	refresher := a.registry.Get(cred)
	_, err := refresher.GetAccessSecret(ctx)
	if err != nil {
		slog.Warn("health check failed", "credential_id", cred.ID, "error", err)
		if serr := a.store.SetStatus(ctx, cred.ID, consts.StatusInvalid); serr != nil {
			slog.Warn("mark credential invalid failed", "credential_id", cred.ID, "error", serr)
		}
		a.registry.Evict(cred.ID)
		a.notify(ctx, cred, "health check refresh failed")
		return err
	}
	if serr := a.store.SetLastHealthCheck(ctx, cred.ID, a.now()); serr != nil {
		slog.Warn("stamp health check failed", "credential_id", cred.ID, "error", serr)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

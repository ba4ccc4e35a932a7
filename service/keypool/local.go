package keypool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/atopos31/poolio/config"
	"github.com/atopos31/poolio/models"
	"github.com/atopos31/poolio/service/scoring"
)

// windowCounter 固定窗口计数，窗口过期即清零
type windowCounter struct {
	count   int64
	resetAt time.Time
}

func (w *windowCounter) value(now time.Time) int64 {
	if now.After(w.resetAt) {
		return 0
	}
	return w.count
}

// localBackend 单进程内存实现。所有分配决策经同一把互斥锁串行化，
// 轮换状态因此是可线性化的
type localBackend struct {
	limits config.Limits
	now    func() time.Time

	mu     sync.Mutex
	rpm    map[uint]*windowCounter
	rph    map[uint]*windowCounter
	conc   map[uint]int64
	lastID uint  // 上一次返回的凭证
	run    int64 // 连续返回同一凭证的次数

	waiverCount int64
}

func newLocalBackend(limits config.Limits) *localBackend {
	return &localBackend{
		limits: limits,
		now:    time.Now,
		rpm:    make(map[uint]*windowCounter),
		rph:    make(map[uint]*windowCounter),
		conc:   make(map[uint]int64),
	}
}

func (b *localBackend) Pick(ctx context.Context, candidates []models.Credential) (*models.Credential, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	nowMs := now.UnixMilli()
	minWait := time.Duration(-1)
	note := func(d time.Duration) {
		if d > 0 && (minWait < 0 || d < minWait) {
			minWait = d
		}
	}

	// 过滤冷却中与低于成功率门槛的凭证，新凭证享受宽限期
	eligible := make([]*models.Credential, 0, len(candidates))
	for i := range candidates {
		cred := &candidates[i]
		if cred.CooldownUntil > nowMs {
			note(time.Duration(cred.CooldownUntil-nowMs) * time.Millisecond)
			continue
		}
		if cred.SuccessRate() >= b.limits.MinSuccessRate || cred.TotalAttempts() < b.limits.GraceAttempts {
			eligible = append(eligible, cred)
		}
	}

	// 评分高者优先，分数相同保持原有顺序
	sort.SliceStable(eligible, func(i, j int) bool {
		return b.score(eligible[i], now) > b.score(eligible[j], now)
	})

	var waived *models.Credential
	for _, cred := range eligible {
		// 连续使用达上限则复位计数并让位给次优候选
		if cred.ID == b.lastID && b.run >= b.limits.MaxConsecutive {
			b.run = 0
			waived = cred
			continue
		}
		if wait, blocked := b.windowBlocked(cred.ID, now); blocked {
			note(wait)
			continue
		}
		return b.admit(cred, now), nil
	}

	// 无其他可用候选时豁免连续使用上限
	if waived != nil {
		if wait, blocked := b.windowBlocked(waived.ID, now); !blocked {
			b.waiverCount++
			return b.admit(waived, now), nil
		} else {
			note(wait)
		}
	}

	if minWait < 0 {
		minWait = concurrencyRetryAfter
	}
	return nil, &NoCredentialError{RetryAfter: minWait}
}

// windowBlocked 检查 rpm/rph/并发三个上限，返回最短恢复等待
func (b *localBackend) windowBlocked(id uint, now time.Time) (time.Duration, bool) {
	if w, ok := b.rpm[id]; ok && w.value(now) >= b.limits.RPM {
		return w.resetAt.Sub(now), true
	}
	if w, ok := b.rph[id]; ok && w.value(now) >= b.limits.RPH {
		return w.resetAt.Sub(now), true
	}
	if b.conc[id] >= b.limits.MaxConcurrent {
		return concurrencyRetryAfter, true
	}
	return 0, false
}

// admit 占用配额并维护轮换状态，调用方需持有 b.mu
func (b *localBackend) admit(cred *models.Credential, now time.Time) *models.Credential {
	b.bump(b.rpm, cred.ID, now, time.Minute)
	b.bump(b.rph, cred.ID, now, time.Hour)
	b.conc[cred.ID]++
	if cred.ID == b.lastID {
		b.run++
	} else {
		b.lastID = cred.ID
		b.run = 1
	}
	return cred
}

func (b *localBackend) bump(m map[uint]*windowCounter, id uint, now time.Time, window time.Duration) {
	w, ok := m[id]
	if !ok || now.After(w.resetAt) {
		m[id] = &windowCounter{count: 1, resetAt: now.Add(window)}
		return
	}
	w.count++
}

func (b *localBackend) score(cred *models.Credential, now time.Time) float64 {
	return scoring.Score(cred, b.countersLocked(cred.ID, now), b.limits, now)
}

func (b *localBackend) countersLocked(id uint, now time.Time) *scoring.RiskCounters {
	counters := &scoring.RiskCounters{
		Concurrent: b.conc[id],
	}
	if w, ok := b.rpm[id]; ok {
		counters.RPM = w.value(now)
	}
	if w, ok := b.rph[id]; ok {
		counters.RPH = w.value(now)
	}
	if id == b.lastID {
		counters.Consecutive = b.run
	}
	return counters
}

func (b *localBackend) Release(ctx context.Context, id uint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conc[id] > 0 {
		b.conc[id]--
	}
}

func (b *localBackend) Counters(ctx context.Context, id uint) *scoring.RiskCounters {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.countersLocked(id, b.now())
}

// 冷却与挂起以持久层字段为准，内存实现无需镜像
func (b *localBackend) SetCooldown(ctx context.Context, id uint, d time.Duration) {}
func (b *localBackend) ClearCooldown(ctx context.Context, id uint)               {}

func (b *localBackend) MarkSuspended(ctx context.Context, id uint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conc, id)
	delete(b.rpm, id)
	delete(b.rph, id)
	if b.lastID == id {
		b.lastID = 0
		b.run = 0
	}
}

func (b *localBackend) OnResult(ctx context.Context, id uint, success bool) {}

func (b *localBackend) Initialize(ctx context.Context) error { return nil }
func (b *localBackend) Shutdown(ctx context.Context)         {}

func (b *localBackend) WaiverCount() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waiverCount
}

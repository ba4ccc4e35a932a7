package keypool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/atopos31/poolio/balancers"
	"github.com/atopos31/poolio/config"
	"github.com/atopos31/poolio/consts"
	"github.com/atopos31/poolio/models"
	"github.com/atopos31/poolio/service/cluster"
	"github.com/atopos31/poolio/service/scoring"
)

const lockPollInterval = 50 * time.Millisecond

// clusterBackend 集群实现：候选集放在 Redis 有序集合里按分数排序，
// 分配在短时互斥锁内扫描并用单次管道原子占用配额。
// 拿不到锁或存储不可达时降级为本地快照的无锁尽力分配，
// 全局限流可能短暂超发，存储恢复后收敛。
type clusterBackend struct {
	rc     *cluster.Client
	store  *models.Store
	limits config.Limits

	lockTTL      time.Duration
	lockWait     time.Duration
	syncInterval time.Duration
	now          func() time.Time

	// 最近一次成功计算的评分快照，降级分配的依据
	snapMu   sync.Mutex
	snapshot []snapEntry
	creds    map[uint]*models.Credential
	spread   balancers.Balancer

	waiverCount atomic.Int64

	stop chan struct{}
	done chan struct{}
}

type snapEntry struct {
	id    uint
	score float64
}

func newClusterBackend(rc *cluster.Client, store *models.Store, limits config.Limits, cfg config.Config) *clusterBackend {
	return &clusterBackend{
		rc:           rc,
		store:        store,
		limits:       limits,
		lockTTL:      cfg.AllocLockTTL,
		lockWait:     cfg.AllocLockWait,
		syncInterval: cfg.SyncInterval,
		now:          time.Now,
		creds:        make(map[uint]*models.Credential),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Initialize 首次同步评分并启动后台同步循环
func (b *clusterBackend) Initialize(ctx context.Context) error {
	if err := b.syncScores(ctx); err != nil {
		slog.Warn("initial score sync failed", "error", err)
	}
	go b.syncLoop()
	return nil
}

func (b *clusterBackend) Shutdown(ctx context.Context) {
	close(b.stop)
	<-b.done
}

func (b *clusterBackend) syncLoop() {
	defer close(b.done)
	ticker := time.NewTicker(b.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), b.syncInterval)
			if err := b.syncScores(ctx); err != nil {
				slog.Warn("score sync failed", "error", err)
			}
			cancel()
		case <-b.stop:
			return
		}
	}
}

// syncScores 重算全部 active 凭证的评分：本地快照总是更新，
// Redis 可达时回写有序集合并清理已失效的成员
func (b *clusterBackend) syncScores(ctx context.Context) error {
	creds, err := b.store.GetActiveCredentials(ctx)
	if err != nil {
		return err
	}
	now := b.now()

	entries := make([]snapEntry, 0, len(creds))
	byID := make(map[uint]*models.Credential, len(creds))
	members := make(map[string]float64, len(creds))
	weights := make(map[uint]int, len(creds))
	for i := range creds {
		cred := &creds[i]
		score := scoring.Score(cred, b.Counters(ctx, cred.ID), b.limits, now)
		entries = append(entries, snapEntry{id: cred.ID, score: score})
		byID[cred.ID] = cred
		members[strconv.FormatUint(uint64(cred.ID), 10)] = score
		weights[cred.ID] = int(score) + 1

		riskScore := score
		if err := b.store.UpdateRiskFields(ctx, cred.ID, models.RiskFieldUpdate{RiskScore: &riskScore}); err != nil {
			slog.Warn("cache risk score failed", "credential_id", cred.ID, "error", err)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].score > entries[j].score })

	b.snapMu.Lock()
	b.snapshot = entries
	b.creds = byID
	b.spread = balancers.NewSmoothWeightedRR(weights)
	b.snapMu.Unlock()

	if !b.rc.Available() {
		return nil
	}
	if len(members) > 0 {
		if err := b.rc.ZAdd(ctx, consts.RedisKeyScores, members); err != nil {
			return err
		}
	}
	// 清理不再 active 的成员
	zs, err := b.rc.ZRevRangeWithScores(ctx, consts.RedisKeyScores)
	if err != nil {
		return err
	}
	var stale []any
	for _, z := range zs {
		member, _ := z.Member.(string)
		id, err := strconv.ParseUint(member, 10, 64)
		if err != nil {
			stale = append(stale, z.Member)
			continue
		}
		if _, ok := byID[uint(id)]; !ok {
			stale = append(stale, z.Member)
		}
	}
	if len(stale) > 0 {
		return b.rc.ZRem(ctx, consts.RedisKeyScores, stale...)
	}
	return nil
}

func (b *clusterBackend) Pick(ctx context.Context, candidates []models.Credential) (*models.Credential, error) {
	byID := make(map[uint]*models.Credential, len(candidates))
	for i := range candidates {
		byID[candidates[i].ID] = &candidates[i]
	}

	if !b.rc.Available() {
		return b.pickDegraded(byID)
	}
	token, ok := b.tryLock(ctx)
	if !ok {
		slog.Debug("allocation lock unavailable, degrading to cached snapshot")
		return b.pickDegraded(byID)
	}
	defer b.unlock(token)

	zs, err := b.rc.ZRevRangeWithScores(ctx, consts.RedisKeyScores)
	if err != nil {
		return b.pickDegraded(byID)
	}

	minWait := time.Duration(-1)
	note := func(d time.Duration) {
		if d > 0 && (minWait < 0 || d < minWait) {
			minWait = d
		}
	}

	var waived *models.Credential
	for _, z := range zs {
		member, _ := z.Member.(string)
		rawID, err := strconv.ParseUint(member, 10, 64)
		if err != nil {
			continue
		}
		id := uint(rawID)
		cred, ok := byID[id]
		if !ok {
			continue // 不在本次候选集（私有或已失效），留给同步循环清理
		}

		live, err := b.readLive(ctx, id)
		if err != nil {
			return b.pickDegraded(byID)
		}
		switch {
		case live.suspended:
			b.rc.ZRem(ctx, consts.RedisKeyScores, member)
			continue
		case live.cooldownTTL > 0:
			note(live.cooldownTTL)
			continue
		case live.rpm >= b.limits.RPM:
			note(live.rpmTTL)
			continue
		case live.rph >= b.limits.RPH:
			note(live.rphTTL)
			continue
		case live.conc >= b.limits.MaxConcurrent:
			note(concurrencyRetryAfter)
			continue
		case live.consec >= b.limits.MaxConsecutive:
			// 强制轮换：复位连续计数并跳过本候选；
			// 窗口检查已通过，留作无备选时的豁免对象
			if err := b.rc.Set(ctx, consecKey(id), "0", 0); err != nil {
				return b.pickDegraded(byID)
			}
			if waived == nil {
				waived = cred
			}
			continue
		}

		if err := b.admit(ctx, id); err != nil {
			return b.pickDegraded(byID)
		}
		return cred, nil
	}

	// 没有其他可用候选时豁免连续使用上限
	if waived != nil {
		if err := b.admit(ctx, waived.ID); err != nil {
			return b.pickDegraded(byID)
		}
		b.waiverCount.Add(1)
		return waived, nil
	}

	if minWait < 0 {
		minWait = concurrencyRetryAfter
	}
	return nil, &NoCredentialError{RetryAfter: minWait}
}

type liveState struct {
	suspended   bool
	cooldownTTL time.Duration
	rpm         int64
	rpmTTL      time.Duration
	rph         int64
	rphTTL      time.Duration
	conc        int64
	consec      int64
}

// readLive 单次管道读取一个凭证的全部实时计数
func (b *clusterBackend) readLive(ctx context.Context, id uint) (*liveState, error) {
	var (
		cdCmd     *redis.StringCmd
		cdTTLCmd  *redis.DurationCmd
		rpmCmd    *redis.StringCmd
		rpmTTLCmd *redis.DurationCmd
		rphCmd    *redis.StringCmd
		rphTTLCmd *redis.DurationCmd
		concCmd   *redis.StringCmd
		consecCmd *redis.StringCmd
	)
	err := b.rc.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		cdCmd = pipe.Get(ctx, cooldownKey(id))
		cdTTLCmd = pipe.TTL(ctx, cooldownKey(id))
		rpmCmd = pipe.Get(ctx, rpmKey(id))
		rpmTTLCmd = pipe.TTL(ctx, rpmKey(id))
		rphCmd = pipe.Get(ctx, rphKey(id))
		rphTTLCmd = pipe.TTL(ctx, rphKey(id))
		concCmd = pipe.Get(ctx, concKey(id))
		consecCmd = pipe.Get(ctx, consecKey(id))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	live := &liveState{}
	if v, err := cdCmd.Result(); err == nil {
		if v == consts.CooldownSuspendedMark {
			live.suspended = true
		} else {
			live.cooldownTTL = cdTTLCmd.Val()
			if live.cooldownTTL <= 0 {
				live.cooldownTTL = time.Second
			}
		}
	}
	live.rpm = intVal(rpmCmd)
	live.rpmTTL = cappedTTL(rpmTTLCmd, time.Minute)
	live.rph = intVal(rphCmd)
	live.rphTTL = cappedTTL(rphTTLCmd, time.Hour)
	live.conc = intVal(concCmd)
	live.consec = intVal(consecCmd)
	return live, nil
}

func intVal(cmd *redis.StringCmd) int64 {
	v, err := cmd.Result()
	if err != nil {
		return 0
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

func cappedTTL(cmd *redis.DurationCmd, max time.Duration) time.Duration {
	d := cmd.Val()
	if d <= 0 || d > max {
		return max
	}
	return d
}

// admit 单次管道原子占用全部配额，窗口 key 仅在首次写入时设置过期。
// 赢家换人时顺带清掉上一个赢家的连续计数——连续是指不间断，
// 被别的凭证隔开就要从零重数
func (b *clusterBackend) admit(ctx context.Context, id uint) error {
	prev, err := b.rc.Get(ctx, consts.RedisKeyLastPick)
	if err != nil && !errors.Is(err, cluster.Nil) {
		return err
	}
	member := strconv.FormatUint(uint64(id), 10)
	prevID, rotated := rotatedFrom(prev, member)
	return b.rc.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, rpmKey(id))
		pipe.ExpireNX(ctx, rpmKey(id), time.Minute)
		pipe.Incr(ctx, rphKey(id))
		pipe.ExpireNX(ctx, rphKey(id), time.Hour)
		pipe.Incr(ctx, concKey(id))
		pipe.Incr(ctx, consecKey(id))
		if rotated {
			pipe.Set(ctx, consecKey(prevID), "0", 0)
		}
		if prev != member {
			pipe.Set(ctx, consts.RedisKeyLastPick, member, 0)
		}
		return nil
	})
}

// rotatedFrom 上一个赢家存在且不是本次赢家时返回其 id
func rotatedFrom(prev, current string) (uint, bool) {
	if prev == "" || prev == current {
		return 0, false
	}
	id, err := strconv.ParseUint(prev, 10, 64)
	if err != nil {
		return 0, false
	}
	return uint(id), true
}

// pickDegraded 存储不可达或锁超时的降级路径：
// 按最近快照做无锁尽力分配，平滑加权轮询摊开流量避免集中打到单一凭证
func (b *clusterBackend) pickDegraded(byID map[uint]*models.Credential) (*models.Credential, error) {
	b.snapMu.Lock()
	defer b.snapMu.Unlock()

	nowMs := b.now().UnixMilli()
	if b.spread != nil {
		for range b.snapshot {
			id, err := b.spread.Pop()
			if err != nil {
				break
			}
			if cred, ok := byID[id]; ok && cred.CooldownUntil <= nowMs {
				return cred, nil
			}
		}
	}
	// 兜底按快照分数序扫一遍
	for _, entry := range b.snapshot {
		if cred, ok := byID[entry.id]; ok && cred.CooldownUntil <= nowMs {
			return cred, nil
		}
	}
	return nil, &NoCredentialError{RetryAfter: concurrencyRetryAfter}
}

// tryLock 在 lockWait 内轮询抢占分配互斥锁
func (b *clusterBackend) tryLock(ctx context.Context) (string, bool) {
	token := uuid.NewString()
	deadline := b.now().Add(b.lockWait)
	for {
		ok, err := b.rc.SetNX(ctx, consts.RedisKeyAllocLock, token, b.lockTTL)
		if err != nil {
			return "", false
		}
		if ok {
			return token, true
		}
		if b.now().After(deadline) {
			return "", false
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(lockPollInterval):
		}
	}
}

// unlock 比较与删除在服务端原子完成，TTL 过期后他人的新锁不会被误删
func (b *clusterBackend) unlock(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := b.rc.DelIfEqual(ctx, consts.RedisKeyAllocLock, token); err != nil {
		slog.Debug("release allocation lock failed", "error", err)
	}
}

// detachedOpCtx 归还这类收尾操作不能随调用方取消而丢失，
// 从请求上下文剥离取消信号，只保留一个短超时
func detachedOpCtx(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d)
}

// Release 归还并发额度。放弃请求的调用方上下文此时已经取消，
// 而并发 key 没有 TTL，归还必须照常执行
func (b *clusterBackend) Release(ctx context.Context, id uint) {
	ctx, cancel := detachedOpCtx(ctx, time.Second)
	defer cancel()
	n, err := b.rc.Decr(ctx, concKey(id))
	if err != nil {
		slog.Warn("release concurrency failed", "credential_id", id, "error", err)
		return
	}
	if n < 0 {
		// 夹在 0，重复释放不产生负值
		if err := b.rc.Set(ctx, concKey(id), "0", 0); err != nil {
			slog.Warn("clamp concurrency failed", "credential_id", id, "error", err)
		}
	}
}

func (b *clusterBackend) Counters(ctx context.Context, id uint) *scoring.RiskCounters {
	if !b.rc.Available() {
		return nil
	}
	live, err := b.readLive(ctx, id)
	if err != nil {
		return nil
	}
	return &scoring.RiskCounters{
		RPM:         live.rpm,
		RPH:         live.rph,
		Concurrent:  live.conc,
		Consecutive: live.consec,
	}
}

func (b *clusterBackend) SetCooldown(ctx context.Context, id uint, d time.Duration) {
	value := strconv.FormatInt(int64(d/time.Second), 10)
	if err := b.rc.Set(ctx, cooldownKey(id), value, d); err != nil {
		slog.Warn("mirror cooldown failed", "credential_id", id, "error", err)
	}
}

func (b *clusterBackend) ClearCooldown(ctx context.Context, id uint) {
	if err := b.rc.Del(ctx, cooldownKey(id)); err != nil {
		slog.Warn("clear cooldown failed", "credential_id", id, "error", err)
	}
}

// MarkSuspended 写入无过期的挂起标记并把凭证摘出候选集
func (b *clusterBackend) MarkSuspended(ctx context.Context, id uint) {
	if err := b.rc.Set(ctx, cooldownKey(id), consts.CooldownSuspendedMark, 0); err != nil {
		slog.Warn("mark suspended failed", "credential_id", id, "error", err)
	}
	member := strconv.FormatUint(uint64(id), 10)
	if err := b.rc.ZRem(ctx, consts.RedisKeyScores, member); err != nil {
		slog.Warn("remove suspended from scores failed", "credential_id", id, "error", err)
	}

	b.snapMu.Lock()
	defer b.snapMu.Unlock()
	delete(b.creds, id)
	if b.spread != nil {
		b.spread.Delete(id)
	}
	dst := b.snapshot[:0]
	for _, entry := range b.snapshot {
		if entry.id != id {
			dst = append(dst, entry)
		}
	}
	b.snapshot = dst
}

// OnResult 把成败计数同步进本地快照，降级评分不至于过期太多
func (b *clusterBackend) OnResult(ctx context.Context, id uint, success bool) {
	b.snapMu.Lock()
	defer b.snapMu.Unlock()
	cred, ok := b.creds[id]
	if !ok {
		return
	}
	if success {
		cred.SuccessCount++
	} else {
		cred.FailCount++
		if b.spread != nil {
			b.spread.Reduce(id)
		}
	}
}

func (b *clusterBackend) WaiverCount() int64 {
	return b.waiverCount.Load()
}

func rpmKey(id uint) string      { return fmt.Sprintf(consts.RedisKeyRPM, id) }
func rphKey(id uint) string      { return fmt.Sprintf(consts.RedisKeyRPH, id) }
func concKey(id uint) string     { return fmt.Sprintf(consts.RedisKeyConcurrent, id) }
func consecKey(id uint) string   { return fmt.Sprintf(consts.RedisKeyConsec, id) }
func cooldownKey(id uint) string { return fmt.Sprintf(consts.RedisKeyCooldown, id) }

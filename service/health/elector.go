package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atopos31/poolio/consts"
)

// State 选举状态
type State int

const (
	StateStandby State = iota
	StateLeader
)

func (s State) String() string {
	if s == StateLeader {
		return "leader"
	}
	return "standby"
}

// Elector 续租即保位的两态选举器：Standby 尝试抢占租约锁，
// Leader 每拍校验仍持有并续期，发现易主立刻退回 Standby。
// 只有 Leader 执行健康审计；未启用集群时跳过选举直接审计。
// 审计可能长于一个选举周期，期间租约靠 Heartbeat 回调维持。
// 时钟偏差远小于锁 TTL 时至多一个 Leader，允许短暂无主。
type Elector struct {
	lock     LockClient
	nodeID   string
	interval time.Duration
	ttl      time.Duration

	clustered bool
	audit     func(ctx context.Context) // Leader 动作

	mu    sync.Mutex
	state State

	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}
	done   chan struct{}
}

func NewElector(lock LockClient, nodeID string, interval, ttl time.Duration, clustered bool, audit func(ctx context.Context)) *Elector {
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Elector{
		lock:      lock,
		nodeID:    nodeID,
		interval:  interval,
		ttl:       ttl,
		clustered: clustered,
		audit:     audit,
		state:     StateStandby,
		ctx:       ctx,
		cancel:    cancel,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (e *Elector) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Elector) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Start 启动选举循环
func (e *Elector) Start() {
	go e.run()
}

func (e *Elector) run() {
	defer close(e.done)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			// 不以选举周期截断：审计要走完整个池，长审计靠心跳续租
			e.Tick(e.ctx)
		case <-e.stop:
			return
		}
	}
}

// Tick 推进一拍状态机，导出以便直接驱动测试
func (e *Elector) Tick(ctx context.Context) {
	if !e.clustered {
		// 单节点无需选举，固定间隔审计
		e.audit(ctx)
		return
	}

	switch e.State() {
	case StateStandby:
		ok, err := e.lock.Acquire(ctx, consts.RedisKeyLeaderLock, e.nodeID, e.ttl)
		if err != nil {
			slog.Debug("leader lock acquire failed", "error", err)
			return
		}
		if !ok {
			return
		}
		slog.Info("became audit leader", "node_id", e.nodeID)
		e.setState(StateLeader)
		e.audit(ctx)
	case StateLeader:
		owner, err := e.lock.Owner(ctx, consts.RedisKeyLeaderLock)
		if err != nil {
			slog.Debug("leader lock check failed", "error", err)
			return
		}
		if owner != e.nodeID {
			// 租约已被他人拿走，保守退位
			slog.Info("lost audit leadership", "node_id", e.nodeID, "owner", owner)
			e.setState(StateStandby)
			return
		}
		if err := e.lock.Renew(ctx, consts.RedisKeyLeaderLock, e.ttl); err != nil {
			slog.Debug("leader lock renew failed", "error", err)
			e.setState(StateStandby)
			return
		}
		e.audit(ctx)
	}
}

// Heartbeat 长审计的间隙由审计器回调，Leader 续一次租约防止走完
// 整个池之前租约过期；Standby 或未启用集群时为空操作
func (e *Elector) Heartbeat(ctx context.Context) {
	if !e.clustered || e.State() != StateLeader {
		return
	}
	if err := e.lock.Renew(ctx, consts.RedisKeyLeaderLock, e.ttl); err != nil {
		slog.Debug("heartbeat renew failed", "error", err)
	}
}

// Stop 停止循环；Leader 退出前释放租约，让同伴不必等 TTL 过期
func (e *Elector) Stop(ctx context.Context) {
	close(e.stop)
	<-e.done
	e.cancel()
	if !e.clustered {
		return
	}
	if e.State() == StateLeader {
		if err := e.lock.Release(ctx, consts.RedisKeyLeaderLock, e.nodeID); err != nil {
			slog.Warn("release leader lock failed", "error", err)
		}
		e.setState(StateStandby)
	}
}

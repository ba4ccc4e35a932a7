package health

import (
	"context"
	"errors"
	"time"

	"github.com/atopos31/poolio/service/cluster"
)

// LockClient 租约锁的最小语义，便于用假实现单测选举逻辑
type LockClient interface {
	// Acquire set-if-not-exists，成功即持有
	Acquire(ctx context.Context, key, id string, ttl time.Duration) (bool, error)
	// Owner 当前持有者标识，无人持有返回空串
	Owner(ctx context.Context, key string) (string, error)
	// Renew 续期 TTL
	Renew(ctx context.Context, key string, ttl time.Duration) error
	// Release 仍由 id 持有时才删除
	Release(ctx context.Context, key, id string) error
}

// redisLock 基于协调存储的 LockClient
type redisLock struct {
	rc *cluster.Client
}

func NewRedisLock(rc *cluster.Client) LockClient {
	return &redisLock{rc: rc}
}

func (l *redisLock) Acquire(ctx context.Context, key, id string, ttl time.Duration) (bool, error) {
	return l.rc.SetNX(ctx, key, id, ttl)
}

func (l *redisLock) Owner(ctx context.Context, key string) (string, error) {
	v, err := l.rc.Get(ctx, key)
	if errors.Is(err, cluster.Nil) {
		return "", nil
	}
	return v, err
}

func (l *redisLock) Renew(ctx context.Context, key string, ttl time.Duration) error {
	return l.rc.Expire(ctx, key, ttl)
}

func (l *redisLock) Release(ctx context.Context, key, id string) error {
	_, err := l.rc.DelIfEqual(ctx, key, id)
	return err
}

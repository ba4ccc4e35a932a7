package cluster

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable 协调存储不可达，调用方应走降级路径而不是向上抛
var ErrUnavailable = errors.New("cluster: coordination store unavailable")

const (
	probeInterval = 5 * time.Second
	probeTimeout  = time.Second
	opTimeout     = 2 * time.Second
)

// Client Redis 协调存储的薄封装，带可用性探测；连接断开由 go-redis 自动重连，
// 探测只负责让调用方快速失败
type Client struct {
	rdb       *redis.Client
	available atomic.Bool
	stop      chan struct{}
	done      chan struct{}
}

func New(addr, password string) *Client {
	c := &Client{
		rdb: redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     password,
			ReadTimeout:  opTimeout,
			WriteTimeout: opTimeout,
			PoolSize:     10,
		}),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	c.probe()
	go c.probeLoop()
	return c
}

func (c *Client) probeLoop() {
	defer close(c.done)
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.probe()
		case <-c.stop:
			return
		}
	}
}

func (c *Client) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	err := c.rdb.Ping(ctx).Err()
	was := c.available.Swap(err == nil)
	if err != nil && was {
		slog.Warn("coordination store unreachable", "error", err)
	}
	if err == nil && !was {
		slog.Info("coordination store reachable")
	}
}

// Available 最近一次探测结果
func (c *Client) Available() bool {
	return c.available.Load()
}

func (c *Client) Close() error {
	close(c.stop)
	<-c.done
	return c.rdb.Close()
}

// guard 统一的可用性拦截与错误归一化
func (c *Client) guard() error {
	if !c.Available() {
		return ErrUnavailable
	}
	return nil
}

func (c *Client) fail(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	c.available.Store(false)
	return errors.Join(ErrUnavailable, err)
}

// Nil 透出 redis.Nil 供调用方判断 key 不存在
var Nil = redis.Nil

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	if err := c.guard(); err != nil {
		return "", err
	}
	v, err := c.rdb.Get(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", c.fail(err)
	}
	return v, err
}

func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.fail(c.rdb.Set(ctx, key, value, ttl).Err())
}

func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := c.guard(); err != nil {
		return false, err
	}
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, c.fail(err)
	}
	return ok, nil
}

func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	if err := c.guard(); err != nil {
		return 0, err
	}
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, c.fail(err)
	}
	return n, nil
}

func (c *Client) Decr(ctx context.Context, key string) (int64, error) {
	if err := c.guard(); err != nil {
		return 0, err
	}
	n, err := c.rdb.Decr(ctx, key).Result()
	if err != nil {
		return 0, c.fail(err)
	}
	return n, nil
}

func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.fail(c.rdb.Expire(ctx, key, ttl).Err())
}

func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := c.guard(); err != nil {
		return 0, err
	}
	d, err := c.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, c.fail(err)
	}
	return d, nil
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.fail(c.rdb.Del(ctx, keys...).Err())
}

var delIfEqualScript = redis.NewScript(
	`if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) end return 0`)

// DelIfEqual 值匹配时才删除，比较与删除在服务端原子执行，
// 用于按 token 释放锁
func (c *Client) DelIfEqual(ctx context.Context, key, value string) (bool, error) {
	if err := c.guard(); err != nil {
		return false, err
	}
	n, err := delIfEqualScript.Run(ctx, c.rdb, []string{key}, value).Int()
	if err != nil {
		return false, c.fail(err)
	}
	return n == 1, nil
}

func (c *Client) ZAdd(ctx context.Context, key string, members map[string]float64) error {
	if err := c.guard(); err != nil {
		return err
	}
	zs := make([]redis.Z, 0, len(members))
	for member, score := range members {
		zs = append(zs, redis.Z{Member: member, Score: score})
	}
	return c.fail(c.rdb.ZAdd(ctx, key, zs...).Err())
}

// ZRevRangeWithScores 按分数从高到低
func (c *Client) ZRevRangeWithScores(ctx context.Context, key string) ([]redis.Z, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	zs, err := c.rdb.ZRevRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, c.fail(err)
	}
	return zs, nil
}

func (c *Client) ZRem(ctx context.Context, key string, members ...any) error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.fail(c.rdb.ZRem(ctx, key, members...).Err())
}

func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	m, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, c.fail(err)
	}
	return m, nil
}

func (c *Client) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	if err := c.guard(); err != nil {
		return 0, err
	}
	n, err := c.rdb.HIncrBy(ctx, key, field, incr).Result()
	if err != nil {
		return 0, c.fail(err)
	}
	return n, nil
}

// Pipelined 批量执行，fn 内的命令一次往返提交
func (c *Client) Pipelined(ctx context.Context, fn func(pipe redis.Pipeliner) error) error {
	if err := c.guard(); err != nil {
		return err
	}
	if _, err := c.rdb.Pipelined(ctx, fn); err != nil {
		return c.fail(err)
	}
	return nil
}

func (c *Client) Publish(ctx context.Context, channel, payload string) error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.fail(c.rdb.Publish(ctx, channel, payload).Err())
}

// Subscribe 订阅后由调用方消费 Channel()，连接中断由 go-redis 自动重建
func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channels...)
}

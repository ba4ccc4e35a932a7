package keypool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atopos31/poolio/balancers"
	"github.com/atopos31/poolio/config"
	"github.com/atopos31/poolio/models"
	"github.com/atopos31/poolio/service/cluster"
)

// 指向空端口的客户端，探测必然失败，逼出降级路径
func unavailableClient(t *testing.T) *cluster.Client {
	t.Helper()
	rc := cluster.New("127.0.0.1:1", "")
	t.Cleanup(func() { rc.Close() })
	require.False(t, rc.Available())
	return rc
}

func seededClusterBackend(t *testing.T, creds ...models.Credential) *clusterBackend {
	cfg := config.Config{
		AllocLockTTL:  3 * time.Second,
		AllocLockWait: 100 * time.Millisecond,
		SyncInterval:  30 * time.Second,
	}
	b := newClusterBackend(unavailableClient(t), nil, testLimits, cfg)

	// 模拟一次成功同步留下的快照
	weights := map[uint]int{}
	for i := range creds {
		cred := &creds[i]
		b.snapshot = append(b.snapshot, snapEntry{id: cred.ID, score: 50})
		b.creds[cred.ID] = cred
		weights[cred.ID] = 50
	}
	b.spread = balancers.NewSmoothWeightedRR(weights)
	return b
}

// 协调存储完全不可达时仍能从快照分配
func TestClusterPickDegraded(t *testing.T) {
	b := seededClusterBackend(t, testCred(1, 10, 0), testCred(2, 10, 0))

	cred, err := b.Pick(context.Background(), []models.Credential{testCred(1, 10, 0), testCred(2, 10, 0)})
	require.NoError(t, err)
	assert.Contains(t, []uint{1, 2}, cred.ID)
}

// 从未同步成功过则降级也无可分配
func TestClusterPickDegradedEmptySnapshot(t *testing.T) {
	b := seededClusterBackend(t)

	_, err := b.Pick(context.Background(), []models.Credential{testCred(1, 10, 0)})
	var noCred *NoCredentialError
	require.ErrorAs(t, err, &noCred)
}

// 降级路径同样尊重持久层冷却
func TestClusterPickDegradedSkipsCooldown(t *testing.T) {
	cooling := testCred(1, 10, 0)
	cooling.CooldownUntil = time.Now().Add(time.Hour).UnixMilli()
	b := seededClusterBackend(t, cooling)

	_, err := b.Pick(context.Background(), []models.Credential{cooling})
	var noCred *NoCredentialError
	require.ErrorAs(t, err, &noCred)
}

// 挂起把凭证从快照和轮询器中摘掉
func TestClusterMarkSuspendedPrunesSnapshot(t *testing.T) {
	b := seededClusterBackend(t, testCred(1, 10, 0), testCred(2, 10, 0))

	b.MarkSuspended(context.Background(), 1)

	cred, err := b.Pick(context.Background(), []models.Credential{testCred(1, 10, 0), testCred(2, 10, 0)})
	require.NoError(t, err)
	assert.EqualValues(t, 2, cred.ID)
}

// 存储不可达时计数快照为 nil，评分按无数据处理
func TestClusterCountersUnavailable(t *testing.T) {
	b := seededClusterBackend(t, testCred(1, 10, 0))
	assert.Nil(t, b.Counters(context.Background(), 1))
}

// 赢家换人才算轮换：连续计数只在被别的凭证隔开时清零
func TestRotatedFrom(t *testing.T) {
	id, ok := rotatedFrom("3", "5")
	assert.True(t, ok)
	assert.EqualValues(t, 3, id)

	_, ok = rotatedFrom("", "5")
	assert.False(t, ok)
	_, ok = rotatedFrom("5", "5")
	assert.False(t, ok)
	_, ok = rotatedFrom("junk", "5")
	assert.False(t, ok)
}

// 调用方放弃请求后归还照常执行：派生上下文不随请求取消，只带短超时
func TestDetachedOpCtxSurvivesCancel(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	cancel()

	ctx, done := detachedOpCtx(parent, time.Second)
	defer done()
	assert.NoError(t, ctx.Err())
	_, hasDeadline := ctx.Deadline()
	assert.True(t, hasDeadline)
}

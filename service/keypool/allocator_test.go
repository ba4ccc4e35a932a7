package keypool

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/atopos31/poolio/config"
	"github.com/atopos31/poolio/consts"
	"github.com/atopos31/poolio/models"
	"github.com/atopos31/poolio/service/authman"
	"github.com/atopos31/poolio/service/risk"
)

func newTestStore(t *testing.T) *models.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")))
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Credential{}))
	cipher, err := models.NewCipher("test-secret-key")
	require.NoError(t, err)
	return models.NewStore(db, cipher)
}

func seedCred(t *testing.T, store *models.Store, userID uint, visibility, secret string) *models.Credential {
	t.Helper()
	cred := &models.Credential{UserID: userID, Visibility: visibility, SuccessCount: 10}
	require.NoError(t, store.CreateCredential(context.Background(), cred, secret))
	return cred
}

func newTestAllocator(t *testing.T, store *models.Store, tiers []config.Tier, selfUse bool) *Allocator {
	t.Helper()
	policy := risk.NewPolicy(store, tiers)
	registry := authman.NewRegistry(store, authman.Endpoints{}, 10*time.Minute, time.Millisecond, 1)
	cfg := config.Config{Limits: testLimits, SelfUseMode: selfUse}
	return New(store, policy, registry, cfg, nil)
}

var testTiers = []config.Tier{
	{Threshold: 2, Cooldown: 300 * time.Second},
	{Threshold: 3, Suspend: true},
}

func TestAllocatorSharedPool(t *testing.T) {
	store := newTestStore(t)
	seedCred(t, store, 1, consts.VisibilityPublic, "s1")
	alloc := newTestAllocator(t, store, testTiers, false)

	cred, refresher, err := alloc.GetBestCredential(context.Background(), nil)
	require.NoError(t, err)
	assert.NotNil(t, refresher)
	defer alloc.Release(context.Background(), cred.ID)
}

// 自用模式下属主优先拿到自己的私有凭证
func TestAllocatorOwnerPrefersPrivate(t *testing.T) {
	store := newTestStore(t)
	seedCred(t, store, 1, consts.VisibilityPublic, "s1")
	private := seedCred(t, store, 2, consts.VisibilityPrivate, "s2")
	alloc := newTestAllocator(t, store, testTiers, true)

	owner := uint(2)
	cred, _, err := alloc.GetBestCredential(context.Background(), &owner)
	require.NoError(t, err)
	assert.Equal(t, private.ID, cred.ID)
}

// 无自有凭证的属主回落共享池
func TestAllocatorOwnerFallsBackToShared(t *testing.T) {
	store := newTestStore(t)
	shared := seedCred(t, store, 1, consts.VisibilityPublic, "s1")
	alloc := newTestAllocator(t, store, testTiers, false)

	owner := uint(99)
	cred, _, err := alloc.GetBestCredential(context.Background(), &owner)
	require.NoError(t, err)
	assert.Equal(t, shared.ID, cred.ID)
}

// 连续失败触发冷却后凭证从分配中消失
func TestAllocatorFailureCooldownExcludes(t *testing.T) {
	store := newTestStore(t)
	cred := seedCred(t, store, 1, consts.VisibilityPublic, "s1")
	alloc := newTestAllocator(t, store, testTiers, false)
	ctx := context.Background()

	require.NoError(t, alloc.RecordUsage(ctx, cred.ID, false))
	require.NoError(t, alloc.RecordUsage(ctx, cred.ID, false))

	_, _, err := alloc.GetBestCredential(ctx, nil)
	var noCred *NoCredentialError
	require.ErrorAs(t, err, &noCred)
	assert.Positive(t, noCred.RetryAfter)
}

// 一次成功解除冷却，凭证重新可分配
func TestAllocatorSuccessClearsCooldown(t *testing.T) {
	store := newTestStore(t)
	cred := seedCred(t, store, 1, consts.VisibilityPublic, "s1")
	alloc := newTestAllocator(t, store, testTiers, false)
	ctx := context.Background()

	require.NoError(t, alloc.RecordUsage(ctx, cred.ID, false))
	require.NoError(t, alloc.RecordUsage(ctx, cred.ID, false))
	require.NoError(t, alloc.RecordUsage(ctx, cred.ID, true))

	got, _, err := alloc.GetBestCredential(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, cred.ID, got.ID)
}

// 达到挂起档后凭证不再回到任何候选集
func TestAllocatorSuspendRemovesPermanently(t *testing.T) {
	store := newTestStore(t)
	cred := seedCred(t, store, 1, consts.VisibilityPublic, "s1")
	alloc := newTestAllocator(t, store, testTiers, false)
	ctx := context.Background()

	for n_ := 0; n_ < 3; n_++ {
		require.NoError(t, alloc.RecordUsage(ctx, cred.ID, false))
	}

	got, err := store.GetCredentialByID(ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, consts.StatusSuspended, got.Status)

	_, _, err = alloc.GetBestCredential(ctx, nil)
	var noCred *NoCredentialError
	assert.ErrorAs(t, err, &noCred)

	// 挂起后即便再有成功结果也不自动复活
	owner := cred.UserID
	_, _, err = alloc.GetBestCredential(ctx, &owner)
	assert.ErrorAs(t, err, &noCred)
}

// 连续使用计数随记账回写持久层
func TestAllocatorPersistsConsecutiveUses(t *testing.T) {
	store := newTestStore(t)
	cred := seedCred(t, store, 1, consts.VisibilityPublic, "s1")
	alloc := newTestAllocator(t, store, testTiers, false)
	ctx := context.Background()

	for n_ := 0; n_ < 2; n_++ {
		_, _, err := alloc.GetBestCredential(ctx, nil)
		require.NoError(t, err)
	}
	require.NoError(t, alloc.RecordUsage(ctx, cred.ID, true))

	got, err := store.GetCredentialByID(ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ConsecutiveUses)
}

func TestAllocatorStats(t *testing.T) {
	store := newTestStore(t)
	alloc := newTestAllocator(t, store, testTiers, false)
	assert.Zero(t, alloc.Stats().WaiverCount)
}

package models

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/atopos31/poolio/consts"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")))
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Credential{}))
	cipher, err := NewCipher("test-secret-key")
	require.NoError(t, err)
	return NewStore(db, cipher)
}

func TestCipherRoundtrip(t *testing.T) {
	c, err := NewCipher("k1")
	require.NoError(t, err)

	enc, err := c.Encrypt("refresh-token-xyz")
	require.NoError(t, err)
	assert.NotEqual(t, "refresh-token-xyz", enc)

	plain, err := c.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "refresh-token-xyz", plain)

	// 同一明文两次加密产生不同密文（随机 nonce）
	enc2, err := c.Encrypt("refresh-token-xyz")
	require.NoError(t, err)
	assert.NotEqual(t, enc, enc2)

	// 换密钥无法解密
	other, err := NewCipher("k2")
	require.NoError(t, err)
	_, err = other.Decrypt(enc)
	assert.Error(t, err)
}

func TestCipherRejectsEmptyKey(t *testing.T) {
	_, err := NewCipher("")
	assert.Error(t, err)
}

func TestCreateCredentialEncryptsAtRest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cred := &Credential{UserID: 7}
	require.NoError(t, store.CreateCredential(ctx, cred, "plain-secret"))

	got, err := store.GetCredentialByID(ctx, cred.ID)
	require.NoError(t, err)
	// 落库的不是明文
	assert.NotEqual(t, "plain-secret", got.Secret)
	assert.Equal(t, HashSecret("plain-secret"), got.SecretHash)
	assert.Equal(t, consts.StatusActive, got.Status)
	assert.Equal(t, consts.VisibilityPublic, got.Visibility)
	assert.Equal(t, consts.AuthTypeSocial, got.AuthType)

	plain, err := store.GetDecryptedSecret(ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, "plain-secret", plain)
}

func TestRecordUsage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	cred := &Credential{UserID: 1}
	require.NoError(t, store.CreateCredential(ctx, cred, "s"))

	require.NoError(t, store.RecordUsage(ctx, cred.ID, true))
	require.NoError(t, store.RecordUsage(ctx, cred.ID, true))
	require.NoError(t, store.RecordUsage(ctx, cred.ID, false))

	got, err := store.GetCredentialByID(ctx, cred.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.SuccessCount)
	assert.EqualValues(t, 1, got.FailCount)
	assert.Positive(t, got.LastUsedAt)
	assert.InDelta(t, 2.0/3.0, got.SuccessRate(), 0.001)
}

// 为 nil 的字段保持不动
func TestUpdateRiskFieldsPartial(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	cred := &Credential{UserID: 1, ConsecutiveFails: 3, CooldownUntil: 12345}
	require.NoError(t, store.CreateCredential(ctx, cred, "s"))

	uses := 9
	require.NoError(t, store.UpdateRiskFields(ctx, cred.ID, RiskFieldUpdate{ConsecutiveUses: &uses}))

	got, err := store.GetCredentialByID(ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, 9, got.ConsecutiveUses)
	assert.Equal(t, 3, got.ConsecutiveFails)
	assert.EqualValues(t, 12345, got.CooldownUntil)

	// 空更新是 no-op
	assert.NoError(t, store.UpdateRiskFields(ctx, cred.ID, RiskFieldUpdate{}))
}

func TestActiveCandidateQueries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pub := &Credential{UserID: 1}
	require.NoError(t, store.CreateCredential(ctx, pub, "s1"))
	priv := &Credential{UserID: 2, Visibility: consts.VisibilityPrivate}
	require.NoError(t, store.CreateCredential(ctx, priv, "s2"))
	dead := &Credential{UserID: 1}
	require.NoError(t, store.CreateCredential(ctx, dead, "s3"))
	require.NoError(t, store.SetStatus(ctx, dead.ID, consts.StatusInvalid))

	shared, err := store.GetActivePublicCredentials(ctx)
	require.NoError(t, err)
	require.Len(t, shared, 1)
	assert.Equal(t, pub.ID, shared[0].ID)

	active, err := store.GetActiveCredentials(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	owned, err := store.GetCredentialsForOwner(ctx, 2)
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, priv.ID, owned[0].ID)
}

func TestSuccessRateNoSamples(t *testing.T) {
	cred := &Credential{}
	assert.Equal(t, 1.0, cred.SuccessRate())
	assert.Zero(t, cred.TotalAttempts())
}

func TestSetLastHealthCheck(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	cred := &Credential{UserID: 1}
	require.NoError(t, store.CreateCredential(ctx, cred, "s"))

	at := time.Now()
	require.NoError(t, store.SetLastHealthCheck(ctx, cred.ID, at))

	got, err := store.GetCredentialByID(ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, at.UnixMilli(), got.LastHealthCheckAt)
}

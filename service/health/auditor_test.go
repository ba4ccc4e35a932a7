package health

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/atopos31/poolio/consts"
	"github.com/atopos31/poolio/models"
	"github.com/atopos31/poolio/service/authman"
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

// 按 refresh token 内容区分活死凭证的令牌端点
func tokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("refresh_token") == "revoked" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"access_token":"ok","expires_in":3600}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestAuditor(store *models.Store, registry *authman.Registry) *Auditor {
	a := NewAuditor(store, registry, time.Millisecond, 0)
	a.sleep = func(ctx context.Context, d time.Duration) {}
	return a
}

// 刷新失败的凭证被标记 invalid，健康的盖上检查时间戳
func TestAuditorMarksDeadAndStampsLive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	live := &models.Credential{UserID: 1}
	require.NoError(t, store.CreateCredential(ctx, live, "good-token"))
	dead := &models.Credential{UserID: 2}
	require.NoError(t, store.CreateCredential(ctx, dead, "revoked"))

	srv := tokenServer(t)
	registry := authman.NewRegistry(store, authman.Endpoints{Social: srv.URL}, 10*time.Minute, time.Millisecond, 1)
	auditor := newTestAuditor(store, registry)

	var notifiedID uint
	auditor.SetNotifier(func(ctx context.Context, cred *models.Credential, reason string) {
		notifiedID = cred.ID
	})

	auditor.Run(ctx)

	gotLive, err := store.GetCredentialByID(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, consts.StatusActive, gotLive.Status)
	assert.Positive(t, gotLive.LastHealthCheckAt)

	gotDead, err := store.GetCredentialByID(ctx, dead.ID)
	require.NoError(t, err)
	assert.Equal(t, consts.StatusInvalid, gotDead.Status)
	assert.Equal(t, dead.ID, notifiedID)

	// 审计失败不计入用量失败
	assert.Zero(t, gotDead.FailCount)
}

// 失效凭证下一轮不再出现在审计名单里
func TestAuditorSkipsInvalidNextRound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	dead := &models.Credential{UserID: 1}
	require.NoError(t, store.CreateCredential(ctx, dead, "revoked"))

	srv := tokenServer(t)
	registry := authman.NewRegistry(store, authman.Endpoints{Social: srv.URL}, 10*time.Minute, time.Millisecond, 1)
	auditor := newTestAuditor(store, registry)

	notifications := 0
	auditor.SetNotifier(func(ctx context.Context, cred *models.Credential, reason string) { notifications++ })

	auditor.Run(ctx)
	auditor.Run(ctx)
	assert.Equal(t, 1, notifications)
}

// 单轮被打断后下一轮从游标处环形继续，队尾凭证不会被饿死
func TestAuditorResumesAfterInterrupt(t *testing.T) {
	store := newTestStore(t)
	bg := context.Background()

	ids := make([]uint, 0, 3)
	for i := 0; i < 3; i++ {
		cred := &models.Credential{UserID: uint(i + 1)}
		require.NoError(t, store.CreateCredential(bg, cred, fmt.Sprintf("token-%d", i)))
		ids = append(ids, cred.ID)
	}

	srv := tokenServer(t)
	registry := authman.NewRegistry(store, authman.Endpoints{Social: srv.URL}, 10*time.Minute, time.Millisecond, 1)
	auditor := newTestAuditor(store, registry)

	// 第一轮只来得及查第一条就被打断
	ctx, cancel := context.WithCancel(bg)
	auditor.sleep = func(context.Context, time.Duration) { cancel() }
	auditor.Run(ctx)

	first, err := store.GetCredentialByID(bg, ids[0])
	require.NoError(t, err)
	assert.Positive(t, first.LastHealthCheckAt)
	second, err := store.GetCredentialByID(bg, ids[1])
	require.NoError(t, err)
	assert.Zero(t, second.LastHealthCheckAt)

	// 第二轮从第二条继续并绕回，所有凭证都被盖章
	auditor.sleep = func(context.Context, time.Duration) {}
	auditor.Run(bg)
	for _, id := range ids {
		got, err := store.GetCredentialByID(bg, id)
		require.NoError(t, err)
		assert.Positive(t, got.LastHealthCheckAt, "credential %d", id)
	}
}

// 逐个检查的间隙回调心跳，长审计期间租约得以续期
func TestAuditorKeepAliveBetweenChecks(t *testing.T) {
	store := newTestStore(t)
	bg := context.Background()
	for i := 0; i < 3; i++ {
		cred := &models.Credential{UserID: uint(i + 1)}
		require.NoError(t, store.CreateCredential(bg, cred, fmt.Sprintf("beat-%d", i)))
	}

	srv := tokenServer(t)
	registry := authman.NewRegistry(store, authman.Endpoints{Social: srv.URL}, 10*time.Minute, time.Millisecond, 1)
	auditor := newTestAuditor(store, registry)

	beats := 0
	auditor.SetKeepAlive(func(ctx context.Context) { beats++ })
	auditor.Run(bg)
	assert.Equal(t, 2, beats)
}

func TestAuditorHonorsCancel(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	srv := tokenServer(t)
	registry := authman.NewRegistry(store, authman.Endpoints{Social: srv.URL}, 10*time.Minute, time.Millisecond, 1)
	auditor := newTestAuditor(store, registry)

	// 已取消的上下文下直接返回，不访问上游
	auditor.Run(ctx)
}

package authman

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/atopos31/poolio/consts"
	"github.com/atopos31/poolio/models"
)

// 到期前提前刷新的安全余量
const expiryMargin = 60 * time.Second

// Endpoints 两种刷新协议各自的令牌端点
type Endpoints struct {
	Social string
	IDC    string
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
}

// permanentError 非瞬时失败，不重试
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Refresher 单个凭证的访问密钥缓存与刷新。
// 同一凭证上的并发调用通过实例锁合并为一次上游请求。
type Refresher struct {
	credID       uint
	authType     string
	clientID     string
	clientSecret string

	store     *models.Store
	endpoints Endpoints
	client    *http.Client

	threshold  time.Duration
	retryBase  time.Duration
	maxRetries int
	now        func() time.Time

	mu           sync.Mutex
	accessSecret string
	expiresAt    time.Time
}

func newRefresher(cred *models.Credential, store *models.Store, endpoints Endpoints, threshold, retryBase time.Duration, maxRetries int) *Refresher {
	return &Refresher{
		credID:       cred.ID,
		authType:     cred.AuthType,
		clientID:     cred.ClientID,
		clientSecret: cred.ClientSecret,
		store:        store,
		endpoints:    endpoints,
		client:       &http.Client{Timeout: 30 * time.Second},
		threshold:    threshold,
		retryBase:    retryBase,
		maxRetries:   maxRetries,
		now:          time.Now,
	}
}

// GetAccessSecret 返回缓存的访问密钥；临近过期则在实例锁内刷新
func (r *Refresher) GetAccessSecret(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.accessSecret != "" && r.now().Before(r.expiresAt.Add(-r.threshold)) {
		return r.accessSecret, nil
	}

	resp, err := r.refreshWithRetry(ctx)
	if err != nil {
		return "", err
	}

	r.accessSecret = resp.AccessToken
	lifetime := time.Duration(resp.ExpiresIn) * time.Second
	if lifetime > expiryMargin {
		lifetime -= expiryMargin
	}
	r.expiresAt = r.now().Add(lifetime)

	// 上游换发了新的客户端标识则回写持久层
	if resp.ClientID != "" && resp.ClientID != r.clientID {
		r.clientID = resp.ClientID
		if err := r.store.UpdateClientPair(ctx, r.credID, r.clientID, r.clientSecret); err != nil {
			slog.Warn("persist refreshed client id failed", "credential_id", r.credID, "error", err)
		}
	}
	return r.accessSecret, nil
}

// refreshWithRetry 指数退避重试瞬时失败，非瞬时错误立即失败
func (r *Refresher) refreshWithRetry(ctx context.Context) (*tokenResponse, error) {
	var resp *tokenResponse

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.retryBase
	eb.Multiplier = 2
	eb.RandomizationFactor = 0

	op := func() error {
		var err error
		resp, err = r.refreshOnce(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return backoff.Permanent(perm.err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.maxRetries)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("refresh credential %d: %w", r.credID, err)
	}
	return resp, nil
}

// refreshOnce 按认证方式分支出两种刷新协议
func (r *Refresher) refreshOnce(ctx context.Context) (*tokenResponse, error) {
	refreshToken, err := r.store.GetDecryptedSecret(ctx, r.credID)
	if err != nil {
		return nil, &permanentError{err: err}
	}

	var req *http.Request
	switch r.authType {
	case consts.AuthTypeIDC:
		// idc 协议携带客户端对，JSON 编码
		body, err := json.Marshal(map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": refreshToken,
			"client_id":     r.clientID,
			"client_secret": r.clientSecret,
		})
		if err != nil {
			return nil, &permanentError{err: err}
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, r.endpoints.IDC, bytes.NewReader(body))
		if err != nil {
			return nil, &permanentError{err: err}
		}
		req.Header.Set("Content-Type", "application/json")
	default:
		// social 协议只带裸 refresh token，表单编码
		form := url.Values{}
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", refreshToken)
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, r.endpoints.Social, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, &permanentError{err: err}
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	res, err := r.client.Do(req)
	if err != nil {
		return nil, err // 连接/超时按瞬时处理
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500 {
		io.Copy(io.Discard, res.Body)
		return nil, fmt.Errorf("upstream token endpoint status %d", res.StatusCode)
	}
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return nil, &permanentError{err: fmt.Errorf("upstream token endpoint status %d: %s", res.StatusCode, body)}
	}

	var token tokenResponse
	if err := json.NewDecoder(res.Body).Decode(&token); err != nil {
		return nil, &permanentError{err: fmt.Errorf("decode token response: %w", err)}
	}
	if token.AccessToken == "" {
		return nil, &permanentError{err: fmt.Errorf("token response missing access_token")}
	}
	return &token, nil
}

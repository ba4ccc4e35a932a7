package models

import (
	"context"
	"fmt"
	"time"

	"github.com/atopos31/poolio/consts"
	"gorm.io/gorm"
)

// Store 凭证持久层，调度器只通过这组方法读写凭证
type Store struct {
	db     *gorm.DB
	cipher *Cipher
}

func NewStore(db *gorm.DB, cipher *Cipher) *Store {
	return &Store{db: db, cipher: cipher}
}

// GetActiveCredentials 全部 active 状态凭证，按 id 稳定排序
func (s *Store) GetActiveCredentials(ctx context.Context) ([]Credential, error) {
	return gorm.G[Credential](s.db).
		Where("status = ?", consts.StatusActive).
		Order("id ASC").
		Find(ctx)
}

// GetActivePublicCredentials 共享池候选集
func (s *Store) GetActivePublicCredentials(ctx context.Context) ([]Credential, error) {
	return gorm.G[Credential](s.db).
		Where("status = ? AND visibility = ?", consts.StatusActive, consts.VisibilityPublic).
		Order("id ASC").
		Find(ctx)
}

func (s *Store) GetCredentialByID(ctx context.Context, id uint) (*Credential, error) {
	cred, err := gorm.G[Credential](s.db).Where("id = ?", id).First(ctx)
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

// GetCredentialsForOwner 某用户的 active 凭证
func (s *Store) GetCredentialsForOwner(ctx context.Context, ownerID uint) ([]Credential, error) {
	return gorm.G[Credential](s.db).
		Where("user_id = ? AND status = ?", ownerID, consts.StatusActive).
		Order("id ASC").
		Find(ctx)
}

// RiskFieldUpdate 为 nil 的字段不更新
type RiskFieldUpdate struct {
	ConsecutiveFails *int
	CooldownUntil    *int64
	ConsecutiveUses  *int
	RiskScore        *float64
}

func (s *Store) UpdateRiskFields(ctx context.Context, id uint, update RiskFieldUpdate) error {
	fields := map[string]any{}
	if update.ConsecutiveFails != nil {
		fields["consecutive_fails"] = *update.ConsecutiveFails
	}
	if update.CooldownUntil != nil {
		fields["cooldown_until"] = *update.CooldownUntil
	}
	if update.ConsecutiveUses != nil {
		fields["consecutive_uses"] = *update.ConsecutiveUses
	}
	if update.RiskScore != nil {
		fields["risk_score"] = *update.RiskScore
	}
	if len(fields) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&Credential{}).
		Where("id = ?", id).
		Updates(fields).Error
}

func (s *Store) SetStatus(ctx context.Context, id uint, status string) error {
	_, err := gorm.G[Credential](s.db).
		Where("id = ?", id).
		Update(ctx, "status", status)
	return err
}

// RecordUsage 累加成功/失败计数并刷新最后使用时间
func (s *Store) RecordUsage(ctx context.Context, id uint, success bool) error {
	column := "fail_count"
	if success {
		column = "success_count"
	}
	if _, err := gorm.G[Credential](s.db).
		Where("id = ?", id).
		Update(ctx, column, gorm.Expr(column+" + 1")); err != nil {
		return err
	}
	_, err := gorm.G[Credential](s.db).
		Where("id = ?", id).
		Update(ctx, "last_used_at", time.Now().UnixMilli())
	return err
}

func (s *Store) SetLastHealthCheck(ctx context.Context, id uint, at time.Time) error {
	_, err := gorm.G[Credential](s.db).
		Where("id = ?", id).
		Update(ctx, "last_health_check_at", at.UnixMilli())
	return err
}

// GetDecryptedSecret 解密刷新密钥，仅供刷新器与健康审计使用
func (s *Store) GetDecryptedSecret(ctx context.Context, id uint) (string, error) {
	cred, err := s.GetCredentialByID(ctx, id)
	if err != nil {
		return "", err
	}
	secret, err := s.cipher.Decrypt(cred.Secret)
	if err != nil {
		return "", fmt.Errorf("decrypt secret for credential %d: %w", id, err)
	}
	return secret, nil
}

// CreateCredential 加密入库，内容哈希用于唯一性校验
func (s *Store) CreateCredential(ctx context.Context, cred *Credential, plainSecret string) error {
	enc, err := s.cipher.Encrypt(plainSecret)
	if err != nil {
		return err
	}
	cred.Secret = enc
	cred.SecretHash = HashSecret(plainSecret)
	if cred.Status == "" {
		cred.Status = consts.StatusActive
	}
	if cred.Visibility == "" {
		cred.Visibility = consts.VisibilityPublic
	}
	if cred.AuthType == "" {
		cred.AuthType = consts.AuthTypeSocial
	}
	return gorm.G[Credential](s.db).Create(ctx, cred)
}

func (s *Store) UpdateClientPair(ctx context.Context, id uint, clientID, clientSecret string) error {
	return s.db.WithContext(ctx).Model(&Credential{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"client_id":     clientID,
			"client_secret": clientSecret,
		}).Error
}

// ListCredentials 管理接口用，全部状态
func (s *Store) ListCredentials(ctx context.Context) ([]Credential, error) {
	return gorm.G[Credential](s.db).Order("id ASC").Find(ctx)
}

func (s *Store) UpdateMeta(ctx context.Context, id uint, remark, visibility string) error {
	return s.db.WithContext(ctx).Model(&Credential{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"remark":     remark,
			"visibility": visibility,
		}).Error
}

func (s *Store) DeleteCredential(ctx context.Context, id uint) error {
	_, err := gorm.G[Credential](s.db).Where("id = ?", id).Delete(ctx)
	return err
}

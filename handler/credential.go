package handler

import (
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/atopos31/poolio/common"
	"github.com/atopos31/poolio/consts"
	"github.com/atopos31/poolio/models"
)

// credentialView 出参不携带密钥
type credentialView struct {
	ID                uint    `json:"id"`
	UserID            uint    `json:"user_id"`
	Remark            string  `json:"remark"`
	Status            string  `json:"status"`
	Visibility        string  `json:"visibility"`
	AuthType          string  `json:"auth_type"`
	SuccessCount      int64   `json:"success_count"`
	FailCount         int64   `json:"fail_count"`
	LastUsedAt        int64   `json:"last_used_at"`
	LastHealthCheckAt int64   `json:"last_health_check_at"`
	ConsecutiveFails  int     `json:"consecutive_fails"`
	CooldownUntil     int64   `json:"cooldown_until"`
	RiskScore         float64 `json:"risk_score"`
}

func toView(cred *models.Credential) credentialView {
	return credentialView{
		ID:                cred.ID,
		UserID:            cred.UserID,
		Remark:            cred.Remark,
		Status:            cred.Status,
		Visibility:        cred.Visibility,
		AuthType:          cred.AuthType,
		SuccessCount:      cred.SuccessCount,
		FailCount:         cred.FailCount,
		LastUsedAt:        cred.LastUsedAt,
		LastHealthCheckAt: cred.LastHealthCheckAt,
		ConsecutiveFails:  cred.ConsecutiveFails,
		CooldownUntil:     cred.CooldownUntil,
		RiskScore:         cred.RiskScore,
	}
}

// ListCredentials 全部凭证列表
func ListCredentials(c *gin.Context) {
	ctx := c.Request.Context()
	creds, err := store.ListCredentials(ctx)
	if err != nil {
		common.InternalServerError(c, err.Error())
		return
	}
	views := make([]credentialView, 0, len(creds))
	for i := range creds {
		views = append(views, toView(&creds[i]))
	}
	common.Success(c, views)
}

// CreateCredential 托管一条新凭证，密钥加密入库
func CreateCredential(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		UserID       uint   `json:"user_id" binding:"required"`
		Secret       string `json:"secret" binding:"required"`
		Remark       string `json:"remark"`
		Visibility   string `json:"visibility"`
		AuthType     string `json:"auth_type"`
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		common.BadRequest(c, err.Error())
		return
	}
	if req.AuthType == consts.AuthTypeIDC && (req.ClientID == "" || req.ClientSecret == "") {
		common.BadRequest(c, "idc credentials require client_id and client_secret")
		return
	}

	cred := models.Credential{
		UserID:       req.UserID,
		Remark:       req.Remark,
		Visibility:   req.Visibility,
		AuthType:     req.AuthType,
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
	}
	if err := store.CreateCredential(ctx, &cred, req.Secret); err != nil {
		common.InternalServerError(c, err.Error())
		return
	}
	common.Success(c, toView(&cred))
}

// UpdateCredential 更新备注与可见性
func UpdateCredential(c *gin.Context) {
	ctx := c.Request.Context()
	id, ok := paramID(c)
	if !ok {
		return
	}

	var req struct {
		Remark     *string `json:"remark"`
		Visibility *string `json:"visibility"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		common.BadRequest(c, err.Error())
		return
	}

	cred, err := store.GetCredentialByID(ctx, id)
	if err != nil {
		common.BadRequest(c, "credential not found")
		return
	}
	if req.Remark != nil {
		cred.Remark = *req.Remark
	}
	if req.Visibility != nil {
		cred.Visibility = *req.Visibility
	}
	if err := store.UpdateMeta(ctx, cred.ID, cred.Remark, cred.Visibility); err != nil {
		common.InternalServerError(c, err.Error())
		return
	}
	common.Success(c, toView(cred))
}

// ResetCredential 人工恢复：挂起/失效的凭证重新回到池里，风控字段清零
func ResetCredential(c *gin.Context) {
	ctx := c.Request.Context()
	id, ok := paramID(c)
	if !ok {
		return
	}

	if err := store.SetStatus(ctx, id, consts.StatusActive); err != nil {
		common.InternalServerError(c, err.Error())
		return
	}
	zero := 0
	var none int64
	if err := store.UpdateRiskFields(ctx, id, models.RiskFieldUpdate{
		ConsecutiveFails: &zero,
		CooldownUntil:    &none,
		ConsecutiveUses:  &zero,
	}); err != nil {
		common.InternalServerError(c, err.Error())
		return
	}
	common.Success(c, nil)
}

// DeleteCredential 删除凭证
func DeleteCredential(c *gin.Context) {
	ctx := c.Request.Context()
	id, ok := paramID(c)
	if !ok {
		return
	}
	if err := store.DeleteCredential(ctx, id); err != nil {
		common.InternalServerError(c, err.Error())
		return
	}
	common.Success(c, nil)
}

func paramID(c *gin.Context) (uint, bool) {
	var id uint
	if _, err := fmt.Sscanf(c.Param("id"), "%d", &id); err != nil {
		common.BadRequest(c, "invalid credential id")
		return 0, false
	}
	return id, true
}

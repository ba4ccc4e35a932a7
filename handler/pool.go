package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/atopos31/poolio/common"
)

// PoolStats 池运行指标：豁免计数与本节点选举状态
func PoolStats(c *gin.Context) {
	stats := alloc.Stats()
	common.Success(c, gin.H{
		"waiver_count":  stats.WaiverCount,
		"elector_state": elector.State().String(),
	})
}

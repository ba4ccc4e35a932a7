package scoring

import (
	"time"

	"github.com/atopos31/poolio/config"
	"github.com/atopos31/poolio/models"
)

// RiskCounters 实时风险计数快照，来自协调存储或本地内存
type RiskCounters struct {
	RPM         int64
	RPH         int64
	Concurrent  int64
	Consecutive int64
}

// Score 凭证综合评分，取值 [0,100]，纯函数
//
// 四个加和项：成功率(0-40)、新鲜度(0-15)、负载均衡(0-15)、风险安全(0-30)。
// counters 为 nil 表示无实时风险数据，风险项给满分。
func Score(cred *models.Credential, counters *RiskCounters, limits config.Limits, now time.Time) float64 {
	score := successTerm(cred, limits) +
		freshnessTerm(cred, now) +
		loadTerm(cred) +
		riskTerm(counters, limits)
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// successTerm 成功率项；样本充足且低于阈值时降为 20 分制，双倍惩罚
func successTerm(cred *models.Credential, limits config.Limits) float64 {
	rate := cred.SuccessRate()
	if cred.TotalAttempts() >= limits.GraceAttempts && rate < limits.MinSuccessRate {
		return rate * 20
	}
	return rate * 40
}

// freshnessTerm 最近使用过的凭证更可信，从未使用视为新鲜
func freshnessTerm(cred *models.Credential, now time.Time) float64 {
	var hours float64
	if cred.LastUsedAt > 0 {
		hours = now.Sub(time.UnixMilli(cred.LastUsedAt)).Hours()
	}
	switch {
	case hours < 1:
		return 15
	case hours < 24:
		return 12
	default:
		v := 15 - hours/24
		if v < 3 {
			return 3
		}
		return v
	}
}

// loadTerm 压制被过度使用的凭证，分摊流量
func loadTerm(cred *models.Credential) float64 {
	v := 15 - float64(cred.TotalAttempts())/100
	if v < 0 {
		return 0
	}
	return v
}

// riskTerm 以各实时计数对上限的最大占比折算
func riskTerm(counters *RiskCounters, limits config.Limits) float64 {
	if counters == nil {
		return 30
	}
	ratio := maxRatio(
		ratio(counters.RPM, limits.RPM),
		ratio(counters.RPH, limits.RPH),
		ratio(counters.Concurrent, limits.MaxConcurrent),
		ratio(counters.Consecutive, limits.MaxConsecutive),
	)
	v := 30 * (1 - ratio)
	if v < 0 {
		return 0
	}
	return v
}

func ratio(current, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(current) / float64(limit)
}

func maxRatio(values ...float64) float64 {
	max := 0.0
	for _, v := range values {
		if v > max {
			max = v
		}
	}
	return max
}

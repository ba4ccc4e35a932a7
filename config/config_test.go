package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseTiers(t *testing.T) {
	tiers := parseTiers("2:300,3:1800,5:suspend")

	assert.Equal(t, []Tier{
		{Threshold: 2, Cooldown: 300 * time.Second},
		{Threshold: 3, Cooldown: 1800 * time.Second},
		{Threshold: 5, Suspend: true},
	}, tiers)
}

// 乱序输入按阈值重排
func TestParseTiersSorts(t *testing.T) {
	tiers := parseTiers("5:suspend, 2:300 ,3:1800")

	assert.Len(t, tiers, 3)
	assert.Equal(t, 2, tiers[0].Threshold)
	assert.Equal(t, 3, tiers[1].Threshold)
	assert.True(t, tiers[2].Suspend)
}

// 非法片段丢弃，不影响其余档位
func TestParseTiersSkipsMalformed(t *testing.T) {
	tiers := parseTiers("abc,0:10,2:-5,3:600,nope:suspend")

	assert.Equal(t, []Tier{{Threshold: 3, Cooldown: 600 * time.Second}}, tiers)
}

func TestParseTiersEmpty(t *testing.T) {
	assert.Empty(t, parseTiers(""))
}

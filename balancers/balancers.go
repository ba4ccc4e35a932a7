package balancers

import (
	"fmt"
	"sort"
)

// Balancer 在一组带权凭证 id 之间做选取
type Balancer interface {
	Pop() (uint, error)
	Delete(key uint)
	Reduce(key uint)
}

// 平滑加权轮询：权重即评分，高分凭证被选中更频繁但不会连续霸占
type smoothWeightItem struct {
	id      uint
	weight  int
	current int
}

type SmoothWeightedRR struct {
	items []*smoothWeightItem
	total int
}

func NewSmoothWeightedRR(items map[uint]int) Balancer {
	rr := &SmoothWeightedRR{}
	ids := make([]uint, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	// 固定遍历序，权重相同选取顺序可复现
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if items[id] <= 0 {
			continue
		}
		rr.items = append(rr.items, &smoothWeightItem{id: id, weight: items[id]})
	}
	rr.recompute(true)
	return rr
}

func (rr *SmoothWeightedRR) recompute(resetCurrent bool) {
	rr.total = 0
	for _, item := range rr.items {
		if resetCurrent {
			item.current = 0
		}
		rr.total += item.weight
	}
}

func (rr *SmoothWeightedRR) Pop() (uint, error) {
	if len(rr.items) == 0 || rr.total <= 0 {
		return 0, fmt.Errorf("no weighted items")
	}
	var picked *smoothWeightItem
	for _, item := range rr.items {
		item.current += item.weight
		if picked == nil || item.current > picked.current {
			picked = item
		}
	}
	picked.current -= rr.total
	return picked.id, nil
}

func (rr *SmoothWeightedRR) Delete(key uint) {
	dst := rr.items[:0]
	for _, item := range rr.items {
		if item.id == key {
			continue
		}
		dst = append(dst, item)
	}
	rr.items = dst
	rr.recompute(true)
}

// Reduce 失败后削减权重，最低保留 1
func (rr *SmoothWeightedRR) Reduce(key uint) {
	for _, item := range rr.items {
		if item.id == key {
			item.weight -= item.weight / 3
			if item.weight < 1 {
				item.weight = 1
			}
		}
	}
	rr.recompute(true)
}

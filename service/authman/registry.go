package authman

import (
	"sync"
	"time"

	"github.com/atopos31/poolio/models"
)

// Registry 每个凭证一个 Refresher，跨请求复用其密钥缓存
type Registry struct {
	store     *models.Store
	endpoints Endpoints

	threshold  time.Duration
	retryBase  time.Duration
	maxRetries int

	mu         sync.Mutex
	refreshers map[uint]*Refresher
}

func NewRegistry(store *models.Store, endpoints Endpoints, threshold, retryBase time.Duration, maxRetries int) *Registry {
	return &Registry{
		store:      store,
		endpoints:  endpoints,
		threshold:  threshold,
		retryBase:  retryBase,
		maxRetries: maxRetries,
		refreshers: make(map[uint]*Refresher),
	}
}

func (r *Registry) Get(cred *models.Credential) *Refresher {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ref, ok := r.refreshers[cred.ID]; ok {
		return ref
	}
	ref := newRefresher(cred, r.store, r.endpoints, r.threshold, r.retryBase, r.maxRetries)
	r.refreshers[cred.ID] = ref
	return ref
}

// Evict 凭证被删除或失效后丢弃其缓存
func (r *Registry) Evict(id uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.refreshers, id)
}

package registry

import (
	"context"
	"sync"

	"github.com/tidemail/bridge/consts"
)

// MemoryRegistry keeps mappings in process memory. The optional fallback
// mapping is always resolvable but never listed as created state until an
// explicit Create overrides it.
type MemoryRegistry struct {
	mu       sync.RWMutex
	mappings map[string]*Mapping
	fallback *Mapping
}

func NewMemoryRegistry(fallback *Mapping) *MemoryRegistry {
	return &MemoryRegistry{
		mappings: make(map[string]*Mapping),
		fallback: fallback,
	}
}

func (r *MemoryRegistry) Create(_ context.Context, m *Mapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *m
	r.mappings[m.InboxID] = &cp
	return nil
}

func (r *MemoryRegistry) Get(_ context.Context, id string) (*Mapping, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.mappings[id]; ok {
		cp := *m
		return &cp, nil
	}
	if r.fallback != nil && id == r.fallback.InboxID {
		cp := *r.fallback
		return &cp, nil
	}
	return nil, consts.ErrInboxNotFound
}

func (r *MemoryRegistry) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.mappings[id]; !ok {
		return consts.ErrInboxNotFound
	}
	delete(r.mappings, id)
	return nil
}

func (r *MemoryRegistry) List(_ context.Context) ([]*Mapping, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Mapping, 0, len(r.mappings))
	for _, m := range r.mappings {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

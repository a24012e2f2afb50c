package order

import (
	"sync"

	"retailpos/internal/xid"
)

// Registry keeps the open tabs of a terminal process.
type Registry struct {
	gateway Gateway
	cfg     Config

	mu   sync.RWMutex
	tabs map[string]*Machine
}

func NewRegistry(gateway Gateway, cfg Config) *Registry {
	return &Registry{gateway: gateway, cfg: cfg.withDefaults(), tabs: map[string]*Machine{}}
}

func (r *Registry) Open(storeID string, employeeID *string) *Machine {
	m := NewMachine(xid.New("tab"), storeID, employeeID, r.gateway, r.cfg)
	r.mu.Lock()
	r.tabs[m.Snapshot().ID] = m
	r.mu.Unlock()
	return m
}

func (r *Registry) Get(id string) (*Machine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.tabs[id]
	if !ok {
		return nil, ErrTabNotFound
	}
	return m, nil
}

// Close stops the tab's poller and forgets the tab.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	m, ok := r.tabs[id]
	delete(r.tabs, id)
	r.mu.Unlock()
	if !ok {
		return ErrTabNotFound
	}
	m.Close()
	return nil
}

func (r *Registry) CloseAll() {
	r.mu.Lock()
	tabs := r.tabs
	r.tabs = map[string]*Machine{}
	r.mu.Unlock()
	for _, m := range tabs {
		m.Close()
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tabs)
}

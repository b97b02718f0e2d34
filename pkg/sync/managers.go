package sync

import (
	"context"
	"sync"

	"github.com/conductorone/mobilesync/pkg/restapi"
	"github.com/conductorone/mobilesync/pkg/smartstore"
)

// Managers keeps one Manager per key, typically an account or a store path.
type Managers struct {
	mtx      sync.Mutex
	managers map[string]*Manager
}

func NewManagers() *Managers {
	return &Managers{managers: make(map[string]*Manager)}
}

// GetOrCreate returns the manager registered under key, creating it from store and client the first time. Later
// calls ignore store, client and opts.
func (r *Managers) GetOrCreate(
	ctx context.Context,
	key string,
	store smartstore.Store,
	client restapi.Sender,
	opts ...ManagerOption,
) (*Manager, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if m, ok := r.managers[key]; ok {
		return m, nil
	}
	m, err := NewManager(ctx, store, client, opts...)
	if err != nil {
		return nil, err
	}
	r.managers[key] = m
	return m, nil
}

func (r *Managers) Get(key string) (*Manager, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	m, ok := r.managers[key]
	return m, ok
}

// Reset stops the syncs of the manager under key and forgets it. Its store is left open.
func (r *Managers) Reset(key string) {
	r.mtx.Lock()
	m, ok := r.managers[key]
	delete(r.managers, key)
	r.mtx.Unlock()

	if ok {
		m.StopAll()
	}
}

func (r *Managers) ResetAll() {
	r.mtx.Lock()
	managers := r.managers
	r.managers = make(map[string]*Manager)
	r.mtx.Unlock()

	for _, m := range managers {
		m.StopAll()
	}
}

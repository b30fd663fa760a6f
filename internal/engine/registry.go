package engine

import (
	"sort"
	"sync"
)

// Registry maps users to their live connections. A connection is bound to
// at most one user. It is purely in-process and rebuilt by clients syncing
// after a restart.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]struct{}
	byConn map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]map[string]struct{}),
		byConn: make(map[string]string),
	}
}

// Bind associates connID with userID. Binding again is a no-op; binding a
// connection that belongs to another user fails with ErrUnauthorized.
func (r *Registry) Bind(userID, connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.byConn[connID]; ok {
		if owner != userID {
			return ErrUnauthorized
		}
		return nil
	}
	conns, ok := r.byUser[userID]
	if !ok {
		conns = make(map[string]struct{})
		r.byUser[userID] = conns
	}
	conns[connID] = struct{}{}
	r.byConn[connID] = userID
	return nil
}

// Unbind removes connID from userID and returns how many connections the
// user still has.
func (r *Registry) Unbind(userID, connID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.byConn[connID]; ok && owner == userID {
		delete(r.byConn, connID)
	}
	conns, ok := r.byUser[userID]
	if !ok {
		return 0
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.byUser, userID)
		return 0
	}
	return len(conns)
}

func (r *Registry) Owner(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.byConn[connID]
	return userID, ok
}

// Connections returns the user's connection ids in a stable order.
func (r *Registry) Connections(userID string) []string {
	r.mu.RLock()
	conns := make([]string, 0, len(r.byUser[userID]))
	for c := range r.byUser[userID] {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	sort.Strings(conns)
	return conns
}

func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

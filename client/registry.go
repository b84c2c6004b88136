package client

import (
	"context"
	"sync"

	"github.com/benitogf/relay"
)

// EmbeddedServer is the in-process server surface the embedded
// transport dispatches to, bypassing the network entirely.
// *relay.Server satisfies it.
type EmbeddedServer interface {
	Sync(ctx context.Context, req relay.SyncRequest) (*relay.SyncResponse, error)
}

// Registry maps server ids to in-process server instances. It is an
// explicit object handed to transports through configuration; there
// is deliberately no package-level registry.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]EmbeddedServer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{servers: make(map[string]EmbeddedServer)}
}

// Register makes a server reachable under an id.
func (r *Registry) Register(id string, server EmbeddedServer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[id] = server
}

// Unregister removes a server.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.servers, id)
}

// Lookup returns the server registered under an id.
func (r *Registry) Lookup(id string) (EmbeddedServer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	server, ok := r.servers[id]
	return server, ok
}

package client

import (
	"context"

	"github.com/goccy/go-json"
)

// OptimisticUpdate computes the optimistic value from the current
// data.
type OptimisticUpdate func(current json.RawMessage) json.RawMessage

// MutateOptions tunes Mutate.
type MutateOptions struct {
	OptimisticUpdate OptimisticUpdate
	InvalidateKeys   []string
	DisableRollback  bool
}

// ApplyOptimisticUpdate snapshots the current data as rollback data,
// applies fn synchronously, notifies subscribers once, and returns a
// rollback closure. The rollback restores the snapshot and notifies
// once more; subscribers never observe a torn intermediate state.
func (e *Engine) ApplyOptimisticUpdate(key string, fn OptimisticUpdate) func() {
	e.mu.Lock()
	node, ok := e.nodes[key]
	if !ok {
		node = newNodeState()
		e.nodes[key] = node
	}
	node.rollbackData = node.data
	node.optimistic = true
	node.data = fn(node.data)
	notify := e.notifierLocked(key, node)
	e.mu.Unlock()
	notify()

	return func() {
		e.mu.Lock()
		node, ok := e.nodes[key]
		if !ok || !node.optimistic {
			e.mu.Unlock()
			return
		}
		node.data = node.rollbackData
		node.rollbackData = nil
		node.optimistic = false
		rollbackNotify := e.notifierLocked(key, node)
		e.mu.Unlock()
		rollbackNotify()
	}
}

// Mutate orchestrates an optimistic mutation: apply the optimistic
// update when configured, run the caller's mutation, and on success
// clear the optimistic state and trigger a sync for the mutated key
// plus any extra invalidation keys. On failure the optimistic update
// is rolled back (unless disabled) and the error returned.
func (e *Engine) Mutate(ctx context.Context, key string, fn func(ctx context.Context) error, opts MutateOptions) error {
	var rollback func()
	if opts.OptimisticUpdate != nil {
		rollback = e.ApplyOptimisticUpdate(key, opts.OptimisticUpdate)
	}

	if err := fn(ctx); err != nil {
		if rollback != nil && !opts.DisableRollback {
			rollback()
		}
		return err
	}

	e.mu.Lock()
	if node, ok := e.nodes[key]; ok && node.optimistic {
		node.optimistic = false
		node.rollbackData = nil
	}
	e.mu.Unlock()

	keys := append([]string{key}, opts.InvalidateKeys...)
	return e.SyncKeys(ctx, keys)
}

package client

import "sync"

// Event names emitted by the sync engine. Compatibility shims
// (SSE/polling adapters) build on these without being part of the
// core.
type Event string

const (
	EventSyncStart    Event = "sync:start"
	EventSyncComplete Event = "sync:complete"
	EventSyncError    Event = "sync:error"
	EventNodeUpdate   Event = "node:update"
	EventMeshUpdate   Event = "mesh:update"
)

// Emitter is a minimal in-process event registry.
type Emitter struct {
	mu        sync.Mutex
	listeners map[Event]map[int]func(payload interface{})
	next      int
}

// NewEmitter creates an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{listeners: make(map[Event]map[int]func(payload interface{}))}
}

// On registers a listener and returns its removal function.
func (e *Emitter) On(event Event, fn func(payload interface{})) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners[event] == nil {
		e.listeners[event] = make(map[int]func(payload interface{}))
	}
	id := e.next
	e.next++
	e.listeners[event][id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners[event], id)
	}
}

// Emit calls every listener registered for the event. Listeners run
// outside the emitter lock.
func (e *Emitter) Emit(event Event, payload interface{}) {
	e.mu.Lock()
	fns := make([]func(payload interface{}), 0, len(e.listeners[event]))
	for _, fn := range e.listeners[event] {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(payload)
	}
}

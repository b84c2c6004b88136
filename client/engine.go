package client

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/benitogf/relay"
)

// DefaultDebounce is the batching window between a subscription and
// the sync round it triggers.
const DefaultDebounce = 50 * time.Millisecond

// Fetcher loads the application payload for a key when a content
// change was detected and the response did not carry it inline.
type Fetcher func(ctx context.Context, key string) (json.RawMessage, error)

// Transform validates or reshapes a fetched payload before it is
// stored.
type Transform func(key string, data json.RawMessage) (json.RawMessage, error)

// Config configures an Engine.
type Config struct {
	Transport Transport
	ClientID  string
	Fetcher   Fetcher
	Transform Transform
	Debounce  time.Duration
	Clock     clockwork.Clock
	Logger    *zap.Logger
}

// Engine is the client-side reconciliation engine: per-key
// subscription lifecycle, debounced batched sync scheduling, delta
// reconciliation and optimistic mutation. At most one sync is in
// flight per engine; overlapping requests coalesce into the pending
// set and wait for the next trigger.
type Engine struct {
	mu        sync.Mutex
	transport Transport
	clientID  string
	fetcher   Fetcher
	transform Transform
	debounce  time.Duration
	clock     clockwork.Clock
	logger    *zap.Logger
	emitter   *Emitter

	nodes         map[string]*nodeState
	known         map[string]int64
	pending       map[string]struct{}
	timerArmed    bool
	timer         clockwork.Timer
	inFlight      bool
	serverVersion int64
	fetches       map[string]struct{}
}

// NewEngine creates an engine over a transport.
func NewEngine(config Config) *Engine {
	if config.ClientID == "" {
		config.ClientID = uuid.NewString()
	}
	if config.Debounce == 0 {
		config.Debounce = DefaultDebounce
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &Engine{
		transport: config.Transport,
		clientID:  config.ClientID,
		fetcher:   config.Fetcher,
		transform: config.Transform,
		debounce:  config.Debounce,
		clock:     config.Clock,
		logger:    config.Logger,
		emitter:   NewEmitter(),
		nodes:     make(map[string]*nodeState),
		known:     make(map[string]int64),
		pending:   make(map[string]struct{}),
		fetches:   make(map[string]struct{}),
	}
}

// Events exposes the engine's event emitter.
func (e *Engine) Events() *Emitter {
	return e.emitter
}

// ClientID returns the engine's client id.
func (e *Engine) ClientID() string {
	return e.clientID
}

// ServerVersion returns the last server version observed.
func (e *Engine) ServerVersion() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.serverVersion
}

// Subscribe attaches a subscriber to a key. The first subscription
// creates the node stale and schedules a debounced sync; later ones
// attach without re-fetching. The subscriber is called immediately
// with the current state. The returned cancel detaches the
// subscriber; when the last one leaves, the node and its
// known-version entry are dropped.
func (e *Engine) Subscribe(key string, fn Subscriber) func() {
	e.mu.Lock()
	node, ok := e.nodes[key]
	if !ok {
		node = newNodeState()
		e.nodes[key] = node
		e.pending[key] = struct{}{}
		e.armTimerLocked()
	}
	id := node.nextSub
	node.nextSub++
	node.subscribers[id] = fn
	state := node.snapshot(key)
	e.mu.Unlock()

	fn(state)

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			node, ok := e.nodes[key]
			if !ok {
				return
			}
			delete(node.subscribers, id)
			if len(node.subscribers) == 0 {
				delete(e.nodes, key)
				delete(e.known, key)
				delete(e.pending, key)
			}
		})
	}
}

// GetState returns the current snapshot for a key.
func (e *Engine) GetState(key string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	node, ok := e.nodes[key]
	if !ok {
		return State{Key: key, Status: StatusIdle}
	}
	return node.snapshot(key)
}

// SyncKeys queues keys and flushes the pending set immediately. Keys
// without a subscription are still requested, so invalidation keys
// from a mutation reach the server even when nothing local watches
// them; their results are discarded.
func (e *Engine) SyncKeys(ctx context.Context, keys []string) error {
	e.mu.Lock()
	for _, key := range keys {
		e.pending[key] = struct{}{}
	}
	e.mu.Unlock()
	return e.flush(ctx)
}

// SyncAll queues every subscribed key and flushes.
func (e *Engine) SyncAll(ctx context.Context) error {
	e.mu.Lock()
	for key := range e.nodes {
		e.pending[key] = struct{}{}
	}
	e.mu.Unlock()
	return e.flush(ctx)
}

// armTimerLocked starts the debounce timer unless one is running.
// The timer is owned by the engine and cancels with it.
func (e *Engine) armTimerLocked() {
	if e.timerArmed {
		return
	}
	e.timerArmed = true
	e.timer = e.clock.AfterFunc(e.debounce, func() {
		e.mu.Lock()
		e.timerArmed = false
		e.mu.Unlock()
		if err := e.flush(context.Background()); err != nil {
			e.logger.Debug("debounced sync failed", zap.Error(err))
		}
	})
}

// flush launches one sync round for the pending keys. If a sync is
// already in flight the pending keys stay queued for the next
// trigger.
func (e *Engine) flush(ctx context.Context) error {
	e.mu.Lock()
	if e.inFlight || len(e.pending) == 0 {
		e.mu.Unlock()
		return nil
	}
	keys := make([]string, 0, len(e.pending))
	known := make(map[string]int64, len(e.pending))
	for key := range e.pending {
		keys = append(keys, key)
		known[key] = e.known[key]
		if node, ok := e.nodes[key]; ok {
			node.status = StatusSyncing
		}
		delete(e.pending, key)
	}
	e.inFlight = true
	e.mu.Unlock()

	e.emitter.Emit(EventSyncStart, keys)
	resp, err := e.transport.Sync(ctx, relay.SyncRequest{
		Known:     known,
		ClientID:  e.clientID,
		Timestamp: e.clock.Now().UnixMilli(),
	})
	if err != nil {
		e.mu.Lock()
		e.inFlight = false
		notify := e.markErrorLocked(keys, err)
		e.mu.Unlock()
		notify()
		e.emitter.Emit(EventSyncError, err)
		return err
	}

	e.mu.Lock()
	e.inFlight = false
	notify := e.reconcileLocked(ctx, keys, resp)
	e.mu.Unlock()
	notify()
	e.emitter.Emit(EventSyncComplete, resp)
	e.emitter.Emit(EventMeshUpdate, resp.Mesh)
	return nil
}

func (e *Engine) markErrorLocked(keys []string, err error) func() {
	var pending []func()
	for _, key := range keys {
		node, ok := e.nodes[key]
		if !ok {
			continue
		}
		node.status = StatusError
		node.err = err
		pending = append(pending, e.notifierLocked(key, node))
	}
	return func() {
		for _, fn := range pending {
			fn()
		}
	}
}

// reconcileLocked folds a sync response into local state. The
// returned closure delivers subscriber notifications and must run
// after the engine lock is released.
func (e *Engine) reconcileLocked(ctx context.Context, keys []string, resp *relay.SyncResponse) func() {
	var pending []func()
	for _, key := range keys {
		node, ok := e.nodes[key]
		if !ok {
			// unsubscribed while the sync was in flight
			continue
		}
		entry, changed := resp.Changed[key]
		if !changed {
			node.stale = false
			node.status = StatusIdle
			node.err = nil
			continue
		}

		if entry.Version == 0 && entry.Hash == "" {
			// authoritative: the server does not know this key
			e.known[key] = 0
			node.meta = nil
			node.data = nil
			node.stale = false
			node.status = StatusIdle
			node.err = nil
			pending = append(pending, e.notifierLocked(key, node))
			continue
		}

		previousHash := ""
		if node.meta != nil {
			previousHash = node.meta.Hash
		}
		e.known[key] = entry.Version
		node.meta = &relay.NodeMeta{
			Key:       key,
			Version:   entry.Version,
			Hash:      entry.Hash,
			UpdatedAt: resp.ServerTime,
		}
		node.stale = false
		node.err = nil

		// only a hash mismatch represents real content change
		if entry.Hash == previousHash {
			node.status = StatusIdle
			pending = append(pending, e.notifierLocked(key, node))
			continue
		}
		if entry.Payload != nil {
			data, err := e.applyTransform(key, entry.Payload)
			if err != nil {
				node.status = StatusError
				node.err = err
			} else {
				node.data = data
				node.status = StatusIdle
			}
			pending = append(pending, e.notifierLocked(key, node))
			continue
		}
		if e.fetcher != nil {
			node.status = StatusLoading
			pending = append(pending, e.notifierLocked(key, node))
			e.startFetchLocked(ctx, key)
			continue
		}
		node.status = StatusIdle
		pending = append(pending, e.notifierLocked(key, node))
	}

	if resp.Mesh.ServerVersion > e.serverVersion {
		e.serverVersion = resp.Mesh.ServerVersion
	}
	return func() {
		for _, fn := range pending {
			fn()
		}
	}
}

// startFetchLocked launches the payload fetch for a key unless one is
// already running; concurrent content changes share the single fetch.
func (e *Engine) startFetchLocked(ctx context.Context, key string) {
	if _, running := e.fetches[key]; running {
		return
	}
	e.fetches[key] = struct{}{}
	go e.runFetch(ctx, key)
}

func (e *Engine) runFetch(ctx context.Context, key string) {
	data, err := e.fetcher(ctx, key)
	if err == nil {
		data, err = e.applyTransform(key, data)
	}

	e.mu.Lock()
	delete(e.fetches, key)
	node, ok := e.nodes[key]
	if !ok {
		e.mu.Unlock()
		return
	}
	if err != nil {
		node.status = StatusError
		node.err = err
	} else {
		node.data = data
		node.status = StatusIdle
		node.err = nil
	}
	notify := e.notifierLocked(key, node)
	e.mu.Unlock()
	notify()
}

func (e *Engine) applyTransform(key string, data json.RawMessage) (json.RawMessage, error) {
	if e.transform == nil {
		return data, nil
	}
	return e.transform(key, data)
}

// notifierLocked snapshots a node and returns a closure that informs
// its subscribers and the node:update listeners outside the lock.
func (e *Engine) notifierLocked(key string, node *nodeState) func() {
	state := node.snapshot(key)
	fns := node.listeners()
	return func() {
		for _, fn := range fns {
			fn(state)
		}
		e.emitter.Emit(EventNodeUpdate, state)
	}
}

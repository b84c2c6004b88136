package relay

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Accelerator is the optional best-effort cache/pub-sub layer that
// speeds up invalidation dissemination. Every operation is
// fire-and-forget: absence or failure of an accelerator changes
// latency, never correctness.
type Accelerator interface {
	// InvalidateCache drops any cached state for a key.
	InvalidateCache(key string)
	// PublishInvalidation disseminates an invalidation hint.
	PublishInvalidation(keys []string)
	// Subscribe registers a callback for received hints and returns
	// an unsubscribe function.
	Subscribe(fn func(keys []string)) func()
}

// LRUAccelerator is an in-process accelerator that keeps recently
// invalidated keys in a bounded LRU and fans hints out to local
// subscribers.
type LRUAccelerator struct {
	mu     sync.Mutex
	hints  *lru.Cache[string, int64]
	subs   map[int]func(keys []string)
	next   int
	clock  clockwork.Clock
	logger *zap.Logger
}

// NewLRUAccelerator creates an accelerator holding up to size hints.
func NewLRUAccelerator(size int, logger *zap.Logger) *LRUAccelerator {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	hints, _ := lru.New[string, int64](size)
	return &LRUAccelerator{
		hints:  hints,
		subs:   make(map[int]func(keys []string)),
		clock:  clockwork.NewRealClock(),
		logger: logger,
	}
}

func (a *LRUAccelerator) InvalidateCache(key string) {
	a.hints.Remove(key)
}

func (a *LRUAccelerator) PublishInvalidation(keys []string) {
	now := a.clock.Now().UnixMilli()
	for _, key := range keys {
		a.hints.Add(key, now)
	}
	a.mu.Lock()
	subs := make([]func(keys []string), 0, len(a.subs))
	for _, fn := range a.subs {
		subs = append(subs, fn)
	}
	a.mu.Unlock()
	for _, fn := range subs {
		a.notify(fn, keys)
	}
}

// notify shields the accelerator from subscriber panics; a broken
// subscriber must not take the invalidation path down with it.
func (a *LRUAccelerator) notify(fn func(keys []string), keys []string) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Debug("accelerator subscriber panicked", zap.Any("panic", r))
		}
	}()
	fn(keys)
}

func (a *LRUAccelerator) Subscribe(fn func(keys []string)) func() {
	a.mu.Lock()
	id := a.next
	a.next++
	a.subs[id] = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.subs, id)
		a.mu.Unlock()
	}
}

// Hint returns the last invalidation time recorded for a key.
func (a *LRUAccelerator) Hint(key string) (int64, bool) {
	return a.hints.Get(key)
}

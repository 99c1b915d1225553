package kafka

import (
	"sync"
	"sync/atomic"

	"github.com/loipv/kafka-bridge/native"
	"go.uber.org/zap"
)

// Entry is the callback bundle of one native handle. The engine only ever
// sees the entry's opaque key. Fields are read-only once registered.
type Entry struct {
	// Rebalance is the consumer's listener; it may implement
	// PartitionsAssignedListener, PartitionsRevokedListener, both or neither.
	Rebalance    RebalanceListener
	TokenRefresh TokenRefreshFunc

	// Producer receives delivery reports.
	Producer *Producer
	// Consumer owns rebalance handling when set.
	Consumer *Consumer

	Log    LogFunc
	Stats  StatsFunc
	Error  ErrorHandler
	Logger *zap.Logger
}

func (e *Entry) logger() *zap.Logger {
	return orNop(e.Logger)
}

// Registry maps opaque keys to entries. It is safe for concurrent use by
// any number of polling goroutines.
type Registry struct {
	next atomic.Uintptr

	mu      sync.RWMutex
	entries map[native.Opaque]*Entry
}

var defaultRegistry = NewRegistry()

// DefaultRegistry is the process-wide registry clients use unless told
// otherwise.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[native.Opaque]*Entry)}
}

// Register stores e under a fresh key. Keys start at 1 and are never reused
// within the process.
func (r *Registry) Register(e *Entry) native.Opaque {
	if e == nil {
		panic("kafka: register nil registry entry")
	}
	key := native.Opaque(r.next.Add(1))

	r.mu.Lock()
	r.entries[key] = e
	r.mu.Unlock()
	return key
}

// Resolve returns the entry stored under key or a *DanglingKeyError.
func (r *Registry) Resolve(key native.Opaque) (*Entry, error) {
	r.mu.RLock()
	e, ok := r.entries[key]
	r.mu.RUnlock()
	if !ok {
		return nil, &DanglingKeyError{Key: key, Op: "resolve"}
	}
	return e, nil
}

// Deregister removes key. Callbacks that already resolved the entry keep
// running to completion. Removing an unknown key is a *DanglingKeyError.
func (r *Registry) Deregister(key native.Opaque) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[key]; !ok {
		return &DanglingKeyError{Key: key, Op: "deregister"}
	}
	delete(r.entries, key)
	return nil
}

// Len is the number of live entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

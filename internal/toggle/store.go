// Package toggle keeps per-chat feature switches in memory and persists
// changes asynchronously through a bounded change queue.
package toggle

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"
)

// ErrStoreBackpressure is returned by Set when the change queue stayed full
// for the whole enqueue window. The in-memory value is already updated.
var ErrStoreBackpressure = errors.New("toggle: persistence queue saturated")

// Key identifies one toggle.
type Key struct {
	ChatScope int64  `json:"chat_scope"`
	Feature   string `json:"feature"`
}

func (k Key) String() string {
	return strconv.FormatInt(k.ChatScope, 10) + "/" + k.Feature
}

// Change is one queued persistence instruction.
type Change struct {
	Key     Key
	Enabled bool
}

// Loader reads every persisted toggle. Used once at startup.
type Loader interface {
	LoadToggles(ctx context.Context) (map[Key]bool, error)
}

// Options configures a Store.
type Options struct {
	Default        bool          // value for keys never set
	QueueCapacity  int           // bounded change queue size
	EnqueueTimeout time.Duration // how long Set may wait for queue capacity
	Shards         int
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		Default:        true,
		QueueCapacity:  1024,
		EnqueueTimeout: 100 * time.Millisecond,
		Shards:         16,
	}
}

type shard struct {
	mu sync.RWMutex
	m  map[Key]bool
}

// Store is the in-memory toggle map. Reads never touch storage.
type Store struct {
	def            bool
	shards         []*shard
	queue          chan Change
	enqueueTimeout time.Duration
}

// NewStore creates a Store with an empty map.
func NewStore(opts Options) *Store {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = DefaultOptions().QueueCapacity
	}
	if opts.Shards <= 0 {
		opts.Shards = DefaultOptions().Shards
	}
	s := &Store{
		def:            opts.Default,
		shards:         make([]*shard, opts.Shards),
		queue:          make(chan Change, opts.QueueCapacity),
		enqueueTimeout: opts.EnqueueTimeout,
	}
	for i := range s.shards {
		s.shards[i] = &shard{m: make(map[Key]bool)}
	}
	return s
}

func (s *Store) shardFor(k Key) *shard {
	h := fnv.New32a()
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(uint64(k.ChatScope) >> (8 * i))
	}
	h.Write(buf[:])
	h.Write([]byte(k.Feature))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Default returns the value reported for keys that were never set.
func (s *Store) Default() bool { return s.def }

// Get returns the enabled state of feature in chatScope.
func (s *Store) Get(chatScope int64, feature string) bool {
	v, ok := s.lookup(Key{ChatScope: chatScope, Feature: feature})
	if !ok {
		return s.def
	}
	return v
}

func (s *Store) lookup(k Key) (bool, bool) {
	sh := s.shardFor(k)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	v, ok := sh.m[k]
	return v, ok
}

// Set updates the in-memory state and queues the change for persistence.
// The new value is visible to Get before Set returns, even when Set reports
// ErrStoreBackpressure.
func (s *Store) Set(ctx context.Context, chatScope int64, feature string, enabled bool) error {
	k := Key{ChatScope: chatScope, Feature: feature}
	sh := s.shardFor(k)
	sh.mu.Lock()
	sh.m[k] = enabled
	sh.mu.Unlock()

	return s.enqueue(ctx, Change{Key: k, Enabled: enabled})
}

func (s *Store) enqueue(ctx context.Context, c Change) error {
	select {
	case s.queue <- c:
		return nil
	default:
	}
	if s.enqueueTimeout <= 0 {
		return ErrStoreBackpressure
	}
	timer := time.NewTimer(s.enqueueTimeout)
	defer timer.Stop()
	select {
	case s.queue <- c:
		return nil
	case <-timer.C:
		return ErrStoreBackpressure
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrStoreBackpressure, ctx.Err())
	}
}

// Snapshot returns the explicitly set values for one chat.
func (s *Store) Snapshot(chatScope int64) map[string]bool {
	out := make(map[string]bool)
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k, v := range sh.m {
			if k.ChatScope == chatScope {
				out[k.Feature] = v
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

// Load seeds the map from durable storage. It does not queue anything and
// must run before the store serves traffic.
func (s *Store) Load(ctx context.Context, l Loader) (int, error) {
	all, err := l.LoadToggles(ctx)
	if err != nil {
		return 0, fmt.Errorf("load toggles: %w", err)
	}
	for k, v := range all {
		sh := s.shardFor(k)
		sh.mu.Lock()
		sh.m[k] = v
		sh.mu.Unlock()
	}
	return len(all), nil
}

// Pending returns the number of queued, not yet persisted changes.
func (s *Store) Pending() int {
	return len(s.queue)
}

// Package cache provides the view cache for expensive read paths: a
// composite-key to JSON store with explicit TTLs and explicit invalidation.
// Every write path in the scheduling core invalidates the affected keys so a
// cached view never outlives a write.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// ViewCache is the contract consumed by the scheduling service. Invalidate
// removes every key sharing the given prefix, so one participant's cached
// views can be dropped without knowing which windows were requested.
type ViewCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Invalidate(ctx context.Context, prefix string)
	InvalidateAll(ctx context.Context)
}

// Key builds a composite cache key from an entity type and identifier chain.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// ActivitiesKey is the view-key prefix for one participant's scheduled
// activities.
func ActivitiesKey(healthCode string) string {
	return Key("activities", healthCode)
}

// Noop disables caching.
type Noop struct{}

func (Noop) Get(context.Context, string) ([]byte, bool)          { return nil, false }
func (Noop) Set(context.Context, string, []byte, time.Duration) {}
func (Noop) Invalidate(context.Context, string)                 {}
func (Noop) InvalidateAll(context.Context)                      {}

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is an in-process ViewCache. Expired entries are dropped lazily on
// read.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewMemory constructs an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]entry)}
}

// Get returns the cached value when present and unexpired.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

// Set stores a value with the given TTL. Non-positive TTLs are ignored.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	m.mu.Lock()
	m.entries[key] = entry{value: append([]byte(nil), value...), expiresAt: time.Now().Add(ttl)}
	m.mu.Unlock()
}

// Invalidate removes every key sharing the prefix.
func (m *Memory) Invalidate(_ context.Context, prefix string) {
	m.mu.Lock()
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			delete(m.entries, key)
		}
	}
	m.mu.Unlock()
}

// InvalidateAll clears the cache. Used when a write fans out to an unknown
// set of participants, e.g. a schedule-plan deletion.
func (m *Memory) InvalidateAll(_ context.Context) {
	m.mu.Lock()
	m.entries = make(map[string]entry)
	m.mu.Unlock()
}

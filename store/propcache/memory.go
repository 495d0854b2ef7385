package propcache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/wolfeidau/vfs-cache/telemetry"
)

// Memory is a process-local Cache, used when no database path is configured.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memoryEntry
}

type memoryEntry struct {
	props     Properties
	expiresAt time.Time
}

// NewMemory creates an empty in-memory cache. now may be nil.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{now: now, entries: make(map[string]memoryEntry)}
}

func (m *Memory) Get(ctx context.Context, key string) (*Properties, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		telemetry.RecordPropCacheLookup(ctx, "miss")
		return nil, ErrNotFound
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		telemetry.RecordPropCacheLookup(ctx, "expired")
		return nil, ErrNotFound
	}
	telemetry.RecordPropCacheLookup(ctx, "hit")
	props := e.props
	props.Children = append([]string(nil), e.props.Children...)
	return &props, nil
}

func (m *Memory) Put(_ context.Context, key string, props *Properties, ttl time.Duration) error {
	e := memoryEntry{props: *props}
	e.props.Children = append([]string(nil), props.Children...)
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.entries[key] = e
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeletePrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Close() error { return nil }

var _ Cache = (*Memory)(nil)

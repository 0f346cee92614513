// Package store provides the entitlement.Store implementations: a
// process-local in-memory store and a durable SQLite-backed one. Both
// serialize writers per identity while letting different identities proceed
// in parallel.
package store

import (
	"context"
	"sync"

	"github.com/tjfontaine/entitled-gateway/internal/entitlement"
)

type memoryEntry struct {
	mu  sync.Mutex
	rec entitlement.Record
}

// Memory is an in-memory implementation of entitlement.Store. Each identity
// owns its own mutex; the registry lock is only held long enough to look the
// entry up, so the per-identity critical section never blocks other keys.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

var _ entitlement.Store = (*Memory)(nil)

// NewMemory creates a new in-memory store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*memoryEntry)}
}

func (s *Memory) entry(identity string) *memoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[identity]
	if !ok {
		e = &memoryEntry{rec: entitlement.DefaultRecord()}
		s.entries[identity] = e
	}
	return e
}

func (s *Memory) Get(ctx context.Context, identity string) (entitlement.Record, error) {
	e := s.entry(identity)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec, nil
}

func (s *Memory) Update(ctx context.Context, identity string, fn func(entitlement.Record) entitlement.Record) (entitlement.Record, error) {
	e := s.entry(identity)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.rec = fn(e.rec)
	return e.rec, nil
}

func (s *Memory) Close() error {
	return nil
}

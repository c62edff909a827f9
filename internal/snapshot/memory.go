package snapshot

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]*memorySnapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[string]*memorySnapshot)}
}

func (s *MemoryStore) Open(ctx context.Context, version string) (Snapshot, error) {
	if strings.TrimSpace(version) == "" {
		return nil, fmt.Errorf("snapshot version is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snapshots[version]
	if !ok {
		snap = &memorySnapshot{version: version, entries: make(map[string]*Response)}
		s.snapshots[version] = snap
	}
	return snap, nil
}

func (s *MemoryStore) Versions(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := make([]string, 0, len(s.snapshots))
	for v := range s.snapshots {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	return versions, nil
}

func (s *MemoryStore) Delete(ctx context.Context, version string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.snapshots[version]; !ok {
		return false, nil
	}
	delete(s.snapshots, version)
	return true, nil
}

func (s *MemoryStore) Close() error { return nil }

type memorySnapshot struct {
	mu      sync.RWMutex
	version string
	entries map[string]*Response
}

func (m *memorySnapshot) Version() string { return m.version }

func (m *memorySnapshot) Match(ctx context.Context, key string) (*Response, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	resp, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return copyResponse(resp), nil
}

func (m *memorySnapshot) Put(ctx context.Context, key string, resp *Response) error {
	if resp == nil {
		return fmt.Errorf("put %q: nil response", key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = copyResponse(resp)
	return nil
}

func (m *memorySnapshot) Delete(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[key]; !ok {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}

func (m *memorySnapshot) Keys(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func copyResponse(r *Response) *Response {
	return &Response{
		StatusCode: r.StatusCode,
		Header:     r.Header.Clone(),
		Body:       append([]byte(nil), r.Body...),
		StoredAt:   r.StoredAt,
	}
}

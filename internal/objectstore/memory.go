package objectstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"slices"
	"sync"
)

// Memory is an in-process Store with optional failure injection.
type Memory struct {
	mu      sync.Mutex
	buckets map[string]map[string][]byte
	puts    int

	// FailGet and FailRemove make the matching calls fail when set.
	FailGet    bool
	FailRemove bool
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{buckets: make(map[string]map[string][]byte)}
}

// Put stores a copy of data.
func (m *Memory) Put(_ context.Context, bucket, path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[bucket]
	if !ok {
		return errors.New("objectstore: no such bucket " + bucket)
	}
	b[path] = slices.Clone(data)
	m.puts++
	return nil
}

// Get returns a reader over a stored copy.
func (m *Memory) Get(_ context.Context, bucket, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailGet {
		return nil, errors.New("objectstore: injected get failure")
	}
	data, ok := m.buckets[bucket][path]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(slices.Clone(data))), nil
}

// Remove deletes an object.
func (m *Memory) Remove(_ context.Context, bucket, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailRemove {
		return errors.New("objectstore: injected remove failure")
	}
	delete(m.buckets[bucket], path)
	return nil
}

// BucketExists reports whether bucket exists.
func (m *Memory) BucketExists(_ context.Context, bucket string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.buckets[bucket]
	return ok, nil
}

// CreateBucket creates bucket if missing.
func (m *Memory) CreateBucket(_ context.Context, bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[bucket]; !ok {
		m.buckets[bucket] = make(map[string][]byte)
	}
	return nil
}

// Puts returns the number of successful writes.
func (m *Memory) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

// Objects returns the number of objects in bucket.
func (m *Memory) Objects(bucket string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets[bucket])
}

// SetFailures toggles failure injection.
func (m *Memory) SetFailures(get, remove bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailGet = get
	m.FailRemove = remove
}

// Package objectstoretest provides an in-memory objectstore.Store.
package objectstoretest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/danhnguyen123/data-engineering-outsource/pkg/objectstore"
)

type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
	opts    map[string]objectstore.PutOptions
}

var _ objectstore.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{objects: map[string][]byte{}, opts: map[string]objectstore.PutOptions{}}
}

func (m *Memory) Get(_ context.Context, bucket, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("%w: s3://%s/%s", objectstore.ErrObjectNotFound, bucket, key)
	}
	return data, nil
}

func (m *Memory) Put(_ context.Context, bucket, key string, data []byte, opts objectstore.PutOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = append([]byte(nil), data...)
	m.opts[bucket+"/"+key] = opts
	return nil
}

// Keys lists bucket/key names sorted.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.objects))
	for k := range m.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (m *Memory) Options(bucket, key string) objectstore.PutOptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opts[bucket+"/"+key]
}
